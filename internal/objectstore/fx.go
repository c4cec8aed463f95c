package objectstore

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func NewStore(client *redis.Client) Store {
	return NewRedisStore(client, "")
}

var Module = fx.Module("objectstore",
	fx.Provide(NewStore),
)
