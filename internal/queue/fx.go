package queue

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterline/internal/config"
	"go.uber.org/fx"
)

func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func NewSender(client *redis.Client) Sender {
	return NewRedisSender(client)
}

var Module = fx.Module("queue",
	fx.Provide(
		NewClient,
		NewSender,
	),
)
