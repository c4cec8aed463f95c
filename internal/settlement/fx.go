package settlement

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("settlement",
	fx.Provide(New),
	fx.Invoke(RunConsumer),
)

// RunConsumer subscribes the settlement consumer to the billing job stream.
func RunConsumer(lc fx.Lifecycle, cfg config.Config, client *redis.Client, consumer *Consumer, log *zap.Logger) {
	stream := queue.NewRedisConsumer(client, log, queue.ConsumerConfig{
		Stream:  cfg.SettlementStream,
		Group:   cfg.ConsumerGroup,
		Name:    cfg.ConsumerName,
		Handler: consumer.HandleBatch,
	})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go func() {
				if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("settlement consumer stopped", zap.Error(err))
				}
			}()

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
