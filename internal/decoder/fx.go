package decoder

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("decoder",
	fx.Provide(New),
	fx.Provide(NewWorker),
	fx.Invoke(RunConsumer),
)

// RunConsumer subscribes the decoder to the archive notification stream.
func RunConsumer(lc fx.Lifecycle, cfg config.Config, client *redis.Client, worker *Worker, log *zap.Logger) {
	consumer := queue.NewRedisConsumer(client, log, queue.ConsumerConfig{
		Stream:  cfg.ArchiveStream,
		Group:   cfg.ConsumerGroup,
		Name:    cfg.ConsumerName,
		Handler: worker.Handle,
	})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go func() {
				if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("archive consumer stopped", zap.Error(err))
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
