package orchestrator

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("orchestrator",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(RunOrchestrator),
)

func RunOrchestrator(lc fx.Lifecycle, orch *Orchestrator) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go orch.RunForever(ctx)

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
