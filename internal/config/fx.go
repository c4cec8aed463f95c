package config

import "go.uber.org/fx"

// Module provides the environment-backed application config.
var Module = fx.Module("config",
	fx.Provide(Load),
)
