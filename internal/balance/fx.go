package balance

import (
	"github.com/smallbiznis/meterline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewClient(cfg config.Config, log *zap.Logger) Client {
	return NewHTTPClient(cfg.BalanceBaseURL, cfg.BalanceTimeout, log)
}

var Module = fx.Module("balance",
	fx.Provide(NewClient),
)
