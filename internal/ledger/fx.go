package ledger

import (
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	"github.com/smallbiznis/meterline/internal/ledger/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func NewRepository(db *gorm.DB, log *zap.Logger) ledgerdomain.Repository {
	return repository.New(db, log)
}

var Module = fx.Module("ledger",
	fx.Provide(NewRepository),
)
