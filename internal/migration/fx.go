package migration

import (
	auditdomain "github.com/smallbiznis/creditsync/internal/audit/domain"
	ledgerdomain "github.com/smallbiznis/creditsync/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply runs the embedded SQL on postgres. Other dialects (sqlite for local
// runs, mysql) get the schema from the gorm models.
func Apply(conn *gorm.DB, log *zap.Logger) error {
	dialect := conn.Dialector.Name()
	if dialect != "postgres" {
		log.Info("migrations: using model auto-migrate", zap.String("dialect", dialect))
		return conn.AutoMigrate(
			&ledgerdomain.Account{},
			&ledgerdomain.Credential{},
			&ledgerdomain.UsageRecord{},
			&ledgerdomain.LedgerEntry{},
			&auditdomain.AuditLog{},
		)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}
