package db

import (
	"fmt"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"gorm.io/gorm"
)

// requiredIndex names a composite index the sweep and lookup paths depend on.
type requiredIndex struct {
	model any
	name  string
}

// requiredIndexes are declared in model tags; Migrate backfills them on tables
// created before the tags existed.
var requiredIndexes = []requiredIndex{
	{model: &models.QuotaBucket{}, name: "idx_quota_buckets_user_bucket"},
	{model: &models.LedgerRecord{}, name: "idx_ledger_records_user_bucket"},
	{model: &models.LedgerRecord{}, name: "idx_ledger_records_correlation"},
	{model: &models.Authorization{}, name: "idx_authorizations_status_expires"},
}

// Migrate creates or updates the metering schema.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.User{},
		&models.AIModel{},
		&models.Package{},
		&models.PackageMembership{},
		&models.PackageOrder{},
		&models.QuotaBucket{},
		&models.LedgerRecord{},
		&models.PriceRule{},
		&models.Authorization{},
		&models.AuthorizationAllocation{},
		&models.CallRecord{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: auto migrate: %w", errMigrate)
	}

	migrator := conn.Migrator()
	for _, idx := range requiredIndexes {
		if migrator.HasIndex(idx.model, idx.name) {
			continue
		}
		if errCreate := migrator.CreateIndex(idx.model, idx.name); errCreate != nil {
			return fmt.Errorf("db: create index %s: %w", idx.name, errCreate)
		}
	}
	return nil
}
