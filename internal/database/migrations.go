package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ordertech/drivethru/backend/internal/catalog"
)

const (
	migrationBackfillDeviceStatus = "2026-03-04_backfill_device_status"
	migrationTrimProductSKUs      = "2026-03-11_trim_product_skus"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillDeviceStatus, apply: backfillDeviceStatus},
		{name: migrationTrimProductSKUs, apply: trimProductSKUs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillDeviceStatus marks devices imported without a status as active so
// they count against the tenant license.
func backfillDeviceStatus(db *gorm.DB) error {
	return db.Model(&catalog.Device{}).
		Where("status = '' OR status IS NULL").
		Update("status", catalog.DeviceActive).Error
}

func trimProductSKUs(db *gorm.DB) error {
	return db.Model(&catalog.Product{}).
		Where("sku <> trim(sku)").
		Update("sku", gorm.Expr("trim(sku)")).Error
}
