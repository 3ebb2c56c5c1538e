package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ordertech/drivethru/backend/internal/pairing"
)

// ErrDeviceNotFound indicates no device with the id exists for the tenant.
var ErrDeviceNotFound = errors.New("catalog: device not found")

// DirectoryConfig configures the device directory.
type DirectoryConfig struct {
	Database *gorm.DB
	// DefaultLicenseLimit applies to tenants without a row or a limit; zero is unlimited.
	DefaultLicenseLimit int
	Clock               func() time.Time
	Logger              *zap.Logger
}

// Directory records activated devices and enforces tenant license limits.
type Directory struct {
	db           *gorm.DB
	defaultLimit int
	clock        func() time.Time
	logger       *zap.Logger
}

// NewDirectory constructs the device directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("catalog: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := cfg.DefaultLicenseLimit
	if limit < 0 {
		limit = 0
	}
	return &Directory{db: cfg.Database, defaultLimit: limit, clock: clock, logger: logger}, nil
}

// ReserveDevice inserts the device when the tenant has a free license slot.
func (d *Directory) ReserveDevice(ctx context.Context, registration pairing.DeviceRegistration) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		limit, err := d.licenseLimit(tx, registration.TenantID)
		if err != nil {
			return err
		}
		if limit > 0 {
			var active int64
			if err := tx.Model(&Device{}).
				Where("tenant_id = ? AND status = ?", registration.TenantID, DeviceActive).
				Count(&active).Error; err != nil {
				return err
			}
			if active >= int64(limit) {
				return pairing.ErrLicenseLimit
			}
		}
		activatedAt := registration.ActivatedAt
		if activatedAt.IsZero() {
			activatedAt = d.clock().UTC()
		}
		device := Device{
			ID:          registration.DeviceID,
			TenantID:    registration.TenantID,
			Name:        registration.Name,
			Role:        registration.Role,
			Branch:      registration.Branch,
			Status:      DeviceActive,
			ActivatedAt: activatedAt,
		}
		if err := tx.Create(&device).Error; err != nil {
			return err
		}
		d.logger.Info("device activated",
			zap.String("tenant_id", device.TenantID),
			zap.String("device_id", device.ID),
			zap.String("role", device.Role))
		return nil
	})
}

// ListDevices returns the tenant's devices, most recently activated first.
func (d *Directory) ListDevices(ctx context.Context, tenantID string) ([]Device, error) {
	var devices []Device
	err := d.db.WithContext(ctx).
		Where("tenant_id = ?", normalize(tenantID)).
		Order("activated_at DESC").
		Order("id ASC").
		Find(&devices).
		Error
	if err != nil {
		return nil, fmt.Errorf("catalog: list devices: %w", err)
	}
	if devices == nil {
		devices = []Device{}
	}
	return devices, nil
}

// RevokeDevice frees the license slot held by a device.
func (d *Directory) RevokeDevice(ctx context.Context, tenantID, deviceID string) error {
	result := d.db.WithContext(ctx).
		Model(&Device{}).
		Where("tenant_id = ? AND id = ?", normalize(tenantID), normalize(deviceID)).
		Update("status", DeviceRevoked)
	if result.Error != nil {
		return fmt.Errorf("catalog: revoke device: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// ReleaseDevice deletes a reservation that never completed activation.
func (d *Directory) ReleaseDevice(ctx context.Context, tenantID, deviceID string) error {
	err := d.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", normalize(tenantID), normalize(deviceID)).
		Delete(&Device{}).
		Error
	if err != nil {
		return fmt.Errorf("catalog: release device: %w", err)
	}
	d.logger.Info("device reservation released", zap.String("tenant_id", tenantID), zap.String("device_id", deviceID))
	return nil
}

// ActiveDevice returns the device when it exists for the tenant and has not been revoked.
func (d *Directory) ActiveDevice(ctx context.Context, tenantID, deviceID string) (Device, error) {
	var device Device
	err := d.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ? AND status = ?", normalize(tenantID), normalize(deviceID), DeviceActive).
		Take(&device).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("catalog: load device: %w", err)
	}
	return device, nil
}

func (d *Directory) licenseLimit(tx *gorm.DB, tenantID string) (int, error) {
	var tenant Tenant
	err := tx.Where("id = ?", tenantID).Take(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.defaultLimit, nil
	}
	if err != nil {
		return 0, err
	}
	if tenant.LicenseLimit > 0 {
		return tenant.LicenseLimit, nil
	}
	return d.defaultLimit, nil
}
