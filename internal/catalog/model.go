package catalog

import (
	"strings"
	"time"
)

// Device statuses.
const (
	DeviceActive  = "active"
	DeviceRevoked = "revoked"
)

// Tenant is a customer of the platform. LicenseLimit caps active devices;
// zero means the directory default applies.
type Tenant struct {
	ID           string    `gorm:"column:id;primaryKey;size:64;not null"`
	Name         string    `gorm:"column:name;size:190;not null"`
	LicenseLimit int       `gorm:"column:license_limit;not null;default:0"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing tenants.
func (Tenant) TableName() string {
	return "tenants"
}

// Category groups products on the cashier screen.
type Category struct {
	ID        uint   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID  string `gorm:"column:tenant_id;size:64;not null;uniqueIndex:idx_categories_tenant_name" json:"-"`
	Name      string `gorm:"column:name;size:190;not null;uniqueIndex:idx_categories_tenant_name" json:"name"`
	SortOrder int    `gorm:"column:sort_order;not null;default:0" json:"sort_order"`
}

// TableName exposes the table backing categories.
func (Category) TableName() string {
	return "categories"
}

// Product is a sellable item, unique per tenant by SKU.
type Product struct {
	ID         uint    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID   string  `gorm:"column:tenant_id;size:64;not null;uniqueIndex:idx_products_tenant_sku" json:"-"`
	SKU        string  `gorm:"column:sku;size:64;not null;uniqueIndex:idx_products_tenant_sku" json:"sku"`
	Name       string  `gorm:"column:name;size:190;not null" json:"name"`
	Price      float64 `gorm:"column:price;not null" json:"price"`
	CategoryID uint    `gorm:"column:category_id;index" json:"category_id"`
	Disabled   bool    `gorm:"column:disabled;not null;default:false" json:"-"`
}

// TableName exposes the table backing products.
func (Product) TableName() string {
	return "products"
}

// Device is an activated cashier or display terminal.
type Device struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	TenantID    string    `gorm:"column:tenant_id;size:64;not null;index" json:"tenant_id"`
	Name        string    `gorm:"column:name;size:190" json:"name"`
	Role        string    `gorm:"column:role;size:32;not null" json:"role"`
	Branch      string    `gorm:"column:branch;size:190" json:"branch,omitempty"`
	Status      string    `gorm:"column:status;size:32;not null;default:active" json:"status"`
	ActivatedAt time.Time `gorm:"column:activated_at" json:"activated_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"-"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName exposes the table backing devices.
func (Device) TableName() string {
	return "devices"
}

// Models lists every table owned by this package, in migration order.
func Models() []interface{} {
	return []interface{}{&Tenant{}, &Category{}, &Product{}, &Device{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
