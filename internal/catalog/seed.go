package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SeedFile is the YAML fixture accepted by Seed.
type SeedFile struct {
	Tenants []SeedTenant `yaml:"tenants"`
}

// SeedTenant describes one tenant and its menu.
type SeedTenant struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	LicenseLimit int            `yaml:"license_limit"`
	Categories   []SeedCategory `yaml:"categories"`
}

// SeedCategory describes one category and its products.
type SeedCategory struct {
	Name      string        `yaml:"name"`
	SortOrder int           `yaml:"sort_order"`
	Products  []SeedProduct `yaml:"products"`
}

// SeedProduct describes one product.
type SeedProduct struct {
	SKU      string  `yaml:"sku"`
	Name     string  `yaml:"name"`
	Price    float64 `yaml:"price"`
	Disabled bool    `yaml:"disabled"`
}

// SeedStats counts the rows written by Seed.
type SeedStats struct {
	Tenants    int
	Categories int
	Products   int
}

var errInvalidSeed = errors.New("catalog: invalid seed file")

// Seed upserts the tenants, categories and products described by the YAML
// document in reader. Existing rows are updated in place by natural key.
func Seed(ctx context.Context, db *gorm.DB, reader io.Reader) (SeedStats, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	var file SeedFile
	if err := decoder.Decode(&file); err != nil {
		return SeedStats{}, fmt.Errorf("%w: %v", errInvalidSeed, err)
	}

	var stats SeedStats
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, seedTenant := range file.Tenants {
			tenantID := normalize(seedTenant.ID)
			if tenantID == "" {
				return fmt.Errorf("%w: tenant id required", errInvalidSeed)
			}
			tenant := Tenant{ID: tenantID, Name: seedName(seedTenant.Name, tenantID), LicenseLimit: seedTenant.LicenseLimit}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "license_limit"}),
			}).Create(&tenant).Error; err != nil {
				return err
			}
			stats.Tenants++

			for _, seedCategory := range seedTenant.Categories {
				categoryName := seedName(seedCategory.Name, "")
				if categoryName == "" {
					return fmt.Errorf("%w: category name required for tenant %s", errInvalidSeed, tenantID)
				}
				category := Category{TenantID: tenantID, Name: categoryName}
				if err := tx.Where(Category{TenantID: tenantID, Name: categoryName}).
					Assign(Category{SortOrder: seedCategory.SortOrder}).
					FirstOrCreate(&category).Error; err != nil {
					return err
				}
				stats.Categories++

				for _, seedProduct := range seedCategory.Products {
					sku := normalize(seedProduct.SKU)
					if sku == "" {
						return fmt.Errorf("%w: product sku required in %s", errInvalidSeed, categoryName)
					}
					product := Product{
						TenantID:   tenantID,
						SKU:        sku,
						Name:       seedName(seedProduct.Name, sku),
						Price:      seedProduct.Price,
						CategoryID: category.ID,
						Disabled:   seedProduct.Disabled,
					}
					if err := tx.Clauses(clause.OnConflict{
						Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "sku"}},
						DoUpdates: clause.AssignmentColumns([]string{"name", "price", "category_id", "disabled"}),
					}).Create(&product).Error; err != nil {
						return err
					}
					stats.Products++
				}
			}
		}
		return nil
	})
	if err != nil {
		return SeedStats{}, err
	}
	return stats, nil
}

func seedName(value, fallback string) string {
	if trimmed := normalize(norm.NFC.String(value)); trimmed != "" {
		return trimmed
	}
	return fallback
}
