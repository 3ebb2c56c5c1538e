package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ordertech/drivethru/backend/internal/basket"
)

// ErrProductNotFound indicates the tenant has no enabled product with the SKU.
var ErrProductNotFound = errors.New("catalog: product not found")

// ServiceConfig describes the dependencies of the read-only catalog.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service serves categories and products. Product lookups made while
// applying basket operations are cached per tenant and SKU.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the catalog service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("catalog: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// ListCategories returns the tenant's categories in display order.
func (s *Service) ListCategories(ctx context.Context, tenantID string) ([]Category, error) {
	var categories []Category
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", normalize(tenantID)).
		Order("sort_order ASC").
		Order("name ASC").
		Find(&categories).
		Error
	if err != nil {
		return nil, fmt.Errorf("catalog: list categories: %w", err)
	}
	if categories == nil {
		categories = []Category{}
	}
	return categories, nil
}

// ListProducts returns enabled products, optionally restricted to one category.
func (s *Service) ListProducts(ctx context.Context, tenantID string, categoryID uint) ([]Product, error) {
	query := s.db.WithContext(ctx).
		Where("tenant_id = ? AND disabled = ?", normalize(tenantID), false)
	if categoryID != 0 {
		query = query.Where("category_id = ?", categoryID)
	}
	var products []Product
	if err := query.Order("name ASC").Find(&products).Error; err != nil {
		return nil, fmt.Errorf("catalog: list products: %w", err)
	}
	if products == nil {
		products = []Product{}
	}
	return products, nil
}

// LookupProduct resolves a SKU for basket operations that omit name or price.
func (s *Service) LookupProduct(ctx context.Context, tenantID, sku string) (basket.Product, error) {
	tenantID = normalize(tenantID)
	sku = normalize(sku)
	cacheKey := tenantID + "/" + sku
	if cached, ok := s.cache.Load(cacheKey); ok {
		if product, ok := cached.(basket.Product); ok {
			return product, nil
		}
	}

	var product Product
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND sku = ? AND disabled = ?", tenantID, sku, false).
		First(&product).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return basket.Product{}, ErrProductNotFound
	}
	if err != nil {
		return basket.Product{}, fmt.Errorf("catalog: lookup product: %w", err)
	}

	resolved := basket.Product{SKU: product.SKU, Name: product.Name, Price: product.Price}
	s.cache.Store(cacheKey, resolved)
	return resolved, nil
}
