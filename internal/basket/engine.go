package basket

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"go.uber.org/zap"
)

const defaultTotalScale = 3

// Product is the catalog view used to fill in missing line details.
type Product struct {
	SKU   string
	Name  string
	Price float64
}

// ProductLookup resolves catalog products by tenant and SKU.
type ProductLookup interface {
	LookupProduct(ctx context.Context, tenantID, sku string) (Product, error)
}

// EngineConfig configures the basket sync engine.
type EngineConfig struct {
	TotalScale int32
	Catalog    ProductLookup
	Logger     *zap.Logger
}

// Engine applies operations to baskets and recomputes totals.
type Engine struct {
	scale   int32
	catalog ProductLookup
	logger  *zap.Logger
}

// NewEngine constructs an Engine; a non-positive scale falls back to three decimals.
func NewEngine(cfg EngineConfig) *Engine {
	scale := cfg.TotalScale
	if scale <= 0 {
		scale = defaultTotalScale
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{scale: scale, catalog: cfg.Catalog, logger: logger}
}

// Apply validates op and applies it to b. On success the total is recomputed,
// the version advances by exactly one and the new snapshot is returned. On
// error b is left untouched.
func (e *Engine) Apply(ctx context.Context, tenantID string, b *Basket, op Op) (Snapshot, error) {
	next := b.clone()
	if err := e.mutate(ctx, tenantID, next, op); err != nil {
		return Snapshot{}, err
	}
	total, err := computeTotal(next, e.scale)
	if err != nil {
		return Snapshot{}, fmt.Errorf("basket: compute total: %w", err)
	}
	next.total = total
	next.version++
	*b = *next
	return b.Snapshot(), nil
}

// Clear empties b as an accepted mutation.
func (e *Engine) Clear(b *Basket) Snapshot {
	b.reset()
	b.total = 0
	b.version++
	return b.Snapshot()
}

func (e *Engine) mutate(ctx context.Context, tenantID string, b *Basket, op Op) error {
	switch op.Action {
	case ActionClear:
		b.reset()
		return nil
	case ActionAdd, ActionRemove, ActionSetQuantity:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, op.Action)
	}

	sku := op.sku()
	if sku == "" {
		return ErrInvalidSKU
	}

	switch op.Action {
	case ActionAdd:
		increment := 1
		if op.Qty != nil && *op.Qty != 0 {
			increment = *op.Qty
		}
		if increment < 0 {
			return fmt.Errorf("%w: %d", ErrInvalidQuantity, increment)
		}
		line, exists := b.Line(sku)
		if !exists {
			line = e.newLine(ctx, tenantID, sku, op.Item)
		} else {
			refreshLine(&line, op.Item)
		}
		line.Qty += increment
		b.put(line)
	case ActionSetQuantity:
		if op.Qty == nil {
			return fmt.Errorf("%w: missing", ErrInvalidQuantity)
		}
		if *op.Qty <= 0 {
			b.delete(sku)
			return nil
		}
		line, exists := b.Line(sku)
		if !exists {
			line = e.newLine(ctx, tenantID, sku, op.Item)
		} else {
			refreshLine(&line, op.Item)
		}
		line.Qty = *op.Qty
		b.put(line)
	case ActionRemove:
		b.delete(sku)
	}
	return nil
}

func (e *Engine) newLine(ctx context.Context, tenantID, sku string, item *OpItem) Line {
	line := Line{SKU: sku}
	refreshLine(&line, item)
	missingName := line.Name == ""
	missingPrice := item == nil || item.Price == nil
	if (missingName || missingPrice) && e.catalog != nil {
		product, err := e.catalog.LookupProduct(ctx, tenantID, sku)
		if err != nil {
			e.logger.Debug("catalog lookup failed",
				zap.String("tenant_id", tenantID),
				zap.String("sku", sku),
				zap.Error(err))
			return line
		}
		if missingName {
			line.Name = product.Name
		}
		if missingPrice {
			line.Price = product.Price
		}
	}
	return line
}

func refreshLine(line *Line, item *OpItem) {
	if item == nil {
		return
	}
	if name := strings.TrimSpace(item.Name); name != "" {
		line.Name = name
	}
	if item.Price != nil {
		line.Price = *item.Price
	}
}

func computeTotal(b *Basket, scale int32) (float64, error) {
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Rounding = apd.RoundHalfUp

	sum := new(apd.Decimal)
	for _, sku := range b.order {
		line := b.lines[sku]
		price := new(apd.Decimal)
		if _, err := price.SetFloat64(line.Price); err != nil {
			return 0, err
		}
		subtotal := new(apd.Decimal)
		if _, err := ctx.Mul(subtotal, price, apd.New(int64(line.Qty), 0)); err != nil {
			return 0, err
		}
		if _, err := ctx.Add(sum, sum, subtotal); err != nil {
			return 0, err
		}
	}

	rounded := new(apd.Decimal)
	if _, err := ctx.Quantize(rounded, sum, -scale); err != nil {
		return 0, err
	}
	return rounded.Float64()
}
