package basket

import (
	"errors"
	"strings"
)

// Action enumerates supported basket mutations.
type Action string

const (
	// ActionAdd inserts a line or increments an existing one.
	ActionAdd Action = "add"
	// ActionRemove deletes a line when present.
	ActionRemove Action = "remove"
	// ActionSetQuantity sets a line quantity exactly.
	ActionSetQuantity Action = "setQty"
	// ActionClear empties the basket.
	ActionClear Action = "clear"
)

var (
	// ErrInvalidAction indicates the operation named an unknown action.
	ErrInvalidAction = errors.New("basket: invalid action")
	// ErrInvalidSKU indicates the operation requires a SKU and none was supplied.
	ErrInvalidSKU = errors.New("basket: invalid sku")
	// ErrInvalidQuantity indicates the operation carried an unusable quantity.
	ErrInvalidQuantity = errors.New("basket: invalid quantity")
)

// RejectionCode maps an engine error to the short code sent back to clients.
func RejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAction):
		return "invalid_action"
	case errors.Is(err, ErrInvalidSKU):
		return "invalid_sku"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_qty"
	default:
		return "update_failed"
	}
}

// Line is a single SKU entry in a basket.
type Line struct {
	SKU   string  `json:"sku"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Qty   int     `json:"qty"`
}

// OpItem carries the product fields of an operation.
type OpItem struct {
	SKU   string   `json:"sku"`
	Name  string   `json:"name,omitempty"`
	Price *float64 `json:"price,omitempty"`
}

// Op is a client supplied basket mutation.
type Op struct {
	Action Action  `json:"action"`
	Item   *OpItem `json:"item,omitempty"`
	Qty    *int    `json:"qty,omitempty"`
}

func (op Op) sku() string {
	if op.Item == nil {
		return ""
	}
	return strings.TrimSpace(op.Item.SKU)
}

// Snapshot is the canonical wire form of a basket.
type Snapshot struct {
	Items   []Line  `json:"items"`
	Total   float64 `json:"total"`
	Version int64   `json:"version"`
}

// Basket holds the lines of one pairing. It is not safe for concurrent use;
// callers serialize access through the owning pairing.
type Basket struct {
	order   []string
	lines   map[string]Line
	total   float64
	version int64
}

// New returns an empty basket at version zero.
func New() *Basket {
	return &Basket{lines: make(map[string]Line)}
}

// Version returns the number of accepted mutations.
func (b *Basket) Version() int64 {
	return b.version
}

// Total returns the rounded basket total.
func (b *Basket) Total() float64 {
	return b.total
}

// Line returns the line for sku.
func (b *Basket) Line(sku string) (Line, bool) {
	line, ok := b.lines[sku]
	return line, ok
}

// Len returns the number of lines.
func (b *Basket) Len() int {
	return len(b.order)
}

// Snapshot copies the current state into its wire form.
func (b *Basket) Snapshot() Snapshot {
	items := make([]Line, 0, len(b.order))
	for _, sku := range b.order {
		items = append(items, b.lines[sku])
	}
	return Snapshot{Items: items, Total: b.total, Version: b.version}
}

func (b *Basket) clone() *Basket {
	next := &Basket{
		order:   append([]string(nil), b.order...),
		lines:   make(map[string]Line, len(b.lines)),
		total:   b.total,
		version: b.version,
	}
	for sku, line := range b.lines {
		next.lines[sku] = line
	}
	return next
}

func (b *Basket) put(line Line) {
	if _, ok := b.lines[line.SKU]; !ok {
		b.order = append(b.order, line.SKU)
	}
	b.lines[line.SKU] = line
}

func (b *Basket) delete(sku string) {
	if _, ok := b.lines[sku]; !ok {
		return
	}
	delete(b.lines, sku)
	for index, candidate := range b.order {
		if candidate == sku {
			b.order = append(b.order[:index], b.order[index+1:]...)
			break
		}
	}
}

func (b *Basket) reset() {
	b.order = nil
	b.lines = make(map[string]Line)
}
