package selection

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a selection, item or product does not exist.
	ErrNotFound = errors.New("selection: not found")
	// ErrOutOfBounds is returned when a margin rate falls outside the computed bounds.
	ErrOutOfBounds = errors.New("selection: margin out of bounds")
	// ErrForbidden is returned when the caller does not own the selection.
	ErrForbidden = errors.New("selection: forbidden")
	// ErrDuplicate is returned when the product is already in the selection.
	ErrDuplicate = errors.New("selection: product already in selection")
)

// Selection is an affiliate's curated set of products.
type Selection struct {
	ID          uuid.UUID `json:"id"`
	AffiliateID uuid.UUID `json:"affiliateId"`
	Name        string    `json:"name"`
}

// Product is the externally owned catalog price data.
type Product struct {
	ID            uuid.UUID           `json:"id"`
	Name          string              `json:"name"`
	BasePriceHt   decimal.Decimal     `json:"basePriceHt"`
	PublicPriceHt decimal.NullDecimal `json:"publicPriceHt"`
}

// Item is one product placed into a selection. SellingPriceHt is always derived
// from BasePriceHt and MarginRate.
type Item struct {
	ID             uuid.UUID       `json:"id"`
	SelectionID    uuid.UUID       `json:"selectionId"`
	ProductID      uuid.UUID       `json:"productId"`
	BasePriceHt    decimal.Decimal `json:"basePriceHt"`
	MarginRate     decimal.Decimal `json:"marginRate"`
	SellingPriceHt decimal.Decimal `json:"sellingPriceHt"`
	Position       int             `json:"position"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Snapshot is an item together with the live data needed to validate its margin.
type Snapshot struct {
	Item        Item
	AffiliateID uuid.UUID
	Product     Product
}

// Store persists selection items.
type Store interface {
	GetSelection(ctx context.Context, id uuid.UUID) (Selection, error)
	GetProduct(ctx context.Context, id uuid.UUID) (Product, error)
	GetItem(ctx context.Context, id uuid.UUID) (Snapshot, error)
	ListItems(ctx context.Context, selectionID uuid.UUID) ([]Item, error)
	// InsertItem appends the item at the end of the selection.
	InsertItem(ctx context.Context, item Item) (Item, error)
	DeleteItem(ctx context.Context, id uuid.UUID) error
	// UpdateMargin locks the item, passes its live snapshot to fn and persists
	// the item fn returns in a single write. Nothing is written when fn fails.
	UpdateMargin(ctx context.Context, id uuid.UUID, fn func(Snapshot) (Item, error)) (Item, error)
}
