package selection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/obs"
	"github.com/noah-isme/commission-engine/internal/pricing"
)

// ItemBounds describes an item's current margin against its live bounds.
type ItemBounds struct {
	Item   Item           `json:"item"`
	Bounds pricing.Bounds `json:"bounds"`
	Zone   pricing.Zone   `json:"zone"`
}

// Service applies the pricing engine to selection items.
// Scope arguments restrict the caller to one affiliate; uuid.Nil grants operator access.
type Service struct {
	Store      Store
	Affiliates affiliate.Store
	Defaults   affiliate.Defaults
	Logger     zerolog.Logger
	Now        func() time.Time
}

// SetItemMargin validates rate against bounds computed from the live product price and
// persists the rate with its derived selling price in one write.
func (s *Service) SetItemMargin(ctx context.Context, scope, itemID uuid.UUID, rate decimal.Decimal) (Item, error) {
	if _, err := pricing.ComputeSellingPrice(decimal.Zero, rate); err != nil {
		obs.IncMarginUpdate("invalid")
		return Item{}, err
	}
	item, err := s.Store.UpdateMargin(ctx, itemID, func(snap Snapshot) (Item, error) {
		if scope != uuid.Nil && snap.AffiliateID != scope {
			return Item{}, ErrForbidden
		}
		bounds, err := s.bounds(ctx, snap.AffiliateID, snap.Product)
		if err != nil {
			return Item{}, err
		}
		if !bounds.Contains(rate) {
			return Item{}, fmt.Errorf("%w: %s not in [%s, %s]", ErrOutOfBounds, rate, bounds.Min, bounds.Max)
		}
		quote, err := pricing.ComputeSellingPrice(snap.Product.BasePriceHt, rate)
		if err != nil {
			return Item{}, err
		}
		next := snap.Item
		next.BasePriceHt = snap.Product.BasePriceHt
		next.MarginRate = rate
		next.SellingPriceHt = quote.SellingPriceHt
		return next, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrOutOfBounds):
			obs.IncMarginUpdate("out_of_bounds")
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
			obs.IncMarginUpdate("rejected")
		default:
			obs.IncMarginUpdate("error")
		}
		return Item{}, err
	}
	obs.IncMarginUpdate("ok")
	obs.LoggerFrom(ctx, s.Logger).Info().
		Str("item_id", item.ID.String()).
		Str("margin_rate", item.MarginRate.String()).
		Str("selling_price_ht", item.SellingPriceHt.String()).
		Msg("selection item margin updated")
	return item, nil
}

// Bounds returns the item together with its live bounds and zone.
func (s *Service) Bounds(ctx context.Context, scope, itemID uuid.UUID) (ItemBounds, error) {
	snap, err := s.Store.GetItem(ctx, itemID)
	if err != nil {
		return ItemBounds{}, err
	}
	if scope != uuid.Nil && snap.AffiliateID != scope {
		return ItemBounds{}, ErrForbidden
	}
	bounds, err := s.bounds(ctx, snap.AffiliateID, snap.Product)
	if err != nil {
		return ItemBounds{}, err
	}
	return ItemBounds{Item: snap.Item, Bounds: bounds, Zone: bounds.Zone(snap.Item.MarginRate)}, nil
}

// ProductBounds computes the bounds an affiliate would get for a product.
func (s *Service) ProductBounds(ctx context.Context, affiliateID, productID uuid.UUID) (pricing.Bounds, error) {
	product, err := s.Store.GetProduct(ctx, productID)
	if err != nil {
		return pricing.Bounds{}, err
	}
	return s.bounds(ctx, affiliateID, product)
}

// AddItem places a product into a selection with the affiliate's default margin, or the
// suggested margin when the default falls outside the product's bounds.
func (s *Service) AddItem(ctx context.Context, scope, selectionID, productID uuid.UUID) (Item, error) {
	sel, err := s.ownedSelection(ctx, scope, selectionID)
	if err != nil {
		return Item{}, err
	}
	product, err := s.Store.GetProduct(ctx, productID)
	if err != nil {
		return Item{}, err
	}
	terms, err := s.terms(ctx, sel.AffiliateID)
	if err != nil {
		return Item{}, err
	}
	bounds, err := terms.Bounds(product.BasePriceHt, product.PublicPriceHt)
	if err != nil {
		return Item{}, err
	}
	rate := bounds.Suggested
	if terms.DefaultMarginRate.Valid && bounds.Contains(terms.DefaultMarginRate.Decimal) {
		rate = terms.DefaultMarginRate.Decimal
	}
	quote, err := pricing.ComputeSellingPrice(product.BasePriceHt, rate)
	if err != nil {
		return Item{}, err
	}
	now := s.now()
	return s.Store.InsertItem(ctx, Item{
		ID:             uuid.New(),
		SelectionID:    sel.ID,
		ProductID:      product.ID,
		BasePriceHt:    product.BasePriceHt,
		MarginRate:     rate,
		SellingPriceHt: quote.SellingPriceHt,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// RemoveItem deletes an item from its selection.
func (s *Service) RemoveItem(ctx context.Context, scope, itemID uuid.UUID) error {
	snap, err := s.Store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if scope != uuid.Nil && snap.AffiliateID != scope {
		return ErrForbidden
	}
	return s.Store.DeleteItem(ctx, itemID)
}

// ListItems returns the items of a selection in display order.
func (s *Service) ListItems(ctx context.Context, scope, selectionID uuid.UUID) ([]Item, error) {
	if _, err := s.ownedSelection(ctx, scope, selectionID); err != nil {
		return nil, err
	}
	return s.Store.ListItems(ctx, selectionID)
}

func (s *Service) ownedSelection(ctx context.Context, scope, selectionID uuid.UUID) (Selection, error) {
	sel, err := s.Store.GetSelection(ctx, selectionID)
	if err != nil {
		return Selection{}, err
	}
	if scope != uuid.Nil && sel.AffiliateID != scope {
		return Selection{}, ErrForbidden
	}
	return sel, nil
}

func (s *Service) bounds(ctx context.Context, affiliateID uuid.UUID, product Product) (pricing.Bounds, error) {
	terms, err := s.terms(ctx, affiliateID)
	if err != nil {
		return pricing.Bounds{}, err
	}
	return terms.Bounds(product.BasePriceHt, product.PublicPriceHt)
}

func (s *Service) terms(ctx context.Context, affiliateID uuid.UUID) (affiliate.Terms, error) {
	a, err := s.Affiliates.GetAffiliate(ctx, affiliateID)
	if err != nil {
		return affiliate.Terms{}, fmt.Errorf("load affiliate: %w", err)
	}
	return s.Defaults.Resolve(a), nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
