package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/cache"
	"github.com/noah-isme/commission-engine/internal/events"
	"github.com/noah-isme/commission-engine/internal/obs"
)

// Outcome actions reported by HandleOrderEvent.
const (
	ActionCreated   = "created"
	ActionValidated = "validated"
	ActionCancelled = "cancelled"
	ActionNoop      = "noop"
	ActionIgnored   = "ignored"
)

// Outcome describes what an order event did to the ledger.
type Outcome struct {
	Action     string      `json:"action"`
	Commission *Commission `json:"commission,omitempty"`
}

// Service owns the commission ledger.
type Service struct {
	Store          Store
	Affiliates     affiliate.Store
	Defaults       affiliate.Defaults
	DefaultTaxRate decimal.Decimal
	Cache          *cache.Cache
	Events         *events.Bus
	Logger         zerolog.Logger
	Now            func() time.Time
}

// HandleOrderEvent applies an order state change to the ledger. It is safe to replay.
func (s *Service) HandleOrderEvent(ctx context.Context, ev OrderEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Outcome{}, err
	}
	log := obs.LoggerFrom(ctx, s.Logger).With().Str("order_id", ev.OrderID.String()).Str("order_status", ev.NormalizedStatus()).Logger()

	switch ev.NormalizedStatus() {
	case "validated", "confirmed", "shipped", "delivered":
		c, created, err := s.record(ctx, ev)
		if err != nil {
			return Outcome{}, err
		}
		if !created {
			return Outcome{Action: ActionNoop, Commission: &c}, nil
		}
		return Outcome{Action: ActionCreated, Commission: &c}, nil
	case "paid":
		c, _, err := s.record(ctx, ev)
		if err != nil {
			return Outcome{}, err
		}
		if c.Status != StatusPending {
			return Outcome{Action: ActionNoop, Commission: &c}, nil
		}
		res, err := s.transition(ctx, c.ID, StatusValidated)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				// a concurrent delivery already moved it on
				return Outcome{Action: ActionNoop, Commission: &c}, nil
			}
			return Outcome{}, err
		}
		return Outcome{Action: ActionValidated, Commission: &res.Commission}, nil
	case "cancelled", "canceled", "refunded":
		c, err := s.Store.GetByOrder(ctx, ev.OrderID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Outcome{Action: ActionNoop}, nil
			}
			return Outcome{}, err
		}
		if c.Status.IsTerminal() {
			if c.Status == StatusPaid {
				log.Warn().Str("commission_id", c.ID.String()).Msg("order cancelled after commission was paid")
			}
			return Outcome{Action: ActionNoop, Commission: &c}, nil
		}
		res, err := s.transition(ctx, c.ID, StatusCancelled)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return Outcome{Action: ActionNoop, Commission: &c}, nil
			}
			return Outcome{}, err
		}
		return Outcome{Action: ActionCancelled, Commission: &res.Commission}, nil
	default:
		log.Debug().Msg("order status does not affect commissions")
		return Outcome{Action: ActionIgnored}, nil
	}
}

// record creates the commission for the order unless one exists.
func (s *Service) record(ctx context.Context, ev OrderEvent) (Commission, bool, error) {
	existing, err := s.Store.GetByOrder(ctx, ev.OrderID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Commission{}, false, err
	}

	a, err := s.Affiliates.GetAffiliate(ctx, ev.AffiliateID)
	if err != nil {
		return Commission{}, false, fmt.Errorf("load affiliate: %w", err)
	}
	terms := s.Defaults.Resolve(a)
	calc, err := Calculate(ev, terms.PlatformRate, s.DefaultTaxRate)
	if err != nil {
		return Commission{}, false, err
	}
	log := obs.LoggerFrom(ctx, s.Logger)
	for _, d := range calc.Drifts {
		obs.IncPriceDrift()
		log.Warn().
			Str("order_id", ev.OrderID.String()).
			Int("line", d.Line).
			Str("reported", d.Reported.String()).
			Str("derived", d.Derived.String()).
			Msg("order line selling price differs from margin snapshot")
	}

	c := calc.Commission
	c.ID = uuid.New()
	c.CreatedAt = s.now()
	stored, created, err := s.Store.Create(ctx, c)
	if err != nil {
		return Commission{}, false, err
	}
	if !created {
		return stored, false, nil
	}
	obs.IncCommissionCreated()
	s.invalidate(ctx, stored.AffiliateID)
	s.emit(ctx, events.TopicCommissionCreated, stored.ID, stored)
	log.Info().
		Str("commission_id", stored.ID.String()).
		Str("order_id", stored.OrderID.String()).
		Str("amount_ttc", stored.AffiliateCommissionTtc.String()).
		Msg("commission recorded")
	return stored, true, nil
}

// Validate marks a pending commission payable.
func (s *Service) Validate(ctx context.Context, id uuid.UUID) (Commission, error) {
	res, err := s.transition(ctx, id, StatusValidated)
	if err != nil {
		return Commission{}, err
	}
	return res.Commission, nil
}

// Cancel cancels a non-terminal commission, detaching it from its payment request if grouped.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (TransitionResult, error) {
	return s.transition(ctx, id, StatusCancelled)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status) (TransitionResult, error) {
	res, err := s.Store.Transition(ctx, id, to, s.now())
	if err != nil {
		return TransitionResult{}, err
	}
	obs.IncCommissionTransition(string(res.Previous), string(to))
	s.invalidate(ctx, res.Commission.AffiliateID)
	switch to {
	case StatusValidated:
		s.emit(ctx, events.TopicCommissionValidated, id, res.Commission)
	case StatusCancelled:
		s.emit(ctx, events.TopicCommissionCancelled, id, res)
		if res.RequestCancelled {
			s.emit(ctx, events.TopicPaymentRequestCancelled, res.DetachedFrom.UUID, map[string]any{
				"reason": "all commissions cancelled",
			})
		}
	}
	return res, nil
}

// Get returns a commission with its lines. Out-of-scope records read as not found.
func (s *Service) Get(ctx context.Context, scope, id uuid.UUID) (Commission, error) {
	c, err := s.Store.Get(ctx, id)
	if err != nil {
		return Commission{}, err
	}
	if scope != uuid.Nil && c.AffiliateID != scope {
		return Commission{}, ErrNotFound
	}
	return c, nil
}

// List returns commissions matching f, restricted to scope when set.
func (s *Service) List(ctx context.Context, scope uuid.UUID, f Filter) ([]Commission, int, error) {
	if scope != uuid.Nil {
		f.AffiliateID = scope
	}
	return s.Store.List(ctx, f)
}

// Summary returns aggregateByStatus for an affiliate, served from cache when fresh.
func (s *Service) Summary(ctx context.Context, affiliateID uuid.UUID) (Summary, error) {
	key := cache.KeyCommissionSummary(affiliateID)
	var cached Summary
	if hit, err := s.Cache.GetJSON(ctx, key, &cached); err == nil && hit {
		return cached, nil
	} else if err != nil {
		obs.LoggerFrom(ctx, s.Logger).Warn().Err(err).Msg("commission summary cache read failed")
	}
	sum, err := s.Store.Aggregate(ctx, affiliateID)
	if err != nil {
		return Summary{}, err
	}
	if err := s.Cache.SetJSON(ctx, key, sum); err != nil {
		obs.LoggerFrom(ctx, s.Logger).Warn().Err(err).Msg("commission summary cache write failed")
	}
	return sum, nil
}

// Invalidate drops cached aggregates for the affiliate. Settlement calls it after
// flipping commission statuses in bulk.
func (s *Service) Invalidate(ctx context.Context, affiliateID uuid.UUID) {
	s.invalidate(ctx, affiliateID)
}

func (s *Service) invalidate(ctx context.Context, affiliateID uuid.UUID) {
	if err := s.Cache.Delete(ctx, cache.KeyCommissionSummary(affiliateID)); err != nil {
		obs.LoggerFrom(ctx, s.Logger).Warn().Err(err).Msg("commission summary cache invalidation failed")
	}
}

func (s *Service) emit(ctx context.Context, topic string, id uuid.UUID, payload any) {
	if _, err := s.Events.Emit(ctx, topic, id, payload); err != nil {
		obs.LoggerFrom(ctx, s.Logger).Error().Err(err).Str("topic", topic).Msg("emit domain event")
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
