package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/commission-engine/internal/db"
)

// Columns selected for a commission row, in scanCommission order.
const Columns = `c.id, c.order_id, c.order_number, c.affiliate_id, c.selection_id, c.order_amount_ht, c.affiliate_commission,
c.affiliate_commission_ttc, c.platform_commission, c.margin_rate_applied, c.status, c.payment_request_id,
c.created_at, c.validated_at, c.paid_at, c.cancelled_at`

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) Create(ctx context.Context, c Commission) (Commission, bool, error) {
	var (
		out     Commission
		created bool
	)
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `INSERT INTO commissions AS c (id, order_id, order_number, affiliate_id, selection_id, order_amount_ht,
affiliate_commission, affiliate_commission_ttc, platform_commission, margin_rate_applied, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (order_id) DO NOTHING
RETURNING `+Columns,
			c.ID, c.OrderID, c.OrderNumber, c.AffiliateID, c.SelectionID, c.OrderAmountHt, c.AffiliateCommission,
			c.AffiliateCommissionTtc, c.PlatformCommission, c.MarginRateApplied, string(c.Status), c.CreatedAt)
		inserted, err := ScanCommission(row)
		if errors.Is(err, pgx.ErrNoRows) {
			out, err = getBy(ctx, tx, "c.order_id", c.OrderID)
			return err
		}
		if err != nil {
			return fmt.Errorf("insert commission: %w", err)
		}
		batch := &pgx.Batch{}
		for i, l := range c.Lines {
			batch.Queue(`INSERT INTO commission_lines (commission_id, line_no, product_id, quantity, base_price_ht, margin_rate_applied,
selling_price_ht, tax_rate, margin_ht, margin_ttc, platform_commission)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				inserted.ID, i+1, l.ProductID, l.Quantity, l.BasePriceHt, l.MarginRateApplied, l.SellingPriceHt, l.TaxRate,
				l.MarginHt, l.MarginTtc, l.PlatformCommission)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("insert commission lines: %w", err)
			}
		}
		inserted.Lines = c.Lines
		out, created = inserted, true
		return nil
	})
	if err != nil {
		return Commission{}, false, err
	}
	return out, created, nil
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (Commission, error) {
	return getBy(ctx, s.pool, "c.id", id)
}

func (s *pgStore) GetByOrder(ctx context.Context, orderID uuid.UUID) (Commission, error) {
	return getBy(ctx, s.pool, "c.order_id", orderID)
}

func (s *pgStore) List(ctx context.Context, f Filter) ([]Commission, int, error) {
	where, args := filterClause(f)
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s, count(*) OVER () FROM commissions c %s ORDER BY c.created_at DESC, c.id LIMIT $%d OFFSET $%d`,
		Columns, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		out   = make([]Commission, 0)
		total int
	)
	for rows.Next() {
		var c Commission
		dest := append(ScanDest(&c), &total)
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (s *pgStore) Aggregate(ctx context.Context, affiliateID uuid.UUID) (Summary, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*), COALESCE(SUM(affiliate_commission), 0), COALESCE(SUM(affiliate_commission_ttc), 0)
FROM commissions WHERE affiliate_id = $1 GROUP BY status`, affiliateID)
	if err != nil {
		return Summary{}, err
	}
	defer rows.Close()
	sum := Summary{AffiliateID: affiliateID}
	for rows.Next() {
		var (
			status string
			b      Bucket
		)
		if err := rows.Scan(&status, &b.Count, &b.AmountHt, &b.AmountTtc); err != nil {
			return Summary{}, err
		}
		sum.Put(Status(status), b)
	}
	return sum, rows.Err()
}

func (s *pgStore) Transition(ctx context.Context, id uuid.UUID, to Status, at time.Time) (TransitionResult, error) {
	var res TransitionResult
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := ScanCommission(tx.QueryRow(ctx, `SELECT `+Columns+` FROM commissions c WHERE c.id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := CheckDirectTransition(cur.Status, to); err != nil {
			return err
		}
		res.Previous = cur.Status

		if cur.Status == StatusRequested && cur.PaymentRequestID.Valid {
			cancelled, err := DetachFromRequest(ctx, tx, cur.PaymentRequestID.UUID, cur.ID, at)
			if err != nil {
				return err
			}
			res.DetachedFrom = cur.PaymentRequestID
			res.RequestCancelled = cancelled
		}

		updated, err := ScanCommission(tx.QueryRow(ctx, `UPDATE commissions AS c SET
status = $2,
validated_at = CASE WHEN $2 = 'validated' THEN COALESCE(c.validated_at, $3) ELSE c.validated_at END,
cancelled_at = CASE WHEN $2 = 'cancelled' THEN $3 ELSE c.cancelled_at END,
payment_request_id = NULL
WHERE c.id = $1
RETURNING `+Columns, id, string(to), at))
		if err != nil {
			return fmt.Errorf("update commission status: %w", err)
		}
		res.Commission = updated
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return res, nil
}

// DetachFromRequest removes a commission from an active payment request inside tx,
// recomputes the request total from its remaining items and cancels the request when
// none remain. It reports whether the request was cancelled.
func DetachFromRequest(ctx context.Context, tx pgx.Tx, requestID, commissionID uuid.UUID, at time.Time) (bool, error) {
	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM payment_requests WHERE id = $1 FOR UPDATE`, requestID).Scan(&status); err != nil {
		return false, fmt.Errorf("lock payment request: %w", err)
	}
	if status != "pending" && status != "invoice_received" {
		return false, fmt.Errorf("%w: payment request is %s", ErrInvalidTransition, status)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM payment_request_items WHERE payment_request_id = $1 AND commission_id = $2`, requestID, commissionID); err != nil {
		return false, fmt.Errorf("detach commission: %w", err)
	}
	var remaining int
	err := tx.QueryRow(ctx, `UPDATE payment_requests SET
total_amount_ttc = COALESCE((SELECT SUM(amount_ttc) FROM payment_request_items WHERE payment_request_id = $1), 0),
updated_at = $2
WHERE id = $1
RETURNING (SELECT count(*) FROM payment_request_items WHERE payment_request_id = $1)`, requestID, at).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("recompute payment request total: %w", err)
	}
	if remaining > 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE payment_requests SET status = 'cancelled', cancelled_at = $2, updated_at = $2 WHERE id = $1`, requestID, at); err != nil {
		return false, fmt.Errorf("cancel empty payment request: %w", err)
	}
	return true, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getBy(ctx context.Context, q queryRower, column string, id uuid.UUID) (Commission, error) {
	c, err := ScanCommission(q.QueryRow(ctx, `SELECT `+Columns+` FROM commissions c WHERE `+column+` = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Commission{}, ErrNotFound
	}
	if err != nil {
		return Commission{}, err
	}
	lines, err := loadLines(ctx, q, c.ID)
	if err != nil {
		return Commission{}, err
	}
	c.Lines = lines
	return c, nil
}

func loadLines(ctx context.Context, q queryRower, id uuid.UUID) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT product_id, quantity, base_price_ht, margin_rate_applied, selling_price_ht, tax_rate,
margin_ht, margin_ttc, platform_commission FROM commission_lines WHERE commission_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := make([]Line, 0)
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ProductID, &l.Quantity, &l.BasePriceHt, &l.MarginRateApplied, &l.SellingPriceHt, &l.TaxRate,
			&l.MarginHt, &l.MarginTtc, &l.PlatformCommission); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func filterClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.AffiliateID != uuid.Nil {
		args = append(args, f.AffiliateID)
		conds = append(conds, fmt.Sprintf("c.affiliate_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("c.status = $%d", len(args)))
	}
	if f.PaymentRequestID != uuid.Nil {
		args = append(args, f.PaymentRequestID)
		conds = append(conds, fmt.Sprintf("c.id IN (SELECT commission_id FROM payment_request_items WHERE payment_request_id = $%d)", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// ScanCommission scans a row selected with Columns.
func ScanCommission(row pgx.Row) (Commission, error) {
	var c Commission
	err := row.Scan(ScanDest(&c)...)
	return c, err
}

// ScanDest returns scan targets matching Columns.
func ScanDest(c *Commission) []any {
	return []any{&c.ID, &c.OrderID, &c.OrderNumber, &c.AffiliateID, &c.SelectionID, &c.OrderAmountHt, &c.AffiliateCommission,
		&c.AffiliateCommissionTtc, &c.PlatformCommission, &c.MarginRateApplied, (*string)(&c.Status), &c.PaymentRequestID,
		&c.CreatedAt, &c.ValidatedAt, &c.PaidAt, &c.CancelledAt}
}
