package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/commission-engine/internal/commission"
	"github.com/noah-isme/commission-engine/internal/db"
)

const requestColumns = `r.id, r.affiliate_id, r.request_number, r.total_amount_ttc, r.status, r.invoice_file_ref, r.invoice_file_name,
r.invoice_received_at, r.payment_proof_ref, r.payment_reference, r.paid_at, r.cancelled_at, r.created_at, r.updated_at`

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

type lockedCommission struct {
	id          uuid.UUID
	affiliateID uuid.UUID
	status      commission.Status
	amountTtc   decimal.Decimal
}

func (s *pgStore) CreateRequest(ctx context.Context, p CreateParams) (PaymentRequest, error) {
	ids := Dedupe(p.CommissionIDs)
	if len(ids) == 0 {
		return PaymentRequest{}, ErrEmptySelection
	}
	idArgs := uuidStrings(ids)

	var out PaymentRequest
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, affiliate_id, status, affiliate_commission_ttc FROM commissions
WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`, idArgs)
		if err != nil {
			return fmt.Errorf("lock commissions: %w", err)
		}
		locked := make(map[uuid.UUID]lockedCommission, len(ids))
		for rows.Next() {
			var lc lockedCommission
			if err := rows.Scan(&lc.id, &lc.affiliateID, (*string)(&lc.status), &lc.amountTtc); err != nil {
				rows.Close()
				return err
			}
			locked[lc.id] = lc
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		total := decimal.Zero
		for _, id := range ids {
			lc, ok := locked[id]
			if !ok || lc.affiliateID != p.AffiliateID {
				return fmt.Errorf("%w: commission %s", commission.ErrNotFound, id)
			}
			switch lc.status {
			case commission.StatusValidated:
			case commission.StatusRequested:
				return fmt.Errorf("%w: commission %s", ErrAlreadyGrouped, id)
			default:
				return fmt.Errorf("%w: commission %s is %s", ErrNotPayable, id, lc.status)
			}
			total = total.Add(lc.amountTtc)
		}

		var seq int64
		if err := tx.QueryRow(ctx, `SELECT nextval('payment_request_number_seq')`).Scan(&seq); err != nil {
			return fmt.Errorf("next request number: %w", err)
		}
		req, err := scanRequest(tx.QueryRow(ctx, `INSERT INTO payment_requests AS r (id, affiliate_id, request_number, total_amount_ttc, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'pending', $5, $5)
RETURNING `+requestColumns, p.ID, p.AffiliateID, FormatNumber(p.NumberPrefix, p.At, seq), total, p.At))
		if err != nil {
			return fmt.Errorf("insert payment request: %w", err)
		}

		batch := &pgx.Batch{}
		for _, id := range ids {
			batch.Queue(`INSERT INTO payment_request_items (payment_request_id, commission_id, amount_ttc) VALUES ($1, $2, $3)`,
				req.ID, id, locked[id].amountTtc)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert payment request items: %w", err)
		}

		tag, err := tx.Exec(ctx, `UPDATE commissions SET status = 'requested', payment_request_id = $2
WHERE id = ANY($1::uuid[]) AND status = 'validated'`, idArgs, req.ID)
		if err != nil {
			return fmt.Errorf("group commissions: %w", err)
		}
		if tag.RowsAffected() != int64(len(ids)) {
			return fmt.Errorf("%w: %d of %d commissions could be grouped", ErrNotPayable, tag.RowsAffected(), len(ids))
		}

		if err := checkTotal(ctx, tx, req.ID, req.TotalAmountTtc, commission.StatusRequested); err != nil {
			return err
		}
		cs, err := loadCommissions(ctx, tx, []uuid.UUID{req.ID})
		if err != nil {
			return err
		}
		req.Commissions = cs[req.ID]
		out = req
		return nil
	})
	if err != nil {
		return PaymentRequest{}, err
	}
	return out, nil
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (PaymentRequest, error) {
	return getRequest(ctx, s.pool, id, false)
}

func (s *pgStore) List(ctx context.Context, f Filter) ([]PaymentRequest, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.AffiliateID != uuid.Nil {
		args = append(args, f.AffiliateID)
		conds = append(conds, fmt.Sprintf("r.affiliate_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("r.status = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))
	query := fmt.Sprintf(`SELECT %s, count(*) OVER () FROM payment_requests r %s ORDER BY r.created_at DESC, r.id LIMIT $%d OFFSET $%d`,
		requestColumns, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	var (
		out   = make([]PaymentRequest, 0)
		total int
	)
	for rows.Next() {
		var p PaymentRequest
		if err := rows.Scan(append(requestDest(&p), &total)...); err != nil {
			rows.Close()
			return nil, 0, err
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(out) == 0 {
		return out, total, nil
	}
	ids := make([]uuid.UUID, 0, len(out))
	for _, p := range out {
		ids = append(ids, p.ID)
	}
	cs, err := loadCommissions(ctx, s.pool, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		out[i].Commissions = cs[out[i].ID]
	}
	return out, total, nil
}

func (s *pgStore) AttachInvoice(ctx context.Context, id uuid.UUID, ref, name string, at time.Time) (PaymentRequest, error) {
	req, err := scanRequest(s.pool.QueryRow(ctx, `UPDATE payment_requests AS r SET
status = 'invoice_received', invoice_file_ref = $2, invoice_file_name = $3, invoice_received_at = $4, updated_at = $4
WHERE r.id = $1 AND r.status = 'pending'
RETURNING `+requestColumns, id, ref, name, at))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := s.Get(ctx, id)
		if getErr != nil {
			return PaymentRequest{}, getErr
		}
		return PaymentRequest{}, fmt.Errorf("%w: request is %s", ErrInvalidState, cur.Status)
	}
	if err != nil {
		return PaymentRequest{}, fmt.Errorf("attach invoice: %w", err)
	}
	cs, err := loadCommissions(ctx, s.pool, []uuid.UUID{req.ID})
	if err != nil {
		return PaymentRequest{}, err
	}
	req.Commissions = cs[req.ID]
	return req, nil
}

func (s *pgStore) MarkPaid(ctx context.Context, p PayParams) (PaymentRequest, error) {
	var out PaymentRequest
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := getRequest(ctx, tx, p.ID, true)
		if err != nil {
			return err
		}
		allowed := cur.Status == StatusInvoiceReceived || (cur.Status == StatusPending && p.AllowFromPending)
		if !allowed {
			return fmt.Errorf("%w: request is %s", ErrInvalidState, cur.Status)
		}
		if err := checkTotal(ctx, tx, cur.ID, cur.TotalAmountTtc, commission.StatusRequested); err != nil {
			return err
		}
		var grouped int64
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM commissions WHERE payment_request_id = $1`, cur.ID).Scan(&grouped); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE commissions SET status = 'paid', paid_at = $2
WHERE payment_request_id = $1 AND status = 'requested'`, cur.ID, p.At)
		if err != nil {
			return fmt.Errorf("mark commissions paid: %w", err)
		}
		if tag.RowsAffected() != grouped {
			return fmt.Errorf("%w: %d of %d grouped commissions were requested", ErrInvariantViolation, tag.RowsAffected(), grouped)
		}
		req, err := scanRequest(tx.QueryRow(ctx, `UPDATE payment_requests AS r SET
status = 'paid', paid_at = $2, payment_reference = $3, payment_proof_ref = $4, updated_at = $2
WHERE r.id = $1
RETURNING `+requestColumns, cur.ID, p.At, p.Reference, p.ProofRef))
		if err != nil {
			return fmt.Errorf("mark payment request paid: %w", err)
		}
		cs, err := loadCommissions(ctx, tx, []uuid.UUID{req.ID})
		if err != nil {
			return err
		}
		req.Commissions = cs[req.ID]
		out = req
		return nil
	})
	if err != nil {
		return PaymentRequest{}, err
	}
	return out, nil
}

func (s *pgStore) Cancel(ctx context.Context, id uuid.UUID, at time.Time) (PaymentRequest, error) {
	var out PaymentRequest
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := getRequest(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !cur.Status.Cancellable() {
			return fmt.Errorf("%w: request is %s", ErrInvalidState, cur.Status)
		}
		if _, err := tx.Exec(ctx, `UPDATE commissions SET status = 'validated', payment_request_id = NULL
WHERE payment_request_id = $1 AND status = 'requested'`, id); err != nil {
			return fmt.Errorf("release commissions: %w", err)
		}
		req, err := scanRequest(tx.QueryRow(ctx, `UPDATE payment_requests AS r SET status = 'cancelled', cancelled_at = $2, updated_at = $2
WHERE r.id = $1
RETURNING `+requestColumns, id, at))
		if err != nil {
			return fmt.Errorf("cancel payment request: %w", err)
		}
		cs, err := loadCommissions(ctx, tx, []uuid.UUID{req.ID})
		if err != nil {
			return err
		}
		req.Commissions = cs[req.ID]
		out = req
		return nil
	})
	if err != nil {
		return PaymentRequest{}, err
	}
	return out, nil
}

// checkTotal re-sums the commissions that reference the request and compares the result
// with both the stored total and the join rows.
func checkTotal(ctx context.Context, tx pgx.Tx, requestID uuid.UUID, want decimal.Decimal, status commission.Status) error {
	var ledger, items decimal.Decimal
	err := tx.QueryRow(ctx, `SELECT
COALESCE((SELECT SUM(affiliate_commission_ttc) FROM commissions WHERE payment_request_id = $1 AND status = $2), 0),
COALESCE((SELECT SUM(amount_ttc) FROM payment_request_items WHERE payment_request_id = $1), 0)`,
		requestID, string(status)).Scan(&ledger, &items)
	if err != nil {
		return fmt.Errorf("re-sum payment request: %w", err)
	}
	if !ledger.Equal(want) || !items.Equal(want) {
		return fmt.Errorf("%w: request %s total %s, ledger %s, items %s", ErrInvariantViolation, requestID, want, ledger, items)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getRequest(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (PaymentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM payment_requests r WHERE r.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	req, err := scanRequest(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentRequest{}, ErrNotFound
	}
	if err != nil {
		return PaymentRequest{}, err
	}
	cs, err := loadCommissions(ctx, q, []uuid.UUID{req.ID})
	if err != nil {
		return PaymentRequest{}, err
	}
	req.Commissions = cs[req.ID]
	return req, nil
}

// loadCommissions returns the commissions listed on each request through the join table,
// so cancelled requests still show what they grouped.
func loadCommissions(ctx context.Context, q querier, requestIDs []uuid.UUID) (map[uuid.UUID][]commission.Commission, error) {
	rows, err := q.Query(ctx, `SELECT i.payment_request_id, `+commission.Columns+`
FROM payment_request_items i JOIN commissions c ON c.id = i.commission_id
WHERE i.payment_request_id = ANY($1::uuid[])
ORDER BY c.created_at, c.id`, uuidStrings(requestIDs))
	if err != nil {
		return nil, fmt.Errorf("load grouped commissions: %w", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID][]commission.Commission, len(requestIDs))
	for rows.Next() {
		var (
			requestID uuid.UUID
			c         commission.Commission
		)
		if err := rows.Scan(append([]any{&requestID}, commission.ScanDest(&c)...)...); err != nil {
			return nil, err
		}
		out[requestID] = append(out[requestID], c)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (PaymentRequest, error) {
	var p PaymentRequest
	err := row.Scan(requestDest(&p)...)
	return p, err
}

func requestDest(p *PaymentRequest) []any {
	return []any{&p.ID, &p.AffiliateID, &p.RequestNumber, &p.TotalAmountTtc, (*string)(&p.Status), &p.InvoiceFileRef,
		&p.InvoiceFileName, &p.InvoiceReceivedAt, &p.PaymentProofRef, &p.PaymentReference, &p.PaidAt, &p.CancelledAt,
		&p.CreatedAt, &p.UpdatedAt}
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
