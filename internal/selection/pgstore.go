package selection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/commission-engine/internal/db"
)

const itemColumns = `i.id, i.selection_id, i.product_id, i.base_price_ht, i.margin_rate, i.selling_price_ht, i.position, i.created_at, i.updated_at`

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) GetSelection(ctx context.Context, id uuid.UUID) (Selection, error) {
	var sel Selection
	err := s.pool.QueryRow(ctx, `SELECT id, affiliate_id, name FROM selections WHERE id = $1`, id).Scan(&sel.ID, &sel.AffiliateID, &sel.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Selection{}, ErrNotFound
	}
	return sel, err
}

func (s *pgStore) GetProduct(ctx context.Context, id uuid.UUID) (Product, error) {
	var p Product
	err := s.pool.QueryRow(ctx, `SELECT id, name, base_price_ht, public_price_ht FROM products WHERE id = $1`, id).Scan(&p.ID, &p.Name, &p.BasePriceHt, &p.PublicPriceHt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	return p, err
}

func (s *pgStore) GetItem(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	return getSnapshot(ctx, s.pool, id, false)
}

func (s *pgStore) ListItems(ctx context.Context, selectionID uuid.UUID) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM selection_items i WHERE i.selection_id = $1 ORDER BY i.position, i.created_at`, selectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *pgStore) InsertItem(ctx context.Context, item Item) (Item, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO selection_items AS i (id, selection_id, product_id, base_price_ht, margin_rate, selling_price_ht, position)
VALUES ($1, $2, $3, $4, $5, $6, (SELECT COALESCE(MAX(position) + 1, 0) FROM selection_items WHERE selection_id = $2))
RETURNING `+itemColumns, item.ID, item.SelectionID, item.ProductID, item.BasePriceHt, item.MarginRate, item.SellingPriceHt)
	created, err := scanItem(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Item{}, ErrDuplicate
		}
		return Item{}, err
	}
	return created, nil
}

func (s *pgStore) DeleteItem(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM selection_items WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) UpdateMargin(ctx context.Context, id uuid.UUID, fn func(Snapshot) (Item, error)) (Item, error) {
	var updated Item
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		snap, err := getSnapshot(ctx, tx, id, true)
		if err != nil {
			return err
		}
		next, err := fn(snap)
		if err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `UPDATE selection_items AS i
SET base_price_ht = $2, margin_rate = $3, selling_price_ht = $4, updated_at = now()
WHERE i.id = $1
RETURNING `+itemColumns, id, next.BasePriceHt, next.MarginRate, next.SellingPriceHt)
		updated, err = scanItem(row)
		if err != nil {
			return fmt.Errorf("update margin: %w", err)
		}
		return nil
	})
	return updated, err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getSnapshot(ctx context.Context, q querier, id uuid.UUID, lock bool) (Snapshot, error) {
	query := `SELECT ` + itemColumns + `, s.affiliate_id, p.id, p.name, p.base_price_ht, p.public_price_ht
FROM selection_items i
JOIN selections s ON s.id = i.selection_id
JOIN products p ON p.id = i.product_id
WHERE i.id = $1`
	if lock {
		query += ` FOR UPDATE OF i`
	}
	var snap Snapshot
	it := &snap.Item
	err := q.QueryRow(ctx, query, id).Scan(&it.ID, &it.SelectionID, &it.ProductID, &it.BasePriceHt, &it.MarginRate, &it.SellingPriceHt, &it.Position, &it.CreatedAt, &it.UpdatedAt,
		&snap.AffiliateID, &snap.Product.ID, &snap.Product.Name, &snap.Product.BasePriceHt, &snap.Product.PublicPriceHt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	return snap, err
}

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.SelectionID, &it.ProductID, &it.BasePriceHt, &it.MarginRate, &it.SellingPriceHt, &it.Position, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}
