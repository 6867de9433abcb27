package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no marker exists.
var ErrNotFound = errors.New("ledger: transfer not found")

const transferColumns = `id::text, order_id::text, kind, idempotency_key, to_account, amount::text,
	status, attempts, last_error, created_at, updated_at, settled_at`

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanTransfer(row pgx.Row) (Transfer, error) {
	var (
		t      Transfer
		amount string
	)
	if err := row.Scan(&t.ID, &t.OrderID, &t.Kind, &t.IdempotencyKey, &t.ToAccount, &amount,
		&t.Status, &t.Attempts, &t.LastError, &t.CreatedAt, &t.UpdatedAt, &t.SettledAt); err != nil {
		return Transfer{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Transfer{}, fmt.Errorf("ledger: parse amount %q: %w", amount, err)
	}
	t.Amount = d
	return t, nil
}

// InsertTransfer writes a pending marker inside the caller's transaction.
// A second marker for the same order surfaces as ErrDuplicateTransfer.
func InsertTransfer(ctx context.Context, tx pgx.Tx, in NewTransfer) (Transfer, error) {
	if in.OrderID == "" {
		return Transfer{}, fmt.Errorf("ledger: missing order id")
	}
	const q = `
INSERT INTO ledger_transfers (order_id, kind, idempotency_key, to_account, amount)
VALUES ($1, $2, $3, $4, $5::numeric)
RETURNING ` + transferColumns

	t, err := scanTransfer(tx.QueryRow(ctx, q, in.OrderID, string(in.Kind), IdempotencyKey(in.OrderID, in.Kind),
		in.ToAccount, in.Amount.StringFixed(2)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Transfer{}, ErrDuplicateTransfer
		}
		return Transfer{}, fmt.Errorf("ledger: insert transfer: %w", err)
	}
	return t, nil
}

// Repository persists marker outcomes.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// GetByOrder returns the marker written for an order.
func (r *Repository) GetByOrder(ctx context.Context, orderID string) (Transfer, error) {
	const q = `SELECT ` + transferColumns + ` FROM ledger_transfers WHERE order_id = $1`
	t, err := scanTransfer(r.db.QueryRow(ctx, q, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			return Transfer{}, ErrNotFound
		}
		return Transfer{}, fmt.Errorf("ledger: get by order: %w", err)
	}
	return t, nil
}

// MarkSettled records a successful ledger call and clears the order's
// attention flag raised by an earlier exhaustion.
func (r *Repository) MarkSettled(ctx context.Context, t Transfer, attempts int) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE ledger_transfers
SET status = 'settled', attempts = attempts + $2, last_error = NULL, settled_at = now(), updated_at = now()
WHERE id = $1 AND status <> 'settled'
`, t.ID, attempts)
	if err != nil {
		return fmt.Errorf("ledger: mark settled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx, `
UPDATE orders
SET attention_required_at = NULL, version = version + 1, updated_at = now()
WHERE id = $1 AND attention_required_at IS NOT NULL
`, t.OrderID); err != nil {
		return fmt.Errorf("ledger: clear attention flag: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit settled: %w", err)
	}
	return nil
}

// MarkFailed records retry exhaustion and flags the order for an operator.
func (r *Repository) MarkFailed(ctx context.Context, t Transfer, attempts int, cause string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
UPDATE ledger_transfers
SET status = 'failed', attempts = attempts + $2, last_error = $3, updated_at = now()
WHERE id = $1 AND status <> 'settled'
`, t.ID, attempts, cause); err != nil {
		return fmt.Errorf("ledger: mark failed: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE orders
SET attention_required_at = COALESCE(attention_required_at, now()), version = version + 1, updated_at = now()
WHERE id = $1
`, t.OrderID); err != nil {
		return fmt.Errorf("ledger: flag order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit failed: %w", err)
	}
	return nil
}

// ListUnsettled returns pending and failed markers last touched before cutoff.
func (r *Repository) ListUnsettled(ctx context.Context, cutoff time.Time, limit int) ([]Transfer, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `
SELECT ` + transferColumns + `
FROM ledger_transfers
WHERE status <> 'settled' AND updated_at <= $1
ORDER BY updated_at ASC
LIMIT $2
`
	rows, err := r.db.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list unsettled: %w", err)
	}
	defer rows.Close()

	out := make([]Transfer, 0, limit)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan transfer: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate transfers: %w", err)
	}
	return out, nil
}
