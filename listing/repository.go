package listing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound signals the requested listing does not exist.
var ErrNotFound = errors.New("listing: not found")

// Reader is the read-only catalog collaborator.
type Reader interface {
	Get(ctx context.Context, id string) (Snapshot, error)
}

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository reads the catalog's listings table.
type Repository struct {
	db Querier
}

func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

// Get fetches a listing by its primary key.
func (r *Repository) Get(ctx context.Context, id string) (Snapshot, error) {
	const query = `
		SELECT id::text, seller_id, title, image_url, condition, grade
		FROM listings
		WHERE id = $1
	`

	var s Snapshot
	err := r.db.QueryRow(ctx, query, id).Scan(&s.ID, &s.SellerID, &s.Title, &s.ImageURL, &s.Condition, &s.Grade)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == "22P02") {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("listing: query by id: %w", err)
	}
	return s, nil
}
