package generation

import (
	"context"
	"database/sql"
	"fmt"
)

// Repository defines data access for generation records.
type Repository interface {
	Create(ctx context.Context, g *Generation) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]Generation, error)
}

// mariadbRepository implements Repository with hand-written MariaDB queries.
type mariadbRepository struct {
	db *sql.DB
}

// NewRepository creates a generation repository backed by the given DB pool.
func NewRepository(db *sql.DB) Repository {
	return &mariadbRepository{db: db}
}

// Create inserts a generation record.
func (r *mariadbRepository) Create(ctx context.Context, g *Generation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO generations (id, account_id, prompt, image_url, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.AccountID, g.Prompt, g.ImageURL, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting generation: %w", err)
	}
	return nil
}

// ListByAccount returns the account's most recent generations, newest first.
func (r *mariadbRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]Generation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, prompt, image_url, created_at
		 FROM generations WHERE account_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing generations: %w", err)
	}
	defer rows.Close()

	var generations []Generation
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.ID, &g.AccountID, &g.Prompt, &g.ImageURL, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning generation row: %w", err)
		}
		generations = append(generations, g)
	}
	return generations, rows.Err()
}
