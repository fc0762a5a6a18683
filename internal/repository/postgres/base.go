package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// BaseRepository is the shared connection handle embedded by the
// subscription and delivery stores.
type BaseRepository struct {
	db *sqlx.DB
}

func NewBaseRepository(db *sqlx.DB) BaseRepository {
	return BaseRepository{db: db}
}

// WithTx runs fn inside a transaction, rolling back on error or panic. The
// delivery fan-out uses it so a trigger persists all of its rows or none.
func (r *BaseRepository) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
