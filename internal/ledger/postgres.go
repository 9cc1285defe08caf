package ledger

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

const createRepliedPosts = `
	CREATE TABLE IF NOT EXISTS replied_posts (
		post_id    TEXT PRIMARY KEY,
		replied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// Postgres keeps the ledger in the replied_posts table
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
	ids     set
}

// OpenPostgres ensures the table exists and loads every recorded id
func OpenPostgres(ctx context.Context, db *sqlx.DB, timeout time.Duration) (*Postgres, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, createRepliedPosts); err != nil {
		return nil, &StorageError{Backend: "postgres", Op: "migrate", Err: err}
	}

	var rows []string
	if err := db.SelectContext(ctx, &rows, `SELECT post_id FROM replied_posts`); err != nil {
		return nil, &StorageError{Backend: "postgres", Op: "load", Err: err}
	}

	ids := make(set, len(rows))
	for _, id := range rows {
		ids[id] = struct{}{}
	}
	return &Postgres{db: db, timeout: timeout, ids: ids}, nil
}

func (l *Postgres) Contains(id string) bool { return l.ids.has(id) }

func (l *Postgres) Record(ctx context.Context, id string) error {
	if l.ids.has(id) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO replied_posts (post_id) VALUES ($1) ON CONFLICT (post_id) DO NOTHING`, id)
	if err != nil {
		return &StorageError{Backend: "postgres", Op: "record", Err: err}
	}
	l.ids[id] = struct{}{}
	return nil
}

func (l *Postgres) Len() int { return len(l.ids) }

func (l *Postgres) Close() error { return l.db.Close() }
