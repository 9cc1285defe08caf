// Package ledger records which posts have already been replied to.
//
// A ledger only grows. Once an id is recorded it stays recorded for the
// lifetime of the process, and for the durable backends across restarts.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sawpanic/replyrun/internal/config"
)

// Ledger is the set of post ids already replied to
type Ledger interface {
	// Contains reports whether a reply to id was already recorded
	Contains(id string) bool
	// Record adds id. Recording an id twice is not an error.
	Record(ctx context.Context, id string) error
	// Len returns the number of distinct ids recorded
	Len() int
	Close() error
}

// StorageError means the backing store could not be read or written.
// At load time it is fatal: continuing could produce duplicate replies.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Open loads the backend selected by cfg.Backend
func Open(ctx context.Context, cfg config.LedgerConfig) (Ledger, error) {
	switch cfg.Backend {
	case "file":
		return OpenFile(cfg.Path)
	case "memory":
		return NewMemory(), nil
	case "redis":
		opts, err := RedisOptions(cfg.RedisAddr)
		if err != nil {
			return nil, &config.ConfigError{Field: "ledger.redis_addr", Reason: err.Error()}
		}
		client := redis.NewClient(opts)
		l, err := OpenRedis(ctx, client, cfg.RedisKey)
		if err != nil {
			client.Close()
			return nil, err
		}
		return l, nil
	case "postgres":
		db, err := sqlx.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, &StorageError{Backend: "postgres", Op: "open", Err: err}
		}
		l, err := OpenPostgres(ctx, db, cfg.QueryTimeout)
		if err != nil {
			db.Close()
			return nil, err
		}
		return l, nil
	default:
		return nil, &config.ConfigError{Field: "ledger.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
}

// RedisOptions accepts either host:port or a redis:// or rediss:// URL,
// which may carry a password and database number.
func RedisOptions(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

// set is the in-process view shared by every backend
type set map[string]struct{}

func (s set) has(id string) bool {
	_, ok := s[id]
	return ok
}
