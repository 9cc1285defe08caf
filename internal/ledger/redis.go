package ledger

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Redis keeps the ledger in a Redis set. The set is read once at open;
// afterwards Contains is answered from the local copy and Record writes
// through with SADD.
type Redis struct {
	client *redis.Client
	key    string
	ids    set
}

// OpenRedis loads every member of key
func OpenRedis(ctx context.Context, client *redis.Client, key string) (*Redis, error) {
	members, err := client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, &StorageError{Backend: "redis", Op: "load", Err: err}
	}

	ids := make(set, len(members))
	for _, id := range members {
		ids[id] = struct{}{}
	}
	return &Redis{client: client, key: key, ids: ids}, nil
}

func (l *Redis) Contains(id string) bool { return l.ids.has(id) }

func (l *Redis) Record(ctx context.Context, id string) error {
	if l.ids.has(id) {
		return nil
	}
	if err := l.client.SAdd(ctx, l.key, id).Err(); err != nil {
		return &StorageError{Backend: "redis", Op: "record", Err: err}
	}
	l.ids[id] = struct{}{}
	return nil
}

func (l *Redis) Len() int { return len(l.ids) }

func (l *Redis) Close() error { return l.client.Close() }
