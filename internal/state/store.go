package state

import "context"

// Store is a small durable key/value store. Set must replace the value
// atomically: after a crash Get returns either the old or the new value.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
