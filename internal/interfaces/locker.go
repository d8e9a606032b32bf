package interfaces

import (
	"context"
	"time"
)

// Lock is a held advisory lock.
type Lock interface {
	// Release освобождает блокировку, если она все еще принадлежит владельцу.
	Release(ctx context.Context) error
}

// Locker hands out advisory locks shared between server instances.
// A lock only reduces duplicate work; correctness never depends on it.
type Locker interface {
	// TryLock returns (nil, false, nil) when the key is held by someone else.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error)
}
