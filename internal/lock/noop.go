package lock

import (
	"context"
	"time"

	"story-graph-server/internal/interfaces"
)

var _ interfaces.Locker = NoopLocker{}

// NoopLocker always grants the lock. Used when Redis is not configured;
// the repository CAS still keeps the graph consistent.
type NoopLocker struct{}

func (NoopLocker) TryLock(context.Context, string, time.Duration) (interfaces.Lock, bool, error) {
	return noopLock{}, true, nil
}

type noopLock struct{}

func (noopLock) Release(context.Context) error { return nil }
