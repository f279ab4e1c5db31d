// Package leader elects the single process that runs tenant schedulers.
package leader

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"signalcore/internal/store"
)

const (
	DefaultTTL          = 30 * time.Second
	DefaultPollInterval = 10 * time.Second
)

// Elector acquires and keeps a named lease.
type Elector interface {
	TryAcquire(ctx context.Context, scope string) (bool, error)
	// Renew reports false when the lease is no longer held by this process.
	Renew(ctx context.Context, scope string) (bool, error)
	Release(ctx context.Context, scope string) error
	HolderID() string
	// TTL is how long an acquire or renew keeps the lease, counted from the call.
	TTL() time.Duration
	RenewInterval() time.Duration
}

// LeaseElector keeps a time-bounded lease row in a LeaseStore.
type LeaseElector struct {
	store  store.LeaseStore
	holder string
	ttl    time.Duration
	now    func() time.Time
}

func NewLeaseElector(s store.LeaseStore, ttl time.Duration) *LeaseElector {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LeaseElector{store: s, holder: NewHolderID(), ttl: ttl, now: time.Now}
}

// NewHolderID identifies this process: hostname plus a random suffix.
func NewHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()
}

func (e *LeaseElector) HolderID() string { return e.holder }

func (e *LeaseElector) TTL() time.Duration { return e.ttl }

func (e *LeaseElector) RenewInterval() time.Duration { return e.ttl / 3 }

func (e *LeaseElector) TryAcquire(ctx context.Context, scope string) (bool, error) {
	ok, err := e.store.Acquire(ctx, scope, e.holder, e.ttl, e.now())
	if err != nil {
		return false, err
	}
	if ok {
		log.WithFields(log.Fields{"scope": scope, "holder": e.holder}).Debug("Lease acquired")
	}
	return ok, nil
}

func (e *LeaseElector) Renew(ctx context.Context, scope string) (bool, error) {
	return e.store.Renew(ctx, scope, e.holder, e.ttl, e.now())
}

func (e *LeaseElector) Release(ctx context.Context, scope string) error {
	return e.store.Release(ctx, scope, e.holder)
}
