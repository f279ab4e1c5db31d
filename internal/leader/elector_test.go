package leader

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcore/internal/store"
)

func TestLeaseElector(t *testing.T) {
	ctx := context.Background()
	leases := store.NewMemoryLeases()
	now := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	a := NewLeaseElector(leases, 30*time.Second)
	b := NewLeaseElector(leases, 30*time.Second)
	a.now, b.now = clock, clock
	require.NotEqual(t, a.HolderID(), b.HolderID())
	assert.Equal(t, 10*time.Second, a.RenewInterval())

	ok, err := a.TryAcquire(ctx, "scheduler")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, "scheduler")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(10 * time.Second)
	ok, err = a.Renew(ctx, "scheduler")
	require.NoError(t, err)
	assert.True(t, ok)

	leases.Expire("scheduler")
	ok, err = b.TryAcquire(ctx, "scheduler")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Renew(ctx, "scheduler")
	require.NoError(t, err)
	assert.False(t, ok, "the old holder must notice the lease is lost")

	lease, err := leases.Get(ctx, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, b.HolderID(), lease.HolderID)
	assert.Equal(t, int64(2), lease.Epoch)

	require.NoError(t, b.Release(ctx, "scheduler"))
	ok, err = a.TryAcquire(ctx, "scheduler")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenewAfterExpiry(t *testing.T) {
	ctx := context.Background()
	leases := store.NewMemoryLeases()
	now := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

	e := NewLeaseElector(leases, 30*time.Second)
	e.now = func() time.Time { return now }

	ok, err := e.TryAcquire(ctx, "scheduler")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(31 * time.Second)
	ok, err = e.Renew(ctx, "scheduler")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewHolderID(t *testing.T) {
	id := NewHolderID()
	assert.True(t, strings.Count(id, "-") >= 5)
	assert.NotEqual(t, id, NewHolderID())
}
