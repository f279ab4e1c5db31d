package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"signalcore/internal/orchestrator"
	"signalcore/internal/store"
)

// ListSchedulers reports leadership and the tenant schedulers this process owns
func (h *Handler) ListSchedulers(c *gin.Context) {
	if h.Snapshot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Orchestrator not running"})
		return
	}

	snap := h.Snapshot()
	sort.Slice(snap.Tenants, func(i, j int) bool { return snap.Tenants[i].TenantID < snap.Tenants[j].TenantID })
	c.JSON(http.StatusOK, snap)
}

// LeaseSnapshot reports the current lease holder of scope for processes that do not
// run an orchestrator themselves. An expired lease reports no holder.
func LeaseSnapshot(leases store.LeaseStore, scope string) func() orchestrator.Snapshot {
	return func() orchestrator.Snapshot {
		snap := orchestrator.Snapshot{Scope: scope}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		lease, err := leases.Get(ctx, scope)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.WithError(err).WithField("scope", scope).Warn("Failed to read leader lease")
			}
			return snap
		}
		if time.Now().Before(lease.ExpiresAt) {
			snap.Holder = lease.HolderID
		}
		return snap
	}
}
