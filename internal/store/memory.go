package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"signalcore/internal/models"
)

// MemorySignals is an in-process SignalStore.
type MemorySignals struct {
	mu      sync.Mutex
	nextID  uint
	signals map[uint]models.Signal
}

func NewMemorySignals() *MemorySignals {
	return &MemorySignals{signals: make(map[uint]models.Signal)}
}

func cloneSignal(s models.Signal) models.Signal {
	if s.MilestonesSent != nil {
		sent := make(models.JSONMap, len(s.MilestonesSent))
		for k, v := range s.MilestonesSent {
			sent[k] = v
		}
		s.MilestonesSent = sent
	}
	return s
}

func (m *MemorySignals) Create(_ context.Context, sig *models.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.signals {
		if existing.TenantID == sig.TenantID && existing.IsOpen() {
			return ErrOpenSignalExists
		}
	}
	m.nextID++
	sig.ID = m.nextID
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	sig.UpdatedAt = sig.CreatedAt
	m.signals[sig.ID] = cloneSignal(*sig)
	return nil
}

func (m *MemorySignals) Get(_ context.Context, id uint) (*models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig, ok := m.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneSignal(sig)
	return &out, nil
}

func (m *MemorySignals) OpenForTenant(_ context.Context, tenantID string) (*models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sig := range m.signals {
		if sig.TenantID == tenantID && sig.IsOpen() {
			out := cloneSignal(sig)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemorySignals) Update(_ context.Context, sig *models.Signal, _ ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.signals[sig.ID]; !ok {
		return ErrNotFound
	}
	sig.UpdatedAt = time.Now()
	m.signals[sig.ID] = cloneSignal(*sig)
	return nil
}

func (m *MemorySignals) filter(keep func(models.Signal) bool) []models.Signal {
	var out []models.Signal
	for _, sig := range m.signals {
		if keep(sig) {
			out = append(out, cloneSignal(sig))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemorySignals) CountCreatedSince(_ context.Context, tenantID, strategy string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := m.filter(func(s models.Signal) bool {
		return s.TenantID == tenantID && s.Strategy == strategy && !s.CreatedAt.Before(since)
	})
	return int64(len(matched)), nil
}

func (m *MemorySignals) ListCreatedSince(_ context.Context, tenantID string, since time.Time) ([]models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.filter(func(s models.Signal) bool {
		return s.TenantID == tenantID && !s.CreatedAt.Before(since)
	}), nil
}

func (m *MemorySignals) ListClosedSince(_ context.Context, tenantID string, since time.Time) ([]models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.filter(func(s models.Signal) bool {
		return s.TenantID == tenantID && s.ClosedAt != nil && !s.ClosedAt.Before(since)
	}), nil
}

func (m *MemorySignals) ListByTenant(_ context.Context, tenantID string, offset, limit int) ([]models.Signal, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.filter(func(s models.Signal) bool { return s.TenantID == tenantID })
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

// MemoryJobs is an in-process JobStore. A single mutex makes every claim atomic.
type MemoryJobs struct {
	mu     sync.Mutex
	nextID uint
	jobs   map[uint]models.Job
}

func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{jobs: make(map[uint]models.Job)}
}

func (m *MemoryJobs) Enqueue(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	job.ID = m.nextID
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = models.DefaultJobMaxAttempts
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryJobs) Get(_ context.Context, id uint) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (m *MemoryJobs) Claim(_ context.Context, tenantID string, limit int, now time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []models.Job
	for _, job := range m.jobs {
		if job.TenantID == tenantID && job.Status == models.JobPending && !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		claimedAt := now
		due[i].Status = models.JobClaimed
		due[i].ClaimedAt = &claimedAt
		due[i].UpdatedAt = now
		m.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (m *MemoryJobs) ReclaimOrphans(_ context.Context, tenantID string, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reclaimed int64
	for id, job := range m.jobs {
		if job.TenantID != tenantID || job.Status != models.JobClaimed || job.ClaimedAt == nil || !job.ClaimedAt.Before(cutoff) {
			continue
		}
		job.Attempts++
		job.LastError = "claim timed out"
		job.ClaimedAt = nil
		job.UpdatedAt = now
		if job.Attempts >= job.MaxAttempts {
			job.Status = models.JobFailed
		} else {
			job.Status = models.JobPending
			job.RunAt = now
			reclaimed++
		}
		m.jobs[id] = job
	}
	return reclaimed, nil
}

func (m *MemoryJobs) MarkCompleted(_ context.Context, id uint, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status != models.JobClaimed {
		return ErrNotFound
	}
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	job.UpdatedAt = now
	m.jobs[id] = job
	return nil
}

func (m *MemoryJobs) MarkAttempt(_ context.Context, id uint, attempts int, status models.JobStatus, runAt time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status != models.JobClaimed {
		return ErrNotFound
	}
	job.Attempts = attempts
	job.Status = status
	job.RunAt = runAt
	job.LastError = reason
	job.ClaimedAt = nil
	job.UpdatedAt = time.Now()
	m.jobs[id] = job
	return nil
}

func (m *MemoryJobs) ListByStatus(_ context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Job
	for _, job := range m.jobs {
		if job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryJobs) Requeue(_ context.Context, id uint, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status != models.JobFailed {
		return ErrNotFound
	}
	job.Status = models.JobPending
	job.Attempts = 0
	job.RunAt = now
	job.LastError = ""
	m.jobs[id] = job
	return nil
}

// MemoryLeases is an in-process LeaseStore shared by electors in the same test.
type MemoryLeases struct {
	mu     sync.Mutex
	leases map[string]models.LeaderLease
}

func NewMemoryLeases() *MemoryLeases {
	return &MemoryLeases{leases: make(map[string]models.LeaderLease)}
}

func (m *MemoryLeases) Acquire(_ context.Context, scope, holder string, ttl time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[scope]
	switch {
	case !ok:
		lease = models.LeaderLease{Scope: scope, HolderID: holder, AcquiredAt: now, Epoch: 1}
	case lease.HolderID == holder:
	case lease.ExpiresAt.Before(now):
		lease.HolderID = holder
		lease.AcquiredAt = now
		lease.Epoch++
	default:
		return false, nil
	}
	lease.ExpiresAt = now.Add(ttl)
	lease.UpdatedAt = now
	m.leases[scope] = lease
	return true, nil
}

func (m *MemoryLeases) Renew(_ context.Context, scope, holder string, ttl time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[scope]
	if !ok || lease.HolderID != holder || lease.ExpiresAt.Before(now) {
		return false, nil
	}
	lease.ExpiresAt = now.Add(ttl)
	lease.UpdatedAt = now
	m.leases[scope] = lease
	return true, nil
}

func (m *MemoryLeases) Release(_ context.Context, scope, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.leases[scope]; ok && lease.HolderID == holder {
		delete(m.leases, scope)
	}
	return nil
}

func (m *MemoryLeases) Get(_ context.Context, scope string) (*models.LeaderLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[scope]
	if !ok {
		return nil, ErrNotFound
	}
	return &lease, nil
}

// Expire forces the lease to be expired, simulating a holder that stopped renewing.
func (m *MemoryLeases) Expire(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.leases[scope]; ok {
		lease.ExpiresAt = time.Time{}
		m.leases[scope] = lease
	}
}

// MemoryTenants is an in-process TenantStore and CredentialStore.
type MemoryTenants struct {
	mu          sync.Mutex
	tenants     map[string]models.TenantConfig
	credentials map[string]models.BotCredential
	briefings   map[string]map[string]time.Time
}

func NewMemoryTenants() *MemoryTenants {
	return &MemoryTenants{
		tenants:     make(map[string]models.TenantConfig),
		credentials: make(map[string]models.BotCredential),
		briefings:   make(map[string]map[string]time.Time),
	}
}

// Put inserts or replaces a tenant, bumping UpdatedAt when the caller left it unchanged.
func (m *MemoryTenants) Put(cfg models.TenantConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.tenants[cfg.TenantID]; ok && !cfg.UpdatedAt.After(prev.UpdatedAt) {
		cfg.UpdatedAt = prev.UpdatedAt.Add(time.Millisecond)
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}
	m.tenants[cfg.TenantID] = cfg
}

func (m *MemoryTenants) Remove(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, tenantID)
}

func (m *MemoryTenants) PutCredential(cred models.BotCredential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[cred.TenantID+"|"+cred.BotRole+"|"+cred.ChannelType] = cred
}

func (m *MemoryTenants) ListSchedulable(_ context.Context) ([]models.TenantConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.TenantConfig
	for _, cfg := range m.tenants {
		if cfg.Enabled && cfg.SignalBotActive {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (m *MemoryTenants) Get(_ context.Context, tenantID string) (*models.TenantConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &cfg, nil
}

func (m *MemoryTenants) UpdatedAt(_ context.Context, tenantID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.tenants[tenantID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return cfg.UpdatedAt, nil
}

func (m *MemoryTenants) BriefingsSent(_ context.Context, tenantID string) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent := make(map[string]time.Time, len(m.briefings[tenantID]))
	for k, v := range m.briefings[tenantID] {
		sent[k] = v
	}
	return sent, nil
}

func (m *MemoryTenants) MarkBriefingSent(_ context.Context, tenantID, key string, occurrence time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent, ok := m.briefings[tenantID]
	if !ok {
		sent = make(map[string]time.Time)
		m.briefings[tenantID] = sent
	}
	if occurrence.After(sent[key]) {
		sent[key] = occurrence.UTC()
	}
	return nil
}

// Credentials exposes the credential half of the memory store as a CredentialStore.
func (m *MemoryTenants) Credentials() CredentialStore {
	return memoryCredentials{m}
}

type memoryCredentials struct {
	m *MemoryTenants
}

func (c memoryCredentials) Get(_ context.Context, tenantID, botRole, channelType string) (*models.BotCredential, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	cred, ok := c.m.credentials[tenantID+"|"+botRole+"|"+channelType]
	if !ok {
		return nil, ErrNotFound
	}
	return &cred, nil
}
