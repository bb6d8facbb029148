// Package memory provides an in-memory implementation of the
// quotaflow.Storage interface. It is the canonical backend for tests and
// single-process deployments.
//
// Ledger counters are guarded by per-(business, dimension) locks, so
// admissions for different keys run in parallel and never block each other.
// The override registry keeps its own per-key locks, independent of the
// ledger's, so creating an override never blocks an in-flight admission.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
)

// counter is one ledger cell: usage for the current period of a single
// (business, dimension) key. All access goes through its own mutex.
type counter struct {
	mu        sync.Mutex
	periodKey string
	used      int64
	updatedAt time.Time
}

// Storage implements quotaflow.Storage using in-memory maps.
type Storage struct {
	businessMu sync.RWMutex
	businesses map[string]*quotaflow.Business

	countersMu sync.Mutex
	counters   map[string]*counter // key: businessID|dimension

	overrideKeyMu sync.Mutex
	overrideKeys  map[string]*sync.Mutex // key: businessID|dimension

	overrideMu sync.RWMutex
	overrides  map[string]*quotaflow.Override
	active     map[string]string // businessID|dimension -> active override ID

	violationMu       sync.RWMutex
	violations        map[string]*quotaflow.Violation
	violationsByOwner map[string][]string // businessID -> violation IDs, newest first

	auditMu sync.RWMutex
	audit   map[string][]*quotaflow.AuditLogEntry // businessID -> entries, newest first
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		businesses:        make(map[string]*quotaflow.Business),
		counters:          make(map[string]*counter),
		overrideKeys:      make(map[string]*sync.Mutex),
		overrides:         make(map[string]*quotaflow.Override),
		active:            make(map[string]string),
		violations:        make(map[string]*quotaflow.Violation),
		violationsByOwner: make(map[string][]string),
		audit:             make(map[string][]*quotaflow.AuditLogEntry),
	}
}

func ledgerKey(businessID string, dim quotaflow.Dimension) string {
	return fmt.Sprintf("%s|%s", businessID, dim)
}

// counterFor returns the ledger cell for the key, creating it on first use.
// The outer lock is held only for the map access, never across cell work.
func (s *Storage) counterFor(businessID string, dim quotaflow.Dimension) *counter {
	key := ledgerKey(businessID, dim)
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		c = &counter{}
		s.counters[key] = c
	}
	return c
}

// overrideKeyLock returns the per-key lock serializing override transitions
// for one (business, dimension).
func (s *Storage) overrideKeyLock(businessID string, dim quotaflow.Dimension) *sync.Mutex {
	key := ledgerKey(businessID, dim)
	s.overrideKeyMu.Lock()
	defer s.overrideKeyMu.Unlock()
	mu, ok := s.overrideKeys[key]
	if !ok {
		mu = &sync.Mutex{}
		s.overrideKeys[key] = mu
	}
	return mu
}

// GetBusiness implements quotaflow.Storage.
func (s *Storage) GetBusiness(ctx context.Context, businessID string) (*quotaflow.Business, error) {
	s.businessMu.RLock()
	defer s.businessMu.RUnlock()

	b, ok := s.businesses[businessID]
	if !ok {
		return nil, quotaflow.ErrBusinessNotFound
	}

	// Return a copy to prevent external mutations.
	bCopy := *b
	return &bCopy, nil
}

// PutBusiness implements quotaflow.Storage.
func (s *Storage) PutBusiness(ctx context.Context, b *quotaflow.Business) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("invalid business")
	}

	s.businessMu.Lock()
	defer s.businessMu.Unlock()

	bCopy := *b
	s.businesses[b.ID] = &bCopy
	return nil
}

// ListBusinesses implements quotaflow.Storage.
func (s *Storage) ListBusinesses(ctx context.Context) ([]*quotaflow.Business, error) {
	s.businessMu.RLock()
	defer s.businessMu.RUnlock()

	out := make([]*quotaflow.Business, 0, len(s.businesses))
	for _, b := range s.businesses {
		bCopy := *b
		out = append(out, &bCopy)
	}
	return out, nil
}

// SetSuspended implements quotaflow.Storage.
func (s *Storage) SetSuspended(ctx context.Context, businessID string, suspended bool) error {
	s.businessMu.Lock()
	defer s.businessMu.Unlock()

	b, ok := s.businesses[businessID]
	if !ok {
		return quotaflow.ErrBusinessNotFound
	}
	b.Suspended = suspended
	return nil
}

// TouchActivity implements quotaflow.Storage.
func (s *Storage) TouchActivity(ctx context.Context, businessID string, at time.Time) error {
	s.businessMu.Lock()
	defer s.businessMu.Unlock()

	b, ok := s.businesses[businessID]
	if !ok {
		return quotaflow.ErrBusinessNotFound
	}
	if at.After(b.LastActivity) {
		b.LastActivity = at
	}
	return nil
}

// GetUsage implements quotaflow.Storage. Only the active cell is kept per
// key; usage for any other period reads as absent.
func (s *Storage) GetUsage(ctx context.Context, businessID string, dim quotaflow.Dimension, period quotaflow.Period) (*quotaflow.Usage, error) {
	c := s.counterFor(businessID, dim)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.periodKey != period.Key() {
		return nil, nil
	}
	return &quotaflow.Usage{
		BusinessID: businessID,
		Dimension:  dim,
		Used:       c.used,
		Period:     period,
		UpdatedAt:  c.updatedAt,
	}, nil
}

// TryIncrement implements quotaflow.Storage. Rollover is lazy: when the
// stored period key differs from the request's, the cell is zeroed under the
// same lock that guards the increment, so concurrent callers racing a
// boundary all observe a consistent reset, never a partial one.
func (s *Storage) TryIncrement(ctx context.Context, req *quotaflow.IncrementRequest) (*quotaflow.IncrementResult, error) {
	if req.Amount < 0 {
		return nil, quotaflow.ErrInvalidAmount
	}

	c := s.counterFor(req.BusinessID, req.Dimension)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.periodKey != req.Period.Key() {
		c.periodKey = req.Period.Key()
		c.used = 0
	}

	newUsed := c.used + req.Amount
	if newUsed > req.Limit {
		return &quotaflow.IncrementResult{NewUsed: c.used, Allowed: false}, nil
	}

	c.used = newUsed
	c.updatedAt = req.Now
	return &quotaflow.IncrementResult{NewUsed: newUsed, Allowed: true}, nil
}

// GetOverride implements quotaflow.Storage.
func (s *Storage) GetOverride(ctx context.Context, overrideID string) (*quotaflow.Override, error) {
	s.overrideMu.RLock()
	defer s.overrideMu.RUnlock()

	o, ok := s.overrides[overrideID]
	if !ok {
		return nil, quotaflow.ErrOverrideNotFound
	}
	oCopy := *o
	return &oCopy, nil
}

// ActiveOverride implements quotaflow.Storage.
func (s *Storage) ActiveOverride(ctx context.Context, businessID string, dim quotaflow.Dimension) (*quotaflow.Override, error) {
	s.overrideMu.RLock()
	defer s.overrideMu.RUnlock()

	id, ok := s.active[ledgerKey(businessID, dim)]
	if !ok {
		return nil, nil
	}
	oCopy := *s.overrides[id]
	return &oCopy, nil
}

// CreateOverride implements quotaflow.Storage. Inserting the new record and
// revoking the previous active one happen under the key's override lock, so
// the single-active-override invariant holds at every instant.
func (s *Storage) CreateOverride(ctx context.Context, o *quotaflow.Override) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("invalid override")
	}

	keyLock := s.overrideKeyLock(o.BusinessID, o.Dimension)
	keyLock.Lock()
	defer keyLock.Unlock()

	s.overrideMu.Lock()
	defer s.overrideMu.Unlock()

	key := ledgerKey(o.BusinessID, o.Dimension)
	if prevID, ok := s.active[key]; ok {
		prev := s.overrides[prevID]
		if prev.Status == quotaflow.OverrideActive {
			prev.Status = quotaflow.OverrideRevoked
			prev.RevokedBy = o.ApprovedBy
			at := o.CreatedAt
			prev.RevokedAt = &at
		}
	}

	oCopy := *o
	s.overrides[o.ID] = &oCopy
	s.active[key] = o.ID
	return nil
}

// RevokeOverride implements quotaflow.Storage.
func (s *Storage) RevokeOverride(ctx context.Context, overrideID, revokedBy string, at time.Time) error {
	s.overrideMu.RLock()
	o, ok := s.overrides[overrideID]
	s.overrideMu.RUnlock()
	if !ok {
		return quotaflow.ErrOverrideNotFound
	}

	keyLock := s.overrideKeyLock(o.BusinessID, o.Dimension)
	keyLock.Lock()
	defer keyLock.Unlock()

	s.overrideMu.Lock()
	defer s.overrideMu.Unlock()

	o = s.overrides[overrideID]
	if o.Status != quotaflow.OverrideActive {
		return quotaflow.ErrOverrideNotActive
	}

	o.Status = quotaflow.OverrideRevoked
	o.RevokedBy = revokedBy
	atCopy := at
	o.RevokedAt = &atCopy
	delete(s.active, ledgerKey(o.BusinessID, o.Dimension))
	return nil
}

// MarkOverrideExpired implements quotaflow.Storage.
func (s *Storage) MarkOverrideExpired(ctx context.Context, overrideID string, at time.Time) error {
	s.overrideMu.RLock()
	o, ok := s.overrides[overrideID]
	s.overrideMu.RUnlock()
	if !ok {
		return quotaflow.ErrOverrideNotFound
	}

	keyLock := s.overrideKeyLock(o.BusinessID, o.Dimension)
	keyLock.Lock()
	defer keyLock.Unlock()

	s.overrideMu.Lock()
	defer s.overrideMu.Unlock()

	o = s.overrides[overrideID]
	if o.Status != quotaflow.OverrideActive {
		// Lost the race with a revoke or another expiry; nothing to do.
		return nil
	}

	o.Status = quotaflow.OverrideExpired
	key := ledgerKey(o.BusinessID, o.Dimension)
	if s.active[key] == overrideID {
		delete(s.active, key)
	}
	return nil
}

// ListOverrides implements quotaflow.Storage.
func (s *Storage) ListOverrides(ctx context.Context, businessID string) ([]*quotaflow.Override, error) {
	s.overrideMu.RLock()
	defer s.overrideMu.RUnlock()

	var out []*quotaflow.Override
	for _, o := range s.overrides {
		if o.BusinessID != businessID {
			continue
		}
		oCopy := *o
		out = append(out, &oCopy)
	}
	sortOverridesNewestFirst(out)
	return out, nil
}

// InsertViolation implements quotaflow.Storage.
func (s *Storage) InsertViolation(ctx context.Context, v *quotaflow.Violation) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("invalid violation")
	}

	s.violationMu.Lock()
	defer s.violationMu.Unlock()

	vCopy := *v
	s.violations[v.ID] = &vCopy
	s.violationsByOwner[v.BusinessID] = append([]string{v.ID}, s.violationsByOwner[v.BusinessID]...)
	return nil
}

// GetViolation implements quotaflow.Storage.
func (s *Storage) GetViolation(ctx context.Context, violationID string) (*quotaflow.Violation, error) {
	s.violationMu.RLock()
	defer s.violationMu.RUnlock()

	v, ok := s.violations[violationID]
	if !ok {
		return nil, quotaflow.ErrViolationNotFound
	}
	vCopy := *v
	return &vCopy, nil
}

// ResolveViolation implements quotaflow.Storage.
func (s *Storage) ResolveViolation(ctx context.Context, violationID, note string, at time.Time) error {
	s.violationMu.Lock()
	defer s.violationMu.Unlock()

	v, ok := s.violations[violationID]
	if !ok {
		return quotaflow.ErrViolationNotFound
	}
	v.ResolutionNote = note
	atCopy := at
	v.ResolvedAt = &atCopy
	return nil
}

// ListViolations implements quotaflow.Storage.
func (s *Storage) ListViolations(ctx context.Context, businessID string) ([]*quotaflow.Violation, error) {
	s.violationMu.RLock()
	defer s.violationMu.RUnlock()

	ids := s.violationsByOwner[businessID]
	out := make([]*quotaflow.Violation, 0, len(ids))
	for _, id := range ids {
		vCopy := *s.violations[id]
		out = append(out, &vCopy)
	}
	return out, nil
}

// LogAuditEntry implements quotaflow.AuditLogger.
func (s *Storage) LogAuditEntry(ctx context.Context, entry *quotaflow.AuditLogEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	eCopy := *entry
	s.audit[entry.BusinessID] = append([]*quotaflow.AuditLogEntry{&eCopy}, s.audit[entry.BusinessID]...)
	return nil
}

// GetAuditLogs implements quotaflow.AuditLogger.
func (s *Storage) GetAuditLogs(ctx context.Context, businessID string, limit int) ([]*quotaflow.AuditLogEntry, error) {
	s.auditMu.RLock()
	defer s.auditMu.RUnlock()

	entries := s.audit[businessID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]*quotaflow.AuditLogEntry, 0, limit)
	for _, e := range entries[:limit] {
		eCopy := *e
		out = append(out, &eCopy)
	}
	return out, nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.businessMu.Lock()
	s.businesses = make(map[string]*quotaflow.Business)
	s.businessMu.Unlock()

	s.countersMu.Lock()
	s.counters = make(map[string]*counter)
	s.countersMu.Unlock()

	s.overrideMu.Lock()
	s.overrides = make(map[string]*quotaflow.Override)
	s.active = make(map[string]string)
	s.overrideMu.Unlock()

	s.violationMu.Lock()
	s.violations = make(map[string]*quotaflow.Violation)
	s.violationsByOwner = make(map[string][]string)
	s.violationMu.Unlock()

	s.auditMu.Lock()
	s.audit = make(map[string][]*quotaflow.AuditLogEntry)
	s.auditMu.Unlock()
}

func sortOverridesNewestFirst(overrides []*quotaflow.Override) {
	sort.Slice(overrides, func(i, j int) bool {
		return overrides[i].CreatedAt.After(overrides[j].CreatedAt)
	})
}
