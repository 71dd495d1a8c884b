// Package storetest provides an in-memory store.Store for unit tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/clipcoach/internal/store"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

// MemoryStore mirrors the Postgres constraints that matter to callers: one
// active analysis per video, the status machine, and done requiring a usable
// report.
type MemoryStore struct {
	mu       sync.Mutex
	videos   map[int64]*models.Video
	analyses map[uuid.UUID]*models.Analysis
	keys     map[uuid.UUID]*models.APIKey
	now      func() time.Time

	// TransitionErr, when set, is consulted before every transition. A
	// non-nil return is handed back to the caller and nothing is written.
	TransitionErr func(id uuid.UUID, status string) error
	// PingErr is returned by Ping.
	PingErr error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos:   make(map[int64]*models.Video),
		analyses: make(map[uuid.UUID]*models.Analysis),
		keys:     make(map[uuid.UUID]*models.APIKey),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddVideo registers a video row.
func (m *MemoryStore) AddVideo(v models.Video) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = m.now()
	}
	m.videos[v.ID] = &v
}

// Put inserts an analysis as-is, bypassing admission checks. Used to seed
// legacy or stale rows.
func (m *MemoryStore) Put(a models.Analysis) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.analyses[a.ID] = &a
}

// Analyses returns copies of every analysis for the video, oldest first.
func (m *MemoryStore) Analyses(videoID int64) []models.Analysis {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Analysis
	for _, a := range m.analyses {
		if a.VideoID == videoID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return m.PingErr
}

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return store.ErrNotFound
	}
	now := m.now()
	k.LastUsedAt = &now
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := *key
	m.keys[key.ID] = &c
	return nil
}

func (m *MemoryStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := m.now()
	k.DeletedAt = &now
	return nil
}

func (m *MemoryStore) GetVideo(_ context.Context, id int64) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *v
	return &c, nil
}

func (m *MemoryStore) FindLatestUsableAnalysis(_ context.Context, videoID int64, version int) (*models.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Analysis
	for _, a := range m.analyses {
		if a.VideoID != videoID || !a.CacheableAt(version) {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) {
			best = a
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	c := *best
	return &c, nil
}

func (m *MemoryStore) FindActiveAnalysis(_ context.Context, videoID int64) (*models.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.activeLocked(videoID); a != nil {
		c := *a
		return &c, nil
	}
	return nil, store.ErrNotFound
}

func (m *MemoryStore) activeLocked(videoID int64) *models.Analysis {
	for _, a := range m.analyses {
		if a.VideoID == videoID && a.IsActive() {
			return a
		}
	}
	return nil
}

func (m *MemoryStore) CreatePendingAnalysis(_ context.Context, a *models.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.videos[a.VideoID]; !ok {
		return store.ErrNotFound
	}
	if m.activeLocked(a.VideoID) != nil {
		return store.ErrActiveAnalysis
	}
	now := m.now()
	a.ID = uuid.New()
	a.Status = models.AnalysisStatusPending
	a.CreatedAt = now
	a.UpdatedAt = now
	c := *a
	m.analyses[a.ID] = &c
	return nil
}

func (m *MemoryStore) TransitionAnalysis(_ context.Context, id uuid.UUID, status string, opts ...store.AnalysisUpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TransitionErr != nil {
		if err := m.TransitionErr(id, status); err != nil {
			return err
		}
	}

	a, ok := m.analyses[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(a.Status, status) {
		return store.ErrInvalidTransition
	}

	u := store.ApplyOptions(opts...)
	if status == models.AnalysisStatusDone && !u.Report.Usable() {
		return fmt.Errorf("%w: done requires a usable report", store.ErrInvalidTransition)
	}

	now := m.now()
	a.Status = status
	a.UpdatedAt = now
	switch status {
	case models.AnalysisStatusProcessing:
		a.StartedAt = &now
	case models.AnalysisStatusDone:
		a.CompletedAt = &now
		a.Report = u.Report
	case models.AnalysisStatusFailed:
		a.CompletedAt = &now
		a.Report = nil
	}
	if u.Params != nil {
		a.Params = *u.Params
	}
	if u.ErrorMessage != nil {
		a.ErrorMessage = u.ErrorMessage
	}
	if u.Version != nil {
		a.Version = *u.Version
	}
	if u.Model != nil {
		a.Model = *u.Model
	}
	return nil
}

func (m *MemoryStore) GetAnalysis(_ context.Context, id uuid.UUID) (*models.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) ListAnalyses(_ context.Context, videoID int64, limit int) ([]*models.Analysis, error) {
	all := m.Analyses(videoID)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit <= 0 {
		limit = 20
	}
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*models.Analysis, len(all))
	for i := range all {
		out[i] = &all[i]
	}
	return out, nil
}

func (m *MemoryStore) FailStaleAnalyses(_ context.Context, videoID int64, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	var n int64
	for _, a := range m.analyses {
		if a.VideoID == videoID && a.IsActive() && a.UpdatedAt.Before(cutoff) {
			msg := "abandoned: no progress before stale deadline"
			now := m.now()
			a.Status = models.AnalysisStatusFailed
			a.Report = nil
			if a.ErrorMessage == nil {
				a.ErrorMessage = &msg
			}
			a.CompletedAt = &now
			a.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

var _ store.Store = (*MemoryStore)(nil)
