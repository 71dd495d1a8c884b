package analysis_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/clipcoach/internal/analysis"
	"github.com/kiranshivaraju/clipcoach/internal/cache"
	"github.com/kiranshivaraju/clipcoach/internal/store"
	"github.com/kiranshivaraju/clipcoach/internal/store/storetest"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const videoID int64 = 11

// memCache is a Cache backed by a map. Err, when set, fails every call.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
	Err  error
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.data[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, false, c.Err
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	delete(c.data, key)
	return nil
}

func (c *memCache) Ping(context.Context) error { return c.Err }

func (c *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("not implemented")
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

var _ cache.Cache = (*memCache)(nil)

func sampleReport() *models.Report {
	return &models.Report{
		Strengths: []string{"Quick arm swing"},
		Issues:    []string{"Late jump"},
		Drills:    []string{"Block jumps"},
	}
}

func newStore() *storetest.MemoryStore {
	st := storetest.NewMemoryStore()
	st.AddVideo(models.Video{ID: videoID, StoragePath: "u/clip.mp4"})
	return st
}

func putDone(st *storetest.MemoryStore, version int, rep *models.Report, created time.Time) models.Analysis {
	a := models.Analysis{
		VideoID:   videoID,
		Status:    models.AnalysisStatusDone,
		Version:   version,
		Model:     "gpt-4o-mini",
		Report:    rep,
		CreatedAt: created,
		UpdatedAt: created,
	}
	st.Put(a)
	return st.Analyses(videoID)[len(st.Analyses(videoID))-1]
}

func TestGate_LookupMiss(t *testing.T) {
	g := analysis.NewGate(newStore(), newMemCache(), analysis.GateConfig{Version: 1})

	a, err := g.Lookup(context.Background(), videoID)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestGate_LookupPopulatesCache(t *testing.T) {
	st := newStore()
	ca := newMemCache()
	done := putDone(st, 1, sampleReport(), time.Now().UTC())
	g := analysis.NewGate(st, ca, analysis.GateConfig{Version: 1, CacheTTL: time.Hour})

	a, err := g.Lookup(context.Background(), videoID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, done.ID, a.ID)

	key := cache.ReportKey(videoID, 1)
	require.True(t, ca.has(key))
	assert.Equal(t, time.Hour, ca.ttls[key])

	// Second lookup is answered from the hot cache.
	cached, err := g.Lookup(context.Background(), videoID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, done.ID, cached.ID)
	assert.Equal(t, *sampleReport(), *cached.Report)
}

func TestGate_LookupNewestUsable(t *testing.T) {
	st := newStore()
	now := time.Now().UTC()
	putDone(st, 1, sampleReport(), now.Add(-2*time.Hour))
	newest := putDone(st, 1, sampleReport(), now.Add(-time.Hour))
	g := analysis.NewGate(st, nil, analysis.GateConfig{Version: 1})

	a, err := g.Lookup(context.Background(), videoID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, newest.ID, a.ID)
}

func TestGate_LookupIgnoresOtherVersions(t *testing.T) {
	st := newStore()
	putDone(st, 1, sampleReport(), time.Now().UTC())
	g := analysis.NewGate(st, newMemCache(), analysis.GateConfig{Version: 2})

	a, err := g.Lookup(context.Background(), videoID)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestGate_LookupIgnoresEmptyLegacyReport(t *testing.T) {
	st := newStore()
	putDone(st, 1, &models.Report{Strengths: []string{}, Issues: []string{}, Drills: []string{}}, time.Now().UTC())
	g := analysis.NewGate(st, newMemCache(), analysis.GateConfig{Version: 1})

	a, err := g.Lookup(context.Background(), videoID)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestGate_LookupCacheErrorFallsBackToStore(t *testing.T) {
	st := newStore()
	done := putDone(st, 1, sampleReport(), time.Now().UTC())
	ca := newMemCache()
	ca.Err = errors.New("redis: connection refused")
	g := analysis.NewGate(st, ca, analysis.GateConfig{Version: 1})

	a, err := g.Lookup(context.Background(), videoID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, done.ID, a.ID)
}

func TestGate_LookupDropsCorruptEntry(t *testing.T) {
	st := newStore()
	ca := newMemCache()
	key := cache.ReportKey(videoID, 1)
	require.NoError(t, ca.Set(context.Background(), key, []byte("{not json"), time.Hour))
	g := analysis.NewGate(st, ca, analysis.GateConfig{Version: 1})

	a, err := g.Lookup(context.Background(), videoID)
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.False(t, ca.has(key))
}

func TestGate_LookupDropsEmptyCachedReport(t *testing.T) {
	ca := newMemCache()
	key := cache.ReportKey(videoID, 1)
	data, err := json.Marshal(models.Analysis{VideoID: videoID, Status: models.AnalysisStatusDone, Version: 1})
	require.NoError(t, err)
	require.NoError(t, ca.Set(context.Background(), key, data, time.Hour))
	g := analysis.NewGate(newStore(), ca, analysis.GateConfig{Version: 1})

	a, err := g.Lookup(context.Background(), videoID)
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.False(t, ca.has(key))
}

func TestGate_Admit(t *testing.T) {
	st := newStore()
	g := analysis.NewGate(st, nil, analysis.GateConfig{Version: 3})
	params := models.SamplingParams{Rate: "2", MaxFrames: 8, Width: 640, HighDetailFrames: 2}

	a, err := g.Admit(context.Background(), videoID, "llava", params)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusPending, a.Status)
	assert.Equal(t, 3, a.Version)
	assert.Equal(t, "llava", a.Model)
	assert.Equal(t, params, a.Params)

	_, err = g.Admit(context.Background(), videoID, "llava", params)
	assert.ErrorIs(t, err, analysis.ErrAlreadyActive)
}

func TestGate_AdmitUnknownVideo(t *testing.T) {
	g := analysis.NewGate(newStore(), nil, analysis.GateConfig{Version: 1})

	_, err := g.Admit(context.Background(), 404, "llava", models.SamplingParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NotErrorIs(t, err, analysis.ErrAlreadyActive)
}

func TestGate_Active(t *testing.T) {
	st := newStore()
	g := analysis.NewGate(st, nil, analysis.GateConfig{Version: 1, StaleAfter: 10 * time.Minute})

	a, err := g.Active(context.Background(), videoID)
	require.NoError(t, err)
	assert.Nil(t, a)

	admitted, err := g.Admit(context.Background(), videoID, "llava", models.SamplingParams{})
	require.NoError(t, err)

	a, err = g.Active(context.Background(), videoID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, admitted.ID, a.ID)
}

func TestGate_ActiveExpiresStaleJobs(t *testing.T) {
	st := newStore()
	old := time.Now().UTC().Add(-time.Hour)
	st.Put(models.Analysis{VideoID: videoID, Status: models.AnalysisStatusProcessing, Version: 1, CreatedAt: old, UpdatedAt: old})
	g := analysis.NewGate(st, nil, analysis.GateConfig{Version: 1, StaleAfter: 10 * time.Minute})

	a, err := g.Active(context.Background(), videoID)
	require.NoError(t, err)
	assert.Nil(t, a)

	jobs := st.Analyses(videoID)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.AnalysisStatusFailed, jobs[0].Status)
	require.NotNil(t, jobs[0].ErrorMessage)
}

func TestGate_ActiveWithoutStaleExpiry(t *testing.T) {
	st := newStore()
	old := time.Now().UTC().Add(-time.Hour)
	st.Put(models.Analysis{VideoID: videoID, Status: models.AnalysisStatusPending, Version: 1, CreatedAt: old, UpdatedAt: old})
	g := analysis.NewGate(st, nil, analysis.GateConfig{Version: 1})

	a, err := g.Active(context.Background(), videoID)
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestGate_RecordSkipsUnservable(t *testing.T) {
	ca := newMemCache()
	g := analysis.NewGate(newStore(), ca, analysis.GateConfig{Version: 1})
	key := cache.ReportKey(videoID, 1)

	g.Record(context.Background(), &models.Analysis{VideoID: videoID, Status: models.AnalysisStatusFailed, Version: 1})
	g.Record(context.Background(), &models.Analysis{VideoID: videoID, Status: models.AnalysisStatusDone, Version: 2, Report: sampleReport()})
	g.Record(context.Background(), nil)
	assert.False(t, ca.has(key))

	g.Record(context.Background(), &models.Analysis{VideoID: videoID, Status: models.AnalysisStatusDone, Version: 1, Report: sampleReport()})
	assert.True(t, ca.has(key))
}

func TestGate_RecordCacheErrorIsSwallowed(t *testing.T) {
	ca := newMemCache()
	ca.Err = errors.New("redis down")
	g := analysis.NewGate(newStore(), ca, analysis.GateConfig{Version: 1})

	assert.NotPanics(t, func() {
		g.Record(context.Background(), &models.Analysis{VideoID: videoID, Status: models.AnalysisStatusDone, Version: 1, Report: sampleReport()})
	})
}
