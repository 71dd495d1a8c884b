package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/clipcoach/internal/analysis"
	"github.com/kiranshivaraju/clipcoach/internal/cache"
	"github.com/kiranshivaraju/clipcoach/internal/config"
	"github.com/kiranshivaraju/clipcoach/internal/store/storetest"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis spins up a Redis container and returns its URL.
func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return "redis://" + host + ":" + port.Port()
}

func newCache(t *testing.T, url, prefix string) *cache.RedisCache {
	t.Helper()
	rc, err := cache.NewRedisCache(config.RedisConfig{URL: url, KeyPrefix: prefix, Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

// --- construction ---

func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := cache.NewRedisCache(config.RedisConfig{URL: "http://not-redis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis URL")
}

func TestRedisCache_KeyNamespacing(t *testing.T) {
	rc, err := cache.NewRedisCache(config.RedisConfig{URL: "redis://localhost:6379", KeyPrefix: "clipcoach:"})
	require.NoError(t, err)
	defer rc.Close()

	assert.Equal(t, "clipcoach:analysis:report:7:v1", rc.Key(cache.ReportKey(7, 1)))
}

// --- against Redis ---

func TestRedisCache_Ping(t *testing.T) {
	rc := newCache(t, startRedis(t), "t:")
	assert.NoError(t, rc.Ping(context.Background()))
}

func TestRedisCache_SetGetDelete(t *testing.T) {
	rc := newCache(t, startRedis(t), "t:")
	ctx := context.Background()
	key := cache.ReportKey(42, 1)

	_, found, err := rc.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, rc.Set(ctx, key, []byte(`{"id":"x"}`), 10*time.Second))
	val, found, err := rc.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte(`{"id":"x"}`), val)

	require.NoError(t, rc.Delete(ctx, key))
	_, found, err = rc.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, rc.Delete(ctx, "does:not:exist"))
}

func TestRedisCache_PrefixesIsolateDeployments(t *testing.T) {
	url := startRedis(t)
	staging := newCache(t, url, "staging:")
	prod := newCache(t, url, "prod:")
	ctx := context.Background()
	key := cache.ReportKey(5, 2)

	require.NoError(t, staging.Set(ctx, key, []byte("staging"), time.Minute))

	_, found, err := prod.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	rc := newCache(t, startRedis(t), "t:")
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "expiry:key", []byte("temp"), time.Second))
	time.Sleep(1500 * time.Millisecond)

	_, found, err := rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_IncrWithExpiry_FixedWindow(t *testing.T) {
	rc := newCache(t, startRedis(t), "t:")
	ctx := context.Background()
	key := cache.RateLimitKey("cc_"+uuid.NewString()[:5], time.Now().Truncate(time.Minute))

	for want := int64(1); want <= 3; want++ {
		got, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRedisCache_IncrWithExpiry_Expires(t *testing.T) {
	rc := newCache(t, startRedis(t), "t:")
	ctx := context.Background()
	key := cache.RateLimitKey("cc_expire", time.Now().Truncate(time.Minute))

	_, err := rc.IncrWithExpiry(ctx, key, time.Second)
	require.NoError(t, err)
	// A later hit must not push the window out.
	_, err = rc.IncrWithExpiry(ctx, key, time.Hour)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	got, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestRedisCache_ServesGateReports(t *testing.T) {
	rc := newCache(t, startRedis(t), "t:")
	ctx := context.Background()

	// The store is empty, so a hit can only come from Redis.
	gate := analysis.NewGate(storetest.NewMemoryStore(), rc, analysis.GateConfig{Version: 1, CacheTTL: time.Minute})
	done := &models.Analysis{
		ID:      uuid.New(),
		VideoID: 3,
		Status:  models.AnalysisStatusDone,
		Version: 1,
		Model:   "gpt-4o-mini",
		Report: &models.Report{
			Strengths: []string{"Good timing"},
			Issues:    []string{"Low elbow"},
			Drills:    []string{"Wall sets"},
		},
	}
	gate.Record(ctx, done)

	got, err := gate.Lookup(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, done.ID, got.ID)
	assert.Equal(t, *done.Report, *got.Report)
}

// --- key builders ---

func TestReportKey(t *testing.T) {
	assert.Equal(t, "analysis:report:42:v3", cache.ReportKey(42, 3))
}

func TestRateLimitKey(t *testing.T) {
	start := time.Unix(1700000040, 0)
	assert.Equal(t, "ratelimit:apikey:cc_abcd1234:1700000040", cache.RateLimitKey("cc_abcd1234", start))
	assert.NotEqual(t, cache.RateLimitKey("cc_abcd1234", start),
		cache.RateLimitKey("cc_abcd1234", start.Add(time.Minute)))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	keys := make(map[string]bool)
	for _, k := range []string{
		cache.ReportKey(1, 1),
		cache.ReportKey(1, 2),
		cache.ReportKey(11, 1),
		cache.RateLimitKey("cc_pref", time.Unix(60, 0)),
	} {
		keys[k] = true
	}
	assert.Len(t, keys, 4)
}
