package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quotagate/quotagate/internal/limiter"
)

var testDefaultTier = Tier{Limit: 60, Window: time.Minute, Name: "free"}

func newTestService(t *testing.T, source TierSource) (*Service, *limiter.MemoryStore) {
	t.Helper()
	store := limiter.NewMemoryStore()
	l := limiter.New(store, 250*time.Millisecond, zap.NewNop())
	d := NewDispatcher(time.Second, 0, zap.NewNop())
	svc := NewService(l, source, d, Options{
		DefaultTier: testDefaultTier,
		CacheTTL:    5 * time.Minute,
		TopN:        10,
		StatsFanout: 4,
	}, zap.NewNop())
	return svc, store
}

func TestDecideUsesClassTier(t *testing.T) {
	source := NewStaticSource(map[string]Tier{
		"payments": {Limit: 3, Window: time.Minute, Name: "pro"},
	})
	svc, _ := newTestService(t, source)

	for i := 0; i < 3; i++ {
		res := svc.Decide(context.Background(), "payments", "caller-1")
		require.True(t, res.Allowed)
		assert.Equal(t, int64(3), res.Limit)
	}
	res := svc.Decide(context.Background(), "payments", "caller-1")
	assert.False(t, res.Allowed)
}

func TestDecideUnknownClassFallsBackToDefaultTier(t *testing.T) {
	svc, _ := newTestService(t, NewStaticSource(nil))

	res := svc.Decide(context.Background(), "no-such-class", "caller-1")
	assert.True(t, res.Allowed)
	assert.Equal(t, testDefaultTier.Limit, res.Limit)
	assert.Equal(t, testDefaultTier.Limit-1, res.Remaining)
}

// erroringSource fails every fetch, simulating an unreachable config store.
type erroringSource struct{ calls int }

func (s *erroringSource) Fetch(context.Context, string) (Tier, error) {
	s.calls++
	return Tier{}, errors.New("config store unreachable")
}

func TestDecideTierSourceErrorFallsBackWithoutCaching(t *testing.T) {
	source := &erroringSource{}
	svc, _ := newTestService(t, source)

	res := svc.Decide(context.Background(), "payments", "caller-1")
	assert.True(t, res.Allowed)
	assert.Equal(t, testDefaultTier.Limit, res.Limit)

	// Failures are not cached, so the source is consulted again.
	svc.Decide(context.Background(), "payments", "caller-1")
	assert.Equal(t, 2, source.calls)
}

// countingSource records fetches to observe cache behavior.
type countingSource struct {
	inner TierSource
	calls int
}

func (s *countingSource) Fetch(ctx context.Context, classID string) (Tier, error) {
	s.calls++
	return s.inner.Fetch(ctx, classID)
}

func TestResolveTierCachesResults(t *testing.T) {
	source := &countingSource{inner: NewStaticSource(map[string]Tier{
		"payments": {Limit: 10, Window: time.Minute},
	})}
	svc, _ := newTestService(t, source)

	for i := 0; i < 5; i++ {
		svc.Decide(context.Background(), "payments", "caller-1")
	}
	assert.Equal(t, 1, source.calls)

	// Unknown classes cache the default-tier fallback too.
	for i := 0; i < 5; i++ {
		svc.Decide(context.Background(), "unknown", "caller-1")
	}
	assert.Equal(t, 2, source.calls)
}

func TestStatsReflectsConsumption(t *testing.T) {
	source := NewStaticSource(map[string]Tier{
		"payments": {Limit: 10, Window: time.Minute},
	})
	svc, _ := newTestService(t, source)

	for i := 0; i < 4; i++ {
		require.True(t, svc.Decide(context.Background(), "payments", "caller-1").Allowed)
	}

	st, err := svc.Stats(context.Background(), "payments", "caller-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Consumed)
	assert.Equal(t, int64(6), st.Remaining)
	assert.Equal(t, int64(10), st.Limit)
	assert.InDelta(t, 40.0, st.UsagePercent, 0.01)
}

func TestStatsForIdleConsumerIsZero(t *testing.T) {
	svc, _ := newTestService(t, NewStaticSource(nil))

	st, err := svc.Stats(context.Background(), "payments", "never-seen")
	require.NoError(t, err)
	assert.Zero(t, st.Consumed)
	assert.Equal(t, testDefaultTier.Limit, st.Remaining)
	assert.Zero(t, st.UsagePercent)
}

func consumeN(t *testing.T, svc *Service, classID, callerID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.True(t, svc.Decide(context.Background(), classID, callerID).Allowed)
	}
}

func TestClassStatsAggregation(t *testing.T) {
	source := NewStaticSource(map[string]Tier{
		"payments": {Limit: 10, Window: time.Minute},
	})
	svc, _ := newTestService(t, source)

	consumeN(t, svc, "payments", "light", 1)
	consumeN(t, svc, "payments", "medium", 5)
	consumeN(t, svc, "payments", "heavy", 9)

	agg, err := svc.ClassStats(context.Background(), "payments")
	require.NoError(t, err)

	assert.Equal(t, 3, agg.TotalConsumers)
	assert.Equal(t, 3, agg.ActiveConsumers)
	assert.Equal(t, int64(15), agg.TotalConsumed)
	assert.InDelta(t, 50.0, agg.MeanUsagePercent, 0.01)

	require.Len(t, agg.TopConsumers, 3)
	assert.Equal(t, "heavy", agg.TopConsumers[0].CallerID)
	assert.Equal(t, "medium", agg.TopConsumers[1].CallerID)
	assert.Equal(t, "light", agg.TopConsumers[2].CallerID)
}

func TestTopConsumersThresholdFilter(t *testing.T) {
	source := NewStaticSource(map[string]Tier{
		"payments": {Limit: 10, Window: time.Minute},
	})
	svc, _ := newTestService(t, source)

	consumeN(t, svc, "payments", "at-10", 1)
	consumeN(t, svc, "payments", "at-50", 5)
	consumeN(t, svc, "payments", "at-90", 9)

	top, err := svc.TopConsumers(context.Background(), "payments", 80)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "at-90", top[0].CallerID)
	assert.InDelta(t, 90.0, top[0].UsagePercent, 0.01)
}

func TestResetConsumer(t *testing.T) {
	source := NewStaticSource(map[string]Tier{
		"payments": {Limit: 2, Window: time.Minute},
	})
	svc, _ := newTestService(t, source)

	consumeN(t, svc, "payments", "caller-1", 2)
	require.False(t, svc.Decide(context.Background(), "payments", "caller-1").Allowed)

	require.NoError(t, svc.ResetConsumer(context.Background(), "payments", "caller-1"))

	res := svc.Decide(context.Background(), "payments", "caller-1")
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Current)
}

func TestResetClass(t *testing.T) {
	source := NewStaticSource(map[string]Tier{
		"payments": {Limit: 5, Window: time.Minute},
	})
	svc, _ := newTestService(t, source)

	consumeN(t, svc, "payments", "a", 2)
	consumeN(t, svc, "payments", "b", 3)
	consumeN(t, svc, "search", "c", 1)

	n, err := svc.ResetClass(context.Background(), "payments")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	agg, err := svc.ClassStats(context.Background(), "payments")
	require.NoError(t, err)
	assert.Zero(t, agg.TotalConsumers)

	// Other classes are untouched.
	st, err := svc.Stats(context.Background(), "search", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Consumed)
}
