package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T) (*Limiter, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStore()
	store.now = clock.now
	l := New(store, 250*time.Millisecond, zap.NewNop())
	l.now = clock.now
	return l, store, clock
}

func TestCheckAndConsumeWithinLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	key := ConsumerKey{ClassID: "payments", CallerID: "caller-1"}

	for i := int64(0); i < 5; i++ {
		res := l.CheckAndConsume(context.Background(), key, 5, time.Minute)
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, i+1, res.Current)
		assert.Equal(t, 5-(i+1), res.Remaining)
		assert.Equal(t, int64(5), res.Limit)
	}
}

func TestCheckAndConsumeDeniesOverLimit(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	key := ConsumerKey{ClassID: "payments", CallerID: "caller-1"}

	for i := 0; i < 5; i++ {
		require.True(t, l.CheckAndConsume(context.Background(), key, 5, time.Minute).Allowed)
	}

	clock.advance(time.Second)
	res := l.CheckAndConsume(context.Background(), key, 5, time.Minute)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(5), res.Current)
	assert.Equal(t, int64(0), res.Remaining)

	retry := res.RetryAfter(clock.now())
	assert.InDelta(t, time.Minute.Seconds(), retry.Seconds(), 1.5)
}

func TestDeniedRequestsDoNotConsume(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	key := ConsumerKey{ClassID: "search", CallerID: "c"}

	for i := 0; i < 2; i++ {
		require.True(t, l.CheckAndConsume(context.Background(), key, 2, time.Minute).Allowed)
	}

	// Hammer the denied path; the count must not move.
	for i := 0; i < 10; i++ {
		res := l.CheckAndConsume(context.Background(), key, 2, time.Minute)
		require.False(t, res.Allowed)
		assert.Equal(t, int64(2), res.Current)
	}
}

func TestWindowSlides(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	key := ConsumerKey{ClassID: "payments", CallerID: "caller-1"}

	for i := 0; i < 5; i++ {
		require.True(t, l.CheckAndConsume(context.Background(), key, 5, time.Minute).Allowed)
	}
	require.False(t, l.CheckAndConsume(context.Background(), key, 5, time.Minute).Allowed)

	clock.advance(61 * time.Second)
	res := l.CheckAndConsume(context.Background(), key, 5, time.Minute)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(4), res.Remaining)
}

func TestPartialWindowSlide(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	key := ConsumerKey{ClassID: "payments", CallerID: "caller-1"}

	// Two at t=0, three at t=30. At t=61 the first two have expired, so
	// exactly two slots are free again.
	require.True(t, l.CheckAndConsume(context.Background(), key, 5, time.Minute).Allowed)
	require.True(t, l.CheckAndConsume(context.Background(), key, 5, time.Minute).Allowed)
	clock.advance(30 * time.Second)
	for i := 0; i < 3; i++ {
		require.True(t, l.CheckAndConsume(context.Background(), key, 5, time.Minute).Allowed)
	}
	require.False(t, l.CheckAndConsume(context.Background(), key, 5, time.Minute).Allowed)

	clock.advance(31 * time.Second)
	require.True(t, l.CheckAndConsume(context.Background(), key, 5, time.Minute).Allowed)
	require.True(t, l.CheckAndConsume(context.Background(), key, 5, time.Minute).Allowed)
	require.False(t, l.CheckAndConsume(context.Background(), key, 5, time.Minute).Allowed)
}

func TestPeekDoesNotConsume(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	key := ConsumerKey{ClassID: "payments", CallerID: "caller-1"}

	for i := 0; i < 3; i++ {
		require.True(t, l.CheckAndConsume(context.Background(), key, 10, time.Minute).Allowed)
	}

	for i := 0; i < 5; i++ {
		count, resetAt, err := l.Peek(context.Background(), key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
		assert.Equal(t, clock.now().Add(time.Minute), resetAt)
	}
}

func TestReset(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	key := ConsumerKey{ClassID: "payments", CallerID: "caller-1"}

	for i := 0; i < 3; i++ {
		require.True(t, l.CheckAndConsume(context.Background(), key, 3, time.Minute).Allowed)
	}
	require.False(t, l.CheckAndConsume(context.Background(), key, 3, time.Minute).Allowed)

	require.NoError(t, l.Reset(context.Background(), key))

	res := l.CheckAndConsume(context.Background(), key, 3, time.Minute)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Current)
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	a := ConsumerKey{ClassID: "payments", CallerID: "a"}
	b := ConsumerKey{ClassID: "payments", CallerID: "b"}

	for i := 0; i < 3; i++ {
		require.True(t, l.CheckAndConsume(context.Background(), a, 3, time.Minute).Allowed)
	}
	require.False(t, l.CheckAndConsume(context.Background(), a, 3, time.Minute).Allowed)

	res := l.CheckAndConsume(context.Background(), b, 3, time.Minute)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Remaining)
}

func TestListConsumers(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	for _, caller := range []string{"a", "b", "c"} {
		key := ConsumerKey{ClassID: "payments", CallerID: caller}
		require.True(t, l.CheckAndConsume(context.Background(), key, 5, time.Minute).Allowed)
	}
	other := ConsumerKey{ClassID: "search", CallerID: "x"}
	require.True(t, l.CheckAndConsume(context.Background(), other, 5, time.Minute).Allowed)

	consumers, err := l.ListConsumers(context.Background(), "payments")
	require.NoError(t, err)
	require.Len(t, consumers, 3)
	for _, ck := range consumers {
		assert.Equal(t, "payments", ck.ClassID)
	}
}

// failingStore errors on every operation, simulating a store outage.
type failingStore struct{}

var errStoreDown = errors.New("connection refused")

func (failingStore) CheckAndConsume(context.Context, string, int64, time.Duration) (bool, int64, error) {
	return false, 0, errStoreDown
}
func (failingStore) Count(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) Reset(context.Context, string) error { return errStoreDown }
func (failingStore) ScanKeys(context.Context, string) ([]string, error) {
	return nil, errStoreDown
}
func (failingStore) Ping(context.Context) error { return errStoreDown }
func (failingStore) Close() error { return nil }

func TestFailOpenOnStoreOutage(t *testing.T) {
	l := New(failingStore{}, 250*time.Millisecond, zap.NewNop())
	key := ConsumerKey{ClassID: "payments", CallerID: "caller-1"}

	before := testutil.ToFloat64(storeErrorsTotal.WithLabelValues("check_and_consume"))

	res := l.CheckAndConsume(context.Background(), key, 7, time.Minute)
	assert.True(t, res.Allowed)
	assert.True(t, res.FailOpen)
	assert.Equal(t, int64(7), res.Remaining)
	assert.Equal(t, int64(7), res.Limit)

	after := testutil.ToFloat64(storeErrorsTotal.WithLabelValues("check_and_consume"))
	assert.Equal(t, before+1, after)
}

func TestPeekSurfacesStoreErrors(t *testing.T) {
	l := New(failingStore{}, 250*time.Millisecond, zap.NewNop())
	key := ConsumerKey{ClassID: "payments", CallerID: "caller-1"}

	_, _, err := l.Peek(context.Background(), key, time.Minute)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestCancelledRequestStillConsumes(t *testing.T) {
	l, store, _ := newTestLimiter(t)
	key := ConsumerKey{ClassID: "payments", CallerID: "caller-1"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := l.CheckAndConsume(ctx, key, 5, time.Minute)
	assert.True(t, res.Allowed)

	count, err := store.Count(context.Background(), key.String(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
