package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreIdleKeyExpires(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStore()
	store.now = clock.now

	_, _, err := store.CheckAndConsume(context.Background(), "quota:c:a", 5, time.Minute)
	require.NoError(t, err)

	// Past the TTL the whole entry is gone, including from scans.
	clock.advance(2 * time.Minute)
	keys, err := store.ScanKeys(context.Background(), "quota:c:*")
	require.NoError(t, err)
	assert.Empty(t, keys)

	count, err := store.Count(context.Background(), "quota:c:a", time.Minute)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryStoreTTLRefreshedOnAdmission(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStore()
	store.now = clock.now

	_, _, err := store.CheckAndConsume(context.Background(), "quota:c:a", 5, time.Minute)
	require.NoError(t, err)

	clock.advance(45 * time.Second)
	_, _, err = store.CheckAndConsume(context.Background(), "quota:c:a", 5, time.Minute)
	require.NoError(t, err)

	// 80s after the first write the key would have expired without the
	// refresh; the second write at t=45 keeps it alive until t=105.
	clock.advance(35 * time.Second)
	keys, err := store.ScanKeys(context.Background(), "quota:c:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestMemoryStoreConcurrentConsume(t *testing.T) {
	store := NewMemoryStore()
	const limit = 50

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := store.CheckAndConsume(context.Background(), "quota:c:a", limit, time.Minute)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// The in-memory store holds one lock across purge+count+add, so the
	// limit is exact here, unlike the soft limit across distributed
	// instances.
	assert.Equal(t, limit, allowed)
}
