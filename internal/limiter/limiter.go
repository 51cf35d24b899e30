// Package limiter implements a distributed sliding-window rate limiter over
// a shared sorted-set store. The store is the single source of truth for
// window state; the limiter itself holds no authoritative counts, so any
// number of service instances can share one store and agree on admission.
package limiter

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Store is the shared sorted-set backend. Implementations must execute
// CheckAndConsume and Count as single effectively-atomic round-trips; a
// read-then-write pair interleavable by other clients widens the admission
// race beyond what the algorithm tolerates.
type Store interface {
	// CheckAndConsume purges markers older than the window, counts the
	// remainder, and, when count < limit, records one new marker and
	// refreshes the key TTL to the window length. Denied requests record
	// nothing. The returned count includes the just-added marker.
	CheckAndConsume(ctx context.Context, key string, limit int64, window time.Duration) (allowed bool, count int64, err error)

	// Count purges expired markers and returns the in-window count without
	// recording anything.
	Count(ctx context.Context, key string, window time.Duration) (int64, error)

	// Reset deletes the key outright.
	Reset(ctx context.Context, key string) error

	// ScanKeys enumerates keys matching pattern using incremental,
	// non-blocking iteration.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed   bool
	Current   int64
	Remaining int64
	Limit     int64
	Window    time.Duration
	ResetAt   time.Time
	// FailOpen marks results produced while the store was unreachable.
	FailOpen bool
}

// RetryAfter returns how long a denied caller should wait, floored at zero.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Limiter wraps a Store with fail-open semantics, bounded per-operation
// timeouts, and metrics.
type Limiter struct {
	store     Store
	opTimeout time.Duration
	logger    *zap.Logger

	now func() time.Time
}

// New creates a Limiter. opTimeout bounds every store round-trip; a call
// exceeding it is treated as a store error.
func New(store Store, opTimeout time.Duration, logger *zap.Logger) *Limiter {
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	return &Limiter{
		store:     store,
		opTimeout: opTimeout,
		logger:    logger,
		now:       time.Now,
	}
}

// opContext detaches the store call from request cancellation: a marker,
// once added, is a real consumed unit of quota and must not be lost because
// the client hung up mid-flight. The timeout still bounds the call.
func (l *Limiter) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.opTimeout)
}

// CheckAndConsume decides whether one request for key is admitted under the
// given policy and records it if so. On store failure it fails open:
// the request is admitted with the full limit reported as remaining, the
// failure is logged, and the store-error counter increments. It never
// returns an error; an unreachable store must not become its own outage.
func (l *Limiter) CheckAndConsume(ctx context.Context, key ConsumerKey, limit int64, window time.Duration) Result {
	now := l.now()
	opCtx, cancel := l.opContext(ctx)
	defer cancel()

	start := now
	allowed, count, err := l.store.CheckAndConsume(opCtx, key.String(), limit, window)
	operationDuration.WithLabelValues("check_and_consume").Observe(time.Since(start).Seconds())

	if err != nil {
		storeErrorsTotal.WithLabelValues("check_and_consume").Inc()
		decisionsTotal.WithLabelValues(key.ClassID, resultFailOpen).Inc()
		l.logger.Error("store unavailable, failing open",
			zap.String("class", key.ClassID),
			zap.String("caller", key.CallerID),
			zap.Error(err))
		return Result{
			Allowed:   true,
			Current:   0,
			Remaining: limit,
			Limit:     limit,
			Window:    window,
			ResetAt:   now.Add(window),
			FailOpen:  true,
		}
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	result := resultDenied
	if allowed {
		result = resultAllowed
	}
	decisionsTotal.WithLabelValues(key.ClassID, result).Inc()

	return Result{
		Allowed:   allowed,
		Current:   count,
		Remaining: remaining,
		Limit:     limit,
		Window:    window,
		ResetAt:   now.Add(window),
	}
}

// Peek returns the current in-window count for key without recording
// anything. Expired markers are purged as a side effect.
func (l *Limiter) Peek(ctx context.Context, key ConsumerKey, window time.Duration) (int64, time.Time, error) {
	now := l.now()
	opCtx, cancel := l.opContext(ctx)
	defer cancel()

	count, err := l.store.Count(opCtx, key.String(), window)
	operationDuration.WithLabelValues("peek").Observe(time.Since(now).Seconds())
	if err != nil {
		storeErrorsTotal.WithLabelValues("peek").Inc()
		return 0, time.Time{}, err
	}
	return count, now.Add(window), nil
}

// Reset deletes all window state for key. Administrative use only.
func (l *Limiter) Reset(ctx context.Context, key ConsumerKey) error {
	opCtx, cancel := l.opContext(ctx)
	defer cancel()

	if err := l.store.Reset(opCtx, key.String()); err != nil {
		storeErrorsTotal.WithLabelValues("reset").Inc()
		return err
	}
	return nil
}

// ListConsumers enumerates every stored consumer of a class. The scan is
// incremental on the store side but the result is materialized here; class
// cardinality is bounded by the number of distinct active callers within
// one window.
func (l *Limiter) ListConsumers(ctx context.Context, classID string) ([]ConsumerKey, error) {
	// Scans walk many keys; give them a more generous budget than a
	// single-key operation.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 4*l.opTimeout)
	defer cancel()

	keys, err := l.store.ScanKeys(opCtx, classPattern(classID))
	if err != nil {
		storeErrorsTotal.WithLabelValues("scan").Inc()
		return nil, err
	}

	consumers := make([]ConsumerKey, 0, len(keys))
	for _, k := range keys {
		ck, ok := ParseKey(k)
		if !ok {
			l.logger.Warn("skipping malformed store key", zap.String("key", k))
			continue
		}
		consumers = append(consumers, ck)
	}
	return consumers, nil
}

// HealthCheck reports whether the shared store is reachable.
func (l *Limiter) HealthCheck(ctx context.Context) error {
	opCtx, cancel := l.opContext(ctx)
	defer cancel()
	return l.store.Ping(opCtx)
}

// Close releases the underlying store client.
func (l *Limiter) Close() error {
	return l.store.Close()
}
