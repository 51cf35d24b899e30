package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quotagate/quotagate/internal/limiter"
)

// Options configures a Service.
type Options struct {
	// DefaultTier applies to every class without an override.
	DefaultTier Tier
	// CacheTTL bounds how long a resolved tier is served without consulting
	// the source again.
	CacheTTL time.Duration
	// TopN is how many consumers ClassStats ranks.
	TopN int
	// StatsFanout caps concurrent per-consumer reads during aggregation.
	StatsFanout int
}

// Service is the quota orchestration layer: one instance per process,
// constructed at startup and injected into the HTTP handlers. All state it
// owns locally (tier cache, webhook subscriptions) is advisory; window
// state lives in the shared store behind the limiter.
type Service struct {
	limiter  *limiter.Limiter
	source   TierSource
	cache    *tierCache
	webhooks *Dispatcher
	logger   *zap.Logger

	defaultTier Tier
	topN        int
	fanout      int

	now func() time.Time
}

// NewService wires the quota service.
func NewService(l *limiter.Limiter, source TierSource, webhooks *Dispatcher, opts Options, logger *zap.Logger) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	if opts.StatsFanout <= 0 {
		opts.StatsFanout = 8
	}
	return &Service{
		limiter:     l,
		source:      source,
		cache:       newTierCache(opts.CacheTTL),
		webhooks:    webhooks,
		logger:      logger,
		defaultTier: opts.DefaultTier,
		topN:        opts.TopN,
		fanout:      opts.StatsFanout,
		now:         time.Now,
	}
}

// Decide runs one admission check for (classID, callerID). It never fails:
// tier-source errors fall back to the default tier and store errors fail
// open inside the limiter. Threshold webhooks are evaluated asynchronously
// on every decision backed by a real count.
func (s *Service) Decide(ctx context.Context, classID, callerID string) limiter.Result {
	tier := s.ResolveTier(ctx, classID)
	key := limiter.ConsumerKey{ClassID: classID, CallerID: callerID}

	res := s.limiter.CheckAndConsume(ctx, key, tier.Limit, tier.Window)

	// A fail-open result carries no real count, so there is nothing
	// meaningful to alert on.
	if !res.FailOpen {
		s.webhooks.Evaluate(ThresholdEvent{
			ClassID:      classID,
			CallerID:     callerID,
			Consumed:     res.Current,
			Limit:        res.Limit,
			UsagePercent: usagePercent(res.Current, res.Limit),
			Denied:       !res.Allowed,
			Timestamp:    s.now(),
		})
	}
	return res
}

// Stats reports one consumer's current window state without consuming
// quota.
func (s *Service) Stats(ctx context.Context, classID, callerID string) (Stats, error) {
	tier := s.ResolveTier(ctx, classID)
	return s.statsFor(ctx, limiter.ConsumerKey{ClassID: classID, CallerID: callerID}, tier)
}

// ClassStats aggregates usage across all consumers of a class. Per-consumer
// reads run concurrently, bounded by the configured fan-out, one purge+count
// round-trip each. Consumers whose read fails are skipped and logged.
func (s *Service) ClassStats(ctx context.Context, classID string) (ClassStats, error) {
	all, err := s.collectStats(ctx, classID)
	if err != nil {
		return ClassStats{}, err
	}

	agg := ClassStats{ClassID: classID, TotalConsumers: len(all)}
	var usageSum float64
	for _, st := range all {
		if st.Consumed > 0 {
			agg.ActiveConsumers++
		}
		agg.TotalConsumed += st.Consumed
		usageSum += st.UsagePercent
	}
	if len(all) > 0 {
		agg.MeanUsagePercent = usageSum / float64(len(all))
	}

	top := all
	if len(top) > s.topN {
		top = top[:s.topN]
	}
	agg.TopConsumers = top
	return agg, nil
}

// TopConsumers returns the consumers of a class at or above the given usage
// threshold, highest usage first.
func (s *Service) TopConsumers(ctx context.Context, classID string, thresholdPercent float64) ([]Stats, error) {
	all, err := s.collectStats(ctx, classID)
	if err != nil {
		return nil, err
	}

	out := make([]Stats, 0, len(all))
	for _, st := range all {
		if st.UsagePercent >= thresholdPercent {
			out = append(out, st)
		}
	}
	return out, nil
}

// ResetConsumer wipes one consumer's window.
func (s *Service) ResetConsumer(ctx context.Context, classID, callerID string) error {
	key := limiter.ConsumerKey{ClassID: classID, CallerID: callerID}
	if err := s.limiter.Reset(ctx, key); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	s.logger.Info("consumer quota reset",
		zap.String("class", classID),
		zap.String("caller", callerID))
	return nil
}

// ResetClass wipes every consumer of a class and reports how many were
// reset. Individual failures do not abort the sweep.
func (s *Service) ResetClass(ctx context.Context, classID string) (int, error) {
	consumers, err := s.limiter.ListConsumers(ctx, classID)
	if err != nil {
		return 0, fmt.Errorf("list consumers of %s: %w", classID, err)
	}

	reset := 0
	failed := 0
	for _, ck := range consumers {
		if err := s.limiter.Reset(ctx, ck); err != nil {
			failed++
			s.logger.Warn("failed to reset consumer",
				zap.String("key", ck.String()),
				zap.Error(err))
			continue
		}
		reset++
	}
	if failed > 0 {
		return reset, fmt.Errorf("reset class %s: %d of %d consumers failed", classID, failed, len(consumers))
	}
	s.logger.Info("class quota reset",
		zap.String("class", classID),
		zap.Int("consumers", reset))
	return reset, nil
}

// ResolveTier returns the effective tier for a class: a cached override, a
// freshly fetched one, or the default tier when the source has no entry or
// is unreachable. The default-tier fallback for a missing entry is cached
// like any other result; a source failure is not, so the next request
// retries.
func (s *Service) ResolveTier(ctx context.Context, classID string) Tier {
	if tier, ok := s.cache.get(classID); ok {
		tierCacheLookups.WithLabelValues("hit").Inc()
		return tier
	}
	tierCacheLookups.WithLabelValues("miss").Inc()

	tier, err := s.source.Fetch(ctx, classID)
	switch {
	case err == nil:
		s.cache.put(classID, tier)
		return tier
	case errors.Is(err, ErrTierNotFound):
		s.cache.put(classID, s.defaultTier)
		return s.defaultTier
	default:
		tierCacheLookups.WithLabelValues("fallback").Inc()
		s.logger.Warn("tier source unavailable, using default tier",
			zap.String("class", classID),
			zap.Error(err))
		return s.defaultTier
	}
}

// InvalidateTier drops a cached tier so the next decision re-fetches it.
func (s *Service) InvalidateTier(classID string) {
	s.cache.invalidate(classID)
}

// HealthCheck reports shared-store reachability.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.limiter.HealthCheck(ctx)
}

// Shutdown drains in-flight webhook deliveries and closes the store client.
func (s *Service) Shutdown() error {
	s.webhooks.Drain()
	return s.limiter.Close()
}

// collectStats materializes per-consumer stats for a class, sorted by usage
// descending.
func (s *Service) collectStats(ctx context.Context, classID string) ([]Stats, error) {
	consumers, err := s.limiter.ListConsumers(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("list consumers of %s: %w", classID, err)
	}
	tier := s.ResolveTier(ctx, classID)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.fanout)
		out = make([]Stats, 0, len(consumers))
	)
	for _, ck := range consumers {
		wg.Add(1)
		sem <- struct{}{}
		go func(ck limiter.ConsumerKey) {
			defer wg.Done()
			defer func() { <-sem }()

			st, err := s.statsFor(ctx, ck, tier)
			if err != nil {
				s.logger.Warn("skipping consumer in aggregate",
					zap.String("key", ck.String()),
					zap.Error(err))
				return
			}
			mu.Lock()
			out = append(out, st)
			mu.Unlock()
		}(ck)
	}
	wg.Wait()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UsagePercent != out[j].UsagePercent {
			return out[i].UsagePercent > out[j].UsagePercent
		}
		if out[i].Consumed != out[j].Consumed {
			return out[i].Consumed > out[j].Consumed
		}
		return out[i].CallerID < out[j].CallerID
	})
	return out, nil
}

func (s *Service) statsFor(ctx context.Context, key limiter.ConsumerKey, tier Tier) (Stats, error) {
	count, resetAt, err := s.limiter.Peek(ctx, key, tier.Window)
	if err != nil {
		return Stats{}, fmt.Errorf("peek %s: %w", key, err)
	}

	remaining := tier.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		ClassID:      key.ClassID,
		CallerID:     key.CallerID,
		Consumed:     count,
		Remaining:    remaining,
		Limit:        tier.Limit,
		UsagePercent: usagePercent(count, tier.Limit),
		ResetAt:      resetAt,
	}, nil
}
