// Package quota orchestrates admission decisions: it resolves per-class
// quota tiers, delegates to the sliding-window limiter, serves introspection
// and admin operations, and fans out threshold webhooks.
package quota

import (
	"time"
)

// Tier is an immutable per-consumer-class quota policy.
type Tier struct {
	Limit  int64         `json:"limit"`
	Window time.Duration `json:"window"`
	Name   string        `json:"name,omitempty"`
}

// Stats is a read-only projection of one consumer's current window state.
type Stats struct {
	ClassID      string    `json:"class_id"`
	CallerID     string    `json:"caller_id"`
	Consumed     int64     `json:"consumed"`
	Remaining    int64     `json:"remaining"`
	Limit        int64     `json:"limit"`
	UsagePercent float64   `json:"usage_percent"`
	ResetAt      time.Time `json:"reset_at"`
}

// ClassStats aggregates usage across every consumer of a class.
type ClassStats struct {
	ClassID          string  `json:"class_id"`
	TotalConsumers   int     `json:"total_consumers"`
	ActiveConsumers  int     `json:"active_consumers"`
	TotalConsumed    int64   `json:"total_consumed"`
	MeanUsagePercent float64 `json:"mean_usage_percent"`
	TopConsumers     []Stats `json:"top_consumers"`
}

// Subscription registers a webhook target to be notified when a consumer of
// the class reaches the threshold. A class may hold any number of
// subscriptions; repeated crossings re-fire without deduplication.
type Subscription struct {
	URL              string            `yaml:"url" json:"url" validate:"required,url"`
	ThresholdPercent float64           `yaml:"threshold_percent" json:"threshold_percent" validate:"gte=0,lte=100"`
	Headers          map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// usagePercent computes consumed/limit as a percentage, capped at 100 for
// display. consumed can exceed limit transiently because the distributed
// limit is soft.
func usagePercent(consumed, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	p := float64(consumed) / float64(limit) * 100
	if p > 100 {
		p = 100
	}
	return p
}
