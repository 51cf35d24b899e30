package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ThresholdEvent is the payload POSTed to subscribed webhooks when a
// consumer reaches a subscription's threshold.
type ThresholdEvent struct {
	EventID          string    `json:"event_id"`
	ClassID          string    `json:"class_id"`
	CallerID         string    `json:"caller_id"`
	Consumed         int64     `json:"consumed"`
	Limit            int64     `json:"limit"`
	UsagePercent     float64   `json:"usage_percent"`
	ThresholdPercent float64   `json:"threshold_percent"`
	Denied           bool      `json:"denied"`
	Timestamp        time.Time `json:"timestamp"`
}

// Dispatcher evaluates webhook subscriptions and delivers threshold events.
// Delivery is fire-and-forget: each dispatch runs in its own goroutine on a
// detached context, failures are logged and counted but never reach the
// request that triggered them. Repeated threshold crossings re-fire; there
// is deliberately no deduplication or debouncing.
type Dispatcher struct {
	client     *http.Client
	maxRetries int
	logger     *zap.Logger

	mu   sync.RWMutex
	subs map[string][]Subscription

	// wg tracks in-flight deliveries so shutdown can drain them.
	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. timeout bounds one delivery attempt;
// maxRetries additional attempts follow a failure with linear backoff.
func NewDispatcher(timeout time.Duration, maxRetries int, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		logger:     logger,
		subs:       make(map[string][]Subscription),
	}
}

// Subscribe registers a webhook for a class. Duplicate registrations are
// kept; duplicate alerts are acceptable.
func (d *Dispatcher) Subscribe(classID string, sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[classID] = append(d.subs[classID], sub)
}

// SetSubscriptions replaces all subscriptions wholesale, e.g. after a tier
// file reload.
func (d *Dispatcher) SetSubscriptions(subs map[string][]Subscription) {
	copied := make(map[string][]Subscription, len(subs))
	for classID, s := range subs {
		copied[classID] = append([]Subscription(nil), s...)
	}
	d.mu.Lock()
	d.subs = copied
	d.mu.Unlock()
}

// Subscriptions returns the subscriptions for a class.
func (d *Dispatcher) Subscriptions(classID string) []Subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Subscription(nil), d.subs[classID]...)
}

// Evaluate fires one event per subscription whose threshold the event's
// usage meets. It returns immediately; deliveries proceed in the
// background.
func (d *Dispatcher) Evaluate(event ThresholdEvent) {
	d.mu.RLock()
	subs := d.subs[event.ClassID]
	d.mu.RUnlock()

	for _, sub := range subs {
		if event.UsagePercent < sub.ThresholdPercent {
			continue
		}
		ev := event
		ev.EventID = uuid.NewString()
		ev.ThresholdPercent = sub.ThresholdPercent

		d.wg.Add(1)
		go func(sub Subscription, ev ThresholdEvent) {
			defer d.wg.Done()
			if err := d.deliver(sub, ev); err != nil {
				webhookDeliveries.WithLabelValues("failed").Inc()
				d.logger.Warn("webhook delivery failed",
					zap.String("url", sub.URL),
					zap.String("class", ev.ClassID),
					zap.String("event_id", ev.EventID),
					zap.Error(err))
				return
			}
			webhookDeliveries.WithLabelValues("delivered").Inc()
		}(sub, ev)
	}
}

// Drain waits for in-flight deliveries to finish. Called during shutdown.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(sub Subscription, event ThresholdEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal webhook payload")
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
		if lastErr = d.post(sub, payload); lastErr == nil {
			return nil
		}
		d.logger.Debug("webhook attempt failed",
			zap.String("url", sub.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return errors.Wrapf(lastErr, "webhook %s failed after %d attempts", sub.URL, d.maxRetries+1)
}

func (d *Dispatcher) post(sub Subscription, payload []byte) error {
	// Detached from the triggering request on purpose: the alert outlives
	// the request that crossed the threshold.
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send webhook request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
