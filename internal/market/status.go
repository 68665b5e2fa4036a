package market

import (
	"context"
	"time"

	"portfolio-realtime/internal/events"
	"portfolio-realtime/internal/resilience"
)

// Status summarizes the feed for market_status_updated. A provider is
// healthy while its breaker is closed; the feed is healthy while at least
// one polling provider is. The session is reported when market hours are
// configured.
func (f *Feed) Status() events.MarketStatus {
	stats := f.Stats()
	status := events.MarketStatus{
		Providers: make(map[string]string, len(stats.Providers)+len(f.push)),
		Symbols:   len(stats.Symbols),
	}
	for _, p := range stats.Providers {
		status.Providers[p.Name] = string(p.Breaker.State)
		if p.Breaker.State == resilience.CircuitClosed {
			status.Healthy = true
		}
	}
	for _, p := range f.push {
		status.Providers[p.Name()] = "PUSH"
	}
	if len(stats.Providers) == 0 && len(f.push) > 0 {
		status.Healthy = true
	}
	if f.hours != nil {
		now := f.now()
		status.Session = string(f.hours.SessionAt(now))
		status.Open = f.hours.IsOpenAt(now)
		if !status.Open {
			next := f.hours.NextOpen(now)
			status.NextOpen = &next
		}
	}
	return status
}

// PublishStatus publishes the feed status on bus now and every interval
// until ctx is done.
func (f *Feed) PublishStatus(ctx context.Context, bus *events.Bus, interval time.Duration) {
	publish := func() {
		bus.Publish(events.Event{Topic: events.TopicMarketStatusUpdated, Payload: f.Status()})
	}
	publish()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
