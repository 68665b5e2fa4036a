package events

import "portfolio-realtime/internal/models"

// TickPublisher republishes every tick as a market_data_updated event. It is
// registered as the last tick hub consumer.
type TickPublisher struct {
	bus *Bus
}

// NewTickPublisher creates a publisher on bus.
func NewTickPublisher(bus *Bus) *TickPublisher {
	return &TickPublisher{bus: bus}
}

// OnTick publishes tick.
func (p *TickPublisher) OnTick(tick models.MarketDataPoint) {
	p.bus.Publish(Event{
		Topic:   TopicMarketDataUpdated,
		Symbol:  tick.Symbol,
		Payload: tick,
	})
}

// Symbols returns nil: every tick is published.
func (p *TickPublisher) Symbols() []string { return nil }
