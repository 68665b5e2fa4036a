// Package stream provides tick ingestion and distribution: the Hub fans ticks
// out to consumers, the Registry tracks client connections and the
// Broadcaster pushes market data to subscribed connections.
package stream

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"portfolio-realtime/internal/models"

	"github.com/rs/zerolog"
)

// HubConfig configures the Hub.
type HubConfig struct {
	// BufferSize bounds ticks published but not yet dispatched.
	BufferSize int
}

func DefaultHubConfig() HubConfig {
	return HubConfig{BufferSize: 1000}
}

// Consumer receives ticks from the Hub.
type Consumer interface {
	OnTick(tick models.MarketDataPoint)
	// Symbols filters delivered ticks; empty means every symbol.
	Symbols() []string
}

// Hub is the single ingest bus for ticks. Every tick is handed to the
// registered consumers synchronously, in registration order, so that the
// price cache is updated before broadcast and analysis read it.
type Hub struct {
	logger zerolog.Logger
	queue  chan models.MarketDataPoint

	mu     sync.Mutex
	cancel context.CancelFunc

	consumersMu sync.RWMutex
	consumers   []Consumer

	received   atomic.Uint64
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	panics     atomic.Uint64
}

func NewHub(logger zerolog.Logger) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), logger)
}

func NewHubWithConfig(config HubConfig, logger zerolog.Logger) *Hub {
	if config.BufferSize <= 0 {
		config = DefaultHubConfig()
	}
	return &Hub{
		logger: logger.With().Str("component", "hub").Logger(),
		queue:  make(chan models.MarketDataPoint, config.BufferSize),
	}
}

// RegisterConsumer appends a consumer. Consumers see ticks in registration order.
func (h *Hub) RegisterConsumer(consumer Consumer) {
	h.consumersMu.Lock()
	h.consumers = append(h.consumers, consumer)
	h.consumersMu.Unlock()
}

// Start runs the dispatch loop until ctx is done or Stop is called. Starting
// a running hub is a no-op.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return nil
	}
	ctx, h.cancel = context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tick := <-h.queue:
				h.Dispatch(tick)
			}
		}
	}()
	return nil
}

// Stop ends the dispatch loop. Queued ticks stay queued until the next Start.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

func (h *Hub) IsStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

// Publish queues a tick without blocking. It reports false, and counts a
// drop, when the queue is full.
func (h *Hub) Publish(tick models.MarketDataPoint) bool {
	select {
	case h.queue <- tick:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// Dispatch hands a tick to every interested consumer on the calling goroutine.
func (h *Hub) Dispatch(tick models.MarketDataPoint) {
	h.received.Add(1)

	h.consumersMu.RLock()
	consumers := slices.Clone(h.consumers)
	h.consumersMu.RUnlock()

	for _, c := range consumers {
		if symbols := c.Symbols(); len(symbols) == 0 || slices.Contains(symbols, tick.Symbol) {
			h.deliver(c, tick)
		}
	}
}

// deliver recovers a panicking consumer so the ones after it still run.
func (h *Hub) deliver(c Consumer, tick models.MarketDataPoint) {
	defer func() {
		if r := recover(); r != nil {
			h.panics.Add(1)
			h.logger.Error().Interface("panic", r).Str("symbol", tick.Symbol).Msg("Tick consumer panicked")
		}
	}()
	c.OnTick(tick)
	h.dispatched.Add(1)
}

// HubMetrics are the hub counters.
type HubMetrics struct {
	TicksReceived   uint64 `json:"ticksReceived"`
	TicksDispatched uint64 `json:"ticksDispatched"`
	TicksDropped    uint64 `json:"ticksDropped"`
	ConsumerPanics  uint64 `json:"consumerPanics"`
	Consumers       int    `json:"consumers"`
	Buffered        int    `json:"buffered"`
}

func (h *Hub) GetMetrics() HubMetrics {
	h.consumersMu.RLock()
	consumers := len(h.consumers)
	h.consumersMu.RUnlock()

	return HubMetrics{
		TicksReceived:   h.received.Load(),
		TicksDispatched: h.dispatched.Load(),
		TicksDropped:    h.dropped.Load(),
		ConsumerPanics:  h.panics.Load(),
		Consumers:       consumers,
		Buffered:        len(h.queue),
	}
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc struct {
	symbols []string
	fn      func(models.MarketDataPoint)
}

func NewConsumerFunc(symbols []string, fn func(models.MarketDataPoint)) *ConsumerFunc {
	return &ConsumerFunc{symbols: symbols, fn: fn}
}

func (c *ConsumerFunc) OnTick(tick models.MarketDataPoint) {
	if c.fn != nil {
		c.fn(tick)
	}
}

func (c *ConsumerFunc) Symbols() []string { return c.symbols }
