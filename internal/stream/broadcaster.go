package stream

import (
	"sort"
	"sync"
	"time"

	"portfolio-realtime/internal/models"
	"portfolio-realtime/internal/protocol"

	"github.com/rs/zerolog"
)

// Conn is the outbound side of one client connection.
type Conn interface {
	// Send queues msg for delivery. It must not block.
	Send(msg interface{}) error
	// Close terminates the connection with a close code and reason.
	Close(code int, reason string)
}

// connectionLookup resolves the live connections of a user that are
// subscribed to symbol.
type connectionLookup interface {
	subscribedConns(userID, symbol string) []Conn
}

// Broadcaster keeps the symbol → user subscriber sets and pushes market data.
// Mutations come from the Registry, which keeps both views in step.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]struct{}

	conns  connectionLookup
	logger zerolog.Logger
	now    func() time.Time

	metricsMu  sync.Mutex
	broadcasts uint64
	sent       uint64
	failed     uint64
}

func newBroadcaster(conns connectionLookup, logger zerolog.Logger, now func() time.Time) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]map[string]struct{}),
		conns:       conns,
		logger:      logger.With().Str("component", "broadcaster").Logger(),
		now:         now,
	}
}

// addSubscriber adds userID to the subscriber set of symbol.
func (b *Broadcaster) addSubscriber(symbol, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	users, ok := b.subscribers[symbol]
	if !ok {
		users = make(map[string]struct{})
		b.subscribers[symbol] = users
	}
	users[userID] = struct{}{}
}

// removeSubscriber removes userID from the subscriber set of symbol.
func (b *Broadcaster) removeSubscriber(symbol, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	users, ok := b.subscribers[symbol]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(b.subscribers, symbol)
	}
}

// GetSubscribers returns the sorted user ids subscribed to symbol.
func (b *Broadcaster) GetSubscribers(symbol string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	users := b.subscribers[symbol]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Symbols returns every symbol with at least one subscriber. As a Consumer
// the broadcaster therefore only sees ticks somebody wants.
func (b *Broadcaster) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.subscribers))
	for s := range b.subscribers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// subscriberCounts returns the number of subscribed users per symbol.
func (b *Broadcaster) subscriberCounts() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.subscribers))
	for s, users := range b.subscribers {
		out[s] = len(users)
	}
	return out
}

// Broadcast sends tick to every connection owned by a subscribed user that
// itself holds symbol in its subscription set. A failed send does not stop
// delivery to the others. It returns the number of successful sends.
func (b *Broadcaster) Broadcast(symbol string, tick models.MarketDataPoint) int {
	users := b.GetSubscribers(symbol)
	if len(users) == 0 {
		return 0
	}

	msg := protocol.NewMarketData(tick, b.now())
	sent, failed := 0, 0
	for _, userID := range users {
		for _, conn := range b.conns.subscribedConns(userID, symbol) {
			if err := conn.Send(msg); err != nil {
				failed++
				b.logger.Debug().Err(err).Str("symbol", symbol).Str("user_id", userID).Msg("Market data send failed")
				continue
			}
			sent++
		}
	}

	b.metricsMu.Lock()
	b.broadcasts++
	b.sent += uint64(sent)
	b.failed += uint64(failed)
	b.metricsMu.Unlock()

	return sent
}

// OnTick implements Consumer.
func (b *Broadcaster) OnTick(tick models.MarketDataPoint) {
	b.Broadcast(tick.Symbol, tick)
}

// BroadcasterMetrics contains delivery counters.
type BroadcasterMetrics struct {
	Broadcasts uint64 `json:"broadcasts"`
	Sent       uint64 `json:"sent"`
	Failed     uint64 `json:"failed"`
	Symbols    int    `json:"symbols"`
}

// GetMetrics returns delivery counters.
func (b *Broadcaster) GetMetrics() BroadcasterMetrics {
	b.mu.RLock()
	symbols := len(b.subscribers)
	b.mu.RUnlock()

	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return BroadcasterMetrics{
		Broadcasts: b.broadcasts,
		Sent:       b.sent,
		Failed:     b.failed,
		Symbols:    symbols,
	}
}
