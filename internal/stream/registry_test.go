package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/models"
	"portfolio-realtime/internal/protocol"
	"portfolio-realtime/internal/store"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
)

type fakeConn struct {
	mu        sync.Mutex
	sent      []interface{}
	fail      bool
	closed    bool
	closeCode int
}

func (c *fakeConn) Send(msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return apperrors.ErrSlowConsumer
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestRegistry(opts ...RegistryOption) *Registry {
	return NewRegistry(DefaultRegistryConfig(), zerolog.Nop(), opts...)
}

func register(r *Registry, userID, connID string) *fakeConn {
	c := &fakeConn{}
	r.RegisterConnection(context.Background(), userID, models.ConnectionInfo{ConnectionID: connID}, c)
	return c
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRegistry_SubscribeUnsubscribe(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	register(r, "u1", "c1")

	added, count, err := r.Subscribe(ctx, "c1", []string{"A", "B"})
	if err != nil || len(added) != 2 || count != 2 {
		t.Fatalf("Subscribe = %v, %d, %v", added, count, err)
	}

	removed, remaining, err := r.Unsubscribe(ctx, "c1", []string{"A"})
	if err != nil || len(removed) != 1 || remaining != 1 {
		t.Fatalf("Unsubscribe = %v, %d, %v", removed, remaining, err)
	}

	if got := r.Subscriptions("c1"); !equalStrings(got, []string{"B"}) {
		t.Fatalf("Subscriptions = %v, want [B]", got)
	}
	if got := r.GetSymbolSubscribers("A"); len(got) != 0 {
		t.Fatalf("subscribers of A = %v, want none", got)
	}
	if got := r.GetSymbolSubscribers("B"); !equalStrings(got, []string{"u1"}) {
		t.Fatalf("subscribers of B = %v", got)
	}
}

func TestRegistry_SubscribeUnknownConnection(t *testing.T) {
	r := newTestRegistry()
	if _, _, err := r.Subscribe(context.Background(), "nope", []string{"A"}); !errors.Is(err, apperrors.ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestRegistry_OtherConnectionKeepsUserSubscribed(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	register(r, "u1", "c1")
	register(r, "u1", "c2")

	r.Subscribe(ctx, "c1", []string{"A"})
	r.Subscribe(ctx, "c2", []string{"A"})
	r.Unsubscribe(ctx, "c1", []string{"A"})

	if got := r.GetSymbolSubscribers("A"); !equalStrings(got, []string{"u1"}) {
		t.Fatalf("subscribers of A = %v, want [u1] while c2 holds it", got)
	}

	r.RemoveConnection(ctx, "u1", "c2")
	if got := r.GetSymbolSubscribers("A"); len(got) != 0 {
		t.Fatalf("subscribers of A = %v after last holder removed", got)
	}
}

func TestRegistry_RemoveConnectionIdempotent(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	register(r, "u1", "c1")
	r.Subscribe(ctx, "c1", []string{"A"})

	if n := r.RemoveConnection(ctx, "u1", "c1"); n != 1 {
		t.Fatalf("first remove = %d, want 1", n)
	}
	if n := r.RemoveConnection(ctx, "u1", "c1"); n != 0 {
		t.Fatalf("second remove = %d, want 0", n)
	}
	if got := r.GetSymbolSubscribers("A"); len(got) != 0 {
		t.Fatalf("subscribers of A = %v", got)
	}
}

func TestRegistry_RemoveAllForUser(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	register(r, "u1", "c1")
	register(r, "u1", "c2")
	register(r, "u2", "c3")
	r.Subscribe(ctx, "c1", []string{"A"})
	r.Subscribe(ctx, "c3", []string{"A"})

	if n := r.RemoveConnection(ctx, "u1", ""); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	if got := r.GetUserConnections("u1"); len(got) != 0 {
		t.Fatalf("u1 connections = %v", got)
	}
	if got := r.GetSymbolSubscribers("A"); !equalStrings(got, []string{"u2"}) {
		t.Fatalf("subscribers of A = %v, want [u2]", got)
	}
}

func TestRegistry_RemoveWrongUserIsNoop(t *testing.T) {
	r := newTestRegistry()
	register(r, "u1", "c1")
	if n := r.RemoveConnection(context.Background(), "u2", "c1"); n != 0 {
		t.Fatalf("removed %d connections of another user", n)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	register(r, "u1", "c1")
	r.Subscribe(ctx, "c1", []string{"A"})
	register(r, "u1", "c1")

	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if got := r.Subscriptions("c1"); !equalStrings(got, []string{"A"}) {
		t.Fatalf("subscriptions lost on re-register: %v", got)
	}
}

func TestRegistry_UpdateSubscriptionsDiff(t *testing.T) {
	state := store.NewMemoryStateStore()
	r := newTestRegistry(WithStateStore(state))
	ctx := context.Background()
	register(r, "u1", "c1")
	register(r, "u1", "c2")
	r.Subscribe(ctx, "c1", []string{"A", "B"})

	r.UpdateSubscriptions(ctx, "u1", []string{"B", "C"})

	for _, id := range []string{"c1", "c2"} {
		if got := r.Subscriptions(id); !equalStrings(got, []string{"B", "C"}) {
			t.Fatalf("%s subscriptions = %v, want [B C]", id, got)
		}
	}
	if got := r.GetSymbolSubscribers("A"); len(got) != 0 {
		t.Fatalf("subscribers of A = %v", got)
	}

	stored, err := r.StoredSubscriptions(ctx, "u1")
	if err != nil || !equalStrings(stored, []string{"B", "C"}) {
		t.Fatalf("stored = %v, %v", stored, err)
	}
}

func TestRegistry_BroadcastTwoLevelFilter(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	onA := register(r, "u1", "c1")
	onB := register(r, "u1", "c2")
	broken := register(r, "u2", "c3")
	other := register(r, "u3", "c4")
	broken.fail = true

	r.Subscribe(ctx, "c1", []string{"A"})
	r.Subscribe(ctx, "c2", []string{"B"})
	r.Subscribe(ctx, "c3", []string{"A"})
	r.Subscribe(ctx, "c4", []string{"A"})

	sent := r.Broadcaster().Broadcast("A", models.MarketDataPoint{Symbol: "A", Price: 10})
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	if onA.count() != 1 || other.count() != 1 {
		t.Fatalf("subscribed connections missed the tick")
	}
	if onB.count() != 0 {
		t.Fatalf("connection subscribed to B received A")
	}

	msg, ok := onA.sent[0].(protocol.MarketData)
	if !ok || msg.Symbol != "A" || msg.Type != protocol.TypeMarketData {
		t.Fatalf("message = %#v", onA.sent[0])
	}

	if m := r.Broadcaster().GetMetrics(); m.Failed != 1 || m.Sent != 2 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestRegistry_CleanupExpiredConnections(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	state := store.NewMemoryStateStore()
	r := NewRegistry(RegistryConfig{InactivityTimeout: time.Minute}, zerolog.Nop(),
		WithStateStore(state), WithRegistryClock(func() time.Time { return now }))
	ctx := context.Background()

	idle := register(r, "u1", "c1")
	r.Subscribe(ctx, "c1", []string{"A"})
	now = now.Add(30 * time.Second)
	active := register(r, "u2", "c2")
	now = now.Add(45 * time.Second)
	r.Touch(ctx, "c2")

	if got := r.GetInactiveConnections(time.Minute); len(got) != 1 || got[0].ConnectionID != "c1" {
		t.Fatalf("inactive = %+v", got)
	}

	if n := r.CleanupExpiredConnections(ctx); n != 1 {
		t.Fatalf("cleaned %d, want 1", n)
	}
	if !idle.closed || idle.closeCode != protocol.CloseInactive {
		t.Fatalf("idle connection not closed with %d", protocol.CloseInactive)
	}
	if active.closed {
		t.Fatal("active connection closed")
	}
	if got := r.GetSymbolSubscribers("A"); len(got) != 0 {
		t.Fatalf("swept connection still subscribed: %v", got)
	}
	if _, err := state.Get(ctx, store.ConnectionKey("c1")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("connection record not deleted: %v", err)
	}
}

func TestRegistry_ConnectionStats(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	register(r, "u1", "c1")
	register(r, "u2", "c2")
	register(r, "u2", "c3")
	r.Subscribe(ctx, "c1", []string{"A", "B"})
	r.Subscribe(ctx, "c2", []string{"A"})

	stats := r.GetConnectionStats()
	if stats.TotalConnections != 3 || stats.TotalUsers != 2 || stats.TotalSymbols != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.TopSymbols[0].Symbol != "A" || stats.TopSymbols[0].Subscribers != 2 {
		t.Fatalf("top = %+v", stats.TopSymbols)
	}
}

func TestRegistry_RestorePurgesStaleRecords(t *testing.T) {
	state := store.NewMemoryStateStore()
	ctx := context.Background()
	_ = store.SetJSON(ctx, state, store.ConnectionKey("old"), models.ConnectionInfo{ConnectionID: "old"}, time.Hour)

	r := newTestRegistry(WithStateStore(state))
	register(r, "u1", "live")

	n, err := r.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	if _, err := state.Get(ctx, store.ConnectionKey("live")); err != nil {
		t.Fatalf("live record removed: %v", err)
	}
}

// Property: after subscribe(S) then unsubscribe(U), the connection holds
// exactly S\U and the broadcaster lists the user for exactly those symbols.
func TestProperty_SubscribeUnsubscribe(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	universe := []string{"AAPL", "MSFT", "TSLA", "NVDA", "AMZN", "GOOG", "META"}

	properties.Property("subscriptions and subscriber sets agree", prop.ForAll(
		func(subIdx, unsubIdx []int) bool {
			r := newTestRegistry()
			ctx := context.Background()
			register(r, "u1", "c1")

			sub := make([]string, len(subIdx))
			for i, idx := range subIdx {
				sub[i] = universe[idx]
			}
			unsub := make(map[string]bool)
			unsubList := make([]string, len(unsubIdx))
			for i, idx := range unsubIdx {
				unsub[universe[idx]] = true
				unsubList[i] = universe[idx]
			}

			r.Subscribe(ctx, "c1", sub)
			r.Unsubscribe(ctx, "c1", unsubList)

			want := make(map[string]bool)
			for _, s := range sub {
				if !unsub[s] {
					want[s] = true
				}
			}

			got := r.Subscriptions("c1")
			if len(got) != len(want) {
				return false
			}
			for _, s := range got {
				if !want[s] {
					return false
				}
			}
			for _, s := range universe {
				listed := len(r.GetSymbolSubscribers(s)) == 1
				if listed != want[s] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(universe)-1)),
		gen.SliceOf(gen.IntRange(0, len(universe)-1)),
	))

	properties.TestingRun(t)
}
