package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"portfolio-realtime/internal/models"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
)

// Property: every consumer sees every dispatched tick, in registration order.
func TestProperty_ConsumersSeeTicksInOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	symbols := []string{"AAPL", "MSFT", "TSLA", "NVDA", "AMZN"}

	properties.Property("consumers called in order for every tick", prop.ForAll(
		func(consumerCount int, idxs []int) bool {
			hub := NewHub(zerolog.Nop())

			var calls []int
			for i := 0; i < consumerCount; i++ {
				i := i
				hub.RegisterConsumer(NewConsumerFunc(nil, func(models.MarketDataPoint) {
					calls = append(calls, i)
				}))
			}

			for _, idx := range idxs {
				hub.Dispatch(models.MarketDataPoint{Symbol: symbols[idx], Price: 100})
			}

			if len(calls) != consumerCount*len(idxs) {
				return false
			}
			for n, c := range calls {
				if c != n%consumerCount {
					return false
				}
			}
			return hub.GetMetrics().TicksReceived == uint64(len(idxs))
		},
		gen.IntRange(1, 5),
		gen.SliceOf(gen.IntRange(0, len(symbols)-1)),
	))

	properties.TestingRun(t)
}

func TestHub_SymbolFilter(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	var got []string
	hub.RegisterConsumer(NewConsumerFunc([]string{"TSLA"}, func(tick models.MarketDataPoint) {
		got = append(got, tick.Symbol)
	}))

	hub.Dispatch(models.MarketDataPoint{Symbol: "AAPL"})
	hub.Dispatch(models.MarketDataPoint{Symbol: "TSLA"})

	if len(got) != 1 || got[0] != "TSLA" {
		t.Fatalf("filtered consumer saw %v", got)
	}
}

func TestHub_PanickingConsumerIsolated(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	hub.RegisterConsumer(NewConsumerFunc(nil, func(models.MarketDataPoint) { panic("boom") }))
	seen := 0
	hub.RegisterConsumer(NewConsumerFunc(nil, func(models.MarketDataPoint) { seen++ }))

	hub.Dispatch(models.MarketDataPoint{Symbol: "AAPL"})

	if seen != 1 {
		t.Fatalf("second consumer saw %d ticks, want 1", seen)
	}
	if m := hub.GetMetrics(); m.ConsumerPanics != 1 {
		t.Fatalf("ConsumerPanics = %d, want 1", m.ConsumerPanics)
	}
}

func TestHub_PublishDropsWhenFull(t *testing.T) {
	hub := NewHubWithConfig(HubConfig{BufferSize: 2}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		hub.Publish(models.MarketDataPoint{Symbol: "AAPL"})
	}

	m := hub.GetMetrics()
	if m.TicksDropped != 3 || m.Buffered != 2 {
		t.Fatalf("metrics = %+v, want 3 dropped 2 buffered", m)
	}
}

func TestHub_StartDeliversPublishedTicks(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(3)
	hub.RegisterConsumer(NewConsumerFunc(nil, func(models.MarketDataPoint) { wg.Done() }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer hub.Stop()

	for i := 0; i < 3; i++ {
		hub.Publish(models.MarketDataPoint{Symbol: "AAPL"})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ticks not delivered")
	}
}
