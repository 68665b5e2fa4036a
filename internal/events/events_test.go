package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"portfolio-realtime/internal/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
)

func tickEvent(symbol string, changePercent float64, volume int64) Event {
	return Event{
		Topic:  TopicMarketDataUpdated,
		Symbol: symbol,
		Payload: models.MarketDataPoint{
			Symbol:        symbol,
			Price:         100,
			ChangePercent: changePercent,
			Volume:        volume,
		},
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	all, cancelAll := bus.Subscribe(10, nil)
	defer cancelAll()

	tsla, cancelTSLA := bus.Subscribe(10, func(e Event) bool { return e.Symbol == "TSLA" })
	defer cancelTSLA()

	bus.Publish(tickEvent("AAPL", 1, 100))
	bus.Publish(tickEvent("TSLA", -12, 100))

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(tsla); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}

	e := <-tsla
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Fatalf("event not stamped: %+v", e)
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1, nil)
	defer cancel()

	bus.Publish(tickEvent("AAPL", 0, 0))
	bus.Publish(tickEvent("AAPL", 0, 0))

	m := bus.GetMetrics()
	if m.Published != 2 || m.Delivered != 1 || m.Dropped != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestBus_CancelIdempotent(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1, nil)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	bus.Publish(tickEvent("AAPL", 0, 0))
	if bus.GetMetrics().Subscribers != 0 {
		t.Fatal("subscriber not removed")
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1, nil)
	bus.Close()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel open after Close")
	}

	late, _ := bus.Subscribe(1, nil)
	if _, ok := <-late; ok {
		t.Fatal("subscription after Close returned an open channel")
	}
}

func TestFilter_MarketData(t *testing.T) {
	five := 5.0
	twenty := 20.0

	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"empty filter", Filter{}, tickEvent("AAPL", 0.1, 10), true},
		{"symbol match", Filter{Symbols: []string{"TSLA"}}, tickEvent("TSLA", 1, 10), true},
		{"symbol miss", Filter{Symbols: []string{"TSLA"}}, tickEvent("AAPL", 1, 10), false},
		{"min change on drop", Filter{MinChangePercent: &five}, tickEvent("TSLA", -12, 10), true},
		{"min change miss", Filter{MinChangePercent: &five}, tickEvent("TSLA", 2, 10), false},
		{"max change miss", Filter{MaxChangePercent: &twenty}, tickEvent("TSLA", 25, 10), false},
		{"volume floor", Filter{MinVolume: 1000}, tickEvent("TSLA", 1, 999), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(tt.event); got != tt.want {
				t.Fatalf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilter_Analysis(t *testing.T) {
	result := &models.AnalysisResult{
		PortfolioID: "p1",
		Insights: []models.AIInsight{
			{Type: models.InsightPerformance, Severity: models.SeverityMedium},
			{Type: models.InsightAllocation, Severity: models.SeverityHigh, ActionRequired: true},
		},
	}
	e := Event{Topic: TopicAnalysisCompleted, PortfolioID: "p1", Payload: result}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"portfolio match", Filter{PortfolioIDs: []string{"p1"}}, true},
		{"portfolio miss", Filter{PortfolioIDs: []string{"p2"}}, false},
		{"insight type", Filter{InsightType: models.InsightAllocation}, true},
		{"insight type miss", Filter{InsightType: models.InsightRisk}, false},
		{"min severity", Filter{MinSeverity: models.SeverityHigh}, true},
		{"min severity miss", Filter{MinSeverity: models.SeverityCritical}, false},
		{"action required", Filter{ActionRequiredOnly: true}, true},
		{"combined miss", Filter{InsightType: models.InsightPerformance, ActionRequiredOnly: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(e); got != tt.want {
				t.Fatalf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTopicScope(t *testing.T) {
	if TopicMarketDataUpdated.Scoped() || TopicMarketStatusUpdated.Scoped() {
		t.Fatal("market topics must be public")
	}
	if !TopicUserAlertsTriggered.Scoped() || !TopicAnalysisCompleted.Scoped() {
		t.Fatal("portfolio and user topics must be scoped")
	}
	if Topic("nope").Valid() {
		t.Fatal("unknown topic reported valid")
	}
}

func TestKafkaSink_SendKeysByPortfolio(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "p1" {
			return fmt.Errorf("key = %q, want p1", key)
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal(value, &decoded); err != nil {
			return err
		}
		if decoded["topic"] != string(TopicInsightsUpdated) {
			return fmt.Errorf("topic = %v", decoded["topic"])
		}
		return nil
	})

	sink := NewKafkaSinkWithProducer(producer, "portfolio.events", zerolog.Nop())
	err := sink.Send(Event{ID: "e1", Topic: TopicInsightsUpdated, PortfolioID: "p1", UserID: "u1"})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestKafkaSink_RunForwardsBusEvents(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	bus := NewBus()
	sink := NewKafkaSinkWithProducer(producer, "portfolio.events", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx, bus)
		close(done)
	}()

	// Wait for the sink to subscribe.
	deadline := time.Now().Add(2 * time.Second)
	for bus.GetMetrics().Subscribers == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sink never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		bus.Publish(tickEvent("AAPL", 1, 1))
	}

	deadline = time.Now().Add(2 * time.Second)
	for bus.GetMetrics().Delivered < 3 {
		if time.Now().After(deadline) {
			t.Fatal("events not delivered to sink")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Close()
	<-done
	cancel()

	if err := producer.Close(); err != nil {
		t.Fatalf("producer Close: %v", err)
	}
}

func TestTickPublisher(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4, func(e Event) bool { return e.Topic == TopicMarketDataUpdated })
	defer cancel()

	pub := NewTickPublisher(bus)
	if pub.Symbols() != nil {
		t.Fatalf("publisher should want every tick")
	}
	pub.OnTick(models.MarketDataPoint{Symbol: "TSLA", Price: 88, ChangePercent: -12})

	if got := len(ch); got != 1 {
		t.Fatalf("got %d events, want 1", got)
	}
	e := <-ch
	tick, ok := e.Payload.(models.MarketDataPoint)
	if !ok || tick.Symbol != "TSLA" || e.Symbol != "TSLA" {
		t.Fatalf("unexpected event %+v", e)
	}
}
