package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"portfolio-realtime/internal/models"
	"portfolio-realtime/internal/protocol"
	"portfolio-realtime/internal/stream"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 Safari/605.1.15"

func startServer(t *testing.T, f *fixture) string {
	t.Helper()
	ts := httptest.NewServer(f.server.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", testOrigin)
	header.Set("User-Agent", browserUA)
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	return dialer.Dial(url, header)
}

func mustDial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := dial(t, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// frame is the union of the outbound fields the tests inspect.
type frame struct {
	Type          string                 `json:"type"`
	Authenticated bool                   `json:"authenticated"`
	UserID        string                 `json:"userId"`
	Symbol        string                 `json:"symbol"`
	Symbols       []string               `json:"symbols"`
	Count         int                    `json:"count"`
	Message       string                 `json:"message"`
	Code          string                 `json:"code"`
	Topic         string                 `json:"topic"`
	Data          models.MarketDataPoint `json:"data"`
	Event         struct {
		PortfolioID string          `json:"portfolioId"`
		Payload     json.RawMessage `json:"payload"`
	} `json:"event"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func expectFrame(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	f := readFrame(t, conn)
	if f.Type != typ {
		t.Fatalf("got %q frame (%+v), want %q", f.Type, f, typ)
	}
	return f
}

func send(t *testing.T, conn *websocket.Conn, msg interface{}) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expectClose reads until the server closes the socket with code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("read error %v, want close %d", err, code)
		}
		return
	}
}

func TestWebSocket_InsecureTransportRejectedInProduction(t *testing.T) {
	f := newFixture(t, true, Config{})
	url := startServer(t, f) + "?token=" + signToken(t, "user-1")

	conn, resp, err := dial(t, url)
	if err == nil {
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		var msg frame
		if conn.ReadJSON(&msg) == nil && msg.Type == protocol.TypeWelcome {
			t.Fatal("insecure connection received a welcome")
		}
		t.Fatal("insecure connection was upgraded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", resp)
	}
	if f.server.ActiveConnections() != 0 || f.registry.Len() != 0 {
		t.Fatal("rejected connection left state behind")
	}
}

func TestWebSocket_RejectsUnknownOrigin(t *testing.T) {
	f := newFixture(t, false, Config{})
	url := startServer(t, f)

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	header.Set("User-Agent", browserUA)
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("foreign origin was upgraded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", resp)
	}
}

func TestWebSocket_HandshakeTokenRejected(t *testing.T) {
	f := newFixture(t, false, Config{})
	_, resp, err := dial(t, startServer(t, f)+"?token=garbage")
	if err == nil {
		t.Fatal("invalid handshake token was upgraded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %v, want 401", resp)
	}
}

func TestWebSocket_ConnectionLimit(t *testing.T) {
	f := newFixture(t, false, Config{MaxConnections: 1})
	url := startServer(t, f)

	mustDial(t, url)
	_, resp, err := dial(t, url)
	if err == nil {
		t.Fatal("connection beyond the limit was upgraded")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("handshake response = %v, want 503", resp)
	}
}

func TestWebSocket_AuthenticateByMessage(t *testing.T) {
	f := newFixture(t, false, Config{})
	conn := mustDial(t, startServer(t, f))

	welcome := expectFrame(t, conn, protocol.TypeWelcome)
	if welcome.Authenticated {
		t.Fatal("welcome claims authentication without a token")
	}

	// Nothing but heartbeats before authentication.
	send(t, conn, map[string]interface{}{"type": "subscribe", "symbols": []string{"AAPL"}})
	expectFrame(t, conn, protocol.TypeError)
	send(t, conn, map[string]interface{}{"type": "heartbeat"})
	expectFrame(t, conn, protocol.TypeHeartbeatAck)

	send(t, conn, map[string]interface{}{"type": "authenticate", "token": signToken(t, "user-1")})
	auth := expectFrame(t, conn, protocol.TypeAuthenticated)
	if auth.UserID != "user-1" {
		t.Fatalf("authenticated as %q, want user-1", auth.UserID)
	}

	send(t, conn, map[string]interface{}{"type": "subscribe", "symbols": []string{"aapl", "MSFT"}})
	sub := expectFrame(t, conn, protocol.TypeSubscribed)
	if sub.Count != 2 {
		t.Fatalf("subscription count = %d, want 2", sub.Count)
	}

	send(t, conn, map[string]interface{}{"type": "unsubscribe", "symbols": []string{"MSFT"}})
	expectFrame(t, conn, protocol.TypeUnsubscribed)

	if got := f.registry.Symbols(); len(got) != 1 || got[0] != "AAPL" {
		t.Fatalf("registry symbols = %v, want [AAPL]", got)
	}
}

func TestWebSocket_PongsDoNotCountAsActivity(t *testing.T) {
	f := newFixtureWithRegistry(t, false,
		Config{HeartbeatInterval: 50 * time.Millisecond},
		stream.RegistryConfig{InactivityTimeout: 300 * time.Millisecond})
	conn := mustDial(t, startServer(t, f)+"?token="+signToken(t, "user-1"))
	expectFrame(t, conn, protocol.TypeWelcome)
	expectFrame(t, conn, protocol.TypeAuthenticated)

	swept := make(chan int, 1)
	go func() {
		time.Sleep(600 * time.Millisecond)
		swept <- f.registry.CleanupExpiredConnections(context.Background())
	}()

	// Reading answers the server's pings while the client stays silent.
	expectClose(t, conn, protocol.CloseInactive)
	if n := <-swept; n != 1 {
		t.Fatalf("sweep removed %d connections, want 1", n)
	}
	if got := f.registry.GetConnectionStats().TotalConnections; got != 0 {
		t.Fatalf("connections after sweep = %d, want 0", got)
	}
}

func TestWebSocket_AuthFailureCloses(t *testing.T) {
	f := newFixture(t, false, Config{})
	conn := mustDial(t, startServer(t, f))
	expectFrame(t, conn, protocol.TypeWelcome)

	send(t, conn, map[string]interface{}{"type": "authenticate", "token": "garbage"})
	expectFrame(t, conn, protocol.TypeError)
	expectClose(t, conn, protocol.CloseAuthFailed)
}

func TestWebSocket_AuthGracePeriod(t *testing.T) {
	f := newFixture(t, false, Config{AuthGracePeriod: 100 * time.Millisecond})
	conn := mustDial(t, startServer(t, f))
	expectFrame(t, conn, protocol.TypeWelcome)

	expectFrame(t, conn, protocol.TypeError)
	expectClose(t, conn, protocol.CloseAuthTimeout)
}

func TestWebSocket_MalformedMessagesKeepConnection(t *testing.T) {
	f := newFixture(t, false, Config{ProtocolViolations: 2})
	conn := mustDial(t, startServer(t, f)+"?token="+signToken(t, "user-1"))
	expectFrame(t, conn, protocol.TypeWelcome)
	expectFrame(t, conn, protocol.TypeAuthenticated)

	send(t, conn, map[string]interface{}{"type": "teleport"})
	expectFrame(t, conn, protocol.TypeError)

	send(t, conn, map[string]interface{}{"type": "heartbeat"})
	expectFrame(t, conn, protocol.TypeHeartbeatAck)

	// The violation budget is two per minute.
	send(t, conn, map[string]interface{}{"type": "subscribe", "symbols": []string{"NOT A SYMBOL"}})
	expectFrame(t, conn, protocol.TypeError)
	send(t, conn, "not an object")
	expectFrame(t, conn, protocol.TypeError)
	expectClose(t, conn, protocol.CloseRateLimited)
}

func TestWebSocket_TickDrivesMarketDataAndAlert(t *testing.T) {
	f := newFixture(t, false, Config{})
	conn := mustDial(t, startServer(t, f)+"?token="+signToken(t, "user-1"))

	welcome := expectFrame(t, conn, protocol.TypeWelcome)
	if !welcome.Authenticated {
		t.Fatal("handshake token not honoured")
	}
	expectFrame(t, conn, protocol.TypeAuthenticated)

	p := &models.Portfolio{
		ID:     "p-tsla",
		UserID: "user-1",
		Name:   "EV",
		Holdings: []models.PortfolioHolding{{
			Symbol:      "TSLA",
			Quantity:    decimal.NewFromInt(10),
			AverageCost: decimal.NewFromInt(100),
		}},
	}
	p.Normalize()
	if err := f.analyzer.StartAnalysis(p, nil); err != nil {
		t.Fatalf("start analysis: %v", err)
	}

	send(t, conn, map[string]interface{}{"type": "subscribe", "symbols": []string{"TSLA"}})
	expectFrame(t, conn, protocol.TypeSubscribed)
	send(t, conn, map[string]interface{}{"type": "subscribe_events", "topics": []string{"portfolio_alerts_triggered"}})
	expectFrame(t, conn, protocol.TypeEventsSubscribed)

	f.hub.Dispatch(models.MarketDataPoint{
		Symbol:        "TSLA",
		Price:         88,
		Change:        -12,
		ChangePercent: -12,
		Volume:        1000,
		Timestamp:     time.Now().UTC(),
		Source:        "test",
	})

	var gotTick, gotAlert bool
	for !(gotTick && gotAlert) {
		msg := readFrame(t, conn)
		switch msg.Type {
		case protocol.TypeMarketData:
			if msg.Symbol != "TSLA" || msg.Data.ChangePercent != -12 {
				t.Fatalf("unexpected market data %+v", msg)
			}
			gotTick = true
		case protocol.TypeEvent:
			if msg.Topic != "portfolio_alerts_triggered" || msg.Event.PortfolioID != "p-tsla" {
				t.Fatalf("unexpected event %+v", msg)
			}
			var alerts []models.RealTimeAlert
			if err := json.Unmarshal(msg.Event.Payload, &alerts); err != nil {
				t.Fatalf("decode alerts: %v", err)
			}
			for _, a := range alerts {
				if a.Type == models.AlertPriceThreshold && a.Symbol == "TSLA" && a.Severity == models.SeverityHigh {
					gotAlert = true
				}
			}
		}
	}
}

func TestWebSocket_ScopedEventsStayWithOwner(t *testing.T) {
	f := newFixture(t, false, Config{})
	url := startServer(t, f)

	owner := mustDial(t, url+"?token="+signToken(t, "user-1"))
	other := mustDial(t, url+"?token="+signToken(t, "user-2"))
	for _, conn := range []*websocket.Conn{owner, other} {
		expectFrame(t, conn, protocol.TypeWelcome)
		expectFrame(t, conn, protocol.TypeAuthenticated)
		send(t, conn, map[string]interface{}{"type": "subscribe_events", "topics": []string{"user_portfolios_updated"}})
		expectFrame(t, conn, protocol.TypeEventsSubscribed)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/portfolios", signToken(t, "user-1"), samplePortfolio("Growth", "AAPL"))
	expectStatus(t, rec, http.StatusCreated)

	msg := expectFrame(t, owner, protocol.TypeEvent)
	if msg.Topic != "user_portfolios_updated" {
		t.Fatalf("owner got topic %q", msg.Topic)
	}

	_ = other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var leaked frame
	if err := other.ReadJSON(&leaked); err == nil {
		t.Fatalf("event leaked to another user: %+v", leaked)
	}
}
