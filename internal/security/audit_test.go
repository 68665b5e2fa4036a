package security

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"portfolio-realtime/internal/logging"
)

type nopWriteCloser struct{ bytes.Buffer }

func (*nopWriteCloser) Close() error { return nil }

func readAuditEvents(t *testing.T, buf *bytes.Buffer) []AuditEvent {
	t.Helper()
	var out []AuditEvent
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestAuditLogger_PortfolioAndFeedChanges(t *testing.T) {
	w := &nopWriteCloser{}
	al := NewAuditLoggerWithWriter(w)
	al.now = func() time.Time { return testNow }

	ctx := context.WithValue(context.Background(), logging.RequestIDKey, "req-1")
	if err := al.LogPortfolioChange(ctx, "user-1", "create", "p-1"); err != nil {
		t.Fatalf("LogPortfolioChange: %v", err)
	}
	if err := al.LogFeedChange(context.Background(), "admin", "subscribe", []string{"AAPL"}); err != nil {
		t.Fatalf("LogFeedChange: %v", err)
	}

	events := readAuditEvents(t, &w.Buffer)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	p := events[0]
	if p.EventType != AuditPortfolioChanged || p.UserID != "user-1" || !p.Success {
		t.Errorf("unexpected portfolio event %+v", p)
	}
	if p.Details["action"] != "create" || p.Details["portfolio_id"] != "p-1" {
		t.Errorf("details = %v", p.Details)
	}
	if p.RequestID != "req-1" {
		t.Errorf("RequestID = %q", p.RequestID)
	}
	if !p.Timestamp.Equal(testNow) {
		t.Errorf("Timestamp = %v", p.Timestamp)
	}

	f := events[1]
	if f.EventType != AuditFeedChanged || f.Details["action"] != "subscribe" {
		t.Errorf("unexpected feed event %+v", f)
	}
	if f.SessionID == "" || f.SessionID != p.SessionID {
		t.Errorf("session ids differ: %q vs %q", p.SessionID, f.SessionID)
	}
}

func TestAuditLogger_NilDiscards(t *testing.T) {
	var al *AuditLogger
	if err := al.LogPortfolioChange(context.Background(), "u", "delete", "p"); err != nil {
		t.Fatalf("nil logger returned %v", err)
	}
}
