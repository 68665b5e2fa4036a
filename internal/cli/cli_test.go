package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"portfolio-realtime/internal/config"
	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/resilience"
	"portfolio-realtime/internal/security"
	"portfolio-realtime/internal/stream"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func setAuthEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REALTIME_AUTH_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("REALTIME_AUTH_ISSUER", "https://auth.example.com")
	t.Setenv("REALTIME_AUTH_AUDIENCE", "portfolio-realtime")
}

func TestVersionCmd_JSON(t *testing.T) {
	out, err := run(t, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output %q is not JSON: %v", out, err)
	}
	if got["version"] != Version {
		t.Errorf("version = %q", got["version"])
	}
}

func TestConfigValidate(t *testing.T) {
	_, err := run(t, "config", "validate")
	if !errors.Is(err, apperrors.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}

	setAuthEnv(t)
	out, err := run(t, "config", "validate")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "Configuration is valid") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigShow_MasksSecret(t *testing.T) {
	setAuthEnv(t)
	out, err := run(t, "config", "show", "--json")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if strings.Contains(out, "0123456789abcdef0123456789abcdef") {
		t.Fatal("secret printed in clear")
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Auth.Issuer != "https://auth.example.com" {
		t.Errorf("issuer = %q", cfg.Auth.Issuer)
	}
}

func TestTokenCmd(t *testing.T) {
	setAuthEnv(t)
	out, err := run(t, "token", "--subject", "user-7", "--scope", "market-data:admin")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	auth := security.NewAuthenticator(cfg.AuthConfig())
	result := auth.ValidateToken(strings.TrimSpace(out), "127.0.0.1")
	if !result.Valid || result.UserID != "user-7" {
		t.Fatalf("token rejected: %+v", result)
	}

	if _, err := run(t, "token"); err == nil {
		t.Fatal("token without --subject succeeded")
	}
}

func TestStatusCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/health":
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(resilience.SystemHealth{
				Status:     resilience.HealthStatusUnhealthy,
				Components: []resilience.ComponentHealth{{Name: "provider:yahoo", Status: resilience.HealthStatusUnhealthy}},
			})
		case "/api/v1/stats":
			if r.Header.Get("Authorization") != "Bearer ops-token" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"authentication failed"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"activeSockets": 3,
				"connections": stream.ConnectionStats{
					TotalConnections: 2,
					TopSymbols:       []stream.SymbolCount{{Symbol: "AAPL", Subscribers: 2}},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := run(t, "status", "--url", srv.URL, "--token", "ops-token", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var got serviceStatus
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.Health.Status != resilience.HealthStatusUnhealthy || len(got.Health.Components) != 1 {
		t.Errorf("health = %+v", got.Health)
	}
	if got.Stats == nil || got.Stats.ActiveSockets != 3 || got.Stats.Connections.TotalConnections != 2 {
		t.Fatalf("stats = %+v", got.Stats)
	}

	out, err = run(t, "status", "--url", srv.URL)
	if err != nil {
		t.Fatalf("status without token: %v", err)
	}
	if !strings.Contains(out, "UNHEALTHY") || !strings.Contains(out, "statistics skipped") {
		t.Errorf("text output = %q", out)
	}

	_, err = run(t, "status", "--url", srv.URL, "--token", "wrong")
	if err == nil || !strings.Contains(err.Error(), "authentication failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestTable_Render(t *testing.T) {
	var buf bytes.Buffer
	o := &Output{writer: &buf}
	table := NewTable(o, "Symbol", "Subscribers")
	table.AddRow("AAPL", "12")
	table.AddRow("GOOGL", "3")
	table.Render()

	want := "Symbol  Subscribers\n" +
		"------  -----------\n" +
		"AAPL    12\n" +
		"GOOGL   3\n"
	if buf.String() != want {
		t.Fatalf("table =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestOutput_HealthLabelColor(t *testing.T) {
	plain := &Output{writer: &bytes.Buffer{}}
	if got := plain.HealthLabel(resilience.HealthStatusDegraded); got != "DEGRADED" {
		t.Fatalf("plain label = %q", got)
	}

	colored := &Output{writer: &bytes.Buffer{}, colorEnabled: true}
	got := colored.HealthLabel(resilience.HealthStatusHealthy)
	if !strings.HasPrefix(got, "\x1b[32m") || !strings.Contains(got, "HEALTHY") {
		t.Fatalf("colored label = %q", got)
	}
	if visibleLen(got) != len("HEALTHY") {
		t.Fatalf("visibleLen = %d", visibleLen(got))
	}
}

func TestTable_RenderIgnoresColorWidth(t *testing.T) {
	var buf bytes.Buffer
	o := &Output{writer: &buf, colorEnabled: true}
	table := NewTable(o, "Component", "Status")
	table.AddRow("hub", o.HealthLabel(resilience.HealthStatusHealthy))
	table.AddRow("provider:yahoo", o.HealthLabel(resilience.HealthStatusUnhealthy))
	table.Render()

	lines := strings.Split(strings.TrimSpace(ansiEscape.ReplaceAllString(buf.String(), "")), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[2] != "hub             HEALTHY" {
		t.Fatalf("row = %q", lines[2])
	}
}
