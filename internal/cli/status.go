package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"portfolio-realtime/internal/analyzer"
	"portfolio-realtime/internal/events"
	"portfolio-realtime/internal/resilience"
	"portfolio-realtime/internal/security"
	"portfolio-realtime/internal/stream"
)

// serviceStatus is the part of /health and /stats the status command shows.
type serviceStatus struct {
	Health resilience.SystemHealth `json:"health"`
	Stats  *serviceStats           `json:"stats,omitempty"`
}

type serviceStats struct {
	ActiveSockets int                    `json:"activeSockets"`
	Connections   stream.ConnectionStats `json:"connections"`
	Analyzer      analyzer.Stats         `json:"analyzer"`
	Events        events.BusMetrics      `json:"events"`
}

func newStatusCmd(app *App) *cobra.Command {
	var (
		baseURL string
		token   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health and statistics of a running service",
		Long: `Query /api/v1/health and /api/v1/stats on a running service.

Stats need a bearer token: --token, REALTIME_TOKEN, or one minted from the
local signing secret when it is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if baseURL == "" {
				baseURL = localURL(app.Config.Server.Addr)
			}
			if token == "" {
				token = os.Getenv("REALTIME_TOKEN")
			}
			if token == "" && app.Config.Auth.JWTSecret != "" {
				minted, err := security.IssueToken(app.Config.AuthConfig(), "realtime-cli", nil, 5*time.Minute, time.Now())
				if err == nil {
					token = minted
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			status, err := fetchStatus(ctx, &http.Client{}, strings.TrimRight(baseURL, "/"), token)
			if err != nil {
				return err
			}

			return output.Emit(status, func() { renderStatus(output, status) })
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "", "service base URL (default from server.addr)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for /stats")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func localURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// fetchStatus reads health and, when a token is available, stats. An
// unhealthy service answers /health with 503 and a body, which is not an
// error here.
func fetchStatus(ctx context.Context, client *http.Client, baseURL, token string) (*serviceStatus, error) {
	status := &serviceStatus{}
	if err := getJSON(ctx, client, baseURL+"/api/v1/health", "", &status.Health, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	if token == "" {
		return status, nil
	}
	status.Stats = &serviceStats{}
	if err := getJSON(ctx, client, baseURL+"/api/v1/stats", token, status.Stats, http.StatusOK); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return status, nil
}

func getJSON(ctx context.Context, client *http.Client, url, token string, v interface{}, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, body.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func renderStatus(output *Output, status *serviceStatus) {
	h := status.Health
	output.Printf("Status: %s  Uptime: %s  Goroutines: %d\n\n", output.HealthLabel(h.Status), h.Uptime, h.Goroutines)

	if len(h.Components) > 0 {
		table := NewTable(output, "Component", "Status", "Message")
		for _, c := range h.Components {
			table.AddRow(c.Name, string(c.Status), c.Message)
		}
		table.Render()
		output.Println()
	}

	if status.Stats == nil {
		output.Dim("No token available; statistics skipped")
		return
	}
	s := status.Stats
	table := NewTable(output, "Metric", "Value")
	table.AddRow("Sockets", fmt.Sprint(s.ActiveSockets))
	table.AddRow("Connections", fmt.Sprint(s.Connections.TotalConnections))
	table.AddRow("Users", fmt.Sprint(s.Connections.TotalUsers))
	table.AddRow("Symbols", fmt.Sprint(s.Connections.TotalSymbols))
	table.AddRow("Portfolios analyzing", fmt.Sprint(s.Analyzer.Portfolios))
	table.AddRow("Analysis passes", fmt.Sprintf("%d (%d failed)", s.Analyzer.Passes, s.Analyzer.Failures))
	table.AddRow("Alerts", fmt.Sprint(s.Analyzer.Alerts))
	table.AddRow("Events", fmt.Sprintf("%d published, %d dropped", s.Events.Published, s.Events.Dropped))
	table.Render()

	if len(s.Connections.TopSymbols) > 0 {
		output.Println()
		top := NewTable(output, "Symbol", "Subscribers")
		for _, sc := range s.Connections.TopSymbols {
			top.AddRow(sc.Symbol, fmt.Sprint(sc.Subscribers))
		}
		top.Render()
	}
}
