package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/models"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePortfolio(id string) *models.Portfolio {
	return &models.Portfolio{
		ID:            id,
		UserID:        "user-1",
		Name:          "Growth",
		RiskTolerance: models.RiskMedium,
		Holdings: []models.PortfolioHolding{
			{Symbol: "AAPL", Quantity: decimal.NewFromInt(10), AverageCost: decimal.RequireFromString("150.25")},
			{Symbol: "MSFT", Quantity: decimal.NewFromInt(5), AverageCost: decimal.NewFromInt(300)},
		},
	}
}

func TestSQLiteStore_PortfolioCRUD(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	p := samplePortfolio("p1")
	if err := s.CreatePortfolio(ctx, p); err != nil {
		t.Fatalf("CreatePortfolio: %v", err)
	}

	got, err := s.GetPortfolio(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPortfolio: %v", err)
	}
	if got.Name != "Growth" || got.UserID != "user-1" || got.RiskTolerance != models.RiskMedium {
		t.Fatalf("portfolio = %+v", got)
	}
	if len(got.Holdings) != 2 {
		t.Fatalf("holdings = %d, want 2", len(got.Holdings))
	}
	if !got.Holdings[0].AverageCost.Equal(decimal.RequireFromString("150.25")) {
		t.Fatalf("average cost = %s", got.Holdings[0].AverageCost)
	}

	got.Name = "Income"
	got.Holdings = got.Holdings[:1]
	if err := s.UpdatePortfolio(ctx, got); err != nil {
		t.Fatalf("UpdatePortfolio: %v", err)
	}
	updated, _ := s.GetPortfolio(ctx, "p1")
	if updated.Name != "Income" || len(updated.Holdings) != 1 {
		t.Fatalf("updated = %+v", updated)
	}

	list, err := s.ListPortfolios(ctx, "user-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListPortfolios = %d, %v", len(list), err)
	}

	if err := s.DeletePortfolio(ctx, "p1"); err != nil {
		t.Fatalf("DeletePortfolio: %v", err)
	}
	if _, err := s.GetPortfolio(ctx, "p1"); !errors.Is(err, apperrors.ErrPortfolioNotFound) {
		t.Fatalf("GetPortfolio after delete err = %v", err)
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.UpdatePortfolio(ctx, samplePortfolio("missing")); !errors.Is(err, apperrors.ErrPortfolioNotFound) {
		t.Fatalf("UpdatePortfolio err = %v", err)
	}
	if err := s.DeletePortfolio(ctx, "missing"); !errors.Is(err, apperrors.ErrPortfolioNotFound) {
		t.Fatalf("DeletePortfolio err = %v", err)
	}
	if _, err := s.GetAlertConfig(ctx, "missing"); !errors.Is(err, apperrors.ErrAlertConfigNotFound) {
		t.Fatalf("GetAlertConfig err = %v", err)
	}
}

func TestSQLiteStore_AlertConfigs(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.CreatePortfolio(ctx, samplePortfolio("p1")); err != nil {
		t.Fatalf("CreatePortfolio: %v", err)
	}

	cfg := &models.AlertConfig{
		ID:          "a1",
		PortfolioID: "p1",
		Symbol:      "AAPL",
		Type:        models.AlertPriceThreshold,
		Threshold:   7.5,
		Enabled:     true,
	}
	if err := s.SaveAlertConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveAlertConfig: %v", err)
	}
	if cfg.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}

	got, err := s.GetAlertConfig(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAlertConfig: %v", err)
	}
	if got.Threshold != 7.5 || !got.Enabled || got.Type != models.AlertPriceThreshold {
		t.Fatalf("config = %+v", got)
	}

	cfg.Enabled = false
	if err := s.SaveAlertConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveAlertConfig update: %v", err)
	}
	list, err := s.ListAlertConfigs(ctx, "p1")
	if err != nil || len(list) != 1 || list[0].Enabled {
		t.Fatalf("ListAlertConfigs = %+v, %v", list, err)
	}

	// Configs go with their portfolio.
	if err := s.DeletePortfolio(ctx, "p1"); err != nil {
		t.Fatalf("DeletePortfolio: %v", err)
	}
	if _, err := s.GetAlertConfig(ctx, "a1"); !errors.Is(err, apperrors.ErrAlertConfigNotFound) {
		t.Fatalf("config survived portfolio delete: %v", err)
	}
}

// stateStores runs fn against both StateStore implementations with a shared fake clock.
func stateStores(t *testing.T, fn func(t *testing.T, s StateStore, advance func(time.Duration))) {
	t.Run("memory", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		m := NewMemoryStateStore()
		m.SetClock(func() time.Time { return now })
		fn(t, m, func(d time.Duration) { now = now.Add(d) })
	})
	t.Run("sqlite", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		s := newTestSQLite(t)
		s.now = func() time.Time { return now }
		fn(t, s, func(d time.Duration) { now = now.Add(d) })
	})
}

func TestStateStore_TTL(t *testing.T) {
	stateStores(t, func(t *testing.T, s StateStore, advance func(time.Duration)) {
		ctx := context.Background()

		if err := s.Set(ctx, "conn:c1", []byte("a"), time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := s.Set(ctx, "conn:c2", []byte("b"), 0); err != nil {
			t.Fatalf("Set: %v", err)
		}

		v, err := s.Get(ctx, "conn:c1")
		if err != nil || string(v) != "a" {
			t.Fatalf("Get = %q, %v", v, err)
		}

		advance(2 * time.Minute)
		if _, err := s.Get(ctx, "conn:c1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expired Get err = %v", err)
		}
		if _, err := s.Get(ctx, "conn:c2"); err != nil {
			t.Fatalf("no-ttl Get err = %v", err)
		}

		keys, err := s.Keys(ctx, "conn:")
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		if len(keys) != 1 || keys[0] != "conn:c2" {
			t.Fatalf("Keys = %v", keys)
		}

		if err := s.Delete(ctx, "conn:c2"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, "conn:c2"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get after delete err = %v", err)
		}
	})
}

func TestStateStore_Lists(t *testing.T) {
	stateStores(t, func(t *testing.T, s StateStore, advance func(time.Duration)) {
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			if err := s.PushFront(ctx, "alerts:p1", []byte(fmt.Sprintf("a%d", i)), 3, time.Hour); err != nil {
				t.Fatalf("PushFront: %v", err)
			}
		}

		all, err := s.Range(ctx, "alerts:p1", 0)
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		if len(all) != 3 || string(all[0]) != "a4" || string(all[2]) != "a2" {
			t.Fatalf("Range = %q", all)
		}

		two, _ := s.Range(ctx, "alerts:p1", 2)
		if len(two) != 2 || string(two[1]) != "a3" {
			t.Fatalf("Range(2) = %q", two)
		}

		removed, err := s.RemoveFromList(ctx, "alerts:p1", func(b []byte) bool { return string(b) == "a3" })
		if err != nil || removed != 1 {
			t.Fatalf("RemoveFromList = %d, %v", removed, err)
		}
		left, _ := s.Range(ctx, "alerts:p1", 0)
		if len(left) != 2 || string(left[0]) != "a4" || string(left[1]) != "a2" {
			t.Fatalf("after remove = %q", left)
		}

		advance(2 * time.Hour)
		expired, _ := s.Range(ctx, "alerts:p1", 0)
		if len(expired) != 0 {
			t.Fatalf("expired list = %q", expired)
		}
	})
}

func TestStateStore_JSONHelpers(t *testing.T) {
	s := NewMemoryStateStore()
	ctx := context.Background()

	info := models.ConnectionInfo{ConnectionID: "c1", UserID: "u1", Symbols: []string{"AAPL"}}
	if err := SetJSON(ctx, s, ConnectionKey("c1"), info, time.Hour); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	var got models.ConnectionInfo
	if err := GetJSON(ctx, s, ConnectionKey("c1"), &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got.UserID != "u1" || len(got.Symbols) != 1 {
		t.Fatalf("decoded = %+v", got)
	}

	if err := GetJSON(ctx, s, ConnectionKey("nope"), &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJSON missing err = %v", err)
	}
}

// Property: a list never exceeds its bound and always holds the newest entries.
func TestMemoryStateStore_ListBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("list keeps newest max entries", prop.ForAll(
		func(pushes, max int) bool {
			s := NewMemoryStateStore()
			ctx := context.Background()
			for i := 0; i < pushes; i++ {
				_ = s.PushFront(ctx, "k", []byte{byte(i)}, max, 0)
			}
			items, _ := s.Range(ctx, "k", 0)

			want := pushes
			if want > max {
				want = max
			}
			if len(items) != want {
				return false
			}
			for i, item := range items {
				if int(item[0]) != pushes-1-i {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 120),
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}
