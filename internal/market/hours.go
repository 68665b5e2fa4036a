package market

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// Session is the trading session an exchange is in.
type Session string

const (
	SessionPreMarket  Session = "PRE_MARKET"
	SessionRegular    Session = "REGULAR"
	SessionAfterHours Session = "AFTER_HOURS"
	SessionClosed     Session = "CLOSED"
)

// HoursConfig describes an exchange's trading day in its local time. Times
// are "15:04"; holidays are "2006-01-02".
type HoursConfig struct {
	Timezone  string   `mapstructure:"timezone"`
	PreOpen   string   `mapstructure:"pre_open"`
	Open      string   `mapstructure:"open"`
	Close     string   `mapstructure:"close"`
	PostClose string   `mapstructure:"post_close"`
	Holidays  []string `mapstructure:"holidays"`
}

// DefaultHoursConfig returns US equity hours.
func DefaultHoursConfig() HoursConfig {
	return HoursConfig{
		Timezone:  "America/New_York",
		PreOpen:   "04:00",
		Open:      "09:30",
		Close:     "16:00",
		PostClose: "20:00",
	}
}

// MarketHours answers which session an exchange is in at a given instant.
type MarketHours struct {
	loc       *time.Location
	preOpen   int
	open      int
	close     int
	postClose int
	holidays  map[string]bool
}

// NewMarketHours validates cfg and builds the schedule.
func NewMarketHours(cfg HoursConfig) (*MarketHours, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market hours timezone %q: %w", cfg.Timezone, err)
	}

	m := &MarketHours{loc: loc, holidays: make(map[string]bool, len(cfg.Holidays))}
	for _, f := range []struct {
		name  string
		value string
		dst   *int
	}{
		{"pre_open", cfg.PreOpen, &m.preOpen},
		{"open", cfg.Open, &m.open},
		{"close", cfg.Close, &m.close},
		{"post_close", cfg.PostClose, &m.postClose},
	} {
		t, err := time.Parse("15:04", f.value)
		if err != nil {
			return nil, fmt.Errorf("market hours %s %q: %w", f.name, f.value, err)
		}
		*f.dst = t.Hour()*60 + t.Minute()
	}
	if !(m.preOpen <= m.open && m.open < m.close && m.close <= m.postClose) {
		return nil, fmt.Errorf("market hours out of order: %s %s %s %s", cfg.PreOpen, cfg.Open, cfg.Close, cfg.PostClose)
	}

	for _, h := range cfg.Holidays {
		d, err := time.Parse("2006-01-02", h)
		if err != nil {
			return nil, fmt.Errorf("market holiday %q: %w", h, err)
		}
		m.holidays[d.Format("2006-01-02")] = true
	}
	return m, nil
}

// IsHoliday reports whether t falls on a configured holiday, in exchange time.
func (m *MarketHours) IsHoliday(t time.Time) bool {
	return m.holidays[t.In(m.loc).Format("2006-01-02")]
}

func (m *MarketHours) tradingDay(t time.Time) bool {
	t = t.In(m.loc)
	return t.Weekday() != time.Saturday && t.Weekday() != time.Sunday && !m.IsHoliday(t)
}

// SessionAt returns the session at t.
func (m *MarketHours) SessionAt(t time.Time) Session {
	if !m.tradingDay(t) {
		return SessionClosed
	}
	local := t.In(m.loc)
	minutes := local.Hour()*60 + local.Minute()

	switch {
	case minutes >= m.preOpen && minutes < m.open:
		return SessionPreMarket
	case minutes >= m.open && minutes < m.close:
		return SessionRegular
	case minutes >= m.close && minutes < m.postClose:
		return SessionAfterHours
	default:
		return SessionClosed
	}
}

// IsOpenAt reports whether the regular session is running at t.
func (m *MarketHours) IsOpenAt(t time.Time) bool {
	return m.SessionAt(t) == SessionRegular
}

// NextOpen returns the next regular-session open strictly after t.
func (m *MarketHours) NextOpen(t time.Time) time.Time {
	local := t.In(m.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), m.open/60, m.open%60, 0, 0, m.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	for !m.tradingDay(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
