package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/models"

	"github.com/PaesslerAG/jsonpath"
)

// DefaultYahooBaseURL is the public chart API host.
const DefaultYahooBaseURL = "https://query2.finance.yahoo.com"

// YahooProvider reads quotes from the Yahoo chart API, one request per symbol.
type YahooProvider struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewYahooProvider creates a provider. An empty baseURL uses DefaultYahooBaseURL.
func NewYahooProvider(baseURL string, timeout time.Duration) *YahooProvider {
	if baseURL == "" {
		baseURL = DefaultYahooBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &YahooProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Name implements Provider.
func (p *YahooProvider) Name() string { return "yahoo" }

// Quotes implements Provider. A symbol whose payload cannot be read fails the
// whole batch so that the feed can fall back to another provider.
func (p *YahooProvider) Quotes(ctx context.Context, symbols []string) ([]models.MarketDataPoint, error) {
	out := make([]models.MarketDataPoint, 0, len(symbols))
	for _, symbol := range symbols {
		doc, err := p.chart(ctx, symbol, "1d", "1d")
		if err != nil {
			return nil, err
		}
		tick, err := parseQuote(doc, symbol)
		if err != nil {
			return nil, apperrors.NewProviderError(p.Name(), "quote "+symbol, err)
		}
		out = append(out, normalize(tick, p.Name(), p.now()))
	}
	return out, nil
}

// History implements HistoryProvider with daily closes.
func (p *YahooProvider) History(ctx context.Context, symbol string, days int) ([]models.MarketDataPoint, error) {
	if days <= 0 {
		days = 30
	}
	doc, err := p.chart(ctx, symbol, fmt.Sprintf("%dd", days), "1d")
	if err != nil {
		return nil, err
	}
	series, err := parseSeries(doc, symbol)
	if err != nil {
		return nil, apperrors.NewProviderError(p.Name(), "history "+symbol, err)
	}
	for i := range series {
		series[i] = normalize(series[i], p.Name(), p.now())
	}
	return series, nil
}

func (p *YahooProvider) chart(ctx context.Context, symbol, rng, interval string) (interface{}, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&range=%s",
		p.baseURL, url.PathEscape(symbol), url.QueryEscape(interval), url.QueryEscape(rng))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.NewProviderError(p.Name(), "request", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewProviderError(p.Name(), "fetch "+symbol, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewProviderError(p.Name(), "fetch "+symbol, apperrors.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.NewProviderError(p.Name(), "fetch "+symbol,
			fmt.Errorf("status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), apperrors.ErrProviderUnavailable))
	}

	var doc interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&doc); err != nil {
		return nil, apperrors.NewProviderError(p.Name(), "decode "+symbol, apperrors.Wrap(apperrors.ErrMalformedPayload, err.Error()))
	}
	return doc, nil
}

func parseQuote(doc interface{}, symbol string) (models.MarketDataPoint, error) {
	price, err := getFloat(doc, "$.chart.result[0].meta.regularMarketPrice")
	if err != nil {
		return models.MarketDataPoint{}, err
	}
	if price <= 0 {
		return models.MarketDataPoint{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "non-positive price")
	}

	tick := models.MarketDataPoint{Symbol: symbol, Price: price}

	prev, err := getFloat(doc, "$.chart.result[0].meta.chartPreviousClose")
	if err != nil {
		prev, err = getFloat(doc, "$.chart.result[0].meta.previousClose")
	}
	if err == nil && prev > 0 {
		tick.Change = price - prev
		tick.ChangePercent = tick.Change / prev * 100
	}

	if vol, err := getFloat(doc, "$.chart.result[0].meta.regularMarketVolume"); err == nil {
		tick.Volume = int64(vol)
	}
	if ts, err := getFloat(doc, "$.chart.result[0].meta.regularMarketTime"); err == nil && ts > 0 {
		tick.Timestamp = time.Unix(int64(ts), 0).UTC()
	}
	return tick, nil
}

func parseSeries(doc interface{}, symbol string) ([]models.MarketDataPoint, error) {
	stamps, err := getList(doc, "$.chart.result[0].timestamp")
	if err != nil {
		return nil, err
	}
	closes, err := getList(doc, "$.chart.result[0].indicators.quote[0].close")
	if err != nil {
		return nil, err
	}
	volumes, _ := getList(doc, "$.chart.result[0].indicators.quote[0].volume")

	out := make([]models.MarketDataPoint, 0, len(stamps))
	var prev float64
	for i := range stamps {
		if i >= len(closes) {
			break
		}
		ts, ok1 := stamps[i].(float64)
		price, ok2 := closes[i].(float64)
		if !ok1 || !ok2 || price <= 0 {
			// Yahoo leaves nulls for non-trading days.
			continue
		}
		tick := models.MarketDataPoint{
			Symbol:    symbol,
			Price:     price,
			Timestamp: time.Unix(int64(ts), 0).UTC(),
		}
		if i < len(volumes) {
			if v, ok := volumes[i].(float64); ok {
				tick.Volume = int64(v)
			}
		}
		if prev > 0 {
			tick.Change = price - prev
			tick.ChangePercent = tick.Change / prev * 100
		}
		prev = price
		out = append(out, tick)
	}
	return out, nil
}

// getFloat evaluates path and unwraps the single-element lists jsonpath
// sometimes returns.
func getFloat(doc interface{}, path string) (float64, error) {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return 0, apperrors.Wrapf(apperrors.ErrMalformedPayload, "%s: %v", path, err)
	}
	if list, ok := v.([]interface{}); ok && len(list) > 0 {
		v = list[0]
	}
	f, ok := v.(float64)
	if !ok {
		return 0, apperrors.Wrapf(apperrors.ErrMalformedPayload, "%s: not a number", path)
	}
	return f, nil
}

func getList(doc interface{}, path string) ([]interface{}, error) {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrMalformedPayload, "%s: %v", path, err)
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrMalformedPayload, "%s: not a list", path)
	}
	return list, nil
}
