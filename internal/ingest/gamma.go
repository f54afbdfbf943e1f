// Package ingest pulls events, markets and live prices from the Polymarket
// Gamma API and refreshes the shared market-data pool.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/portfolio-engine/internal/model"
)

// ErrUnavailable wraps every failure to reach the data source.
var ErrUnavailable = errors.New("ingest: data source unavailable")

// Client is the market-data collaborator.
type Client interface {
	FetchAllEvents(ctx context.Context) ([]model.Event, error)
	FetchMarketsForEvents(ctx context.Context, eventIDs []string) ([]model.Market, error)
	FetchCurrentPrices(ctx context.Context, marketIDs []string) (map[string]model.Quote, error)
}

// GammaConfig configures a GammaClient.
type GammaConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	PageSize          int
	Retry             RetryConfig
}

// DefaultGammaConfig targets the public Gamma endpoint.
func DefaultGammaConfig() GammaConfig {
	return GammaConfig{
		BaseURL:           "https://gamma-api.polymarket.com",
		Timeout:           15 * time.Second,
		RequestsPerSecond: 5,
		PageSize:          100,
		Retry:             DefaultRetryConfig(),
	}
}

// GammaClient implements Client over HTTP.
type GammaClient struct {
	cfg     GammaConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewGammaClient creates a client. A nil httpClient gets one with
// cfg.Timeout as its per-request timeout.
func NewGammaClient(cfg GammaConfig, httpClient *http.Client) *GammaClient {
	def := DefaultGammaConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &GammaClient{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// FetchAllEvents pages through every active, open event.
func (c *GammaClient) FetchAllEvents(ctx context.Context) ([]model.Event, error) {
	var events []model.Event
	for offset := 0; ; offset += c.cfg.PageSize {
		q := url.Values{}
		q.Set("active", "true")
		q.Set("closed", "false")
		q.Set("limit", strconv.Itoa(c.cfg.PageSize))
		q.Set("offset", strconv.Itoa(offset))

		page, err := c.fetchEvents(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, ge := range page {
			events = append(events, ge.toModel())
		}
		if len(page) < c.cfg.PageSize {
			break
		}
	}
	return events, nil
}

// FetchMarketsForEvents returns the markets nested in the given events,
// requesting at most PageSize events per call.
func (c *GammaClient) FetchMarketsForEvents(ctx context.Context, eventIDs []string) ([]model.Market, error) {
	var markets []model.Market
	for _, chunk := range chunks(eventIDs, c.cfg.PageSize) {
		q := url.Values{}
		for _, id := range chunk {
			q.Add("id", id)
		}
		q.Set("limit", strconv.Itoa(len(chunk)))

		page, err := c.fetchEvents(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, ge := range page {
			for _, gm := range ge.Markets {
				if m, ok := gm.toModel(ge.ID.String()); ok {
					markets = append(markets, m)
				}
			}
		}
	}
	return markets, nil
}

// FetchCurrentPrices quotes the given markets, one request per page of IDs.
// Markets the source does not return, or returns with unusable prices, are
// absent from the result. A failed page does not discard the others: the
// quotes gathered are returned together with the joined page errors.
func (c *GammaClient) FetchCurrentPrices(ctx context.Context, marketIDs []string) (map[string]model.Quote, error) {
	quotes := make(map[string]model.Quote, len(marketIDs))
	var errs []error
	for _, chunk := range chunks(marketIDs, c.cfg.PageSize) {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err()))
			break
		}
		q := url.Values{}
		for _, id := range chunk {
			q.Add("id", id)
		}
		q.Set("limit", strconv.Itoa(len(chunk)))

		var page []gammaMarket
		if err := c.get(ctx, "/markets", q, &page); err != nil {
			errs = append(errs, err)
			continue
		}
		for _, gm := range page {
			yes, no, ok := gm.prices()
			if !ok {
				slog.Warn("unparseable outcome prices", "market_id", gm.ID.String())
				continue
			}
			quotes[gm.ID.String()] = model.Quote{
				MarketID:  gm.ID.String(),
				YesPrice:  yes,
				NoPrice:   no,
				Liquidity: gm.liquidity(),
				Volume:    gm.volume(),
			}
		}
	}
	return quotes, errors.Join(errs...)
}

func (c *GammaClient) fetchEvents(ctx context.Context, q url.Values) ([]gammaEvent, error) {
	var raw []json.RawMessage
	if err := c.get(ctx, "/events", q, &raw); err != nil {
		return nil, err
	}
	events := make([]gammaEvent, 0, len(raw))
	for _, r := range raw {
		var ge gammaEvent
		if err := json.Unmarshal(r, &ge); err != nil {
			slog.Warn("skipping malformed event", "err", err)
			continue
		}
		ge.raw = r
		events = append(events, ge)
	}
	return events, nil
}

// get issues a rate-limited GET with retry and decodes the JSON body.
func (c *GammaClient) get(ctx context.Context, path string, q url.Values, out any) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	err := withBackoff(ctx, c.cfg.Retry, path, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%s: status %d", path, resp.StatusCode)
		case resp.StatusCode >= 400:
			return permanent(fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(body)))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

// --- Wire format ---

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(b)
	return nil
}

func (s flexString) String() string { return string(s) }

// flexDecimal accepts a JSON number, a numeric string, or null. Anything
// unparseable decodes as absent rather than failing the whole payload.
type flexDecimal struct {
	decimal.NullDecimal
}

func (d *flexDecimal) UnmarshalJSON(b []byte) error {
	d.NullDecimal = decimal.NullDecimal{}
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	d.NullDecimal = decimal.NewNullDecimal(v)
	return nil
}

type gammaEvent struct {
	ID         flexString    `json:"id"`
	Title      string        `json:"title"`
	Liquidity  flexDecimal   `json:"liquidity"`
	Volume     flexDecimal   `json:"volume"`
	Volume24hr flexDecimal   `json:"volume24hr"`
	EndDate    string        `json:"endDate"`
	Markets    []gammaMarket `json:"markets"`

	raw json.RawMessage
}

func (e gammaEvent) toModel() model.Event {
	return model.Event{
		ID:         e.ID.String(),
		Title:      e.Title,
		Liquidity:  e.Liquidity.NullDecimal,
		Volume:     e.Volume.NullDecimal,
		Volume24h:  e.Volume24hr.NullDecimal,
		EndDate:    parseTime(e.EndDate),
		RawPayload: e.raw,
		UpdatedAt:  time.Now().UTC(),
	}
}

type gammaMarket struct {
	ID            flexString  `json:"id"`
	Question      string      `json:"question"`
	OutcomePrices string      `json:"outcomePrices"`
	Liquidity     flexDecimal `json:"liquidity"`
	LiquidityNum  flexDecimal `json:"liquidityNum"`
	Volume        flexDecimal `json:"volume"`
	VolumeNum     flexDecimal `json:"volumeNum"`
	Volume24hr    flexDecimal `json:"volume24hr"`
}

// prices decodes outcomePrices, a JSON array of two numeric strings
// encoded as a string: "[\"0.62\", \"0.38\"]".
func (m gammaMarket) prices() (yes, no decimal.NullDecimal, ok bool) {
	if m.OutcomePrices == "" {
		return yes, no, false
	}
	var parts []flexDecimal
	if err := json.Unmarshal([]byte(m.OutcomePrices), &parts); err != nil || len(parts) != 2 {
		return yes, no, false
	}
	if !parts[0].Valid || !parts[1].Valid {
		return yes, no, false
	}
	return parts[0].NullDecimal, parts[1].NullDecimal, true
}

func (m gammaMarket) liquidity() decimal.NullDecimal {
	if m.LiquidityNum.Valid {
		return m.LiquidityNum.NullDecimal
	}
	return m.Liquidity.NullDecimal
}

func (m gammaMarket) volume() decimal.NullDecimal {
	if m.VolumeNum.Valid {
		return m.VolumeNum.NullDecimal
	}
	return m.Volume.NullDecimal
}

func (m gammaMarket) toModel(eventID string) (model.Market, bool) {
	if m.ID == "" {
		return model.Market{}, false
	}
	yes, no, _ := m.prices()
	return model.Market{
		ID:        m.ID.String(),
		EventID:   eventID,
		Question:  m.Question,
		YesPrice:  yes,
		NoPrice:   no,
		Liquidity: m.liquidity(),
		Volume:    m.volume(),
		Volume24h: m.Volume24hr.NullDecimal,
		UpdatedAt: time.Now().UTC(),
	}, true
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05Z", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
