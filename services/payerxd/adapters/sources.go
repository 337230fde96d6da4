package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payerx/services/payerxd/oracle"
)

const (
	defaultCoinGeckoEndpoint    = "https://api.coingecko.com/api/v3/simple/price"
	defaultExchangeRateEndpoint = "https://open.er-api.com/v6/latest"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient HTTPDoer
	Clock      func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Clock: time.Now}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(name, typ, endpoint, apiKey, rate string, assets map[string]string) (oracle.Source, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "coingecko":
		return newCoinGeckoSource(r.client(), label(name, "coingecko"), endpoint, apiKey, assets), nil
	case "exchangerate":
		return &exchangeRateSource{
			client:   r.client(),
			name:     label(name, "exchangerate"),
			endpoint: orDefault(endpoint, defaultExchangeRateEndpoint),
			clock:    r.clock(),
		}, nil
	case "static":
		value, err := decimal.NewFromString(strings.TrimSpace(rate))
		if err != nil || !value.IsPositive() {
			return nil, fmt.Errorf("static source %s: invalid rate %q", name, rate)
		}
		return &staticSource{name: label(name, "static"), rate: value, clock: r.clock()}, nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", typ)
	}
}

func (r *Registry) client() HTTPDoer {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) clock() func() time.Time {
	if r.Clock != nil {
		return r.Clock
	}
	return time.Now
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}

func orDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return strings.TrimRight(trimmed, "/")
	}
	return fallback
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func getJSON(ctx context.Context, client HTTPDoer, endpoint string, query url.Values, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// coinGeckoSource adapts the public CoinGecko simple price API. The quote
// symbol is mapped to a CoinGecko asset id and priced in the base currency.
type coinGeckoSource struct {
	client   HTTPDoer
	name     string
	endpoint string
	apiKey   string
	idMap    map[string]string
}

func newCoinGeckoSource(client HTTPDoer, name, endpoint, apiKey string, idMap map[string]string) *coinGeckoSource {
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[normaliseSymbol(k)] = strings.TrimSpace(v)
	}
	return &coinGeckoSource{
		client:   client,
		name:     name,
		endpoint: orDefault(endpoint, defaultCoinGeckoEndpoint),
		apiKey:   strings.TrimSpace(apiKey),
		idMap:    mapped,
	}
}

func (s *coinGeckoSource) Name() string { return s.name }

func (s *coinGeckoSource) assetID(symbol string) string {
	if id, ok := s.idMap[normaliseSymbol(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

func (s *coinGeckoSource) Fetch(ctx context.Context, base, quote string) (oracle.Quote, error) {
	baseSym := strings.ToLower(normaliseSymbol(base))
	id := s.assetID(quote)
	if id == "" {
		return oracle.Quote{}, fmt.Errorf("coingecko: unmapped asset %s", quote)
	}
	query := url.Values{}
	query.Set("ids", id)
	query.Set("vs_currencies", baseSym)
	query.Set("include_last_updated_at", "true")
	header := http.Header{}
	if s.apiKey != "" {
		header.Set("x-cg-demo-api-key", s.apiKey)
	}
	var payload map[string]map[string]json.Number
	if err := getJSON(ctx, s.client, s.endpoint, query, header, &payload); err != nil {
		return oracle.Quote{}, fmt.Errorf("coingecko: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("coingecko: quote missing for %s", quote)
	}
	price, ok := entry[baseSym]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("coingecko: empty price")
	}
	rate, err := decimal.NewFromString(price.String())
	if err != nil || !rate.IsPositive() {
		return oracle.Quote{}, fmt.Errorf("coingecko: invalid rate %q", price.String())
	}
	var ts time.Time
	if raw, ok := entry["last_updated_at"]; ok {
		if parsed, err := strconv.ParseInt(raw.String(), 10, 64); err == nil && parsed > 0 {
			ts = time.Unix(parsed, 0)
		}
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return oracle.Quote{Rate: rate, Timestamp: ts, Source: s.name}, nil
}

// exchangeRateSource reads the open.er-api.com latest rates document for the
// base currency and picks the quote. The document is published daily and is
// reported as current until its advertised next update.
type exchangeRateSource struct {
	client   HTTPDoer
	name     string
	endpoint string
	clock    func() time.Time
}

func (s *exchangeRateSource) Name() string { return s.name }

func (s *exchangeRateSource) Fetch(ctx context.Context, base, quote string) (oracle.Quote, error) {
	baseSym := normaliseSymbol(base)
	quoteSym := normaliseSymbol(quote)
	var payload struct {
		Result         string                 `json:"result"`
		ErrorType      string                 `json:"error-type"`
		TimeLastUpdate int64                  `json:"time_last_update_unix"`
		TimeNextUpdate int64                  `json:"time_next_update_unix"`
		Rates          map[string]json.Number `json:"rates"`
	}
	if err := getJSON(ctx, s.client, s.endpoint+"/"+url.PathEscape(baseSym), nil, nil, &payload); err != nil {
		return oracle.Quote{}, fmt.Errorf("exchangerate: %w", err)
	}
	if payload.Result != "" && payload.Result != "success" {
		return oracle.Quote{}, fmt.Errorf("exchangerate: %s", label(payload.ErrorType, payload.Result))
	}
	raw, ok := payload.Rates[quoteSym]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("exchangerate: no %s rate for base %s", quoteSym, baseSym)
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil || !rate.IsPositive() {
		return oracle.Quote{}, fmt.Errorf("exchangerate: invalid rate %q", raw.String())
	}
	now := s.clock()
	ts := time.Unix(payload.TimeLastUpdate, 0)
	if payload.TimeNextUpdate > 0 && now.Before(time.Unix(payload.TimeNextUpdate, 0)) {
		ts = now
	}
	return oracle.Quote{Rate: rate, Timestamp: ts, Source: s.name}, nil
}

// staticSource serves a fixed rate stamped with the current time. It backs
// manual overrides.
type staticSource struct {
	name  string
	rate  decimal.Decimal
	clock func() time.Time
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(ctx context.Context, base, quote string) (oracle.Quote, error) {
	if err := ctx.Err(); err != nil {
		return oracle.Quote{}, err
	}
	return oracle.Quote{Rate: s.rate, Timestamp: s.clock(), Source: s.name}, nil
}
