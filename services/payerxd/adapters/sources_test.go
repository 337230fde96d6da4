package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCoinGeckoSourceParsesSimplePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "euro-coin" {
			t.Errorf("unexpected ids %q", got)
		}
		if got := r.URL.Query().Get("vs_currencies"); got != "usd" {
			t.Errorf("unexpected vs_currencies %q", got)
		}
		_, _ = w.Write([]byte(`{"euro-coin":{"usd":1.0987,"last_updated_at":1738576800}}`))
	}))
	defer srv.Close()

	reg := &Registry{HTTPClient: srv.Client()}
	src, err := reg.Build("cg", "coingecko", srv.URL, "", "", map[string]string{"eurc": "euro-coin"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	q, err := src.Fetch(context.Background(), "USD", "EURC")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if q.Rate.String() != "1.0987" {
		t.Fatalf("unexpected rate %s", q.Rate)
	}
	if q.Timestamp.Unix() != 1738576800 || q.Source != "cg" {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestCoinGeckoSourceReportsUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	reg := &Registry{HTTPClient: srv.Client()}
	src, err := reg.Build("", "coingecko", srv.URL, "", "", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if src.Name() != "coingecko" {
		t.Fatalf("unexpected default name %q", src.Name())
	}
	_, err = src.Fetch(context.Background(), "USD", "EURC")
	if err == nil || !strings.Contains(err.Error(), "status 429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestExchangeRateSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v6/latest/EUR" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"result":"success","time_last_update_unix":1738540801,"time_next_update_unix":1738627201,"rates":{"USD":1.0352,"GBP":0.8301}}`))
	}))
	defer srv.Close()

	now := time.Unix(1738576800, 0)
	reg := &Registry{HTTPClient: srv.Client(), Clock: func() time.Time { return now }}
	src, err := reg.Build("er", "exchangerate", srv.URL+"/v6/latest/", "", "", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	q, err := src.Fetch(context.Background(), "eur", "usd")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if q.Rate.String() != "1.0352" {
		t.Fatalf("unexpected rate %s", q.Rate)
	}
	if !q.Timestamp.Equal(now) {
		t.Fatalf("expected document to be current, got %s", q.Timestamp)
	}

	now = time.Unix(1738627300, 0)
	q, err = src.Fetch(context.Background(), "EUR", "USD")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if q.Timestamp.Unix() != 1738540801 {
		t.Fatalf("expected overdue document to carry its publish time, got %s", q.Timestamp)
	}

	if _, err := src.Fetch(context.Background(), "EUR", "JPY"); err == nil {
		t.Fatalf("expected missing quote error")
	}
}

func TestStaticSource(t *testing.T) {
	now := time.Unix(1738576800, 0)
	reg := &Registry{Clock: func() time.Time { return now }}
	src, err := reg.Build("manual", "static", "", "", "1.09", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	q, err := src.Fetch(context.Background(), "EUR", "USD")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if q.Rate.String() != "1.09" || !q.Timestamp.Equal(now) {
		t.Fatalf("unexpected quote %+v", q)
	}
	if _, err := reg.Build("manual", "static", "", "", "-1", nil); err == nil {
		t.Fatalf("expected invalid static rate error")
	}
	if _, err := reg.Build("x", "nowpayments", "", "", "", nil); err == nil {
		t.Fatalf("expected unknown type error")
	}
}
