package oracle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"

	"payerx/observability"
)

var (
	// ErrInsufficientFeeds is returned when fewer than min_feeds sources
	// produced a usable quote and the pair has no fallback.
	ErrInsufficientFeeds = errors.New("oracle: insufficient feeds")
	// ErrOutOfBounds is returned when the median falls outside the pair's
	// plausibility range.
	ErrOutOfBounds = errors.New("oracle: median outside bounds")
)

// Quote is a single upstream observation.
type Quote struct {
	Rate      decimal.Decimal
	Timestamp time.Time
	Source    string
}

// Source resolves a price quote for a currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, base, quote string) (Quote, error)
}

// Store records raw samples and aggregated snapshots.
type Store interface {
	RecordSample(ctx context.Context, base, quote, source string, rate decimal.Decimal, observed, recorded time.Time) error
	RecordSnapshot(ctx context.Context, base, quote, median string, feeders []string, proofID string, ts time.Time) error
}

// Publisher pushes oracle updates into settlement.
type Publisher interface {
	PublishOracleUpdate(ctx context.Context, update Update) error
}

// Update is one aggregated rate ready for publication.
type Update struct {
	Pair    Pair
	Median  decimal.Decimal
	Feeders []string
	ProofID string
	Time    time.Time
	// Newest is the timestamp of the freshest quote behind Median.
	Newest   time.Time
	Fallback bool
}

// Pair maps an upstream base/quote pair onto the settlement tokens it prices.
// A zero MinRate or MaxRate leaves that side unbounded; a zero Fallback
// disables the fallback.
type Pair struct {
	Base     string
	Quote    string
	TokenIn  common.Address
	TokenOut common.Address
	MinRate  decimal.Decimal
	MaxRate  decimal.Decimal
	Fallback decimal.Decimal
	Invert   bool
}

// Label renders the pair in BASE/QUOTE form.
func (p Pair) Label() string {
	return strings.ToUpper(strings.TrimSpace(p.Base)) + "/" + strings.ToUpper(strings.TrimSpace(p.Quote))
}

// Manager orchestrates periodic aggregation across configured sources.
type Manager struct {
	logger    *slog.Logger
	store     Store
	sources   []Source
	pairs     []Pair
	minFeeds  int
	maxAge    time.Duration
	interval  time.Duration
	publisher Publisher
	clock     func() time.Time
	once      sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithPublisher overrides the default publisher.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// New constructs a manager instance.
func New(store Store, sources []Source, pairs []Pair, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one pair required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	for _, p := range pairs {
		if strings.TrimSpace(p.Base) == "" || strings.TrimSpace(p.Quote) == "" {
			return nil, fmt.Errorf("invalid pair configuration")
		}
		if !p.MinRate.IsZero() && !p.MaxRate.IsZero() && p.MinRate.GreaterThan(p.MaxRate) {
			return nil, fmt.Errorf("pair %s: min_rate above max_rate", p.Label())
		}
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:    slog.Default(),
		store:     store,
		sources:   append([]Source{}, sources...),
		pairs:     append([]Pair{}, pairs...),
		interval:  interval,
		maxAge:    maxAge,
		minFeeds:  minFeeds,
		publisher: PublisherFunc(func(context.Context, Update) error { return nil }),
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	if mgr.publisher == nil {
		mgr.publisher = PublisherFunc(func(context.Context, Update) error { return nil })
	}
	if mgr.logger == nil {
		mgr.logger = slog.Default()
	}
	if mgr.clock == nil {
		mgr.clock = time.Now
	}
	mgr.logger = mgr.logger.With("component", "oracle")
	return mgr, nil
}

// Run blocks, periodically polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", "sources", len(m.sources), "pairs", len(m.pairs))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle across all configured pairs. A
// failing pair does not stop the others.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	var errs []error
	for _, pair := range m.pairs {
		if err := m.processPair(ctx, pair); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pair.Label(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) processPair(ctx context.Context, pair Pair) error {
	base := strings.TrimSpace(pair.Base)
	quote := strings.TrimSpace(pair.Quote)
	label := pair.Label()
	now := m.clock()
	quotes := make([]decimal.Decimal, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	var newest time.Time
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		q, err := src.Fetch(ctx, base, quote)
		if err != nil {
			m.logger.Debug("source failed", "source", src.Name(), "pair", label, "error", err)
			continue
		}
		if !q.Rate.IsPositive() {
			m.logger.Warn("source returned invalid rate", "source", src.Name(), "pair", label)
			continue
		}
		if q.Timestamp.After(now.Add(5 * time.Second)) {
			m.logger.Warn("source produced future timestamp", "source", src.Name(), "pair", label)
			continue
		}
		if m.maxAge > 0 && q.Timestamp.Before(now.Add(-m.maxAge)) {
			m.logger.Warn("source quote expired", "source", src.Name(), "pair", label, "age", now.Sub(q.Timestamp))
			continue
		}
		feeders = append(feeders, src.Name())
		quotes = append(quotes, q.Rate)
		if q.Timestamp.After(newest) {
			newest = q.Timestamp
		}
		if err := m.store.RecordSample(ctx, base, quote, src.Name(), q.Rate, q.Timestamp, now); err != nil {
			m.logger.Warn("record sample failed", "error", err)
		}
	}

	var (
		median   decimal.Decimal
		fallback bool
	)
	switch {
	case len(quotes) >= m.minFeeds:
		median = computeMedian(quotes)
	case len(quotes) == 0 && pair.Fallback.IsPositive():
		median = pair.Fallback
		fallback = true
		feeders = []string{"fallback"}
		newest = now
		m.logger.Warn("no oracle feeds, using fallback rate", "pair", label, "rate", median.String())
	default:
		observability.Oracle().RecordRejection(label, "insufficient_feeds")
		return fmt.Errorf("%w: %d of %d", ErrInsufficientFeeds, len(quotes), m.minFeeds)
	}
	if !median.IsPositive() {
		return fmt.Errorf("median computation failed")
	}
	if (!pair.MinRate.IsZero() && median.LessThan(pair.MinRate)) || (!pair.MaxRate.IsZero() && median.GreaterThan(pair.MaxRate)) {
		observability.Oracle().RecordRejection(label, "out_of_bounds")
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrOutOfBounds, median.String(), pair.MinRate.String(), pair.MaxRate.String())
	}

	proof := proofID(base, quote, feeders, now)
	if err := m.store.RecordSnapshot(ctx, base, quote, median.StringFixed(18), feeders, proof, now); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	update := Update{Pair: pair, Median: median, Feeders: feeders, ProofID: proof, Time: now, Newest: newest, Fallback: fallback}
	if err := m.publisher.PublishOracleUpdate(ctx, update); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

func computeMedian(quotes []decimal.Decimal) decimal.Decimal {
	if len(quotes) == 0 {
		return decimal.Zero
	}
	sorted := append([]decimal.Decimal{}, quotes...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

func proofID(base, quote string, feeders []string, ts time.Time) string {
	digest := blake3.New(32, nil)
	digest.Write([]byte(strings.ToUpper(strings.TrimSpace(base))))
	digest.Write([]byte("/"))
	digest.Write([]byte(strings.ToUpper(strings.TrimSpace(quote))))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// PublisherFunc adapts ordinary functions to Publisher.
type PublisherFunc func(ctx context.Context, update Update) error

// PublishOracleUpdate implements Publisher.
func (f PublisherFunc) PublishOracleUpdate(ctx context.Context, update Update) error {
	if f == nil {
		return nil
	}
	return f(ctx, update)
}
