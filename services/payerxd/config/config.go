package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for payerxd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabasePath  string          `yaml:"database"`
	JournalPath   string          `yaml:"journal"`
	Owner         string          `yaml:"owner" validate:"required,eth_addr"`
	Minter        string          `yaml:"minter" validate:"omitempty,eth_addr"`
	Tokens        []Token         `yaml:"tokens" validate:"required,min=1,dive"`
	Router        RouterConfig    `yaml:"router"`
	Engines       []Engine        `yaml:"engines" validate:"required,min=1,dive"`
	Accounts      []Account       `yaml:"accounts" validate:"dive"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Sources       []Source        `yaml:"sources" validate:"dive"`
	Pairs         []Pair          `yaml:"pairs" validate:"dive"`
	Bootstrap     Bootstrap       `yaml:"bootstrap"`
}

// Token registers one settlement asset.
type Token struct {
	Symbol   string `yaml:"symbol" validate:"required,alphanum,max=16"`
	Address  string `yaml:"address" validate:"required,eth_addr"`
	Decimals uint8  `yaml:"decimals" validate:"lte=36"`
	// Faucet tokens may be minted by bootstrap liquidity.
	Faucet bool `yaml:"faucet"`
}

// RouterConfig configures the payment router. FeeBps defaults to 10 when the
// key is absent; an explicit 0 is kept.
type RouterConfig struct {
	Address      string  `yaml:"address" validate:"required,eth_addr"`
	FeeBps       *uint16 `yaml:"fee_bps"`
	MaxFeeBps    uint16  `yaml:"max_fee_bps" validate:"lte=10000"`
	FeeCollector string  `yaml:"fee_collector" validate:"required,eth_addr"`
}

// Fee returns the configured fee, zero when unset.
func (r RouterConfig) Fee() uint16 {
	if r.FeeBps == nil {
		return 0
	}
	return *r.FeeBps
}

// Engine declares one FX adapter.
type Engine struct {
	Address      string   `yaml:"address" validate:"required,eth_addr"`
	RateValidity Duration `yaml:"rate_validity"`
}

// Account maps an API key to the account it acts as.
type Account struct {
	Name    string `yaml:"name" validate:"required"`
	Address string `yaml:"address" validate:"required,eth_addr"`
	APIKey  string `yaml:"api_key" validate:"required,min=16"`
}

// AuthConfig enables HS256 bearer tokens alongside static API keys.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// RateLimitConfig bounds per-principal request rates.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

// OracleConfig tunes the aggregation loop.
type OracleConfig struct {
	Interval     Duration `yaml:"interval"`
	MaxAge       Duration `yaml:"max_age"`
	MinFeeds     int      `yaml:"min_feeds"`
	MinChangeBps uint64   `yaml:"min_change_bps"`
	Account      string   `yaml:"account" validate:"omitempty,eth_addr"`
}

// Source describes an upstream oracle feed.
type Source struct {
	Name     string            `yaml:"name" validate:"required"`
	Type     string            `yaml:"type" validate:"required,oneof=coingecko exchangerate static"`
	Endpoint string            `yaml:"endpoint" validate:"omitempty,url"`
	APIKey   string            `yaml:"api_key"`
	Assets   map[string]string `yaml:"assets"`
	// Rate is the fixed quote served by static sources.
	Rate string `yaml:"rate"`
}

// Pair identifies a base/quote pair to publish and the tokens it prices.
type Pair struct {
	TokenIn  string `yaml:"token_in" validate:"required"`
	TokenOut string `yaml:"token_out" validate:"required"`
	Base     string `yaml:"base" validate:"required"`
	Quote    string `yaml:"quote" validate:"required"`
	MinRate  string `yaml:"min_rate"`
	MaxRate  string `yaml:"max_rate"`
	Fallback string `yaml:"fallback"`
	Invert   bool   `yaml:"invert"`
}

// Bootstrap seeds an empty database on first start.
type Bootstrap struct {
	Providers []string     `yaml:"providers" validate:"dive,eth_addr"`
	Liquidity []Allocation `yaml:"liquidity" validate:"dive"`
	Rates     []SeedRate   `yaml:"rates" validate:"dive"`
}

// Allocation is an initial reserve, in whole token units.
type Allocation struct {
	Engine string `yaml:"engine" validate:"omitempty,eth_addr"`
	Token  string `yaml:"token" validate:"required"`
	Amount string `yaml:"amount" validate:"required,numeric"`
}

// SeedRate is an initial rate, as a decimal string.
type SeedRate struct {
	TokenIn  string `yaml:"token_in" validate:"required"`
	TokenOut string `yaml:"token_out" validate:"required"`
	Rate     string `yaml:"rate" validate:"required,numeric"`
}

var validate = validator.New()

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/payerxd.sqlite"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "/var/data/payerxd.journal"
	}
	if cfg.Minter == "" {
		cfg.Minter = cfg.Owner
	}
	if cfg.Router.FeeBps == nil {
		fee := uint16(10)
		cfg.Router.FeeBps = &fee
	}
	if cfg.Router.MaxFeeBps == 0 {
		cfg.Router.MaxFeeBps = 100
	}
	for i := range cfg.Engines {
		if cfg.Engines[i].RateValidity.Duration == 0 {
			cfg.Engines[i].RateValidity.Duration = 5 * time.Minute
		}
	}
	if cfg.RateLimit.RPS == 0 {
		cfg.RateLimit.RPS = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "payerxd"
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = time.Minute
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 10 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if cfg.Oracle.MinChangeBps == 0 {
		cfg.Oracle.MinChangeBps = 10
	}
	if cfg.Oracle.Account == "" {
		cfg.Oracle.Account = cfg.Owner
	}
}

func validateConfig(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Router.Fee() > cfg.Router.MaxFeeBps {
		return fmt.Errorf("router fee_bps %d exceeds max_fee_bps %d", cfg.Router.Fee(), cfg.Router.MaxFeeBps)
	}
	symbols := make(map[string]struct{}, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		key := strings.ToUpper(tok.Symbol)
		if _, dup := symbols[key]; dup {
			return fmt.Errorf("duplicate token symbol %s", tok.Symbol)
		}
		symbols[key] = struct{}{}
	}
	known := func(ref string) bool {
		if _, ok := symbols[strings.ToUpper(strings.TrimSpace(ref))]; ok {
			return true
		}
		for _, tok := range cfg.Tokens {
			if strings.EqualFold(tok.Address, strings.TrimSpace(ref)) {
				return true
			}
		}
		return false
	}
	for _, pair := range cfg.Pairs {
		if !known(pair.TokenIn) || !known(pair.TokenOut) {
			return fmt.Errorf("pair %s/%s references unknown token", pair.Base, pair.Quote)
		}
	}
	if len(cfg.Pairs) > 0 && len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one oracle source must be configured when pairs are set")
	}
	for _, seed := range cfg.Bootstrap.Rates {
		if !known(seed.TokenIn) || !known(seed.TokenOut) {
			return fmt.Errorf("bootstrap rate %s/%s references unknown token", seed.TokenIn, seed.TokenOut)
		}
	}
	for _, alloc := range cfg.Bootstrap.Liquidity {
		if !known(alloc.Token) {
			return fmt.Errorf("bootstrap liquidity references unknown token %s", alloc.Token)
		}
	}
	keys := make(map[string]struct{}, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		if _, dup := keys[acct.APIKey]; dup {
			return fmt.Errorf("duplicate api key for account %s", acct.Name)
		}
		keys[acct.APIKey] = struct{}{}
	}
	if secret := cfg.Auth.JWTSecret; secret != "" && len(secret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	return nil
}
