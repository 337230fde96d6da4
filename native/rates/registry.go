package rates

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"payerx/core/events"
	"payerx/core/state"
)

// DefaultValidity is how long a stored rate may be used for conversion.
const DefaultValidity = 5 * time.Minute

var (
	ErrUnauthorized   = errors.New("rates: caller not authorized")
	ErrInvalidInput   = errors.New("rates: invalid input")
	ErrInvalidRate    = errors.New("rates: rate must be positive")
	ErrRateNotSet     = errors.New("rates: rate not set")
	ErrRateExpired    = errors.New("rates: rate expired")
	ErrAmountOverflow = errors.New("rates: amount overflow")
)

// Pair is an ordered token pair. (A,B) and (B,A) are distinct entries.
type Pair struct {
	TokenIn  common.Address
	TokenOut common.Address
}

// Quote is a stored directional rate.
type Quote struct {
	Rate      *uint256.Int
	UpdatedAt time.Time
}

// Entry is a persisted rate row used by Snapshot and Restore.
type Entry struct {
	Pair
	Quote
}

// Registry stores per-pair 18-decimal rates and answers freshness and
// conversion queries. Methods run inside a state.Executor transaction or view.
type Registry struct {
	address  common.Address
	owner    common.Address
	validity time.Duration
	oracles  map[common.Address]bool
	quotes   map[Pair]Quote
}

// NewRegistry constructs a registry owned by owner. A non-positive validity
// falls back to DefaultValidity.
func NewRegistry(address, owner common.Address, validity time.Duration) *Registry {
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Registry{
		address:  address,
		owner:    owner,
		validity: validity,
		oracles:  make(map[common.Address]bool),
		quotes:   make(map[Pair]Quote),
	}
}

// Address identifies the registry in emitted events.
func (r *Registry) Address() common.Address { return r.address }

// Owner returns the registry owner.
func (r *Registry) Owner() common.Address { return r.owner }

// Validity returns the freshness window.
func (r *Registry) Validity() time.Duration { return r.validity }

// IsRateSetter reports whether account may call SetRate.
func (r *Registry) IsRateSetter(account common.Address) bool {
	if account == (common.Address{}) {
		return false
	}
	return account == r.owner || r.oracles[account]
}

// Oracles lists the allowed oracle setters in address order.
func (r *Registry) Oracles() []common.Address {
	out := make([]common.Address, 0, len(r.oracles))
	for addr := range r.oracles {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// SetOracle grants or revokes rate-setter rights. Owner only.
func (r *Registry) SetOracle(tx *state.Tx, caller, oracle common.Address, allowed bool) error {
	if caller != r.owner {
		return ErrUnauthorized
	}
	if oracle == (common.Address{}) {
		return ErrInvalidInput
	}
	prev := r.oracles[oracle]
	if prev == allowed {
		return nil
	}
	tx.OnRevert(func() { r.setOracleFlag(oracle, prev) })
	r.setOracleFlag(oracle, allowed)
	tx.Emit(events.RateOracleUpdated{Registry: r.address, Oracle: oracle, Allowed: allowed})
	return nil
}

func (r *Registry) setOracleFlag(oracle common.Address, allowed bool) {
	if allowed {
		r.oracles[oracle] = true
		return
	}
	delete(r.oracles, oracle)
}

// SetRate stores rate for the ordered pair stamped with the transaction time.
// Overwriting an existing rate is allowed.
func (r *Registry) SetRate(tx *state.Tx, caller, tokenIn, tokenOut common.Address, rate *uint256.Int) error {
	if !r.IsRateSetter(caller) {
		return ErrUnauthorized
	}
	if tokenIn == (common.Address{}) || tokenOut == (common.Address{}) {
		return ErrInvalidInput
	}
	if rate == nil || rate.IsZero() {
		return ErrInvalidRate
	}
	pair := Pair{TokenIn: tokenIn, TokenOut: tokenOut}
	prev, existed := r.quotes[pair]
	tx.OnRevert(func() {
		if existed {
			r.quotes[pair] = prev
		} else {
			delete(r.quotes, pair)
		}
	})
	now := tx.Now()
	r.quotes[pair] = Quote{Rate: new(uint256.Int).Set(rate), UpdatedAt: now}

	previous := new(uint256.Int)
	if existed {
		previous.Set(prev.Rate)
	}
	tx.Emit(events.RateUpdated{
		Registry:  r.address,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		Rate:      new(uint256.Int).Set(rate),
		Previous:  previous,
		UpdatedAt: now,
		Setter:    caller,
	})
	return nil
}

// GetRate returns the stored rate and its timestamp. Unset pairs report a zero
// rate and the zero time.
func (r *Registry) GetRate(tokenIn, tokenOut common.Address) (*uint256.Int, time.Time) {
	q, ok := r.quotes[Pair{TokenIn: tokenIn, TokenOut: tokenOut}]
	if !ok {
		return new(uint256.Int), time.Time{}
	}
	return new(uint256.Int).Set(q.Rate), q.UpdatedAt
}

// RateTimestamp returns when the pair was last updated.
func (r *Registry) RateTimestamp(tokenIn, tokenOut common.Address) time.Time {
	_, at := r.GetRate(tokenIn, tokenOut)
	return at
}

// IsFresh reports whether the pair was updated within the validity window,
// inclusive of the boundary. An unset pair is never fresh.
func (r *Registry) IsFresh(reader state.Reader, tokenIn, tokenOut common.Address) bool {
	q, ok := r.quotes[Pair{TokenIn: tokenIn, TokenOut: tokenOut}]
	if !ok || q.UpdatedAt.IsZero() {
		return false
	}
	return reader.Now().Sub(q.UpdatedAt) <= r.validity
}

// Convert computes floor(amountIn * rate / 1e18). Freshness is checked before
// presence, so an unset pair reports ErrRateExpired.
func (r *Registry) Convert(reader state.Reader, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	if !r.IsFresh(reader, tokenIn, tokenOut) {
		return nil, ErrRateExpired
	}
	rate, _ := r.GetRate(tokenIn, tokenOut)
	if rate.IsZero() {
		return nil, ErrRateNotSet
	}
	return ApplyRate(amountIn, rate)
}

// ApplyRate multiplies amount by an 18-decimal rate, rounding down.
func ApplyRate(amount, rate *uint256.Int) (*uint256.Int, error) {
	if amount == nil || rate == nil {
		return new(uint256.Int), nil
	}
	out, overflow := new(uint256.Int).MulDivOverflow(amount, rate, One())
	if overflow {
		return nil, ErrAmountOverflow
	}
	return out, nil
}

// Snapshot lists every stored rate ordered by pair.
func (r *Registry) Snapshot() []Entry {
	out := make([]Entry, 0, len(r.quotes))
	for pair, q := range r.quotes {
		out = append(out, Entry{Pair: pair, Quote: Quote{Rate: new(uint256.Int).Set(q.Rate), UpdatedAt: q.UpdatedAt}})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].TokenIn[:], out[j].TokenIn[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].TokenOut[:], out[j].TokenOut[:]) < 0
	})
	return out
}

// Restore loads persisted rates and oracle grants without emitting events.
func (r *Registry) Restore(entries []Entry, oracles []common.Address) error {
	for _, e := range entries {
		if e.Rate == nil || e.Rate.IsZero() {
			return fmt.Errorf("restore rate %s/%s: %w", e.TokenIn.Hex(), e.TokenOut.Hex(), ErrInvalidRate)
		}
		r.quotes[e.Pair] = Quote{Rate: new(uint256.Int).Set(e.Rate), UpdatedAt: e.UpdatedAt}
	}
	for _, o := range oracles {
		if o != (common.Address{}) {
			r.oracles[o] = true
		}
	}
	return nil
}
