// Package oracle validates and reads the USD price feed a sale is bound to.
// The source and feed identities are fixed at sale creation; the adapter
// refuses to answer for anything else.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrInvalidPriceFeed = errors.New("invalid price feed")
	ErrStalePrice       = errors.New("stale price data")
)

// answerDecimals is the fixed precision every Round answer carries.
const answerDecimals = int32(8)

// Round is one price observation: the answer at eight fixed decimals and
// the unix time the source observed it.
type Round struct {
	Answer     int64
	ObservedAt int64
}

// Source produces rounds for the feeds of exactly one oracle identity.
type Source interface {
	Identity() solana.PublicKey
	LatestRound(ctx context.Context, feed solana.PublicKey) (Round, error)
}

// Binding is the immutable oracle configuration stored in a sale record.
type Binding struct {
	Source         solana.PublicKey
	Feed           solana.PublicKey
	StalenessBound uint64
}

// Adapter wraps a Source with the identity, sign and freshness checks every
// engine read goes through.
type Adapter struct {
	source Source
}

func NewAdapter(source Source) *Adapter {
	return &Adapter{source: source}
}

// Read returns the bound feed's latest price and observation time. It fails
// with ErrInvalidPriceFeed when the adapter's source does not match the
// binding, when the source read fails, or when the answer is non-positive,
// and with ErrStalePrice when the observation is older than the binding's
// staleness bound relative to now.
func (a *Adapter) Read(ctx context.Context, binding Binding, now int64) (uint64, int64, error) {
	if !a.source.Identity().Equals(binding.Source) {
		return 0, 0, fmt.Errorf("source %s not bound to sale: %w", a.source.Identity(), ErrInvalidPriceFeed)
	}

	round, err := a.source.LatestRound(ctx, binding.Feed)
	if err != nil {
		return 0, 0, fmt.Errorf("read feed %s: %v: %w", binding.Feed, err, ErrInvalidPriceFeed)
	}
	if round.Answer <= 0 {
		return 0, 0, fmt.Errorf("non-positive answer %d from feed %s: %w", round.Answer, binding.Feed, ErrInvalidPriceFeed)
	}
	if age := now - round.ObservedAt; age > int64(binding.StalenessBound) {
		return 0, 0, fmt.Errorf("observation %ds old exceeds bound %ds: %w", age, binding.StalenessBound, ErrStalePrice)
	}

	return uint64(round.Answer), round.ObservedAt, nil
}

// Allowlist is the statically trusted set of (source, feed) pairs a new
// sale may bind to.
type Allowlist struct {
	feedsBySource map[solana.PublicKey]map[solana.PublicKey]struct{}
}

func NewAllowlist() *Allowlist {
	return &Allowlist{feedsBySource: make(map[solana.PublicKey]map[solana.PublicKey]struct{})}
}

func (l *Allowlist) Add(source, feed solana.PublicKey) {
	feeds := l.feedsBySource[source]
	if feeds == nil {
		feeds = make(map[solana.PublicKey]struct{})
		l.feedsBySource[source] = feeds
	}
	feeds[feed] = struct{}{}
}

func (l *Allowlist) Allows(source, feed solana.PublicKey) bool {
	feeds, ok := l.feedsBySource[source]
	if !ok {
		return false
	}
	_, ok = feeds[feed]
	return ok
}
