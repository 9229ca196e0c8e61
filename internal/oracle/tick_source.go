package oracle

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Tick is a recorded price observation, already at the engine's eight
// fixed decimals.
type Tick struct {
	Answer     int64
	ObservedAt int64
}

// TickReader serves the most recent recorded tick for a feed. Implemented
// by the Postgres store, populated by the feedwatch service.
type TickReader interface {
	LatestPriceTick(ctx context.Context, feed solana.PublicKey) (Tick, bool, error)
}

// TickSource answers rounds from recorded ticks instead of a live endpoint.
// Freshness is still enforced by the adapter against each sale's staleness
// bound, so a stalled feedwatch surfaces as ErrStalePrice, not as bad data.
type TickSource struct {
	identity solana.PublicKey
	reader   TickReader
}

func NewTickSource(identity solana.PublicKey, reader TickReader) *TickSource {
	return &TickSource{identity: identity, reader: reader}
}

func (t *TickSource) Identity() solana.PublicKey {
	return t.identity
}

func (t *TickSource) LatestRound(ctx context.Context, feed solana.PublicKey) (Round, error) {
	tick, ok, err := t.reader.LatestPriceTick(ctx, feed)
	if err != nil {
		return Round{}, fmt.Errorf("read latest tick for %s: %w", feed, err)
	}
	if !ok {
		return Round{}, fmt.Errorf("no recorded tick for feed %s", feed)
	}
	return Round{Answer: tick.Answer, ObservedAt: tick.ObservedAt}, nil
}
