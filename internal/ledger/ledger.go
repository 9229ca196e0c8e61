// Package ledger defines the host capabilities the escrow engine runs on
// top of: an atomic transaction scope, a clock, fund and token custody, and
// byte-region account data. Implementations: the in-memory host in this
// package and the Postgres host in internal/store.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// TokenAccount describes a fungible-token holding account.
type TokenAccount struct {
	Owner          solana.PublicKey
	Mint           solana.PublicKey
	Balance        uint64
	Delegate       *solana.PublicKey
	CloseAuthority *solana.PublicKey
}

// Host supplies one atomic invocation scope per engine operation. Everything
// done through the session is committed together or not at all; a non-nil
// error from fn discards all of it.
type Host interface {
	Atomic(ctx context.Context, fn func(Session) error) error
}

// Session is the capability surface visible inside one invocation.
//
// Data and SetData give exclusive read-modify-write access to the byte
// region of an account; Data returns nil with no error for an absent or
// empty account.
type Session interface {
	Now() time.Time

	// RentFloor is the minimum balance every custody account must keep.
	RentFloor() uint64

	Balance(addr solana.PublicKey) (uint64, error)

	// CreateAccount bootstraps an engine-owned account at addr, funded to
	// the rent floor by payer. It is a no-op if the account already exists.
	CreateAccount(addr, payer solana.PublicKey) error

	Data(addr solana.PublicKey) ([]byte, error)
	SetData(addr solana.PublicKey, data []byte) error

	// TokenAccount returns nil with no error when no token account exists
	// at addr.
	TokenAccount(addr solana.PublicKey) (*TokenAccount, error)

	// CreateTokenAccount bootstraps a token account at addr bound to mint
	// and owned by owner. It is a no-op if the account already exists.
	CreateTokenAccount(addr, owner, mint solana.PublicKey) error

	// TransferFunds moves base-asset units between accounts. Transfers out
	// of engine-owned pools are authorized by the engine's derived
	// identity; the host verifies the seed proof.
	TransferFunds(from, to solana.PublicKey, amount uint64) error

	// TransferTokens moves token units between token accounts.
	TransferTokens(from, to solana.PublicKey, amount uint64) error
}
