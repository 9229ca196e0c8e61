package escrow

// SaleRecord is the global ledger entry for one token sale, created exactly
// once per (operator, token mint) pair and never deleted. The oracle binding
// and the investment bounds are written at creation and never mutated.
type SaleRecord struct {
	Initialized     bool
	Operator        Address
	TokenMint       Address
	Beneficiary     Address
	TotalTokens     uint64
	TokensIssued    uint64
	TotalDeposited  uint64
	LockedWithdrawn uint64
	LockDuration    int64
	BumpSeed        uint8

	OracleSource Address
	PriceFeed    Address

	MinInvestment  uint64
	MaxInvestment  uint64
	StalenessBound uint64

	SaleEnd   int64
	CreatedAt int64
}

// TokensRemaining is the unsold balance still held by the token pool.
func (s *SaleRecord) TokensRemaining() uint64 {
	return s.TotalTokens - s.TokensIssued
}

// UnlockTime is the single global unlock instant. Every investor's locked
// share unlocks at the same time regardless of when they deposited.
func (s *SaleRecord) UnlockTime() int64 {
	return s.CreatedAt + s.LockDuration
}

// PositionStatus tracks the one-way lifecycle of an investor position.
type PositionStatus uint8

const (
	PositionUninitialized PositionStatus = iota
	PositionDeposited
	PositionWithdrawn
)

func (p PositionStatus) String() string {
	switch p {
	case PositionUninitialized:
		return "uninitialized"
	case PositionDeposited:
		return "deposited"
	case PositionWithdrawn:
		return "withdrawn"
	default:
		return "unknown"
	}
}

// Position is the per-investor ledger entry within one sale, created on the
// investor's first deposit. Amounts accumulate across deposits; OraclePrice
// records the price seen by the latest deposit.
type Position struct {
	Initialized    bool
	Investor       Address
	Sale           Address
	Deposited      uint64
	TokensReceived uint64
	DepositedAt    int64
	OraclePrice    uint64
	Status         PositionStatus
	BumpSeed       uint8
}

// LockedAmount is the share of the position's deposits owed to the
// beneficiary after unlock: floor(deposited/2). On odd amounts the pool was
// funded with one extra lamport, which simply stays behind.
func (p *Position) LockedAmount() uint64 {
	return p.Deposited / 2
}
