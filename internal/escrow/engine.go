package escrow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ondrix/escrow/backend/internal/derive"
	"github.com/ondrix/escrow/backend/internal/ledger"
	"github.com/ondrix/escrow/backend/internal/oracle"
)

// Lock duration bounds accepted at sale creation.
const (
	MinLockDuration = int64(60)
	MaxLockDuration = int64(365 * 24 * 60 * 60)
)

// Engine is the escrow state machine. Every operation runs as one atomic
// host invocation: preconditions are validated against committed state, the
// external transfers are staged and executed, and only then are the entity
// records rewritten. A failure at any point discards the whole invocation.
type Engine struct {
	id      Address
	host    ledger.Host
	adapter *oracle.Adapter
	trusted *oracle.Allowlist
	logger  *slog.Logger
}

// New builds an engine rooted at the given derivation identity. The
// allowlist holds the only (oracle source, feed) pairs Initialize accepts.
func New(id Address, host ledger.Host, adapter *oracle.Adapter, trusted *oracle.Allowlist, logger *slog.Logger) *Engine {
	return &Engine{
		id:      id,
		host:    host,
		adapter: adapter,
		trusted: trusted,
		logger:  logger,
	}
}

// transferPlan is the staged-external-effects half of the two-phase commit.
// Steps accumulate during validation and run together, in order, before any
// entity record is touched.
type transferPlan struct {
	steps []func(ledger.Session) error
}

func (p *transferPlan) stage(step func(ledger.Session) error) {
	p.steps = append(p.steps, step)
}

func (p *transferPlan) run(session ledger.Session) error {
	for _, step := range p.steps {
		if err := step(session); err != nil {
			return err
		}
	}
	return nil
}

type InitializeParams struct {
	Operator    Address
	TokenMint   Address
	Beneficiary Address

	// Supplied addresses, re-derived and matched before use.
	SaleAccount Address
	TokenPool   Address

	// Source holding the tokens being placed on sale.
	OperatorTokenAccount Address

	OracleSource Address
	PriceFeed    Address

	TokenAmount    uint64
	LockDuration   int64
	SaleEnd        int64
	MinInvestment  uint64
	MaxInvestment  uint64
	StalenessBound uint64
}

// Initialize creates the sale record and token custody pool, moves the
// offered tokens into the pool and commits the immutable sale
// configuration. The caller must be the operator.
func (e *Engine) Initialize(ctx context.Context, params InitializeParams) error {
	saleAddr, bump, err := derive.Sale(e.id, params.Operator, params.TokenMint)
	if err != nil {
		return fmt.Errorf("derive sale address: %w", err)
	}
	if !saleAddr.Equals(params.SaleAccount) {
		return fmt.Errorf("sale account: %w", ErrAddressMismatch)
	}
	poolAddr, _, err := derive.TokenPool(e.id, saleAddr)
	if err != nil {
		return fmt.Errorf("derive token pool address: %w", err)
	}
	if !poolAddr.Equals(params.TokenPool) {
		return fmt.Errorf("token pool: %w", ErrAddressMismatch)
	}

	if !e.trusted.Allows(params.OracleSource, params.PriceFeed) {
		return fmt.Errorf("oracle %s feed %s not on trusted allowlist: %w",
			params.OracleSource, params.PriceFeed, oracle.ErrInvalidPriceFeed)
	}
	if params.LockDuration < MinLockDuration || params.LockDuration > MaxLockDuration {
		return fmt.Errorf("lock duration %ds: %w", params.LockDuration, ErrInvalidLockDuration)
	}

	err = e.host.Atomic(ctx, func(session ledger.Session) error {
		existing, err := session.Data(saleAddr)
		if err != nil {
			return fmt.Errorf("load sale record: %w", err)
		}
		if len(existing) > 0 {
			sale, err := UnmarshalSale(existing)
			if err == nil && sale.Initialized {
				return ErrAlreadyInitialized
			}
		}

		var plan transferPlan
		plan.stage(func(s ledger.Session) error {
			return s.CreateAccount(saleAddr, params.Operator)
		})
		plan.stage(func(s ledger.Session) error {
			return s.CreateTokenAccount(poolAddr, saleAddr, params.TokenMint)
		})
		plan.stage(func(s ledger.Session) error {
			return s.TransferTokens(params.OperatorTokenAccount, poolAddr, params.TokenAmount)
		})
		if err := plan.run(session); err != nil {
			return fmt.Errorf("fund token pool: %w", err)
		}

		sale := &SaleRecord{
			Initialized:    true,
			Operator:       params.Operator,
			TokenMint:      params.TokenMint,
			Beneficiary:    params.Beneficiary,
			TotalTokens:    params.TokenAmount,
			LockDuration:   params.LockDuration,
			BumpSeed:       bump,
			OracleSource:   params.OracleSource,
			PriceFeed:      params.PriceFeed,
			MinInvestment:  params.MinInvestment,
			MaxInvestment:  params.MaxInvestment,
			StalenessBound: params.StalenessBound,
			SaleEnd:        params.SaleEnd,
			CreatedAt:      session.Now().Unix(),
		}
		data, err := MarshalSale(sale)
		if err != nil {
			return err
		}
		return session.SetData(saleAddr, data)
	})
	if err != nil {
		return err
	}

	e.logger.Info("sale initialized",
		"sale", saleAddr,
		"operator", params.Operator,
		"tokens_offered", params.TokenAmount,
		"lock_duration_sec", params.LockDuration,
		"beneficiary", params.Beneficiary,
	)
	return nil
}

type DepositParams struct {
	Investor Address

	SaleAccount Address

	// Supplied addresses, re-derived and matched before use.
	PositionAccount Address
	FundPool        Address

	// Destination for the issued tokens; created on first deposit.
	TokenAccount Address

	Amount uint64
}

// Deposit takes a payment from the investor, issues tokens at the current
// oracle price and locks half the payment in the investor's fund pool.
// External transfers run strictly before any ledger mutation.
func (e *Engine) Deposit(ctx context.Context, params DepositParams) error {
	var (
		tokensIssued uint64
		price        uint64
	)

	err := e.host.Atomic(ctx, func(session ledger.Session) error {
		sale, saleAddr, err := e.loadSale(session, params.SaleAccount)
		if err != nil {
			return err
		}

		positionAddr, positionBump, err := derive.Position(e.id, params.Investor, saleAddr)
		if err != nil {
			return fmt.Errorf("derive position address: %w", err)
		}
		if !positionAddr.Equals(params.PositionAccount) {
			return fmt.Errorf("position account: %w", ErrAddressMismatch)
		}
		fundPoolAddr, _, err := derive.FundPool(e.id, params.Investor, saleAddr)
		if err != nil {
			return fmt.Errorf("derive fund pool address: %w", err)
		}
		if !fundPoolAddr.Equals(params.FundPool) {
			return fmt.Errorf("fund pool: %w", ErrAddressMismatch)
		}

		if params.Amount < sale.MinInvestment {
			return fmt.Errorf("amount %d below minimum %d: %w", params.Amount, sale.MinInvestment, ErrBelowMinInvestment)
		}

		if err := e.ensureDestination(session, params.TokenAccount, params.Investor, sale.TokenMint); err != nil {
			return err
		}

		now := session.Now().Unix()
		binding := oracle.Binding{Source: sale.OracleSource, Feed: sale.PriceFeed, StalenessBound: sale.StalenessBound}
		price, _, err = e.adapter.Read(ctx, binding, now)
		if err != nil {
			return err
		}

		tokensIssued, err = TokensForPayment(params.Amount, price)
		if err != nil {
			return err
		}
		if tokensIssued > sale.TokensRemaining() {
			return fmt.Errorf("%d tokens requested, %d remaining: %w", tokensIssued, sale.TokensRemaining(), ErrNotEnoughTokens)
		}

		position, err := e.loadPosition(session, positionAddr)
		if err != nil {
			return err
		}
		if position == nil {
			if params.Amount > sale.MaxInvestment {
				return fmt.Errorf("amount %d exceeds maximum %d: %w", params.Amount, sale.MaxInvestment, ErrExceedsMaxInvestment)
			}
			position = &Position{
				Initialized: true,
				Investor:    params.Investor,
				Sale:        saleAddr,
				DepositedAt: now,
				BumpSeed:    positionBump,
			}
		} else {
			total := position.Deposited + params.Amount
			if total < position.Deposited {
				return fmt.Errorf("cumulative deposit %d + %d: %w", position.Deposited, params.Amount, ErrAmountOverflow)
			}
			// The bound applies to the new committed total, not the increment.
			if total > sale.MaxInvestment {
				return fmt.Errorf("cumulative %d exceeds maximum %d: %w", total, sale.MaxInvestment, ErrExceedsMaxInvestment)
			}
		}

		poolAddr, _, err := derive.TokenPool(e.id, saleAddr)
		if err != nil {
			return fmt.Errorf("derive token pool address: %w", err)
		}

		toBeneficiary := params.Amount / 2
		toLock := params.Amount - toBeneficiary

		var plan transferPlan
		plan.stage(func(s ledger.Session) error {
			return s.CreateAccount(positionAddr, params.Investor)
		})
		plan.stage(func(s ledger.Session) error {
			return s.CreateAccount(fundPoolAddr, params.Investor)
		})
		plan.stage(func(s ledger.Session) error {
			return s.TransferFunds(params.Investor, sale.Beneficiary, toBeneficiary)
		})
		plan.stage(func(s ledger.Session) error {
			return s.TransferFunds(params.Investor, fundPoolAddr, toLock)
		})
		plan.stage(func(s ledger.Session) error {
			return s.TransferTokens(poolAddr, params.TokenAccount, tokensIssued)
		})
		if err := plan.run(session); err != nil {
			return fmt.Errorf("execute deposit transfers: %w", err)
		}

		sale.TokensIssued += tokensIssued
		sale.TotalDeposited += params.Amount
		position.Deposited += params.Amount
		position.TokensReceived += tokensIssued
		position.OraclePrice = price
		position.Status = PositionDeposited

		saleData, err := MarshalSale(sale)
		if err != nil {
			return err
		}
		if err := session.SetData(saleAddr, saleData); err != nil {
			return fmt.Errorf("commit sale record: %w", err)
		}
		positionData, err := MarshalPosition(position)
		if err != nil {
			return err
		}
		if err := session.SetData(positionAddr, positionData); err != nil {
			return fmt.Errorf("commit position: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("deposit accepted",
		"sale", params.SaleAccount,
		"investor", params.Investor,
		"amount", params.Amount,
		"tokens_issued", tokensIssued,
		"oracle_price", price,
	)
	return nil
}

// ensureDestination bootstraps the investor's token account when absent and
// enforces the ownership, mint and authority checks on it. A destination
// with a delegate or close authority could be drained after issuance, so
// both are rejected.
func (e *Engine) ensureDestination(session ledger.Session, addr, investor, mint Address) error {
	account, err := session.TokenAccount(addr)
	if err != nil {
		return fmt.Errorf("load token account %s: %w", addr, err)
	}
	if account == nil {
		if err := session.CreateTokenAccount(addr, investor, mint); err != nil {
			return fmt.Errorf("create token account %s: %w", addr, err)
		}
		account, err = session.TokenAccount(addr)
		if err != nil {
			return fmt.Errorf("load token account %s: %w", addr, err)
		}
	}
	if account == nil {
		return fmt.Errorf("token account %s missing after bootstrap: %w", addr, ErrInvalidTokenAccount)
	}
	if !account.Owner.Equals(investor) {
		return fmt.Errorf("token account owned by %s, want %s: %w", account.Owner, investor, ErrInvalidTokenAccount)
	}
	if !account.Mint.Equals(mint) {
		return fmt.Errorf("token account mint %s, want %s: %w", account.Mint, mint, ErrInvalidTokenAccount)
	}
	if account.Delegate != nil {
		return fmt.Errorf("token account has a delegate: %w", ErrInvalidTokenAccount)
	}
	if account.CloseAuthority != nil {
		return fmt.Errorf("token account has a close authority: %w", ErrInvalidTokenAccount)
	}
	return nil
}

type WithdrawParams struct {
	Caller Address

	SaleAccount     Address
	PositionAccount Address
	FundPool        Address
}

// WithdrawLocked releases an investor's locked payment share to the
// beneficiary once the global unlock time has passed. It succeeds at most
// once per position.
func (e *Engine) WithdrawLocked(ctx context.Context, params WithdrawParams) error {
	var withdrawn uint64

	err := e.host.Atomic(ctx, func(session ledger.Session) error {
		sale, saleAddr, err := e.loadSale(session, params.SaleAccount)
		if err != nil {
			return err
		}
		if !params.Caller.Equals(sale.Beneficiary) {
			return fmt.Errorf("caller %s is not the beneficiary: %w", params.Caller, ErrUnauthorized)
		}

		position, err := e.loadPosition(session, params.PositionAccount)
		if err != nil {
			return err
		}
		if position == nil {
			return fmt.Errorf("position %s: %w", params.PositionAccount, ErrNoFundsToWithdraw)
		}
		if position.Status == PositionWithdrawn {
			return fmt.Errorf("position %s already withdrawn: %w", params.PositionAccount, ErrNoFundsToWithdraw)
		}

		// The record's back-references must agree with both the supplied
		// addresses and the derivation.
		expectedPosition, _, err := derive.Position(e.id, position.Investor, position.Sale)
		if err != nil {
			return fmt.Errorf("derive position address: %w", err)
		}
		if !expectedPosition.Equals(params.PositionAccount) {
			return fmt.Errorf("position account: %w", ErrAddressMismatch)
		}
		if !position.Sale.Equals(saleAddr) {
			return fmt.Errorf("position bound to sale %s: %w", position.Sale, ErrAddressMismatch)
		}
		fundPoolAddr, _, err := derive.FundPool(e.id, position.Investor, position.Sale)
		if err != nil {
			return fmt.Errorf("derive fund pool address: %w", err)
		}
		if !fundPoolAddr.Equals(params.FundPool) {
			return fmt.Errorf("fund pool: %w", ErrAddressMismatch)
		}

		now := session.Now().Unix()
		if now < sale.UnlockTime() {
			return fmt.Errorf("unlocks at %d, now %d: %w", sale.UnlockTime(), now, ErrStillLocked)
		}

		withdrawn = position.LockedAmount()
		balance, err := session.Balance(fundPoolAddr)
		if err != nil {
			return fmt.Errorf("read fund pool balance: %w", err)
		}
		if balance < withdrawn {
			return fmt.Errorf("pool holds %d, owes %d: %w", balance, withdrawn, ErrNoFundsToWithdraw)
		}
		if balance-withdrawn < session.RentFloor() {
			return fmt.Errorf("pool would hold %d below floor %d: %w", balance-withdrawn, session.RentFloor(), ErrBelowRentFloor)
		}

		var plan transferPlan
		plan.stage(func(s ledger.Session) error {
			return s.TransferFunds(fundPoolAddr, sale.Beneficiary, withdrawn)
		})
		if err := plan.run(session); err != nil {
			return fmt.Errorf("release locked funds: %w", err)
		}

		sale.LockedWithdrawn += withdrawn
		position.Status = PositionWithdrawn

		saleData, err := MarshalSale(sale)
		if err != nil {
			return err
		}
		if err := session.SetData(saleAddr, saleData); err != nil {
			return fmt.Errorf("commit sale record: %w", err)
		}
		positionData, err := MarshalPosition(position)
		if err != nil {
			return err
		}
		if err := session.SetData(params.PositionAccount, positionData); err != nil {
			return fmt.Errorf("commit position: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("locked funds withdrawn",
		"sale", params.SaleAccount,
		"position", params.PositionAccount,
		"amount", withdrawn,
	)
	return nil
}

type CloseParams struct {
	Caller Address

	SaleAccount Address
	TokenPool   Address

	// Destination for the reclaimed unsold tokens.
	TokenAccount Address
}

// CloseSale returns all unsold tokens to the beneficiary after the sale end
// time. A second call after the pool is drained fails with
// ErrNotEnoughTokens rather than transferring zero.
func (e *Engine) CloseSale(ctx context.Context, params CloseParams) error {
	var reclaimed uint64

	err := e.host.Atomic(ctx, func(session ledger.Session) error {
		sale, saleAddr, err := e.loadSale(session, params.SaleAccount)
		if err != nil {
			return err
		}
		if !params.Caller.Equals(sale.Beneficiary) {
			return fmt.Errorf("caller %s is not the beneficiary: %w", params.Caller, ErrUnauthorized)
		}

		now := session.Now().Unix()
		if now < sale.SaleEnd {
			return fmt.Errorf("sale ends at %d, now %d: %w", sale.SaleEnd, now, ErrSaleNotEnded)
		}

		poolAddr, _, err := derive.TokenPool(e.id, saleAddr)
		if err != nil {
			return fmt.Errorf("derive token pool address: %w", err)
		}
		if !poolAddr.Equals(params.TokenPool) {
			return fmt.Errorf("token pool: %w", ErrAddressMismatch)
		}

		reclaimed = sale.TokensRemaining()
		if reclaimed == 0 {
			return fmt.Errorf("nothing to reclaim: %w", ErrNotEnoughTokens)
		}
		pool, err := session.TokenAccount(poolAddr)
		if err != nil {
			return fmt.Errorf("load token pool: %w", err)
		}
		if pool == nil || pool.Balance < reclaimed {
			return fmt.Errorf("pool already drained: %w", ErrNotEnoughTokens)
		}

		var plan transferPlan
		plan.stage(func(s ledger.Session) error {
			return s.TransferTokens(poolAddr, params.TokenAccount, reclaimed)
		})
		if err := plan.run(session); err != nil {
			return fmt.Errorf("reclaim unsold tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("sale closed",
		"sale", params.SaleAccount,
		"tokens_reclaimed", reclaimed,
	)
	return nil
}

// StatusReport is the read-only projection of one sale record.
type StatusReport struct {
	Sale            Address `json:"sale"`
	Operator        Address `json:"operator"`
	TokenMint       Address `json:"token_mint"`
	Beneficiary     Address `json:"beneficiary"`
	TotalTokens     uint64  `json:"total_tokens"`
	TokensIssued    uint64  `json:"tokens_issued"`
	TokensRemaining uint64  `json:"tokens_remaining"`
	TotalDeposited  uint64  `json:"total_deposited"`
	LockedWithdrawn uint64  `json:"locked_withdrawn"`
	LockDuration    int64   `json:"lock_duration_sec"`
	CreatedAt       int64   `json:"created_at"`
	UnlockAt        int64   `json:"unlock_at"`
	SaleEnd         int64   `json:"sale_end"`
	MinInvestment   uint64  `json:"min_investment"`
	MaxInvestment   uint64  `json:"max_investment"`
	StalenessBound  uint64  `json:"staleness_bound_sec"`
}

// Status projects the sale record. No authorization beyond read access.
func (e *Engine) Status(ctx context.Context, saleAccount Address) (*StatusReport, error) {
	var report *StatusReport
	err := e.host.Atomic(ctx, func(session ledger.Session) error {
		sale, saleAddr, err := e.loadSale(session, saleAccount)
		if err != nil {
			return err
		}
		report = &StatusReport{
			Sale:            saleAddr,
			Operator:        sale.Operator,
			TokenMint:       sale.TokenMint,
			Beneficiary:     sale.Beneficiary,
			TotalTokens:     sale.TotalTokens,
			TokensIssued:    sale.TokensIssued,
			TokensRemaining: sale.TokensRemaining(),
			TotalDeposited:  sale.TotalDeposited,
			LockedWithdrawn: sale.LockedWithdrawn,
			LockDuration:    sale.LockDuration,
			CreatedAt:       sale.CreatedAt,
			UnlockAt:        sale.UnlockTime(),
			SaleEnd:         sale.SaleEnd,
			MinInvestment:   sale.MinInvestment,
			MaxInvestment:   sale.MaxInvestment,
			StalenessBound:  sale.StalenessBound,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (e *Engine) loadSale(session ledger.Session, addr Address) (*SaleRecord, Address, error) {
	data, err := session.Data(addr)
	if err != nil {
		return nil, Address{}, fmt.Errorf("load sale record: %w", err)
	}
	if len(data) == 0 {
		return nil, Address{}, fmt.Errorf("sale %s: %w", addr, ErrNotInitialized)
	}
	sale, err := UnmarshalSale(data)
	if err != nil {
		return nil, Address{}, err
	}
	if !sale.Initialized {
		return nil, Address{}, fmt.Errorf("sale %s: %w", addr, ErrNotInitialized)
	}
	return sale, addr, nil
}

func (e *Engine) loadPosition(session ledger.Session, addr Address) (*Position, error) {
	data, err := session.Data(addr)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	position, err := UnmarshalPosition(data)
	if err != nil {
		return nil, err
	}
	if !position.Initialized {
		return nil, nil
	}
	return position, nil
}
