package escrow_test

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ondrix/escrow/backend/internal/derive"
	"github.com/ondrix/escrow/backend/internal/escrow"
	"github.com/ondrix/escrow/backend/internal/ledger"
	"github.com/ondrix/escrow/backend/internal/oracle"
)

const (
	testCreatedAt    = int64(1_700_000_000)
	testLockDuration = int64(3600)
	testSaleEnd      = testCreatedAt + 7200
	testMinInvest    = uint64(1_000_000)
	testMaxInvest    = uint64(10_000_000_000_000)
	testStaleness    = uint64(300)
	testTotalTokens  = uint64(50_000_000_000_000_000) // 50M tokens at 9 decimals
	testPrice        = uint64(21_700_000_000)         // $217.00 at 8 decimals
)

func testKey(tag byte) solana.PublicKey {
	var pk solana.PublicKey
	pk[0] = tag
	pk[31] = ^tag
	return pk
}

type stubSource struct {
	identity solana.PublicKey
	round    oracle.Round
	err      error
}

func (s *stubSource) Identity() solana.PublicKey { return s.identity }

func (s *stubSource) LatestRound(context.Context, solana.PublicKey) (oracle.Round, error) {
	if s.err != nil {
		return oracle.Round{}, s.err
	}
	return s.round, nil
}

type fixture struct {
	engineID solana.PublicKey
	mem      *ledger.Memory
	src      *stubSource
	engine   *escrow.Engine
	now      int64

	operator       solana.PublicKey
	tokenMint      solana.PublicKey
	beneficiary    solana.PublicKey
	investor       solana.PublicKey
	operatorTokens solana.PublicKey
	investorTokens solana.PublicKey
	oracleIdentity solana.PublicKey
	priceFeed      solana.PublicKey

	sale      solana.PublicKey
	tokenPool solana.PublicKey
	position  solana.PublicKey
	fundPool  solana.PublicKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		engineID:       testKey(1),
		operator:       testKey(2),
		tokenMint:      testKey(3),
		beneficiary:    testKey(4),
		investor:       testKey(5),
		operatorTokens: testKey(6),
		investorTokens: testKey(7),
		oracleIdentity: testKey(8),
		priceFeed:      testKey(9),
		now:            testCreatedAt,
	}

	f.mem = ledger.NewMemory(func() time.Time { return time.Unix(f.now, 0) })
	f.src = &stubSource{
		identity: f.oracleIdentity,
		round:    oracle.Round{Answer: int64(testPrice), ObservedAt: testCreatedAt},
	}

	trusted := oracle.NewAllowlist()
	trusted.Add(f.oracleIdentity, f.priceFeed)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = escrow.New(f.engineID, f.mem, oracle.NewAdapter(f.src), trusted, logger)

	f.sale = derive.MustSale(f.engineID, f.operator, f.tokenMint)
	f.tokenPool = derive.MustTokenPool(f.engineID, f.sale)
	f.position = derive.MustPosition(f.engineID, f.investor, f.sale)
	f.fundPool = derive.MustFundPool(f.engineID, f.investor, f.sale)

	f.mem.Fund(f.operator, 10_000_000_000)
	f.mem.Fund(f.investor, 20_000_000_000_000)
	f.mem.FundTokens(f.operatorTokens, f.operator, f.tokenMint, testTotalTokens)
	return f
}

func (f *fixture) initParams() escrow.InitializeParams {
	return escrow.InitializeParams{
		Operator:             f.operator,
		TokenMint:            f.tokenMint,
		Beneficiary:          f.beneficiary,
		SaleAccount:          f.sale,
		TokenPool:            f.tokenPool,
		OperatorTokenAccount: f.operatorTokens,
		OracleSource:         f.oracleIdentity,
		PriceFeed:            f.priceFeed,
		TokenAmount:          testTotalTokens,
		LockDuration:         testLockDuration,
		SaleEnd:              testSaleEnd,
		MinInvestment:        testMinInvest,
		MaxInvestment:        testMaxInvest,
		StalenessBound:       testStaleness,
	}
}

func (f *fixture) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Initialize(context.Background(), f.initParams()))
}

func (f *fixture) depositParams(amount uint64) escrow.DepositParams {
	return escrow.DepositParams{
		Investor:        f.investor,
		SaleAccount:     f.sale,
		PositionAccount: f.position,
		FundPool:        f.fundPool,
		TokenAccount:    f.investorTokens,
		Amount:          amount,
	}
}

func (f *fixture) withdrawParams() escrow.WithdrawParams {
	return escrow.WithdrawParams{
		Caller:          f.beneficiary,
		SaleAccount:     f.sale,
		PositionAccount: f.position,
		FundPool:        f.fundPool,
	}
}

func (f *fixture) closeParams(dest solana.PublicKey) escrow.CloseParams {
	return escrow.CloseParams{
		Caller:       f.beneficiary,
		SaleAccount:  f.sale,
		TokenPool:    f.tokenPool,
		TokenAccount: dest,
	}
}

func (f *fixture) saleBytes(t *testing.T) []byte {
	t.Helper()
	var data []byte
	err := f.mem.Atomic(context.Background(), func(s ledger.Session) error {
		var err error
		data, err = s.Data(f.sale)
		return err
	})
	require.NoError(t, err)
	return data
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	assert.Equal(t, testTotalTokens, f.mem.TokenBalanceOf(f.tokenPool))
	assert.Zero(t, f.mem.TokenBalanceOf(f.operatorTokens))

	report, err := f.engine.Status(context.Background(), f.sale)
	require.NoError(t, err)
	assert.Equal(t, f.sale, report.Sale)
	assert.Equal(t, f.operator, report.Operator)
	assert.Equal(t, f.beneficiary, report.Beneficiary)
	assert.Equal(t, testTotalTokens, report.TotalTokens)
	assert.Equal(t, testTotalTokens, report.TokensRemaining)
	assert.Zero(t, report.TokensIssued)
	assert.Equal(t, testCreatedAt, report.CreatedAt)
	assert.Equal(t, testCreatedAt+testLockDuration, report.UnlockAt)
	assert.Equal(t, testSaleEnd, report.SaleEnd)
}

func TestInitializeRejectsMismatchedAddresses(t *testing.T) {
	f := newFixture(t)

	params := f.initParams()
	params.SaleAccount = testKey(0x40)
	assert.ErrorIs(t, f.engine.Initialize(context.Background(), params), escrow.ErrAddressMismatch)

	params = f.initParams()
	params.TokenPool = testKey(0x41)
	assert.ErrorIs(t, f.engine.Initialize(context.Background(), params), escrow.ErrAddressMismatch)
}

func TestInitializeRejectsUntrustedOracle(t *testing.T) {
	f := newFixture(t)

	params := f.initParams()
	params.PriceFeed = testKey(0x42)
	assert.ErrorIs(t, f.engine.Initialize(context.Background(), params), oracle.ErrInvalidPriceFeed)

	params = f.initParams()
	params.OracleSource = testKey(0x43)
	assert.ErrorIs(t, f.engine.Initialize(context.Background(), params), oracle.ErrInvalidPriceFeed)
}

func TestInitializeLockDurationBounds(t *testing.T) {
	f := newFixture(t)

	params := f.initParams()
	params.LockDuration = escrow.MinLockDuration - 1
	assert.ErrorIs(t, f.engine.Initialize(context.Background(), params), escrow.ErrInvalidLockDuration)

	params = f.initParams()
	params.LockDuration = escrow.MaxLockDuration + 1
	assert.ErrorIs(t, f.engine.Initialize(context.Background(), params), escrow.ErrInvalidLockDuration)

	params = f.initParams()
	params.LockDuration = escrow.MinLockDuration
	assert.NoError(t, f.engine.Initialize(context.Background(), params))
}

func TestInitializeTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	f.mem.FundTokens(f.operatorTokens, f.operator, f.tokenMint, testTotalTokens)
	assert.ErrorIs(t, f.engine.Initialize(context.Background(), f.initParams()), escrow.ErrAlreadyInitialized)
}

func TestDepositIssuesTokensAtOraclePrice(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	beneficiaryBefore := f.mem.BalanceOf(f.beneficiary)
	fundPoolBefore := f.mem.BalanceOf(f.fundPool)

	// 1 base unit at $217.00 buys $217 worth of ten-cent tokens.
	const payment = uint64(1_000_000_000)
	const wantTokens = uint64(2_170_000_000_000)

	require.NoError(t, f.engine.Deposit(context.Background(), f.depositParams(payment)))

	assert.Equal(t, wantTokens, f.mem.TokenBalanceOf(f.investorTokens))
	assert.Equal(t, testTotalTokens-wantTokens, f.mem.TokenBalanceOf(f.tokenPool))
	assert.Equal(t, beneficiaryBefore+payment/2, f.mem.BalanceOf(f.beneficiary))
	// The fund pool picks up the locked half plus its bootstrap floor.
	lockedDelta := f.mem.BalanceOf(f.fundPool) - fundPoolBefore
	assert.GreaterOrEqual(t, lockedDelta, payment-payment/2)

	report, err := f.engine.Status(context.Background(), f.sale)
	require.NoError(t, err)
	assert.Equal(t, wantTokens, report.TokensIssued)
	assert.Equal(t, payment, report.TotalDeposited)
}

func TestDepositBelowMinimumLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	saleBefore := f.saleBytes(t)
	investorBefore := f.mem.BalanceOf(f.investor)
	poolBefore := f.mem.TokenBalanceOf(f.tokenPool)

	err := f.engine.Deposit(context.Background(), f.depositParams(testMinInvest-1))
	assert.ErrorIs(t, err, escrow.ErrBelowMinInvestment)

	assert.Equal(t, saleBefore, f.saleBytes(t))
	assert.Equal(t, investorBefore, f.mem.BalanceOf(f.investor))
	assert.Equal(t, poolBefore, f.mem.TokenBalanceOf(f.tokenPool))
	assert.Zero(t, f.mem.BalanceOf(f.beneficiary))
}

func TestDepositCumulativeMaximum(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	const half = uint64(5_000_000_000_000)

	// Two deposits landing exactly on the bound are allowed; anything past
	// the committed total is not.
	require.NoError(t, f.engine.Deposit(context.Background(), f.depositParams(half)))
	require.NoError(t, f.engine.Deposit(context.Background(), f.depositParams(half)))

	err := f.engine.Deposit(context.Background(), f.depositParams(testMinInvest))
	assert.ErrorIs(t, err, escrow.ErrExceedsMaxInvestment)

	report, err := f.engine.Status(context.Background(), f.sale)
	require.NoError(t, err)
	assert.Equal(t, testMaxInvest, report.TotalDeposited)
}

func TestDepositExceedsRemainingSupply(t *testing.T) {
	f := newFixture(t)

	// A sale offering only 1_000 token smallest-units cannot serve a
	// deposit that prices out to 2.17e12 units.
	params := f.initParams()
	params.TokenAmount = 1_000
	require.NoError(t, f.engine.Initialize(context.Background(), params))

	err := f.engine.Deposit(context.Background(), f.depositParams(1_000_000_000))
	assert.ErrorIs(t, err, escrow.ErrNotEnoughTokens)

	report, err := f.engine.Status(context.Background(), f.sale)
	require.NoError(t, err)
	assert.Zero(t, report.TokensIssued)
	assert.Zero(t, report.TotalDeposited)
	assert.Equal(t, uint64(1_000), report.TokensRemaining)
	assert.Zero(t, f.mem.TokenBalanceOf(f.investorTokens))
	assert.Zero(t, f.mem.BalanceOf(f.beneficiary))
}

func TestDepositCumulativeTotalOverflow(t *testing.T) {
	f := newFixture(t)

	// A bottom-of-range price keeps the token conversion in bounds for
	// near-maximal payment amounts, and an unbounded per-investor cap
	// leaves the committed-total arithmetic as the only guard.
	f.src.round.Answer = 1

	params := f.initParams()
	params.MaxInvestment = math.MaxUint64
	require.NoError(t, f.engine.Initialize(context.Background(), params))

	first := uint64(math.MaxUint64 - 50_000_000_000_000)
	f.mem.Fund(f.investor, first)
	require.NoError(t, f.engine.Deposit(context.Background(), f.depositParams(first)))

	err := f.engine.Deposit(context.Background(), f.depositParams(100_000_000_000_000))
	assert.ErrorIs(t, err, escrow.ErrAmountOverflow)
}

func TestDepositFirstAboveMaximumFails(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	err := f.engine.Deposit(context.Background(), f.depositParams(testMaxInvest+1))
	assert.ErrorIs(t, err, escrow.ErrExceedsMaxInvestment)
}

func TestDepositRejectsStalePrice(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	f.now = testCreatedAt + int64(testStaleness) + 1

	err := f.engine.Deposit(context.Background(), f.depositParams(1_000_000_000))
	assert.ErrorIs(t, err, oracle.ErrStalePrice)
	assert.Zero(t, f.mem.TokenBalanceOf(f.investorTokens))
}

func TestDepositRejectsCompromisedDestination(t *testing.T) {
	delegate := testKey(0x50)

	t.Run("delegate", func(t *testing.T) {
		f := newFixture(t)
		f.initialize(t)
		f.mem.FundTokens(f.investorTokens, f.investor, f.tokenMint, 0)
		f.mem.SetTokenDelegate(f.investorTokens, &delegate)

		err := f.engine.Deposit(context.Background(), f.depositParams(1_000_000_000))
		assert.ErrorIs(t, err, escrow.ErrInvalidTokenAccount)
	})

	t.Run("close authority", func(t *testing.T) {
		f := newFixture(t)
		f.initialize(t)
		f.mem.FundTokens(f.investorTokens, f.investor, f.tokenMint, 0)
		f.mem.SetTokenCloseAuthority(f.investorTokens, &delegate)

		err := f.engine.Deposit(context.Background(), f.depositParams(1_000_000_000))
		assert.ErrorIs(t, err, escrow.ErrInvalidTokenAccount)
	})

	t.Run("wrong owner", func(t *testing.T) {
		f := newFixture(t)
		f.initialize(t)
		f.mem.FundTokens(f.investorTokens, testKey(0x51), f.tokenMint, 0)

		err := f.engine.Deposit(context.Background(), f.depositParams(1_000_000_000))
		assert.ErrorIs(t, err, escrow.ErrInvalidTokenAccount)
	})

	t.Run("wrong mint", func(t *testing.T) {
		f := newFixture(t)
		f.initialize(t)
		f.mem.FundTokens(f.investorTokens, f.investor, testKey(0x52), 0)

		err := f.engine.Deposit(context.Background(), f.depositParams(1_000_000_000))
		assert.ErrorIs(t, err, escrow.ErrInvalidTokenAccount)
	})
}

func TestDepositOnUninitializedSale(t *testing.T) {
	f := newFixture(t)

	err := f.engine.Deposit(context.Background(), f.depositParams(1_000_000_000))
	assert.ErrorIs(t, err, escrow.ErrNotInitialized)
}

func TestWithdrawLockedAtUnlockBoundary(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	const payment = uint64(1_000_000_000)
	require.NoError(t, f.engine.Deposit(context.Background(), f.depositParams(payment)))

	f.now = testCreatedAt + testLockDuration - 1
	err := f.engine.WithdrawLocked(context.Background(), f.withdrawParams())
	assert.ErrorIs(t, err, escrow.ErrStillLocked)

	beneficiaryBefore := f.mem.BalanceOf(f.beneficiary)

	f.now = testCreatedAt + testLockDuration
	require.NoError(t, f.engine.WithdrawLocked(context.Background(), f.withdrawParams()))
	assert.Equal(t, beneficiaryBefore+payment/2, f.mem.BalanceOf(f.beneficiary))

	report, err := f.engine.Status(context.Background(), f.sale)
	require.NoError(t, err)
	assert.Equal(t, payment/2, report.LockedWithdrawn)
}

func TestWithdrawLockedSucceedsAtMostOnce(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	require.NoError(t, f.engine.Deposit(context.Background(), f.depositParams(1_000_000_000)))

	f.now = testCreatedAt + testLockDuration
	require.NoError(t, f.engine.WithdrawLocked(context.Background(), f.withdrawParams()))

	err := f.engine.WithdrawLocked(context.Background(), f.withdrawParams())
	assert.ErrorIs(t, err, escrow.ErrNoFundsToWithdraw)
}

func TestWithdrawLockedRequiresBeneficiary(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	require.NoError(t, f.engine.Deposit(context.Background(), f.depositParams(1_000_000_000)))

	f.now = testCreatedAt + testLockDuration

	params := f.withdrawParams()
	params.Caller = f.investor
	err := f.engine.WithdrawLocked(context.Background(), params)
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)
}

func TestWithdrawLockedWithoutPosition(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	f.now = testCreatedAt + testLockDuration
	err := f.engine.WithdrawLocked(context.Background(), f.withdrawParams())
	assert.ErrorIs(t, err, escrow.ErrNoFundsToWithdraw)
}

func TestCloseSale(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	const payment = uint64(1_000_000_000)
	const issued = uint64(2_170_000_000_000)
	require.NoError(t, f.engine.Deposit(context.Background(), f.depositParams(payment)))

	dest := testKey(0x60)
	f.mem.FundTokens(dest, f.beneficiary, f.tokenMint, 0)

	err := f.engine.CloseSale(context.Background(), f.closeParams(dest))
	assert.ErrorIs(t, err, escrow.ErrSaleNotEnded)

	f.now = testSaleEnd
	require.NoError(t, f.engine.CloseSale(context.Background(), f.closeParams(dest)))
	assert.Equal(t, testTotalTokens-issued, f.mem.TokenBalanceOf(dest))
	assert.Zero(t, f.mem.TokenBalanceOf(f.tokenPool))

	// The pool is drained now, so a repeat close fails instead of moving zero.
	err = f.engine.CloseSale(context.Background(), f.closeParams(dest))
	assert.ErrorIs(t, err, escrow.ErrNotEnoughTokens)
}

func TestCloseSaleRequiresBeneficiary(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	f.now = testSaleEnd

	dest := testKey(0x60)
	f.mem.FundTokens(dest, f.operator, f.tokenMint, 0)

	params := f.closeParams(dest)
	params.Caller = f.operator
	err := f.engine.CloseSale(context.Background(), params)
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)
}

func TestCloseSaleWithNothingUnsold(t *testing.T) {
	f := newFixture(t)

	params := f.initParams()
	params.TokenAmount = 0
	f.mem.FundTokens(f.operatorTokens, f.operator, f.tokenMint, 0)
	require.NoError(t, f.engine.Initialize(context.Background(), params))

	f.now = testSaleEnd
	dest := testKey(0x60)
	f.mem.FundTokens(dest, f.beneficiary, f.tokenMint, 0)

	err := f.engine.CloseSale(context.Background(), f.closeParams(dest))
	assert.ErrorIs(t, err, escrow.ErrNotEnoughTokens)
}

func TestStatusUnknownSale(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Status(context.Background(), f.sale)
	assert.ErrorIs(t, err, escrow.ErrNotInitialized)
}
