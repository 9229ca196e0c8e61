package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ondrix/escrow/backend/internal/config"
	"github.com/ondrix/escrow/backend/internal/escrow"
	"github.com/ondrix/escrow/backend/internal/ledger"
	"github.com/ondrix/escrow/backend/internal/oracle"
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
}

func (s *stubSource) Identity() solana.PublicKey { return s.identity }

func (s *stubSource) LatestRound(context.Context, solana.PublicKey) (oracle.Round, error) {
	return s.round, nil
}

type serviceFixture struct {
	svc *Service
	mem *ledger.Memory

	operator       solana.PublicKey
	tokenMint      solana.PublicKey
	beneficiary    solana.PublicKey
	investor       solana.PublicKey
	operatorTokens solana.PublicKey
	oracleIdentity solana.PublicKey
	priceFeed      solana.PublicKey
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		operator:       testKey(2),
		tokenMint:      testKey(3),
		beneficiary:    testKey(4),
		investor:       testKey(5),
		operatorTokens: testKey(6),
		oracleIdentity: testKey(8),
		priceFeed:      testKey(9),
	}

	createdAt := int64(1_700_000_000)
	f.mem = ledger.NewMemory(func() time.Time { return time.Unix(createdAt, 0) })
	f.mem.Fund(f.operator, 10_000_000_000)
	f.mem.Fund(f.investor, 10_000_000_000)
	f.mem.FundTokens(f.operatorTokens, f.operator, f.tokenMint, 100_000_000_000_000)

	src := &stubSource{
		identity: f.oracleIdentity,
		round:    oracle.Round{Answer: 21_700_000_000, ObservedAt: createdAt},
	}

	cfg := config.EscrowdConfig{
		EngineID: testKey(1),
		Oracle: config.OracleConfig{
			SourceIdentity: f.oracleIdentity,
			TrustedFeeds:   []solana.PublicKey{f.priceFeed},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := New(cfg, logger, f.mem, src, nil, nil)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	recorder := httptest.NewRecorder()
	handler(recorder, req)
	return recorder
}

func (f *serviceFixture) initializeSale(t *testing.T) initializeResponse {
	t.Helper()
	recorder := postJSON(t, f.svc.handleInitialize, "/v1/sales", initializeRequest{
		Operator:             f.operator.String(),
		TokenMint:            f.tokenMint.String(),
		Beneficiary:          f.beneficiary.String(),
		OperatorTokenAccount: f.operatorTokens.String(),
		OracleSource:         f.oracleIdentity.String(),
		PriceFeed:            f.priceFeed.String(),
		TokenAmount:          100_000_000_000_000,
		LockDurationSec:      3600,
		SaleEnd:              1_700_007_200,
		MinInvestment:        1_000_000,
		MaxInvestment:        10_000_000_000_000,
		StalenessBoundSec:    300,
	})
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())

	var resp initializeResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	return resp
}

func TestInitializeAndStatusEndpoints(t *testing.T) {
	f := newServiceFixture(t)
	created := f.initializeSale(t)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/status?sale=%s", created.Sale), nil)
	recorder := httptest.NewRecorder()
	f.svc.handleStatus(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var report escrow.StatusReport
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &report))
	assert.Equal(t, created.Sale, report.Sale)
	assert.Equal(t, uint64(100_000_000_000_000), report.TokensRemaining)
}

func TestDepositEndpoint(t *testing.T) {
	f := newServiceFixture(t)
	created := f.initializeSale(t)

	recorder := postJSON(t, f.svc.handleDeposit, "/v1/deposits", depositRequest{
		Investor: f.investor.String(),
		Sale:     created.Sale.String(),
		Amount:   1_000_000_000,
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var resp depositResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	// Blank destination resolves to the investor's associated token address.
	ata, _, err := solana.FindAssociatedTokenAddress(f.investor, f.tokenMint)
	require.NoError(t, err)
	assert.Equal(t, ata, resp.TokenAccount)
	assert.Equal(t, uint64(2_170_000_000_000), f.mem.TokenBalanceOf(ata))
	assert.Equal(t, uint64(500_000_000), f.mem.BalanceOf(f.beneficiary))
}

func TestDepositEndpointRejectsBadInput(t *testing.T) {
	f := newServiceFixture(t)
	created := f.initializeSale(t)

	recorder := postJSON(t, f.svc.handleDeposit, "/v1/deposits", depositRequest{
		Investor: "not-a-pubkey",
		Sale:     created.Sale.String(),
		Amount:   1_000_000_000,
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = postJSON(t, f.svc.handleDeposit, "/v1/deposits", depositRequest{
		Investor: f.investor.String(),
		Sale:     created.Sale.String(),
		Amount:   1, // below minimum
	})
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/deposits", nil)
	methodRecorder := httptest.NewRecorder()
	f.svc.handleDeposit(methodRecorder, req)
	assert.Equal(t, http.StatusMethodNotAllowed, methodRecorder.Code)
}

func TestWithdrawAndCloseEndpointErrors(t *testing.T) {
	f := newServiceFixture(t)
	created := f.initializeSale(t)

	recorder := postJSON(t, f.svc.handleDeposit, "/v1/deposits", depositRequest{
		Investor: f.investor.String(),
		Sale:     created.Sale.String(),
		Amount:   1_000_000_000,
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	// Still inside the lock window.
	recorder = postJSON(t, f.svc.handleWithdraw, "/v1/withdrawals", withdrawRequest{
		Caller:   f.beneficiary.String(),
		Sale:     created.Sale.String(),
		Investor: f.investor.String(),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)

	// Not the beneficiary.
	recorder = postJSON(t, f.svc.handleWithdraw, "/v1/withdrawals", withdrawRequest{
		Caller:   f.investor.String(),
		Sale:     created.Sale.String(),
		Investor: f.investor.String(),
	})
	assert.Equal(t, http.StatusForbidden, recorder.Code)

	// Sale not ended.
	recorder = postJSON(t, f.svc.handleClose, "/v1/close", closeRequest{
		Caller: f.beneficiary.String(),
		Sale:   created.Sale.String(),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
}

func TestStatusEndpointUnknownSale(t *testing.T) {
	f := newServiceFixture(t)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/status?sale=%s", testKey(0x70)), nil)
	recorder := httptest.NewRecorder()
	f.svc.handleStatus(recorder, req)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestAdminFundWithoutFunder(t *testing.T) {
	f := newServiceFixture(t)

	recorder := postJSON(t, f.svc.handleFund, "/v1/admin/fund", fundRequest{
		Address: f.investor.String(),
		Amount:  1,
	})
	assert.Equal(t, http.StatusNotImplemented, recorder.Code)
}
