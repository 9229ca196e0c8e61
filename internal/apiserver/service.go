// Package apiserver is the operational front door of the escrow engine:
// thin JSON dispatch over the five engine operations plus a websocket
// status stream. Actor identities in request bodies are taken as already
// authenticated by the deployment's signing layer.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/ondrix/escrow/backend/internal/config"
	"github.com/ondrix/escrow/backend/internal/derive"
	"github.com/ondrix/escrow/backend/internal/escrow"
	"github.com/ondrix/escrow/backend/internal/ledger"
	"github.com/ondrix/escrow/backend/internal/oracle"
)

// Funder seeds custodial balances outside any engine invocation. The
// Postgres store implements it; a nil funder disables the admin endpoints.
type Funder interface {
	Credit(ctx context.Context, addr solana.PublicKey, amount uint64) error
	CreditTokens(ctx context.Context, addr, owner, mint solana.PublicKey, amount uint64) error
}

type Service struct {
	cfg    config.EscrowdConfig
	logger *slog.Logger
	engine *escrow.Engine
	hub    *statusHub
	funder Funder

	closeStore func() error
}

// New wires the engine onto its Postgres host and oracle source. The store
// factory is injected so local runs and tests can substitute hosts.
func New(cfg config.EscrowdConfig, logger *slog.Logger, host ledger.Host, source oracle.Source, funder Funder, closeStore func() error) (*Service, error) {
	trusted := oracle.NewAllowlist()
	for _, feed := range cfg.Oracle.TrustedFeeds {
		trusted.Add(cfg.Oracle.SourceIdentity, feed)
	}

	engine := escrow.New(cfg.EngineID, host, oracle.NewAdapter(source), trusted, logger)

	service := &Service{
		cfg:        cfg,
		logger:     logger,
		engine:     engine,
		funder:     funder,
		closeStore: closeStore,
	}
	service.hub = newStatusHub(logger, service.saleStatus)
	return service, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if s.closeStore == nil {
			return
		}
		if err := s.closeStore(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/sales", s.handleInitialize)
	mux.HandleFunc("/v1/deposits", s.handleDeposit)
	mux.HandleFunc("/v1/withdrawals", s.handleWithdraw)
	mux.HandleFunc("/v1/close", s.handleClose)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/admin/fund", s.handleFund)
	mux.HandleFunc("/v1/admin/fund-tokens", s.handleFundTokens)
	mux.HandleFunc("/ws", s.hub.handleWebsocket)

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.withRequestID(mux),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("escrowd started",
		"listen_addr", s.cfg.ListenAddr,
		"engine_id", s.cfg.EngineID,
		"oracle_mode", s.cfg.OracleMode,
	)

	select {
	case <-ctx.Done():
		s.logger.Info("escrowd stopping")
		s.hub.closeAll()
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown escrowd: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

func (s *Service) saleStatus(ctx context.Context, sale solana.PublicKey) (*escrow.StatusReport, error) {
	return s.engine.Status(ctx, sale)
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type initializeRequest struct {
	Operator             string `json:"operator"`
	TokenMint            string `json:"token_mint"`
	Beneficiary          string `json:"beneficiary"`
	OperatorTokenAccount string `json:"operator_token_account"`
	OracleSource         string `json:"oracle_source"`
	PriceFeed            string `json:"price_feed"`
	TokenAmount          uint64 `json:"token_amount"`
	LockDurationSec      int64  `json:"lock_duration_sec"`
	SaleEnd              int64  `json:"sale_end"`
	MinInvestment        uint64 `json:"min_investment"`
	MaxInvestment        uint64 `json:"max_investment"`
	StalenessBoundSec    uint64 `json:"staleness_bound_sec"`
}

type initializeResponse struct {
	Sale      solana.PublicKey `json:"sale"`
	TokenPool solana.PublicKey `json:"token_pool"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	operator, err := parsePubkey("operator", req.Operator)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokenMint, err := parsePubkey("token_mint", req.TokenMint)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	beneficiary, err := parsePubkey("beneficiary", req.Beneficiary)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	operatorTokens, err := parsePubkey("operator_token_account", req.OperatorTokenAccount)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	oracleSource, err := parsePubkey("oracle_source", req.OracleSource)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	priceFeed, err := parsePubkey("price_feed", req.PriceFeed)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sale, _, err := derive.Sale(s.cfg.EngineID, operator, tokenMint)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "derive sale address")
		return
	}
	pool, _, err := derive.TokenPool(s.cfg.EngineID, sale)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "derive token pool address")
		return
	}

	err = s.engine.Initialize(r.Context(), escrow.InitializeParams{
		Operator:             operator,
		TokenMint:            tokenMint,
		Beneficiary:          beneficiary,
		SaleAccount:          sale,
		TokenPool:            pool,
		OperatorTokenAccount: operatorTokens,
		OracleSource:         oracleSource,
		PriceFeed:            priceFeed,
		TokenAmount:          req.TokenAmount,
		LockDuration:         req.LockDurationSec,
		SaleEnd:              req.SaleEnd,
		MinInvestment:        req.MinInvestment,
		MaxInvestment:        req.MaxInvestment,
		StalenessBound:       req.StalenessBoundSec,
	})
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.hub.notify(sale)
	s.respondJSON(w, http.StatusCreated, initializeResponse{Sale: sale, TokenPool: pool})
}

type depositRequest struct {
	Investor     string `json:"investor"`
	Sale         string `json:"sale"`
	TokenAccount string `json:"token_account,omitempty"`
	Amount       uint64 `json:"amount"`
}

type depositResponse struct {
	Position     solana.PublicKey `json:"position"`
	FundPool     solana.PublicKey `json:"fund_pool"`
	TokenAccount solana.PublicKey `json:"token_account"`
}

func (s *Service) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	investor, err := parsePubkey("investor", req.Investor)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sale, err := parsePubkey("sale", req.Sale)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	position, _, err := derive.Position(s.cfg.EngineID, investor, sale)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "derive position address")
		return
	}
	fundPool, _, err := derive.FundPool(s.cfg.EngineID, investor, sale)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "derive fund pool address")
		return
	}

	tokenAccount, err := s.resolveTokenAccount(r.Context(), req.TokenAccount, investor, sale)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.engine.Deposit(r.Context(), escrow.DepositParams{
		Investor:        investor,
		SaleAccount:     sale,
		PositionAccount: position,
		FundPool:        fundPool,
		TokenAccount:    tokenAccount,
		Amount:          req.Amount,
	})
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.hub.notify(sale)
	s.respondJSON(w, http.StatusOK, depositResponse{
		Position:     position,
		FundPool:     fundPool,
		TokenAccount: tokenAccount,
	})
}

type withdrawRequest struct {
	Caller   string `json:"caller"`
	Sale     string `json:"sale"`
	Investor string `json:"investor"`
}

func (s *Service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	caller, err := parsePubkey("caller", req.Caller)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sale, err := parsePubkey("sale", req.Sale)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	investor, err := parsePubkey("investor", req.Investor)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	position, _, err := derive.Position(s.cfg.EngineID, investor, sale)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "derive position address")
		return
	}
	fundPool, _, err := derive.FundPool(s.cfg.EngineID, investor, sale)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "derive fund pool address")
		return
	}

	err = s.engine.WithdrawLocked(r.Context(), escrow.WithdrawParams{
		Caller:          caller,
		SaleAccount:     sale,
		PositionAccount: position,
		FundPool:        fundPool,
	})
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.hub.notify(sale)
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

type closeRequest struct {
	Caller       string `json:"caller"`
	Sale         string `json:"sale"`
	TokenAccount string `json:"token_account,omitempty"`
}

func (s *Service) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	caller, err := parsePubkey("caller", req.Caller)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sale, err := parsePubkey("sale", req.Sale)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	pool, _, err := derive.TokenPool(s.cfg.EngineID, sale)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "derive token pool address")
		return
	}

	tokenAccount, err := s.resolveTokenAccount(r.Context(), req.TokenAccount, caller, sale)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.engine.CloseSale(r.Context(), escrow.CloseParams{
		Caller:       caller,
		SaleAccount:  sale,
		TokenPool:    pool,
		TokenAccount: tokenAccount,
	})
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.hub.notify(sale)
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	sale, err := parsePubkey("sale", r.URL.Query().Get("sale"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.engine.Status(r.Context(), sale)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

type fundRequest struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

type fundTokensRequest struct {
	Address string `json:"address"`
	Owner   string `json:"owner"`
	Mint    string `json:"mint"`
	Amount  uint64 `json:"amount"`
}

func (s *Service) handleFund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	if s.funder == nil {
		s.respondError(w, http.StatusNotImplemented, "funding is not available on this host")
		return
	}

	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	addr, err := parsePubkey("address", req.Address)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount == 0 {
		s.respondError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	if err := s.funder.Credit(r.Context(), addr, req.Amount); err != nil {
		s.logger.Error("funding failed", "addr", addr, "err", err)
		s.respondError(w, http.StatusInternalServerError, "funding failed")
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleFundTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	if s.funder == nil {
		s.respondError(w, http.StatusNotImplemented, "funding is not available on this host")
		return
	}

	var req fundTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	addr, err := parsePubkey("address", req.Address)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := parsePubkey("owner", req.Owner)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	mint, err := parsePubkey("mint", req.Mint)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount == 0 {
		s.respondError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	if err := s.funder.CreditTokens(r.Context(), addr, owner, mint, req.Amount); err != nil {
		s.logger.Error("token funding failed", "addr", addr, "err", err)
		s.respondError(w, http.StatusInternalServerError, "token funding failed")
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

// resolveTokenAccount falls back to the associated token address of the
// wallet for the sale's mint when the request leaves the destination blank.
func (s *Service) resolveTokenAccount(ctx context.Context, supplied string, wallet, sale solana.PublicKey) (solana.PublicKey, error) {
	if strings.TrimSpace(supplied) != "" {
		return parsePubkey("token_account", supplied)
	}

	report, err := s.engine.Status(ctx, sale)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("resolve token account: %w", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(wallet, report.TokenMint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token address: %w", err)
	}
	return ata, nil
}

func (s *Service) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		s.logger.Debug("request", "id", requestID, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func parsePubkey(field, raw string) (solana.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return solana.PublicKey{}, fmt.Errorf("%s is required", field)
	}
	pk, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", field, err)
	}
	return pk, nil
}

func (s *Service) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, escrow.ErrAddressMismatch):
		s.respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrNotInitialized):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrAlreadyInitialized):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrBelowMinInvestment),
		errors.Is(err, escrow.ErrExceedsMaxInvestment),
		errors.Is(err, escrow.ErrNotEnoughTokens),
		errors.Is(err, escrow.ErrNoFundsToWithdraw),
		errors.Is(err, escrow.ErrStillLocked),
		errors.Is(err, escrow.ErrSaleNotEnded),
		errors.Is(err, escrow.ErrBelowRentFloor),
		errors.Is(err, escrow.ErrInvalidLockDuration),
		errors.Is(err, escrow.ErrInvalidTokenAccount),
		errors.Is(err, escrow.ErrAmountOverflow):
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, oracle.ErrInvalidPriceFeed), errors.Is(err, oracle.ErrStalePrice):
		s.respondError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("operation failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "operation failed")
	}
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
