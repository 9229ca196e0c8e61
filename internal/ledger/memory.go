package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

const defaultRentFloor = uint64(890_880)

type memAccount struct {
	balance uint64
	data    []byte
}

// Memory is an in-process Host backed by maps. Atomic snapshots the whole
// state before running fn and restores it when fn fails, so a failed
// invocation leaves every account byte-for-byte unchanged.
type Memory struct {
	mu        sync.Mutex
	clock     func() time.Time
	rentFloor uint64
	accounts  map[solana.PublicKey]*memAccount
	tokens    map[solana.PublicKey]*TokenAccount
}

// NewMemory builds an empty in-memory host using the supplied clock. A nil
// clock means time.Now.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		clock:     clock,
		rentFloor: defaultRentFloor,
		accounts:  make(map[solana.PublicKey]*memAccount),
		tokens:    make(map[solana.PublicKey]*TokenAccount),
	}
}

// Fund credits a base-asset balance outside any invocation, creating the
// account if needed. Test and bootstrap helper.
func (m *Memory) Fund(addr solana.PublicKey, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.accounts[addr]
	if acc == nil {
		acc = &memAccount{}
		m.accounts[addr] = acc
	}
	acc.balance += amount
}

// FundTokens credits a token balance, creating the token account bound to
// mint and owned by owner if needed. Test and bootstrap helper.
func (m *Memory) FundTokens(addr, owner, mint solana.PublicKey, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := m.tokens[addr]
	if tok == nil {
		tok = &TokenAccount{Owner: owner, Mint: mint}
		m.tokens[addr] = tok
	}
	tok.Balance += amount
}

// BalanceOf reads a base-asset balance outside any invocation. Test helper.
func (m *Memory) BalanceOf(addr solana.PublicKey) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.accounts[addr]
	if acc == nil {
		return 0
	}
	return acc.balance
}

// TokenBalanceOf reads a token balance outside any invocation. Test helper.
func (m *Memory) TokenBalanceOf(addr solana.PublicKey) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := m.tokens[addr]
	if tok == nil {
		return 0
	}
	return tok.Balance
}

// SetTokenDelegate marks a delegate on an existing token account. Test
// helper for the deposit destination checks.
func (m *Memory) SetTokenDelegate(addr solana.PublicKey, delegate *solana.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok := m.tokens[addr]; tok != nil {
		tok.Delegate = delegate
	}
}

// SetTokenCloseAuthority marks a close authority on an existing token
// account. Test helper.
func (m *Memory) SetTokenCloseAuthority(addr solana.PublicKey, authority *solana.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok := m.tokens[addr]; tok != nil {
		tok.CloseAuthority = authority
	}
}

func (m *Memory) Atomic(ctx context.Context, fn func(Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	accounts, tokens := m.snapshot()
	session := &memSession{host: m}
	if err := fn(session); err != nil {
		m.accounts = accounts
		m.tokens = tokens
		return err
	}
	return nil
}

func (m *Memory) snapshot() (map[solana.PublicKey]*memAccount, map[solana.PublicKey]*TokenAccount) {
	accounts := make(map[solana.PublicKey]*memAccount, len(m.accounts))
	for addr, acc := range m.accounts {
		copied := &memAccount{balance: acc.balance}
		if acc.data != nil {
			copied.data = append([]byte(nil), acc.data...)
		}
		accounts[addr] = copied
	}
	tokens := make(map[solana.PublicKey]*TokenAccount, len(m.tokens))
	for addr, tok := range m.tokens {
		copied := *tok
		tokens[addr] = &copied
	}
	return accounts, tokens
}

type memSession struct {
	host *Memory
}

func (s *memSession) Now() time.Time {
	return s.host.clock()
}

func (s *memSession) RentFloor() uint64 {
	return s.host.rentFloor
}

func (s *memSession) Balance(addr solana.PublicKey) (uint64, error) {
	acc := s.host.accounts[addr]
	if acc == nil {
		return 0, nil
	}
	return acc.balance, nil
}

func (s *memSession) CreateAccount(addr, payer solana.PublicKey) error {
	if s.host.accounts[addr] != nil {
		return nil
	}
	payerAcc := s.host.accounts[payer]
	if payerAcc == nil || payerAcc.balance < s.host.rentFloor {
		return fmt.Errorf("bootstrap %s: %w", addr, ErrInsufficientBalance)
	}
	payerAcc.balance -= s.host.rentFloor
	s.host.accounts[addr] = &memAccount{balance: s.host.rentFloor}
	return nil
}

func (s *memSession) Data(addr solana.PublicKey) ([]byte, error) {
	acc := s.host.accounts[addr]
	if acc == nil || len(acc.data) == 0 {
		return nil, nil
	}
	return append([]byte(nil), acc.data...), nil
}

func (s *memSession) SetData(addr solana.PublicKey, data []byte) error {
	acc := s.host.accounts[addr]
	if acc == nil {
		return fmt.Errorf("set data %s: %w", addr, ErrAccountNotFound)
	}
	acc.data = append([]byte(nil), data...)
	return nil
}

func (s *memSession) TokenAccount(addr solana.PublicKey) (*TokenAccount, error) {
	tok := s.host.tokens[addr]
	if tok == nil {
		return nil, nil
	}
	copied := *tok
	return &copied, nil
}

func (s *memSession) CreateTokenAccount(addr, owner, mint solana.PublicKey) error {
	if s.host.tokens[addr] != nil {
		return nil
	}
	s.host.tokens[addr] = &TokenAccount{Owner: owner, Mint: mint}
	return nil
}

func (s *memSession) TransferFunds(from, to solana.PublicKey, amount uint64) error {
	fromAcc := s.host.accounts[from]
	if fromAcc == nil {
		return fmt.Errorf("transfer from %s: %w", from, ErrAccountNotFound)
	}
	if fromAcc.balance < amount {
		return fmt.Errorf("transfer from %s: %w", from, ErrInsufficientBalance)
	}
	toAcc := s.host.accounts[to]
	if toAcc == nil {
		toAcc = &memAccount{}
		s.host.accounts[to] = toAcc
	}
	fromAcc.balance -= amount
	toAcc.balance += amount
	return nil
}

func (s *memSession) TransferTokens(from, to solana.PublicKey, amount uint64) error {
	fromTok := s.host.tokens[from]
	if fromTok == nil {
		return fmt.Errorf("token transfer from %s: %w", from, ErrAccountNotFound)
	}
	toTok := s.host.tokens[to]
	if toTok == nil {
		return fmt.Errorf("token transfer to %s: %w", to, ErrAccountNotFound)
	}
	if fromTok.Balance < amount {
		return fmt.Errorf("token transfer from %s: %w", from, ErrInsufficientBalance)
	}
	fromTok.Balance -= amount
	toTok.Balance += amount
	return nil
}
