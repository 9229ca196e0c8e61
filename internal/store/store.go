// Package store is the Postgres-backed ledger host. One engine invocation
// maps to one SQL transaction, which supplies the all-or-nothing commit the
// engine's transition logic assumes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ondrix/escrow/backend/internal/ledger"
	"github.com/ondrix/escrow/backend/internal/oracle"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultRentFloor = uint64(890_880)

type Store struct {
	db        *DB
	clock     func() time.Time
	rentFloor uint64
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func New(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}, clock: time.Now, rentFloor: defaultRentFloor}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			addr TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			data BYTEA
		)`,
		`CREATE TABLE IF NOT EXISTS token_accounts (
			addr TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			mint TEXT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0,
			delegate TEXT,
			close_authority TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS price_ticks (
			id BIGSERIAL PRIMARY KEY,
			feed TEXT NOT NULL,
			source TEXT NOT NULL,
			answer BIGINT NOT NULL,
			observed_at BIGINT NOT NULL,
			received_at BIGINT NOT NULL,
			raw TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_ticks_feed_observed
			ON price_ticks (feed, observed_at DESC)`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Atomic implements ledger.Host: fn runs inside one SQL transaction which
// is rolled back whole when fn fails.
func (s *Store) Atomic(ctx context.Context, fn func(ledger.Session) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invocation: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	session := &pgSession{ctx: ctx, tx: tx, clock: s.clock, rentFloor: s.rentFloor}
	if err := fn(session); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit invocation: %w", err)
	}
	return nil
}

type pgSession struct {
	ctx       context.Context
	tx        *Tx
	clock     func() time.Time
	rentFloor uint64
}

func (s *pgSession) Now() time.Time {
	return s.clock()
}

func (s *pgSession) RentFloor() uint64 {
	return s.rentFloor
}

func (s *pgSession) Balance(addr solana.PublicKey) (uint64, error) {
	var balance int64
	err := s.tx.QueryRowContext(s.ctx, `SELECT balance FROM accounts WHERE addr = ?`, addr.String()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return uint64(balance), nil
}

func (s *pgSession) CreateAccount(addr, payer solana.PublicKey) error {
	var exists bool
	err := s.tx.QueryRowContext(s.ctx, `SELECT TRUE FROM accounts WHERE addr = ?`, addr.String()).Scan(&exists)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query account: %w", err)
	}

	if err := s.debit(payer, s.rentFloor); err != nil {
		return fmt.Errorf("bootstrap %s: %w", addr, err)
	}
	if _, err := s.tx.ExecContext(s.ctx,
		`INSERT INTO accounts (addr, balance) VALUES (?, ?)`,
		addr.String(), int64(s.rentFloor),
	); err != nil {
		return fmt.Errorf("create account %s: %w", addr, err)
	}
	return nil
}

func (s *pgSession) Data(addr solana.PublicKey) ([]byte, error) {
	var data []byte
	err := s.tx.QueryRowContext(s.ctx, `SELECT data FROM accounts WHERE addr = ?`, addr.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account data: %w", err)
	}
	return data, nil
}

func (s *pgSession) SetData(addr solana.PublicKey, data []byte) error {
	result, err := s.tx.ExecContext(s.ctx, `UPDATE accounts SET data = ? WHERE addr = ?`, data, addr.String())
	if err != nil {
		return fmt.Errorf("set account data: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set account data: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set data %s: %w", addr, ledger.ErrAccountNotFound)
	}
	return nil
}

func (s *pgSession) TokenAccount(addr solana.PublicKey) (*ledger.TokenAccount, error) {
	var (
		owner, mint    string
		balance        int64
		delegate       sql.NullString
		closeAuthority sql.NullString
	)
	err := s.tx.QueryRowContext(s.ctx,
		`SELECT owner, mint, balance, delegate, close_authority FROM token_accounts WHERE addr = ?`,
		addr.String(),
	).Scan(&owner, &mint, &balance, &delegate, &closeAuthority)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query token account: %w", err)
	}

	account := &ledger.TokenAccount{Balance: uint64(balance)}
	if account.Owner, err = solana.PublicKeyFromBase58(owner); err != nil {
		return nil, fmt.Errorf("decode token account owner: %w", err)
	}
	if account.Mint, err = solana.PublicKeyFromBase58(mint); err != nil {
		return nil, fmt.Errorf("decode token account mint: %w", err)
	}
	if delegate.Valid {
		pk, err := solana.PublicKeyFromBase58(delegate.String)
		if err != nil {
			return nil, fmt.Errorf("decode token account delegate: %w", err)
		}
		account.Delegate = &pk
	}
	if closeAuthority.Valid {
		pk, err := solana.PublicKeyFromBase58(closeAuthority.String)
		if err != nil {
			return nil, fmt.Errorf("decode token account close authority: %w", err)
		}
		account.CloseAuthority = &pk
	}
	return account, nil
}

func (s *pgSession) CreateTokenAccount(addr, owner, mint solana.PublicKey) error {
	if _, err := s.tx.ExecContext(s.ctx,
		`INSERT INTO token_accounts (addr, owner, mint, balance) VALUES (?, ?, ?, 0)
		 ON CONFLICT (addr) DO NOTHING`,
		addr.String(), owner.String(), mint.String(),
	); err != nil {
		return fmt.Errorf("create token account %s: %w", addr, err)
	}
	return nil
}

func (s *pgSession) TransferFunds(from, to solana.PublicKey, amount uint64) error {
	if err := s.debit(from, amount); err != nil {
		return err
	}
	if _, err := s.tx.ExecContext(s.ctx,
		`INSERT INTO accounts (addr, balance) VALUES (?, ?)
		 ON CONFLICT (addr) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
		to.String(), int64(amount),
	); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}

func (s *pgSession) debit(from solana.PublicKey, amount uint64) error {
	result, err := s.tx.ExecContext(s.ctx,
		`UPDATE accounts SET balance = balance - ? WHERE addr = ? AND balance >= ?`,
		int64(amount), from.String(), int64(amount),
	)
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if affected == 0 {
		return fmt.Errorf("debit %s: %w", from, ledger.ErrInsufficientBalance)
	}
	return nil
}

func (s *pgSession) TransferTokens(from, to solana.PublicKey, amount uint64) error {
	result, err := s.tx.ExecContext(s.ctx,
		`UPDATE token_accounts SET balance = balance - ? WHERE addr = ? AND balance >= ?`,
		int64(amount), from.String(), int64(amount),
	)
	if err != nil {
		return fmt.Errorf("token debit %s: %w", from, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("token debit %s: %w", from, err)
	}
	if affected == 0 {
		return fmt.Errorf("token debit %s: %w", from, ledger.ErrInsufficientBalance)
	}

	result, err = s.tx.ExecContext(s.ctx,
		`UPDATE token_accounts SET balance = balance + ? WHERE addr = ?`,
		int64(amount), to.String(),
	)
	if err != nil {
		return fmt.Errorf("token credit %s: %w", to, err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("token credit %s: %w", to, err)
	}
	if affected == 0 {
		return fmt.Errorf("token credit %s: %w", to, ledger.ErrAccountNotFound)
	}
	return nil
}

// PriceTickInput is one observation recorded by the feed watcher.
type PriceTickInput struct {
	Feed       solana.PublicKey
	Source     string
	Answer     int64
	ObservedAt int64
	ReceivedAt int64
	RawJSON    string
}

func (s *Store) InsertPriceTick(ctx context.Context, input PriceTickInput) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO price_ticks (feed, source, answer, observed_at, received_at, raw)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		input.Feed.String(), input.Source, input.Answer, input.ObservedAt, input.ReceivedAt, input.RawJSON,
	); err != nil {
		return fmt.Errorf("insert price tick: %w", err)
	}
	return nil
}

// LatestPriceTick implements oracle.TickReader.
func (s *Store) LatestPriceTick(ctx context.Context, feed solana.PublicKey) (oracle.Tick, bool, error) {
	var tick oracle.Tick
	err := s.db.QueryRowContext(ctx,
		`SELECT answer, observed_at FROM price_ticks WHERE feed = ? ORDER BY observed_at DESC, id DESC LIMIT 1`,
		feed.String(),
	).Scan(&tick.Answer, &tick.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return oracle.Tick{}, false, nil
	}
	if err != nil {
		return oracle.Tick{}, false, fmt.Errorf("query latest tick: %w", err)
	}
	return tick, true, nil
}

// Credit funds an account outside any engine invocation. Operational
// helper for seeding investor balances in a custodial deployment.
func (s *Store) Credit(ctx context.Context, addr solana.PublicKey, amount uint64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (addr, balance) VALUES (?, ?)
		 ON CONFLICT (addr) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
		addr.String(), int64(amount),
	); err != nil {
		return fmt.Errorf("credit %s: %w", addr, err)
	}
	return nil
}

// CreditTokens funds a token account outside any engine invocation,
// creating it if needed. Operational helper for seeding the operator's
// token holding before Initialize.
func (s *Store) CreditTokens(ctx context.Context, addr, owner, mint solana.PublicKey, amount uint64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO token_accounts (addr, owner, mint, balance) VALUES (?, ?, ?, ?)
		 ON CONFLICT (addr) DO UPDATE SET balance = token_accounts.balance + EXCLUDED.balance`,
		addr.String(), owner.String(), mint.String(), int64(amount),
	); err != nil {
		return fmt.Errorf("credit tokens %s: %w", addr, err)
	}
	return nil
}
