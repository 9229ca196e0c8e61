// Package derive produces the deterministic addresses the escrow engine
// uses for its four account roles. Each role carries its own seed tag, so
// addresses from different roles can never collide.
package derive

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	saleSeed      = "global-sale"
	positionSeed  = "position"
	tokenPoolSeed = "token-vault"
	fundPoolSeed  = "fund-vault"
)

// Sale derives the address of the global sale record for one
// (operator, token mint) pair.
func Sale(engineID, operator, tokenMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(saleSeed), operator.Bytes(), tokenMint.Bytes()}, engineID)
}

// Position derives the address of an investor's position record within a sale.
func Position(engineID, investor, sale solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(positionSeed), investor.Bytes(), sale.Bytes()}, engineID)
}

// TokenPool derives the address of the sale's token custody pool.
func TokenPool(engineID, sale solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(tokenPoolSeed), sale.Bytes()}, engineID)
}

// FundPool derives the address of the per-investor locked-fund pool.
func FundPool(engineID, investor, sale solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(fundPoolSeed), investor.Bytes(), sale.Bytes()}, engineID)
}

func MustSale(engineID, operator, tokenMint solana.PublicKey) solana.PublicKey {
	pk, _, err := Sale(engineID, operator, tokenMint)
	if err != nil {
		panic(fmt.Errorf("derive sale address: %w", err))
	}
	return pk
}

func MustPosition(engineID, investor, sale solana.PublicKey) solana.PublicKey {
	pk, _, err := Position(engineID, investor, sale)
	if err != nil {
		panic(fmt.Errorf("derive position address: %w", err))
	}
	return pk
}

func MustTokenPool(engineID, sale solana.PublicKey) solana.PublicKey {
	pk, _, err := TokenPool(engineID, sale)
	if err != nil {
		panic(fmt.Errorf("derive token pool address: %w", err))
	}
	return pk
}

func MustFundPool(engineID, investor, sale solana.PublicKey) solana.PublicKey {
	pk, _, err := FundPool(engineID, investor, sale)
	if err != nil {
		panic(fmt.Errorf("derive fund pool address: %w", err))
	}
	return pk
}
