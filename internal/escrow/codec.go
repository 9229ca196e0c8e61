package escrow

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Address identifies accounts, mints and signers throughout the engine.
type Address = solana.PublicKey

// Entity records are persisted as borsh byte images inside the account
// store, mirroring the account layout the rest of the stack expects.

func MarshalSale(s *SaleRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encode sale record: %w", err)
	}
	return buf.Bytes(), nil
}

func UnmarshalSale(data []byte) (*SaleRecord, error) {
	var s SaleRecord
	if err := bin.NewBorshDecoder(data).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode sale record: %w", err)
	}
	return &s, nil
}

func MarshalPosition(p *Position) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("encode position: %w", err)
	}
	return buf.Bytes(), nil
}

func UnmarshalPosition(data []byte) (*Position, error) {
	var p Position
	if err := bin.NewBorshDecoder(data).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	return &p, nil
}
