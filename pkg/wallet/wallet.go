// Package wallet decodes and validates base58 Solana wallet addresses.
//
// Every public ledger operation that takes a wallet argument runs Decode
// first, before touching any state.
package wallet

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// ErrInvalidWallet is returned for any address whose base58 decoding is not
// exactly 32 bytes, or that contains characters outside the base58 alphabet.
var ErrInvalidWallet = errors.New("invalid wallet address")

// Decode parses a base58 wallet address into its 32-byte public key form.
func Decode(address string) (solana.PublicKey, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrInvalidWallet, err)
	}
	if len(raw) != solana.PublicKeyLength {
		return solana.PublicKey{}, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidWallet, len(raw))
	}
	return solana.PublicKeyFromBytes(raw), nil
}

// Validate reports whether address is a well-formed 32-byte base58 key.
func Validate(address string) error {
	_, err := Decode(address)
	return err
}
