package wallet_test

import (
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/tally/pkg/wallet"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

func TestTally_Wallet_Decode(t *testing.T) {
	t.Parallel()

	t.Run("round-trips a valid solana pubkey", func(t *testing.T) {
		t.Parallel()

		pk := solana.NewWallet().PublicKey()
		decoded, err := wallet.Decode(pk.String())
		require.NoError(t, err)
		require.Equal(t, pk, decoded)
	})

	t.Run("rejects non-base58 characters", func(t *testing.T) {
		t.Parallel()

		_, err := wallet.Decode("0OIl+/not-base58")
		require.ErrorIs(t, err, wallet.ErrInvalidWallet)
	})

	t.Run("rejects wrong decoded length", func(t *testing.T) {
		t.Parallel()

		// 16 bytes decodes fine but is not a pubkey.
		short := base58.Encode(make([]byte, 16))
		_, err := wallet.Decode(short)
		require.ErrorIs(t, err, wallet.ErrInvalidWallet)
		require.Contains(t, err.Error(), "got 16")

		long := base58.Encode(make([]byte, 33))
		_, err = wallet.Decode(long)
		require.ErrorIs(t, err, wallet.ErrInvalidWallet)
	})

	t.Run("rejects empty string", func(t *testing.T) {
		t.Parallel()

		require.Error(t, wallet.Validate(""))
		require.Error(t, wallet.Validate(strings.Repeat(" ", 44)))
	})
}
