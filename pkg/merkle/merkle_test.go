package merkle_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/tally/pkg/merkle"
	"github.com/stretchr/testify/require"
)

func TestTally_Merkle_LeafHash(t *testing.T) {
	t.Parallel()

	t.Run("matches the wire encoding byte for byte", func(t *testing.T) {
		t.Parallel()

		pk := solana.NewWallet().PublicKey()

		var preimage bytes.Buffer
		require.NoError(t, binary.Write(&preimage, binary.LittleEndian, uint64(7)))
		require.NoError(t, binary.Write(&preimage, binary.LittleEndian, uint32(3)))
		preimage.Write(pk[:])
		require.NoError(t, binary.Write(&preimage, binary.LittleEndian, uint64(50)))

		want := sha256.Sum256(preimage.Bytes())
		require.Equal(t, merkle.Hash(want), merkle.LeafHash(7, 3, pk, 50))
	})

	t.Run("changes with every field", func(t *testing.T) {
		t.Parallel()

		pk := solana.NewWallet().PublicKey()
		base := merkle.LeafHash(1, 0, pk, 10)
		require.NotEqual(t, base, merkle.LeafHash(2, 0, pk, 10))
		require.NotEqual(t, base, merkle.LeafHash(1, 1, pk, 10))
		require.NotEqual(t, base, merkle.LeafHash(1, 0, pk, 11))
		require.NotEqual(t, base, merkle.LeafHash(1, 0, solana.NewWallet().PublicKey(), 10))
	})
}

func TestTally_Merkle_ParentHash(t *testing.T) {
	t.Parallel()

	t.Run("is commutative", func(t *testing.T) {
		t.Parallel()

		a := merkle.Hash(sha256.Sum256([]byte("a")))
		b := merkle.Hash(sha256.Sum256([]byte("b")))
		require.Equal(t, merkle.ParentHash(a, b), merkle.ParentHash(b, a))
	})

	t.Run("hashes smaller child first", func(t *testing.T) {
		t.Parallel()

		var lo, hi merkle.Hash
		hi[0] = 0xff
		var buf bytes.Buffer
		buf.Write(lo[:])
		buf.Write(hi[:])
		want := sha256.Sum256(buf.Bytes())
		require.Equal(t, merkle.Hash(want), merkle.ParentHash(hi, lo))
	})
}

func TestTally_Merkle_Build(t *testing.T) {
	t.Parallel()

	t.Run("rejects empty leaf set", func(t *testing.T) {
		t.Parallel()

		_, err := merkle.Build(nil)
		require.ErrorIs(t, err, merkle.ErrEmptyLeaves)
	})

	t.Run("single leaf tree has root equal to the leaf", func(t *testing.T) {
		t.Parallel()

		leaf := merkle.LeafHash(1, 0, solana.NewWallet().PublicKey(), 50)
		tree, err := merkle.Build([]merkle.Hash{leaf})
		require.NoError(t, err)
		require.Equal(t, leaf, tree.Root())
		require.Equal(t, uint32(1), tree.LeavesCount())

		proof, err := tree.Proof(0)
		require.NoError(t, err)
		require.Empty(t, proof)
	})

	t.Run("two leaves produce sorted-pair root and single-sibling proofs", func(t *testing.T) {
		t.Parallel()

		leafA := merkle.LeafHash(1, 0, solana.NewWallet().PublicKey(), 10)
		leafB := merkle.LeafHash(1, 1, solana.NewWallet().PublicKey(), 20)
		tree, err := merkle.Build([]merkle.Hash{leafA, leafB})
		require.NoError(t, err)
		require.Equal(t, merkle.ParentHash(leafA, leafB), tree.Root())

		proofA, err := tree.Proof(0)
		require.NoError(t, err)
		require.Equal(t, []merkle.Hash{leafB}, proofA)

		proofB, err := tree.Proof(1)
		require.NoError(t, err)
		require.Equal(t, []merkle.Hash{leafA}, proofB)
	})

	t.Run("odd layer duplicates its last node", func(t *testing.T) {
		t.Parallel()

		leaves := testLeaves(t, 3)
		tree, err := merkle.Build(leaves)
		require.NoError(t, err)

		// Layer 1 is [H(l0,l1), H(l2,l2)].
		wantRoot := merkle.ParentHash(
			merkle.ParentHash(leaves[0], leaves[1]),
			merkle.ParentHash(leaves[2], leaves[2]),
		)
		require.Equal(t, wantRoot, tree.Root())

		// The last leaf's first sibling is itself.
		proof, err := tree.Proof(2)
		require.NoError(t, err)
		require.Equal(t, leaves[2], proof[0])
	})

	t.Run("is deterministic", func(t *testing.T) {
		t.Parallel()

		leaves := testLeaves(t, 9)
		first, err := merkle.Build(leaves)
		require.NoError(t, err)
		second, err := merkle.Build(leaves)
		require.NoError(t, err)
		require.Equal(t, first.Nodes, second.Nodes)
		require.Equal(t, first.Offsets, second.Offsets)
	})

	t.Run("flat arena layers are contiguous", func(t *testing.T) {
		t.Parallel()

		tree, err := merkle.Build(testLeaves(t, 6))
		require.NoError(t, err)

		var total uint64
		for i, off := range tree.Offsets {
			require.Equal(t, total, off.Start, "layer %d", i)
			total += uint64(off.Len)
		}
		require.Equal(t, total, uint64(len(tree.Nodes)))
		require.Equal(t, uint32(1), tree.Offsets[len(tree.Offsets)-1].Len)
	})
}

func TestTally_Merkle_VerifyProof(t *testing.T) {
	t.Parallel()

	t.Run("every leaf proof recomputes the root", func(t *testing.T) {
		t.Parallel()

		for _, n := range []int{1, 2, 3, 4, 5, 8, 13, 64, 100} {
			leaves := testLeaves(t, n)
			tree, err := merkle.Build(leaves)
			require.NoError(t, err)

			for i := range leaves {
				proof, err := tree.Proof(uint32(i))
				require.NoError(t, err)
				require.True(t, merkle.VerifyProof(leaves[i], proof, tree.Root()),
					"n=%d leaf=%d", n, i)
			}
		}
	})

	t.Run("rejects a tampered leaf", func(t *testing.T) {
		t.Parallel()

		leaves := testLeaves(t, 5)
		tree, err := merkle.Build(leaves)
		require.NoError(t, err)

		proof, err := tree.Proof(2)
		require.NoError(t, err)

		tampered := leaves[2]
		tampered[0] ^= 0x01
		require.False(t, merkle.VerifyProof(tampered, proof, tree.Root()))
	})

	t.Run("rejects an out-of-range index", func(t *testing.T) {
		t.Parallel()

		tree, err := merkle.Build(testLeaves(t, 4))
		require.NoError(t, err)
		_, err = tree.Proof(4)
		require.Error(t, err)
	})
}

func testLeaves(t *testing.T, n int) []merkle.Hash {
	t.Helper()
	leaves := make([]merkle.Hash, n)
	for i := range leaves {
		leaves[i] = sha256.Sum256(fmt.Appendf(nil, "leaf-%d", i))
	}
	return leaves
}
