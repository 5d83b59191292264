// Package merkle builds the reward distribution tree and generates proofs.
//
// The encoding is an interoperability contract with the on-chain verifier
// and must not change:
//
//	leaf   = SHA256(epoch u64 LE || index u32 LE || wallet 32 bytes || amount u64 LE)
//	parent = SHA256(min(left, right) || max(left, right))
//
// min/max compare the two child hashes as unsigned big-endian 32-byte
// integers, so proofs carry no left/right orientation. A layer with an odd
// node count pairs its last node with itself.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// HashSize is the size of every tree node in bytes.
const HashSize = sha256.Size

// Hash is a single tree node. It serializes as lowercase hex.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("merkle: invalid hash hex: %w", err)
	}
	if len(raw) != HashSize {
		return fmt.Errorf("merkle: invalid hash length %d", len(raw))
	}
	copy(h[:], raw)
	return nil
}

// LayerOffset locates one tree layer inside the flat node arena.
type LayerOffset struct {
	Start uint64
	Len   uint32
}

// Tree is a fully built distribution tree. Nodes holds every layer
// contiguously, leaves first, root last; Offsets indexes into it per layer.
// Storing the raw tree once is O(N) space versus O(N log N) for per-wallet
// proofs, with proofs derived on demand in O(log N).
type Tree struct {
	Nodes   []Hash
	Offsets []LayerOffset
}

// ErrEmptyLeaves is returned when Build is called with no leaves.
var ErrEmptyLeaves = errors.New("merkle: no leaves")

// LeafHash commits to one wallet's aggregated claimable amount in an epoch.
func LeafHash(epoch uint64, index uint32, wallet solana.PublicKey, amount uint64) Hash {
	var buf [8 + 4 + 32 + 8]byte
	binary.LittleEndian.PutUint64(buf[0:8], epoch)
	binary.LittleEndian.PutUint32(buf[8:12], index)
	copy(buf[12:44], wallet[:])
	binary.LittleEndian.PutUint64(buf[44:52], amount)
	return sha256.Sum256(buf[:])
}

// ParentHash hashes the sorted concatenation of two child nodes.
func ParentHash(left, right Hash) Hash {
	var buf [2 * HashSize]byte
	if bytes.Compare(left[:], right[:]) <= 0 {
		copy(buf[:HashSize], left[:])
		copy(buf[HashSize:], right[:])
	} else {
		copy(buf[:HashSize], right[:])
		copy(buf[HashSize:], left[:])
	}
	return sha256.Sum256(buf[:])
}

// Build constructs the tree bottom-up from leaves in index order.
func Build(leaves []Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyLeaves
	}

	t := &Tree{}
	layer := leaves
	for {
		t.Offsets = append(t.Offsets, LayerOffset{
			Start: uint64(len(t.Nodes)),
			Len:   uint32(len(layer)),
		})
		t.Nodes = append(t.Nodes, layer...)
		if len(layer) == 1 {
			return t, nil
		}

		next := make([]Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 < len(layer) {
				next = append(next, ParentHash(layer[i], layer[i+1]))
			} else {
				// Odd layer: the last node is paired with itself.
				next = append(next, ParentHash(layer[i], layer[i]))
			}
		}
		layer = next
	}
}

// Root returns the tree's root node.
func (t *Tree) Root() Hash {
	return t.Nodes[len(t.Nodes)-1]
}

// LeavesCount returns the number of leaves in the tree.
func (t *Tree) LeavesCount() uint32 {
	return t.Offsets[0].Len
}

// Proof returns the ordered sibling hashes for the leaf at index.
func (t *Tree) Proof(index uint32) ([]Hash, error) {
	positions, err := ProofPositions(t.Offsets, index)
	if err != nil {
		return nil, err
	}
	proof := make([]Hash, len(positions))
	for i, pos := range positions {
		proof[i] = t.Nodes[pos]
	}
	return proof, nil
}

// ProofPositions returns, for the leaf at index, the flat-arena positions of
// each layer's sibling node, bottom-up, excluding the root layer. The sibling
// index is index XOR 1; when that falls past an odd layer's end, the node's
// own position is used per the duplicate-last-node rule. Callers with the
// arena in external storage fetch exactly these positions.
func ProofPositions(offsets []LayerOffset, index uint32) ([]uint64, error) {
	if len(offsets) == 0 {
		return nil, errors.New("merkle: no layer offsets")
	}
	if index >= offsets[0].Len {
		return nil, fmt.Errorf("merkle: leaf index %d out of range (%d leaves)", index, offsets[0].Len)
	}

	positions := make([]uint64, 0, len(offsets)-1)
	idx := index
	for _, layer := range offsets[:len(offsets)-1] {
		sibling := idx ^ 1
		if sibling >= layer.Len {
			sibling = idx
		}
		positions = append(positions, layer.Start+uint64(sibling))
		idx /= 2
	}
	return positions, nil
}

// VerifyProof recomputes the root from a leaf and its proof and compares it
// against the expected root. This mirrors what the on-chain verifier does.
func VerifyProof(leaf Hash, proof []Hash, root Hash) bool {
	node := leaf
	for _, sibling := range proof {
		node = ParentHash(node, sibling)
	}
	return node == root
}
