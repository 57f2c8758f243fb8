package hash

import (
	"fmt"
	"math/bits"
)

// Side tells a verifier on which side of the running hash a sibling sits.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	Side Side   `json:"side"`
}

// MerkleNode is a node of a built tree. Leaves have no children.
type MerkleNode struct {
	Hash  string
	Left  *MerkleNode
	Right *MerkleNode
}

// MerkleTree is a binary tree over an ordered list of leaf hashes. The leaf
// level is padded by repeating the last leaf until its size is a power of
// two. Leaf order is significant.
//
// Only complete subtrees are stored: full[k] holds, left to right, the hashes
// of subtrees covering 2^k real leaves. Nodes on the right edge that mix real
// leaves with padding are recomputed on demand, so Append and Root cost
// O(log n). A MerkleTree is not safe for concurrent mutation.
type MerkleTree struct {
	leafCount int
	full      [][]string
	root      *MerkleNode
}

func NewMerkleTree(leaves []string) *MerkleTree {
	mt := &MerkleTree{}
	for _, leaf := range leaves {
		mt.Append(leaf)
	}
	return mt
}

// Append adds leaf as the new last leaf.
func (mt *MerkleTree) Append(leaf string) {
	mt.root = nil
	mt.leafCount++
	carry := leaf
	for k := 0; ; k++ {
		if k == len(mt.full) {
			mt.full = append(mt.full, nil)
		}
		mt.full[k] = append(mt.full[k], carry)
		n := len(mt.full[k])
		if n%2 != 0 {
			return
		}
		carry = hashPair(mt.full[k][n-2], mt.full[k][n-1])
	}
}

// RootWith returns the root the tree would have with leaf appended, leaving
// the tree unchanged.
func (mt *MerkleTree) RootWith(leaf string) string {
	lens := make([]int, len(mt.full))
	for k, level := range mt.full {
		lens[k] = len(level)
	}
	depth := len(mt.full)

	mt.Append(leaf)
	root := mt.Root()

	mt.leafCount--
	mt.full = mt.full[:depth]
	for k := range mt.full {
		mt.full[k] = mt.full[k][:lens[k]]
	}
	return root
}

func hashPair(left, right string) string {
	return CalculateString(left + right)
}

// height is the number of levels above the padded leaf level.
func (mt *MerkleTree) height() int {
	if mt.leafCount <= 1 {
		return 0
	}
	return bits.Len(uint(mt.leafCount - 1))
}

// padding returns the hash of a subtree of height k made only of copies of
// the last leaf, for every k up to the tree height.
func (mt *MerkleTree) padding() []string {
	pads := make([]string, mt.height()+1)
	pads[0] = mt.full[0][mt.leafCount-1]
	for k := 1; k < len(pads); k++ {
		pads[k] = hashPair(pads[k-1], pads[k-1])
	}
	return pads
}

// node returns the hash of the node at level k, position i, of the padded
// tree.
func (mt *MerkleTree) node(k, i int, pads []string) string {
	if k < len(mt.full) && i < len(mt.full[k]) {
		return mt.full[k][i]
	}
	if i<<k >= mt.leafCount {
		return pads[k]
	}
	return hashPair(mt.node(k-1, 2*i, pads), mt.node(k-1, 2*i+1, pads))
}

// Root returns the root hash, or ZeroHash for an empty tree.
func (mt *MerkleTree) Root() string {
	if mt.leafCount == 0 {
		return ZeroHash
	}
	return mt.node(mt.height(), 0, mt.padding())
}

func (mt *MerkleTree) LeafCount() int {
	return mt.leafCount
}

// Leaf returns the unpadded leaf at i, or "" when out of range.
func (mt *MerkleTree) Leaf(i int) string {
	if i < 0 || i >= mt.leafCount {
		return ""
	}
	return mt.full[0][i]
}

// Proof returns the sibling path for the leaf at index, ordered from the leaf
// level up.
func (mt *MerkleTree) Proof(index uint64) ([]ProofStep, error) {
	if index >= uint64(mt.leafCount) {
		return nil, fmt.Errorf("leaf %d out of range (tree has %d leaves)", index, mt.leafCount)
	}

	pads := mt.padding()
	h := mt.height()
	proof := make([]ProofStep, 0, h)
	pos := int(index)
	for k := 0; k < h; k++ {
		if pos%2 == 0 {
			proof = append(proof, ProofStep{Hash: mt.node(k, pos+1, pads), Side: SideRight})
		} else {
			proof = append(proof, ProofStep{Hash: mt.node(k, pos-1, pads), Side: SideLeft})
		}
		pos /= 2
	}
	return proof, nil
}

// Nodes returns the padded tree as linked nodes, built on first use.
func (mt *MerkleTree) Nodes() *MerkleNode {
	if mt.leafCount == 0 {
		return nil
	}
	if mt.root != nil {
		return mt.root
	}

	pads := mt.padding()
	h := mt.height()
	nodes := make([]*MerkleNode, 1<<h)
	for i := range nodes {
		nodes[i] = &MerkleNode{Hash: mt.node(0, i, pads)}
	}
	for k := 1; k <= h; k++ {
		parents := make([]*MerkleNode, len(nodes)/2)
		for i := range parents {
			parents[i] = &MerkleNode{Hash: mt.node(k, i, pads), Left: nodes[2*i], Right: nodes[2*i+1]}
		}
		nodes = parents
	}
	mt.root = nodes[0]
	return mt.root
}

// VerifyProof recomputes the root from leafHash and proof. Malformed input
// yields false, never a panic.
func VerifyProof(leafHash string, proof []ProofStep, expectedRoot string) bool {
	if !IsHex256(leafHash) || !IsHex256(expectedRoot) {
		return false
	}

	current := leafHash
	for _, step := range proof {
		if !IsHex256(step.Hash) {
			return false
		}
		switch step.Side {
		case SideLeft:
			current = hashPair(step.Hash, current)
		case SideRight:
			current = hashPair(current, step.Hash)
		default:
			return false
		}
	}
	return current == expectedRoot
}
