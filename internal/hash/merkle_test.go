package hash

import (
	"fmt"
	"testing"
)

func leaves(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = CalculateString(fmt.Sprintf("leaf-%d", i))
	}
	return out
}

func TestMerkleTreeEmpty(t *testing.T) {
	mt := NewMerkleTree(nil)
	if mt.Root() != ZeroHash {
		t.Errorf("Root should be ZeroHash for empty tree, got %s", mt.Root())
	}
	if _, err := mt.Proof(0); err == nil {
		t.Error("Proof on empty tree should fail")
	}
	if mt.Nodes() != nil {
		t.Error("empty tree has no nodes")
	}
}

func TestMerkleTreeSingleLeaf(t *testing.T) {
	l := leaves(1)
	mt := NewMerkleTree(l)
	if mt.Root() != l[0] {
		t.Error("single leaf tree root should be the leaf")
	}
	proof, err := mt.Proof(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(proof) != 0 {
		t.Errorf("expected empty proof, got %d steps", len(proof))
	}
	if !VerifyProof(l[0], proof, mt.Root()) {
		t.Error("single leaf proof should verify")
	}
}

func TestMerkleTreePadding(t *testing.T) {
	l := leaves(3)
	padded := append(append([]string{}, l...), l[2])

	if NewMerkleTree(l).Root() != NewMerkleTree(padded).Root() {
		t.Error("three leaves should pad to four by repeating the last leaf")
	}

	expected := hashPair(hashPair(l[0], l[1]), hashPair(l[2], l[2]))
	if NewMerkleTree(l).Root() != expected {
		t.Error("root does not match manual computation")
	}
}

func TestMerkleTreeOrderMatters(t *testing.T) {
	l := leaves(4)
	swapped := []string{l[1], l[0], l[2], l[3]}
	if NewMerkleTree(l).Root() == NewMerkleTree(swapped).Root() {
		t.Error("leaf order should change the root")
	}
}

func TestMerkleProof_Verify(t *testing.T) {
	for _, n := range []int{2, 3, 4, 5, 7, 8, 9, 16, 33} {
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			l := leaves(n)
			mt := NewMerkleTree(l)
			root := mt.Root()

			for i := 0; i < n; i++ {
				proof, err := mt.Proof(uint64(i))
				if err != nil {
					t.Fatalf("Failed to get proof: %v", err)
				}
				if !VerifyProof(l[i], proof, root) {
					t.Errorf("Valid proof for leaf %d failed verification", i)
				}
				if VerifyProof(l[i], proof, ZeroHash) {
					t.Errorf("Proof for leaf %d should not verify against wrong root", i)
				}
			}
		})
	}
}

func TestVerifyProofMalformed(t *testing.T) {
	l := leaves(4)
	mt := NewMerkleTree(l)
	proof, _ := mt.Proof(1)

	badSide := append([]ProofStep{}, proof...)
	badSide[0].Side = "up"
	if VerifyProof(l[1], badSide, mt.Root()) {
		t.Error("unknown side should fail")
	}

	badHash := append([]ProofStep{}, proof...)
	badHash[0].Hash = "zz"
	if VerifyProof(l[1], badHash, mt.Root()) {
		t.Error("malformed sibling should fail")
	}

	if VerifyProof("not-a-hash", proof, mt.Root()) {
		t.Error("malformed leaf should fail")
	}
	if VerifyProof(l[1], nil, mt.Root()) {
		t.Error("missing proof should fail for a multi-leaf tree")
	}
}

func TestMerkleTreeNodes(t *testing.T) {
	l := leaves(4)
	mt := NewMerkleTree(l)
	root := mt.Nodes()
	if root.Hash != mt.Root() {
		t.Error("node root should match level root")
	}
	if root.Left.Left.Hash != l[0] || root.Right.Right.Hash != l[3] {
		t.Error("leaf nodes out of order")
	}
}

// paddedRoot builds every level of the padded tree from scratch.
func paddedRoot(l []string) string {
	if len(l) == 0 {
		return ZeroHash
	}
	size := 1
	for size < len(l) {
		size *= 2
	}
	level := make([]string, size)
	copy(level, l)
	for i := len(l); i < size; i++ {
		level[i] = l[len(l)-1]
	}
	for len(level) > 1 {
		next := make([]string, len(level)/2)
		for i := range next {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

func TestMerkleTreeAppendMatchesFullBuild(t *testing.T) {
	l := leaves(40)
	mt := NewMerkleTree(nil)
	for n := 1; n <= len(l); n++ {
		want := paddedRoot(l[:n])
		if got := mt.RootWith(l[n-1]); got != want {
			t.Fatalf("RootWith at %d leaves = %s, want %s", n, got, want)
		}
		if mt.LeafCount() != n-1 {
			t.Fatalf("RootWith changed the leaf count to %d", mt.LeafCount())
		}
		mt.Append(l[n-1])
		if got := mt.Root(); got != want {
			t.Fatalf("Root at %d leaves = %s, want %s", n, got, want)
		}
		for i := 0; i < n; i++ {
			proof, err := mt.Proof(uint64(i))
			if err != nil {
				t.Fatalf("Failed to get proof %d of %d: %v", i, n, err)
			}
			if !VerifyProof(l[i], proof, want) {
				t.Fatalf("proof for leaf %d of %d does not verify", i, n)
			}
		}
	}
}
