package hash

import (
	"errors"
	"fmt"
	"testing"
	"testing/quick"
)

const testTimestamp = "2026-01-02T03:04:05.000000Z"

func buildChain(t *testing.T, n int) *HashChain {
	t.Helper()
	hc := NewHashChain()
	for i := 0; i < n; i++ {
		hc.Append(CalculateString(fmt.Sprintf("block-%d", i)), testTimestamp)
	}
	return hc
}

func TestHashChainGenesis(t *testing.T) {
	hc := NewHashChain()

	link := hc.Append(CalculateString("first block"), testTimestamp)
	if link.Index != 0 {
		t.Errorf("Expected index 0, got %d", link.Index)
	}
	if link.PreviousHash != ZeroHash {
		t.Errorf("Expected genesis previous hash, got %s", link.PreviousHash)
	}
	if !link.Valid() {
		t.Error("Fresh link should be valid")
	}
}

func TestHashChainLinkage(t *testing.T) {
	hc := buildChain(t, 5)
	links := hc.Links()

	for i := 1; i < len(links); i++ {
		if links[i].PreviousHash != links[i-1].LinkHash {
			t.Errorf("link %d does not point at link %d", i, i-1)
		}
	}

	if hc.TailHash() != links[4].LinkHash {
		t.Error("TailHash should be the last link hash")
	}

	if err := hc.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestHashChainVerifyEmpty(t *testing.T) {
	hc := NewHashChain()
	if err := hc.Verify(); err != nil {
		t.Errorf("empty chain should verify, got %v", err)
	}
	if hc.Root() != ZeroHash {
		t.Errorf("empty chain root should be ZeroHash, got %s", hc.Root())
	}
}

func TestHashChainVerifyReportsTamperedIndex(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(l *ChainLink)
	}{
		{"data hash", func(l *ChainLink) { l.DataHash = flipFirst(l.DataHash) }},
		{"previous hash", func(l *ChainLink) { l.PreviousHash = flipFirst(l.PreviousHash) }},
		{"timestamp", func(l *ChainLink) { l.Timestamp = "2030-01-01T00:00:00.000000Z" }},
	}

	for _, tt := range tests {
		for target := 0; target < 6; target++ {
			t.Run(fmt.Sprintf("%s/%d", tt.name, target), func(t *testing.T) {
				hc := buildChain(t, 6)
				tt.mutate(&hc.links[target])

				err := hc.Verify()
				var ce *ChainError
				if !errors.As(err, &ce) {
					t.Fatalf("expected ChainError, got %v", err)
				}
				if ce.Index != uint64(target) {
					t.Errorf("expected index %d, got %d", target, ce.Index)
				}
			})
		}
	}
}

func TestHashChainVerifyAt(t *testing.T) {
	hc := buildChain(t, 6)
	hc.links[4].DataHash = flipFirst(hc.links[4].DataHash)

	if err := hc.VerifyAt(3); err != nil {
		t.Errorf("prefix before the tampered link should verify, got %v", err)
	}
	if err := hc.VerifyAt(4); err == nil {
		t.Error("prefix including the tampered link should fail")
	}
	if err := hc.VerifyAt(10); err == nil {
		t.Error("out of range index should fail")
	}
}

func TestHashChainPrepareCommit(t *testing.T) {
	hc := buildChain(t, 3)
	rootBefore := hc.Root()

	link := hc.Prepare(CalculateString("next"), testTimestamp)
	if hc.Len() != 3 {
		t.Fatal("Prepare must not change the chain")
	}
	if hc.Root() != rootBefore {
		t.Fatal("Prepare must not change the root")
	}

	prospective := hc.RootWith(link)
	if err := hc.Commit(link); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if hc.Root() != prospective {
		t.Errorf("root after commit %s, prospective %s", hc.Root(), prospective)
	}

	if err := hc.Commit(link); err == nil {
		t.Error("committing a stale link should fail")
	}

	forged := hc.Prepare(CalculateString("forged"), testTimestamp)
	forged.DataHash = CalculateString("other")
	if err := hc.Commit(forged); err == nil {
		t.Error("committing an altered link should fail")
	}
}

func TestHashChainDetectTampering(t *testing.T) {
	hc := buildChain(t, 5)
	reference := hc.LinkHashes()

	if got := hc.DetectTampering(reference); len(got) != 0 {
		t.Errorf("untouched chain reported %v", got)
	}

	hc.links[2].LinkHash = CalculateString("rewritten")
	got := hc.DetectTampering(reference)
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("expected [2], got %v", got)
	}

	// Growth beyond the reference is not tampering.
	grown := buildChain(t, 8)
	if got := grown.DetectTampering(buildChain(t, 5).LinkHashes()); len(got) != 0 {
		t.Errorf("prefix comparison reported %v", got)
	}
}

func TestHashChainProofsProperty(t *testing.T) {
	f := func(n uint8) bool {
		count := int(n%40) + 1
		hc := NewHashChain()
		for i := 0; i < count; i++ {
			hc.Append(CalculateString(fmt.Sprintf("%d", i)), testTimestamp)
		}
		root := hc.Root()
		for i := 0; i < count; i++ {
			link, _ := hc.Link(uint64(i))
			proof, err := hc.Proof(uint64(i))
			if err != nil {
				return false
			}
			if !VerifyProof(link.LinkHash, proof, root) {
				return false
			}
			if VerifyProof(CalculateString("forged"), proof, root) {
				return false
			}
		}
		return hc.Verify() == nil
	}

	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func flipFirst(h string) string {
	if h[0] == '0' {
		return "1" + h[1:]
	}
	return "0" + h[1:]
}
