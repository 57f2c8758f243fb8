package hash

import (
	"fmt"
	"strconv"
	"sync"
)

// ChainLink binds one data hash to the link before it. Links are produced by
// HashChain and never modified afterwards.
type ChainLink struct {
	Index        uint64 `json:"index"`
	Timestamp    string `json:"timestamp"`
	DataHash     string `json:"data_hash"`
	PreviousHash string `json:"previous_hash"`
	LinkHash     string `json:"link_hash"`
}

// ComputeLinkHash returns SHA256(index || timestamp || data_hash || previous_hash).
func ComputeLinkHash(index uint64, timestamp, dataHash, previousHash string) string {
	return CalculateString(strconv.FormatUint(index, 10) + timestamp + dataHash + previousHash)
}

// Valid reports whether the link's own hash matches its fields.
func (l ChainLink) Valid() bool {
	return l.LinkHash == ComputeLinkHash(l.Index, l.Timestamp, l.DataHash, l.PreviousHash)
}

// ChainError names the first link that failed verification.
type ChainError struct {
	Index  uint64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("hash chain broken at index %d: %s", e.Index, e.Reason)
}

// HashChain is an append-only sequence of links with a Merkle tree over the
// link hashes that grows with the chain. It is safe for concurrent use.
type HashChain struct {
	mu    sync.RWMutex
	links []ChainLink
	tree  *MerkleTree
}

func NewHashChain() *HashChain {
	return &HashChain{
		links: make([]ChainLink, 0),
		tree:  NewMerkleTree(nil),
	}
}

// Append creates and stores the next link for dataHash.
func (hc *HashChain) Append(dataHash, timestamp string) ChainLink {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	link := hc.nextLocked(dataHash, timestamp)
	hc.links = append(hc.links, link)
	hc.tree.Append(link.LinkHash)
	return link
}

// Prepare computes the link Append would create without storing it. The link
// only becomes part of the chain through Commit.
func (hc *HashChain) Prepare(dataHash, timestamp string) ChainLink {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.nextLocked(dataHash, timestamp)
}

// RootWith returns the Merkle root the chain would have after committing link.
func (hc *HashChain) RootWith(link ChainLink) string {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.tree.RootWith(link.LinkHash)
}

// Commit appends a link obtained from Prepare. It fails if the chain moved
// since the link was prepared or the link was altered.
func (hc *HashChain) Commit(link ChainLink) error {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if link.Index != uint64(len(hc.links)) {
		return &ChainError{Index: link.Index, Reason: fmt.Sprintf("expected index %d", len(hc.links))}
	}
	if link.PreviousHash != hc.tailHashLocked() {
		return &ChainError{Index: link.Index, Reason: "previous hash does not match chain tail"}
	}
	if !link.Valid() {
		return &ChainError{Index: link.Index, Reason: "link hash mismatch"}
	}

	hc.links = append(hc.links, link)
	hc.tree.Append(link.LinkHash)
	return nil
}

func (hc *HashChain) nextLocked(dataHash, timestamp string) ChainLink {
	index := uint64(len(hc.links))
	previous := hc.tailHashLocked()
	return ChainLink{
		Index:        index,
		Timestamp:    timestamp,
		DataHash:     dataHash,
		PreviousHash: previous,
		LinkHash:     ComputeLinkHash(index, timestamp, dataHash, previous),
	}
}

func (hc *HashChain) tailHashLocked() string {
	if len(hc.links) == 0 {
		return ZeroHash
	}
	return hc.links[len(hc.links)-1].LinkHash
}

func (hc *HashChain) Len() int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.links)
}

// Link returns the link at index.
func (hc *HashChain) Link(index uint64) (ChainLink, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if index >= uint64(len(hc.links)) {
		return ChainLink{}, false
	}
	return hc.links[index], true
}

// Links returns a copy of every link in order.
func (hc *HashChain) Links() []ChainLink {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make([]ChainLink, len(hc.links))
	copy(out, hc.links)
	return out
}

// LinkHashes returns the link hashes in order, suitable as a reference list
// for DetectTampering.
func (hc *HashChain) LinkHashes() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make([]string, len(hc.links))
	for i, l := range hc.links {
		out[i] = l.LinkHash
	}
	return out
}

func (hc *HashChain) TailHash() string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.tailHashLocked()
}

// Verify checks every link from genesis. It returns a *ChainError naming the
// first bad index, or nil.
func (hc *HashChain) Verify() error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if len(hc.links) == 0 {
		return nil
	}
	return VerifyLinks(hc.links, uint64(len(hc.links)-1))
}

// VerifyAt checks the prefix of the chain ending at index.
func (hc *HashChain) VerifyAt(index uint64) error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if index >= uint64(len(hc.links)) {
		return &ChainError{Index: index, Reason: "index out of range"}
	}
	return VerifyLinks(hc.links, index)
}

// VerifyLinks checks links[0..through] for self-consistency and linkage.
func VerifyLinks(links []ChainLink, through uint64) error {
	previous := ZeroHash
	for i := uint64(0); i <= through && i < uint64(len(links)); i++ {
		link := links[i]
		if link.Index != i {
			return &ChainError{Index: i, Reason: fmt.Sprintf("index field is %d", link.Index)}
		}
		if !link.Valid() {
			return &ChainError{Index: i, Reason: "link hash mismatch"}
		}
		if link.PreviousHash != previous {
			return &ChainError{Index: i, Reason: "previous hash does not match prior link"}
		}
		previous = link.LinkHash
	}
	return nil
}

// Root returns the Merkle root over all link hashes, ZeroHash when empty.
func (hc *HashChain) Root() string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.tree.Root()
}

// Proof returns the inclusion proof for the link at index.
func (hc *HashChain) Proof(index uint64) ([]ProofStep, error) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.tree.Proof(index)
}

// DetectTampering compares the chain against a previously recorded list of
// link hashes and returns every mismatching index. Only the common prefix is
// compared: growth of either side is not reported here.
func (hc *HashChain) DetectTampering(knownGood []string) []int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	n := len(knownGood)
	if len(hc.links) < n {
		n = len(hc.links)
	}

	tampered := make([]int, 0)
	for i := 0; i < n; i++ {
		if hc.links[i].LinkHash != knownGood[i] || !hc.links[i].Valid() {
			tampered = append(tampered, i)
		}
	}
	return tampered
}
