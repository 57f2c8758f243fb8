package audit

import (
	"math/bits"

	"github.com/witnz/auditvault/internal/event"
	"github.com/witnz/auditvault/internal/hash"
)

// ProofBundle lets a party without access to the store check that one event
// is included under a Merkle root.
type ProofBundle struct {
	Event        event.AuditEvent `json:"event"`
	ChainLink    hash.ChainLink   `json:"chain_link"`
	MerkleProof  []hash.ProofStep `json:"merkle_proof"`
	MerkleRoot   string           `json:"merkle_root"`
	StorageIndex uint64           `json:"storage_index"`
	TotalEvents  uint64           `json:"total_events"`
}

// Proof returns the inclusion bundle for the event at index.
func (s *Store) Proof(index uint64) (ProofBundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index >= uint64(len(s.events)) {
		return ProofBundle{}, false
	}
	steps, err := s.chain.Proof(index)
	if err != nil {
		return ProofBundle{}, false
	}
	se := s.events[index].clone()
	return ProofBundle{
		Event:        se.Event,
		ChainLink:    se.ChainLink,
		MerkleProof:  steps,
		MerkleRoot:   s.chain.Root(),
		StorageIndex: se.StorageIndex,
		TotalEvents:  uint64(len(s.events)),
	}, true
}

// VerifyProof recomputes the bundle from scratch: the event hash, its binding
// to the chain link, the proof shape for the claimed position and finally the
// Merkle root.
func VerifyProof(b ProofBundle) bool {
	if b.StorageIndex >= b.TotalEvents {
		return false
	}
	if err := checkRecord(StoredEvent{Event: b.Event, ChainLink: b.ChainLink, StorageIndex: b.StorageIndex}); err != nil {
		return false
	}
	if len(b.MerkleProof) > maxProofDepth || len(b.MerkleProof) != proofDepth(b.TotalEvents) {
		return false
	}
	for level, step := range b.MerkleProof {
		want := hash.SideRight
		if (b.StorageIndex>>uint(level))&1 == 1 {
			want = hash.SideLeft
		}
		if step.Side != want {
			return false
		}
	}
	return hash.VerifyProof(b.ChainLink.LinkHash, b.MerkleProof, b.MerkleRoot)
}

// maxProofDepth bounds a proof for any tree a uint64 count can describe.
const maxProofDepth = 64

// proofDepth is the height of the padded tree over leaves, which must be at
// least 1.
func proofDepth(leaves uint64) int {
	if leaves <= 1 {
		return 0
	}
	return bits.Len64(leaves - 1)
}
