// Package audit implements the append-only audit store. Write is its only
// mutating operation: there is no update or delete.
package audit

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/witnz/auditvault/internal/event"
	"github.com/witnz/auditvault/internal/hash"
	"github.com/witnz/auditvault/internal/metrics"
	"github.com/witnz/auditvault/internal/timestamp"
)

// Persister durably records a serialized StoredEvent together with the Merkle
// root the store will have once the event is committed. An error aborts the
// write.
type Persister interface {
	Write(record []byte, merkleRoot string) error
}

// Observer is notified after every successful write. Its errors and panics
// are logged and otherwise ignored.
type Observer interface {
	OnWrite(stored StoredEvent) error
}

type ObserverFunc func(stored StoredEvent) error

func (f ObserverFunc) OnWrite(stored StoredEvent) error {
	return f(stored)
}

type Stats struct {
	EventCount      int    `json:"event_count"`
	ChainLength     int    `json:"chain_length"`
	MerkleRoot      string `json:"merkle_root"`
	IsValid         bool   `json:"is_valid"`
	ApproxSizeBytes int64  `json:"approx_size_bytes"`
	Sealed          bool   `json:"sealed"`
}

type Store struct {
	mu        sync.RWMutex
	authority *timestamp.Authority
	chain     *hash.HashChain
	events    []StoredEvent
	byID      map[string]uint64
	sealed    bool
	size      int64

	persister Persister
	observers []Observer
	logger    *slog.Logger
}

// NewStore creates an empty store. A nil authority selects the process-wide
// timestamp.Default().
func NewStore(authority *timestamp.Authority, logger *slog.Logger) *Store {
	if authority == nil {
		authority = timestamp.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		authority: authority,
		chain:     hash.NewHashChain(),
		byID:      make(map[string]uint64),
		logger:    logger,
	}
}

func (s *Store) SetPersister(p Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persister = p
}

func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Write validates ev, stamps it with an authoritative timestamp and sequence
// number, chains it and persists it. Caller-supplied timestamp and sequence
// number are always replaced.
func (s *Store) Write(ev event.AuditEvent) (StoredEvent, error) {
	s.mu.Lock()
	stored, err := s.writeLocked(ev)
	observers := s.observers
	length := len(s.events)
	s.mu.Unlock()

	if err != nil {
		switch {
		case IsImmutabilityViolation(err):
			metrics.RecordWriteFailure(metrics.KindSealed)
		case IsValidationError(err):
			metrics.RecordWriteFailure(metrics.KindValidation)
		default:
			metrics.RecordWriteFailure(metrics.KindStorage)
		}
		return StoredEvent{}, err
	}

	metrics.RecordWrite(string(stored.Event.EventType), length)
	for _, o := range observers {
		s.notify(o, stored.clone())
	}
	return stored.clone(), nil
}

func (s *Store) writeLocked(ev event.AuditEvent) (StoredEvent, error) {
	if s.sealed {
		return StoredEvent{}, ErrImmutabilityViolation
	}
	if err := ev.Validate(); err != nil {
		return StoredEvent{}, err
	}
	if _, dup := s.byID[ev.EventID]; dup {
		return StoredEvent{}, &event.ValidationError{Problems: []string{fmt.Sprintf("event_id %s already stored", ev.EventID)}}
	}

	rec := s.authority.Issue()
	stamped, err := ev.Restamp(rec.Timestamp, rec.SequenceNumber)
	if err != nil {
		return StoredEvent{}, &StorageError{Op: "restamp", Err: err}
	}
	dataHash, err := DataHash(stamped)
	if err != nil {
		return StoredEvent{}, &StorageError{Op: "serialize", Err: err}
	}

	link := s.chain.Prepare(dataHash, stamped.Timestamp)
	stored := StoredEvent{Event: stamped, ChainLink: link, StorageIndex: link.Index}
	record, err := stored.Marshal()
	if err != nil {
		return StoredEvent{}, &StorageError{Op: "serialize", Err: err}
	}

	if s.persister != nil {
		if err := s.persister.Write(record, s.chain.RootWith(link)); err != nil {
			return StoredEvent{}, &StorageError{Op: "persist", Err: err}
		}
	}

	// The store lock is held, so the chain cannot have moved since Prepare.
	if err := s.chain.Commit(link); err != nil {
		panic(fmt.Sprintf("audit: chain commit failed under store lock: %v", err))
	}
	s.events = append(s.events, stored)
	s.byID[stamped.EventID] = stored.StorageIndex
	s.size += int64(len(record))
	return stored, nil
}

func (s *Store) notify(o Observer, stored StoredEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordObserverFailure()
			s.logger.Error("Write observer panicked",
				"storage_index", stored.StorageIndex,
				"panic", r)
		}
	}()
	if err := o.OnWrite(stored); err != nil {
		metrics.RecordObserverFailure()
		s.logger.Warn("Write observer failed",
			"storage_index", stored.StorageIndex,
			"event_id", stored.Event.EventID,
			"error", err)
	}
}

// Seal makes the store read-only and returns the Merkle root as the sealing
// certificate. Sealing an already sealed store returns the same root.
func (s *Store) Seal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sealed {
		s.sealed = true
		metrics.SetSealed(true)
		s.logger.Info("Audit store sealed",
			"events", len(s.events),
			"merkle_root", s.chain.Root())
	}
	return s.chain.Root()
}

func (s *Store) IsSealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

func (s *Store) MerkleRoot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chain.Root()
}

// LinkHashes returns every link hash in order, for external anchoring and
// tamper comparison.
func (s *Store) LinkHashes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chain.LinkHashes()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Store) Read(index uint64) (StoredEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.events)) {
		return StoredEvent{}, false
	}
	return s.events[index].clone(), true
}

func (s *Store) ReadByEventID(id string) (StoredEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	index, ok := s.byID[id]
	if !ok {
		return StoredEvent{}, false
	}
	return s.events[index].clone(), true
}

// ReadRange returns the events in [start, end), clamped to the stored range.
func (s *Store) ReadRange(start, end uint64) []StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n := uint64(len(s.events)); end > n {
		end = n
	}
	if start >= end {
		return []StoredEvent{}
	}
	out := make([]StoredEvent, 0, end-start)
	for _, se := range s.events[start:end] {
		out = append(out, se.clone())
	}
	return out
}

func (s *Store) ReadAll() []StoredEvent {
	return s.ReadRange(0, ^uint64(0))
}

// Iterate yields the events stored at the time of the call, in order.
func (s *Store) Iterate() iter.Seq[StoredEvent] {
	s.mu.RLock()
	snapshot := s.events[:len(s.events):len(s.events)]
	s.mu.RUnlock()

	return func(yield func(StoredEvent) bool) {
		for _, se := range snapshot {
			if !yield(se.clone()) {
				return
			}
		}
	}
}

// Verify checks the chain, every event and its binding to its link, and that
// timestamps never decrease. The first violation is returned as a
// ChainIntegrityError.
func (s *Store) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verifyLocked()
}

func (s *Store) verifyLocked() error {
	if err := s.chain.Verify(); err != nil {
		var ce *hash.ChainError
		if errors.As(err, &ce) {
			return &ChainIntegrityError{Index: ce.Index, Reason: ce.Reason}
		}
		return &ChainIntegrityError{Reason: err.Error()}
	}
	if s.chain.Len() != len(s.events) {
		return &ChainIntegrityError{Index: uint64(len(s.events)), Reason: "chain length differs from event count"}
	}

	var previous time.Time
	for i, se := range s.events {
		index := uint64(i)
		if err := se.Event.Validate(); err != nil {
			return &ChainIntegrityError{Index: index, Reason: err.Error()}
		}
		link, _ := s.chain.Link(index)
		if link != se.ChainLink || se.StorageIndex != index {
			return &ChainIntegrityError{Index: index, Reason: "stored link differs from chain"}
		}
		if err := checkRecord(se); err != nil {
			return &ChainIntegrityError{Index: index, Reason: err.Error()}
		}
		ts, err := timestamp.Parse(se.Event.Timestamp)
		if err != nil {
			return &ChainIntegrityError{Index: index, Reason: err.Error()}
		}
		if ts.Before(previous) {
			return &ChainIntegrityError{Index: index, Reason: "timestamp earlier than previous event"}
		}
		previous = ts
	}
	return nil
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		EventCount:      len(s.events),
		ChainLength:     s.chain.Len(),
		MerkleRoot:      s.chain.Root(),
		IsValid:         s.verifyLocked() == nil,
		ApproxSizeBytes: s.size,
		Sealed:          s.sealed,
	}
}

// Restore replays persisted records into an empty store. Every link is
// re-derived; the first mismatch aborts with a ChainIntegrityError and leaves
// the store empty. On success the timestamp authority is fenced past the last
// restored event.
func (s *Store) Restore(records iter.Seq2[[]byte, error]) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) > 0 {
		return 0, &StorageError{Op: "restore", Err: errors.New("store is not empty")}
	}

	chain := hash.NewHashChain()
	events := make([]StoredEvent, 0)
	byID := make(map[string]uint64)
	var size int64
	var previous time.Time
	var lastSequence uint64

	for data, err := range records {
		index := uint64(len(events))
		if err != nil {
			return 0, &StorageError{Op: "restore", Err: err}
		}
		se, err := ParseStoredEvent(data)
		if err != nil {
			return 0, &ChainIntegrityError{Index: index, Reason: err.Error()}
		}
		if se.StorageIndex != index {
			return 0, &ChainIntegrityError{Index: index, Reason: fmt.Sprintf("record carries storage index %d", se.StorageIndex)}
		}
		if err := chain.Commit(se.ChainLink); err != nil {
			var ce *hash.ChainError
			if errors.As(err, &ce) {
				return 0, &ChainIntegrityError{Index: index, Reason: ce.Reason}
			}
			return 0, &ChainIntegrityError{Index: index, Reason: err.Error()}
		}
		if _, dup := byID[se.Event.EventID]; dup {
			return 0, &ChainIntegrityError{Index: index, Reason: "duplicate event_id " + se.Event.EventID}
		}
		ts, err := timestamp.Parse(se.Event.Timestamp)
		if err != nil {
			return 0, &ChainIntegrityError{Index: index, Reason: err.Error()}
		}
		if ts.Before(previous) {
			return 0, &ChainIntegrityError{Index: index, Reason: "timestamp earlier than previous event"}
		}

		previous = ts
		if se.Event.SequenceNumber > lastSequence {
			lastSequence = se.Event.SequenceNumber
		}
		events = append(events, se)
		byID[se.Event.EventID] = index
		size += int64(len(data))
	}

	s.chain = chain
	s.events = events
	s.byID = byID
	s.size = size
	if len(events) > 0 {
		s.authority.Fence(previous, lastSequence)
	}
	metrics.SetChainLength(len(events))
	s.logger.Info("Audit store restored",
		"events", len(events),
		"merkle_root", chain.Root())
	return len(events), nil
}
