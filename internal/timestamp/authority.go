// Package timestamp issues monotonically increasing, hash-linked timestamps.
//
// Every record carries a strictly increasing sequence number and instant.
// When the wall clock stands still or jumps backwards, the authority advances
// the last issued instant by the configured minimum interval instead of
// trusting the clock.
package timestamp

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/witnz/auditvault/internal/hash"
)

// Layout is the ISO-8601 form used for every authoritative timestamp.
const Layout = "2006-01-02T15:04:05.000000Z07:00"

const (
	DefaultMinInterval = time.Microsecond
	DefaultHistorySize = 10000
)

// Record is one issued timestamp. Records are immutable once returned.
type Record struct {
	SequenceNumber uint64  `json:"sequence_number"`
	Timestamp      string  `json:"timestamp"`
	UnixTime       float64 `json:"unix_time"`
	PreviousHash   string  `json:"previous_hash"`
	Hash           string  `json:"hash"`
}

// ComputeHash derives the record hash from its fields.
func (r Record) ComputeHash() string {
	return hash.CalculateString(strconv.FormatUint(r.SequenceNumber, 10) + "|" +
		r.Timestamp + "|" +
		strconv.FormatFloat(r.UnixTime, 'f', 6, 64) + "|" +
		r.PreviousHash)
}

type Config struct {
	// MinInterval is the smallest gap between two issued instants. Values
	// below one microsecond are raised to one microsecond.
	MinInterval time.Duration
	// HistorySize bounds the number of recent records kept for audit.
	HistorySize int
	Clock       clock.Clock
}

// Authority issues timestamp records. It is safe for concurrent use.
type Authority struct {
	mu          sync.Mutex
	clock       clock.Clock
	minInterval time.Duration

	sequence uint64
	last     time.Time
	lastHash string

	history []Record
	head    int
	size    int
}

func NewAuthority(cfg Config) *Authority {
	if cfg.MinInterval < time.Microsecond {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Authority{
		clock:       cfg.Clock,
		minInterval: cfg.MinInterval.Truncate(time.Microsecond),
		lastHash:    hash.ZeroHash,
		history:     make([]Record, cfg.HistorySize),
	}
}

// Issue returns the next record.
func (a *Authority) Issue() Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidate := a.clock.Now().UTC().Truncate(time.Microsecond)
	if !a.last.IsZero() && candidate.Sub(a.last) < a.minInterval {
		candidate = a.last.Add(a.minInterval)
	}

	a.sequence++
	rec := Record{
		SequenceNumber: a.sequence,
		Timestamp:      candidate.Format(Layout),
		UnixTime:       float64(candidate.UnixMicro()) / 1e6,
		PreviousHash:   a.lastHash,
	}
	rec.Hash = rec.ComputeHash()

	a.last = candidate
	a.lastHash = rec.Hash
	a.remember(rec)
	return rec
}

func (a *Authority) remember(rec Record) {
	a.history[a.head] = rec
	a.head = (a.head + 1) % len(a.history)
	if a.size < len(a.history) {
		a.size++
	}
}

// Fence makes every later record strictly later than t and numbered above
// sequence. It issues nothing. Used after restoring persisted events issued
// by an earlier process.
func (a *Authority) Fence(t time.Time, sequence uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t = t.UTC().Truncate(time.Microsecond)
	if t.After(a.last) {
		a.last = t
	}
	if sequence > a.sequence {
		a.sequence = sequence
	}
}

// Last returns the most recently issued record.
func (a *Authority) Last() (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.size == 0 {
		return Record{}, false
	}
	return a.history[(a.head-1+len(a.history))%len(a.history)], true
}

// History returns the retained records, oldest first.
func (a *Authority) History() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Record, 0, a.size)
	start := (a.head - a.size + len(a.history)) % len(a.history)
	for i := 0; i < a.size; i++ {
		out = append(out, a.history[(start+i)%len(a.history)])
	}
	return out
}

func (a *Authority) Sequence() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sequence
}

// SequenceError names the first record that broke the sequence.
type SequenceError struct {
	Index  int
	Reason string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("timestamp sequence invalid at record %d: %s", e.Index, e.Reason)
}

// ValidateSequence checks that records are self-consistent, hash-linked and
// strictly increasing in both sequence number and time. The first record's
// predecessor is not checked, so any contiguous window from History validates.
func ValidateSequence(records []Record) error {
	for i, rec := range records {
		if rec.ComputeHash() != rec.Hash {
			return &SequenceError{Index: i, Reason: "hash mismatch"}
		}
		if _, err := Parse(rec.Timestamp); err != nil {
			return &SequenceError{Index: i, Reason: "malformed timestamp"}
		}
		if i == 0 {
			continue
		}

		prev := records[i-1]
		if rec.SequenceNumber <= prev.SequenceNumber {
			return &SequenceError{Index: i, Reason: "sequence number not increasing"}
		}
		if rec.UnixTime <= prev.UnixTime {
			return &SequenceError{Index: i, Reason: "time not increasing"}
		}
		if rec.PreviousHash != prev.Hash {
			return &SequenceError{Index: i, Reason: "previous hash does not match prior record"}
		}
	}
	return nil
}
