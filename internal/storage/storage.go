package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/witnz/auditvault/internal/audit"
	bolt "go.etcd.io/bbolt"
)

var (
	EventsBucket      = []byte("events")
	CheckpointsBucket = []byte("checkpoints")
	MetadataBucket    = []byte("metadata")

	sealKey = []byte("seal")
)

// Checkpoint kinds.
const (
	CheckpointRotation = "rotation"
	CheckpointSeal     = "seal"
	CheckpointVerify   = "verify"
)

// Storage is a bbolt index beside the segment files. Everything in it can be
// rebuilt from the segments; it only makes lookups cheap and records
// checkpoints for external anchoring.
type Storage struct {
	db *bolt.DB
}

type IndexEntry struct {
	EventID      string `json:"event_id"`
	StorageIndex uint64 `json:"storage_index"`
	EventType    string `json:"event_type"`
	Timestamp    string `json:"timestamp"`
	EventHash    string `json:"event_hash"`
	LinkHash     string `json:"link_hash"`
}

// Checkpoint pins a Merkle root at a point in the log.
type Checkpoint struct {
	Sequence   uint64    `json:"sequence"`
	Kind       string    `json:"kind"`
	MerkleRoot string    `json:"merkle_root"`
	EventCount uint64    `json:"event_count"`
	Segment    string    `json:"segment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type SealRecord struct {
	MerkleRoot string    `json:"merkle_root"`
	EventCount uint64    `json:"event_count"`
	SealedAt   time.Time `json:"sealed_at"`
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{EventsBucket, CheckpointsBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func entryFor(stored audit.StoredEvent) IndexEntry {
	return IndexEntry{
		EventID:      stored.Event.EventID,
		StorageIndex: stored.StorageIndex,
		EventType:    string(stored.Event.EventType),
		Timestamp:    stored.Event.Timestamp,
		EventHash:    stored.Event.Hash,
		LinkHash:     stored.ChainLink.LinkHash,
	}
}

// OnWrite indexes a freshly written event. It makes Storage an
// audit.Observer.
func (s *Storage) OnWrite(stored audit.StoredEvent) error {
	return s.SaveIndexEntry(entryFor(stored))
}

func (s *Storage) SaveIndexEntry(entry IndexEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putEntry(tx.Bucket(EventsBucket), entry)
	})
}

func putEntry(bucket *bolt.Bucket, entry IndexEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal index entry: %w", err)
	}
	return bucket.Put([]byte(entry.EventID), data)
}

// Lookup resolves an event id. A missing id is reported as false, not as an
// error.
func (s *Storage) Lookup(eventID string) (IndexEntry, bool, error) {
	var entry IndexEntry
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(EventsBucket).Get([]byte(eventID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return IndexEntry{}, false, err
	}
	return entry, found, nil
}

func (s *Storage) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(EventsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Reindex adds entries for events the index does not know yet, for example
// after an observer failure. Existing entries that disagree with the events
// are reported, never overwritten.
func (s *Storage) Reindex(events []audit.StoredEvent) (int, error) {
	added := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(EventsBucket)
		for _, se := range events {
			want := entryFor(se)
			data := bucket.Get([]byte(want.EventID))
			if data == nil {
				if err := putEntry(bucket, want); err != nil {
					return err
				}
				added++
				continue
			}
			var have IndexEntry
			if err := json.Unmarshal(data, &have); err != nil {
				return fmt.Errorf("corrupt index entry %s: %w", want.EventID, err)
			}
			if have != want {
				return fmt.Errorf("index entry %s disagrees with stored event at index %d", want.EventID, se.StorageIndex)
			}
		}
		return nil
	})
	return added, err
}

func seqKey(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

// SaveCheckpoint appends a checkpoint and returns it with its sequence set.
func (s *Storage) SaveCheckpoint(cp Checkpoint) (Checkpoint, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(CheckpointsBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		cp.Sequence = seq

		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		return bucket.Put(seqKey(seq), data)
	})
	return cp, err
}

// Checkpoints returns every checkpoint, oldest first.
func (s *Storage) Checkpoints() ([]Checkpoint, error) {
	checkpoints := make([]Checkpoint, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(CheckpointsBucket).ForEach(func(k, v []byte) error {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return fmt.Errorf("corrupt checkpoint %d: %w", binary.BigEndian.Uint64(k), err)
			}
			checkpoints = append(checkpoints, cp)
			return nil
		})
	})
	return checkpoints, err
}

func (s *Storage) LatestCheckpoint() (Checkpoint, bool, error) {
	var cp Checkpoint
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(CheckpointsBucket).Cursor().Last()
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &cp)
	})
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, found, nil
}

// ErrSealConflict is returned when a different seal is already recorded.
var ErrSealConflict = errors.New("a different seal is already recorded")

// SaveSeal records the seal once. Recording the same root again is a no-op.
func (s *Storage) SaveSeal(seal SealRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		if existing := bucket.Get(sealKey); existing != nil {
			var prior SealRecord
			if err := json.Unmarshal(existing, &prior); err != nil {
				return fmt.Errorf("corrupt seal record: %w", err)
			}
			if prior.MerkleRoot == seal.MerkleRoot && prior.EventCount == seal.EventCount {
				return nil
			}
			return ErrSealConflict
		}

		data, err := json.Marshal(seal)
		if err != nil {
			return err
		}
		if err := bucket.Put(sealKey, data); err != nil {
			return err
		}

		cp := Checkpoint{Kind: CheckpointSeal, MerkleRoot: seal.MerkleRoot, EventCount: seal.EventCount, CreatedAt: seal.SealedAt}
		checkpoints := tx.Bucket(CheckpointsBucket)
		seq, err := checkpoints.NextSequence()
		if err != nil {
			return err
		}
		cp.Sequence = seq
		cpData, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return checkpoints.Put(seqKey(seq), cpData)
	})
}

func (s *Storage) Seal() (SealRecord, bool, error) {
	var seal SealRecord
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(MetadataBucket).Get(sealKey)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &seal)
	})
	if err != nil {
		return SealRecord{}, false, err
	}
	return seal, found, nil
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = string(data)
		return nil
	})

	return value, err
}
