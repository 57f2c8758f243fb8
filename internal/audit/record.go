package audit

import (
	"encoding/json"
	"fmt"

	"github.com/witnz/auditvault/internal/event"
	"github.com/witnz/auditvault/internal/hash"
)

// StoredEvent is an event as accepted by the store: restamped, chained and
// placed at its storage index.
type StoredEvent struct {
	Event        event.AuditEvent `json:"event"`
	ChainLink    hash.ChainLink   `json:"chain_link"`
	StorageIndex uint64           `json:"storage_index"`
}

func (s StoredEvent) clone() StoredEvent {
	s.Event = s.Event.Clone()
	return s
}

// Marshal encodes the record as one line of the persisted format.
func (s StoredEvent) Marshal() ([]byte, error) {
	return event.Encode(s)
}

// DataHash returns the hash a chain link must carry for ev.
func DataHash(ev event.AuditEvent) (string, error) {
	data, err := event.Marshal(ev)
	if err != nil {
		return "", err
	}
	return hash.Sum(data), nil
}

// ParseStoredEvent decodes one persisted record and checks it in isolation:
// the event hash, the link hash and the binding between them. Linkage to the
// previous record is left to the caller.
func ParseStoredEvent(data []byte) (StoredEvent, error) {
	var s StoredEvent
	if err := json.Unmarshal(data, &s); err != nil {
		return StoredEvent{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := checkRecord(s); err != nil {
		return s, err
	}
	return s, nil
}

func checkRecord(s StoredEvent) error {
	computed, err := s.Event.ComputeHash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if computed != s.Event.Hash {
		return fmt.Errorf("%w: event %s", event.ErrHashMismatch, s.Event.EventID)
	}
	if !s.ChainLink.Valid() {
		return fmt.Errorf("%w at index %d", ErrLinkMismatch, s.ChainLink.Index)
	}
	if s.ChainLink.Index != s.StorageIndex {
		return fmt.Errorf("%w: link index %d, storage index %d", ErrDataHashMismatch, s.ChainLink.Index, s.StorageIndex)
	}
	if s.ChainLink.Timestamp != s.Event.Timestamp {
		return fmt.Errorf("%w: link timestamp differs from event timestamp", ErrDataHashMismatch)
	}
	dataHash, err := DataHash(s.Event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if dataHash != s.ChainLink.DataHash {
		return fmt.Errorf("%w at index %d", ErrDataHashMismatch, s.StorageIndex)
	}
	return nil
}
