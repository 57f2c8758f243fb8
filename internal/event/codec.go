package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrHashMismatch is returned by Parse when the stored hash does not match the
// decoded contents.
var ErrHashMismatch = errors.New("event hash mismatch")

// Marshal encodes e as compact JSON without HTML escaping. Parse(Marshal(e))
// yields an event equal to e.
func Marshal(e AuditEvent) ([]byte, error) {
	return encode(e)
}

func encode(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Parse decodes an event and checks its hash.
func Parse(data []byte) (AuditEvent, error) {
	var e AuditEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return AuditEvent{}, fmt.Errorf("failed to decode event: %w", err)
	}
	h, err := e.ComputeHash()
	if err != nil {
		return AuditEvent{}, err
	}
	if h != e.Hash {
		return AuditEvent{}, fmt.Errorf("%w: event %s", ErrHashMismatch, e.EventID)
	}
	return e, nil
}

// Encode is Marshal for any value, used for records that embed events.
func Encode(v interface{}) ([]byte, error) {
	return encode(v)
}
