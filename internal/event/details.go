package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/witnz/auditvault/internal/hash"
)

// Limits on the free-form details map. They keep a single audit entry from
// growing without bound.
const (
	MaxDetailKeys       = 64
	MaxDetailKeyLen     = 128
	MaxDetailValueBytes = 4096
)

type detail struct {
	key   string
	value json.RawMessage
}

// Details is an insertion-ordered map of string keys to JSON values. It is a
// value type: With returns a new map and never modifies the receiver.
type Details struct {
	entries []detail
}

// NewDetails builds a map from alternating key/value arguments.
func NewDetails(kv ...interface{}) (Details, error) {
	if len(kv)%2 != 0 {
		return Details{}, fmt.Errorf("details: odd number of arguments")
	}
	d := Details{}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			return Details{}, fmt.Errorf("details: key at position %d is %T, not string", i, kv[i])
		}
		var err error
		if d, err = d.With(key, kv[i+1]); err != nil {
			return Details{}, err
		}
	}
	return d, nil
}

// With returns a copy of d with key set to value. An existing key keeps its
// position.
func (d Details) With(key string, value interface{}) (Details, error) {
	raw, err := normalizeValue(value)
	if err != nil {
		return Details{}, fmt.Errorf("details: value for %q: %w", key, err)
	}
	if err := checkDetail(key, raw); err != nil {
		return Details{}, err
	}

	entries := make([]detail, len(d.entries), len(d.entries)+1)
	copy(entries, d.entries)
	for i := range entries {
		if entries[i].key == key {
			entries[i].value = raw
			return Details{entries: entries}, nil
		}
	}
	if len(entries) >= MaxDetailKeys {
		return Details{}, fmt.Errorf("details: more than %d keys", MaxDetailKeys)
	}
	return Details{entries: append(entries, detail{key: key, value: raw})}, nil
}

func checkDetail(key string, raw json.RawMessage) error {
	if key == "" {
		return fmt.Errorf("details: empty key")
	}
	if len(key) > MaxDetailKeyLen {
		return fmt.Errorf("details: key %.16q... longer than %d bytes", key, MaxDetailKeyLen)
	}
	if len(raw) > MaxDetailValueBytes {
		return fmt.Errorf("details: value for %q larger than %d bytes", key, MaxDetailValueBytes)
	}
	return nil
}

func normalizeValue(value interface{}) (json.RawMessage, error) {
	canonical, err := hash.Canonical(value)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(canonical), nil
}

func (d Details) Len() int {
	return len(d.entries)
}

// Get returns the compact JSON encoding of the value stored under key.
func (d Details) Get(key string) (json.RawMessage, bool) {
	for _, e := range d.entries {
		if e.key == key {
			out := make(json.RawMessage, len(e.value))
			copy(out, e.value)
			return out, true
		}
	}
	return nil, false
}

// String returns the value under key when it is a JSON string.
func (d Details) String(key string) (string, bool) {
	raw, ok := d.Get(key)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Keys returns the keys in insertion order.
func (d Details) Keys() []string {
	keys := make([]string, len(d.entries))
	for i, e := range d.entries {
		keys[i] = e.key
	}
	return keys
}

func (d Details) validate() []string {
	var problems []string
	if len(d.entries) > MaxDetailKeys {
		problems = append(problems, fmt.Sprintf("details has %d keys (max %d)", len(d.entries), MaxDetailKeys))
	}
	seen := make(map[string]bool, len(d.entries))
	for _, e := range d.entries {
		if err := checkDetail(e.key, e.value); err != nil {
			problems = append(problems, err.Error())
		}
		if seen[e.key] {
			problems = append(problems, fmt.Sprintf("details: duplicate key %q", e.key))
		}
		seen[e.key] = true
	}
	return problems
}

func (d Details) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, e := range d.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := hash.Canonical(e.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(e.value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps the key order of the input object.
func (d *Details) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*d = Details{}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("details: expected object, got %v", tok)
	}

	var entries []detail
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("details: expected key, got %v", tok)
		}
		if seen[key] {
			return fmt.Errorf("details: duplicate key %q", key)
		}
		seen[key] = true

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		value, err := normalizeValue(raw)
		if err != nil {
			return err
		}
		if err := checkDetail(key, value); err != nil {
			return err
		}
		entries = append(entries, detail{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if len(entries) > MaxDetailKeys {
		return fmt.Errorf("details: more than %d keys", MaxDetailKeys)
	}

	*d = Details{entries: entries}
	return nil
}

// Tags is an immutable set of strings, kept sorted.
type Tags struct {
	values []string
}

func NewTags(values ...string) Tags {
	if len(values) == 0 {
		return Tags{}
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	sorted := make([]string, 0, len(set))
	for v := range set {
		sorted = append(sorted, v)
	}
	sort.Strings(sorted)
	return Tags{values: sorted}
}

func (t Tags) Has(tag string) bool {
	i := sort.SearchStrings(t.values, tag)
	return i < len(t.values) && t.values[i] == tag
}

func (t Tags) Len() int {
	return len(t.values)
}

// Values returns a sorted copy of the tags.
func (t Tags) Values() []string {
	out := make([]string, len(t.values))
	copy(out, t.values)
	return out
}

func (t Tags) MarshalJSON() ([]byte, error) {
	if t.values == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.values)
}

func (t *Tags) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*t = NewTags(values...)
	return nil
}
