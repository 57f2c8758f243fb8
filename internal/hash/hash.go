package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ZeroHash is the genesis value: the previous hash of link 0 and the root of
// an empty tree.
var ZeroHash = strings.Repeat("0", 64)

// Calculate hashes the canonical JSON form of data.
func Calculate(data interface{}) (string, error) {
	canonical, err := Canonical(data)
	if err != nil {
		return "", err
	}
	return Sum(canonical), nil
}

func CalculateString(data string) string {
	return Sum([]byte(data))
}

func Sum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Canonical encodes v as compact JSON with object keys sorted at every depth
// and HTML escaping disabled. Numbers keep their literal form.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to normalize data: %w", err)
	}

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("failed to encode canonical form: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// IsHex256 reports whether s looks like a lowercase hex SHA-256 digest.
func IsHex256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
