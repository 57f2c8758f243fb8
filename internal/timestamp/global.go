package timestamp

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	defaultAuthority atomic.Pointer[Authority]
	initMu           sync.Mutex
)

// ErrAlreadyInitialized is returned by Init once the process-wide authority
// exists.
var ErrAlreadyInitialized = errors.New("timestamp authority already initialized")

// Default returns the process-wide authority, creating it with default
// settings on first use. It lives for the rest of the process.
func Default() *Authority {
	if a := defaultAuthority.Load(); a != nil {
		return a
	}

	initMu.Lock()
	defer initMu.Unlock()
	if a := defaultAuthority.Load(); a != nil {
		return a
	}
	a := NewAuthority(Config{})
	defaultAuthority.Store(a)
	return a
}

// Init creates the process-wide authority with cfg. It must run before the
// first call to Default; the policy cannot change afterwards.
func Init(cfg Config) (*Authority, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if defaultAuthority.Load() != nil {
		return nil, ErrAlreadyInitialized
	}
	a := NewAuthority(cfg)
	defaultAuthority.Store(a)
	return a, nil
}

// ResetForTesting discards the process-wide authority. The next record starts
// a new chain at sequence 1, so monotonicity across the reset is not
// guaranteed. Never call it while a store still holds earlier timestamps.
func ResetForTesting() {
	initMu.Lock()
	defer initMu.Unlock()
	defaultAuthority.Store(nil)
}
