package toggle

import (
	"errors"
	"time"
)

// State captures the biometric toggle for a vault directory.
type State struct {
	Enabled   bool      `json:"enabled"`
	EnabledAt time.Time `json:"enabledAt,omitempty"`
}

// payload is what the credential store holds: the state plus the key
// material released after a successful prompt.
type payload struct {
	State
	Keys []byte `json:"keys"`
}

// ErrUnsupported signals that biometric prompts are not available on this platform.
var ErrUnsupported = errors.New("biometric unlock not supported on this platform")

// ErrNotEnabled is returned by Unlock when no key material was enrolled.
var ErrNotEnabled = errors.New("biometric unlock is not enabled for this vault")
