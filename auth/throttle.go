package auth

import (
	"context"
	"math"
	"time"

	"github.com/marchage/EncryptedAlbum-sub005/internal/vault"
)

// ThrottleConfig tunes unlock failure handling.
type ThrottleConfig struct {
	// MaxFailedAttempts is the failure count at which WipeOnMaxFailures
	// applies. Zero disables the threshold.
	MaxFailedAttempts int
	// WipeOnMaxFailures opts in to destroying the vault at the threshold.
	WipeOnMaxFailures bool
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// DefaultThrottleConfig matches the shipped configuration defaults.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		MaxFailedAttempts: 10,
		BackoffBase:       time.Second,
		BackoffMax:        5 * time.Minute,
	}
}

// Throttle tracks consecutive unlock failures and the backoff they impose.
// It is not safe for concurrent use; the vault serialises unlocks.
type Throttle struct {
	cfg   ThrottleConfig
	state vault.ThrottleState
}

// NewThrottle resumes from persisted state.
func NewThrottle(cfg ThrottleConfig, st vault.ThrottleState) *Throttle {
	return &Throttle{cfg: cfg, state: st}
}

// State returns the value to persist.
func (t *Throttle) State() vault.ThrottleState {
	return t.state
}

// Backoff is the full delay imposed after n consecutive failures:
// BackoffBase doubled per failure after the first, capped at BackoffMax.
// With no BackoffMax the delay saturates at the largest time.Duration.
func (t *Throttle) Backoff(n int) time.Duration {
	if n <= 0 || t.cfg.BackoffBase <= 0 {
		return 0
	}
	d := t.cfg.BackoffBase
	for i := 1; i < n; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if t.cfg.BackoffMax > 0 && d >= t.cfg.BackoffMax {
			return t.cfg.BackoffMax
		}
	}
	if t.cfg.BackoffMax > 0 && d > t.cfg.BackoffMax {
		return t.cfg.BackoffMax
	}
	return d
}

// Remaining is how long the next attempt must still wait at now.
func (t *Throttle) Remaining(now time.Time) time.Duration {
	if t.state.FailedAttempts == 0 {
		return 0
	}
	elapsed := now.Sub(t.state.LastFailure)
	if elapsed < 0 {
		elapsed = 0
	}
	wait := t.Backoff(t.state.FailedAttempts) - elapsed
	if wait < 0 {
		return 0
	}
	return wait
}

// RecordFailure counts a failed attempt and reports whether the opt-in wipe
// threshold has been reached.
func (t *Throttle) RecordFailure(now time.Time) (wipe bool) {
	t.state.FailedAttempts++
	t.state.LastFailure = now.UTC()
	return t.cfg.WipeOnMaxFailures &&
		t.cfg.MaxFailedAttempts > 0 &&
		t.state.FailedAttempts >= t.cfg.MaxFailedAttempts
}

// Reset clears the failure counter after a successful unlock.
func (t *Throttle) Reset() {
	t.state = vault.ThrottleState{}
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
