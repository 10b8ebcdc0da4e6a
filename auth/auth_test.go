package auth_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marchage/EncryptedAlbum-sub005/auth"
	"github.com/marchage/EncryptedAlbum-sub005/internal/vault"
	"github.com/marchage/EncryptedAlbum-sub005/internal/vaulterr"
)

func TestPolicyMinLength(t *testing.T) {
	p := auth.Policy{MinLength: 8}

	err := p.Validate("short")
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterr.ErrPasswordTooShort))

	ve, ok := vaulterr.As(err)
	require.True(t, ok)
	assert.Equal(t, 8, ve.MinLength)

	assert.NoError(t, p.Validate("longenough"))
}

func TestPolicyCountsRunesAfterNormalisation(t *testing.T) {
	p := auth.Policy{MinLength: 5}
	// Five code points decomposed, four once composed.
	assert.Error(t, p.Validate("cafe\u0301"))
	assert.NoError(t, p.Validate("cafes"))
}

func TestPolicyRequireClasses(t *testing.T) {
	p := auth.Policy{MinLength: 8, RequireClasses: true}
	assert.Error(t, p.Validate("alllowercase1!"))
	assert.Error(t, p.Validate("NoDigitsHere!"))
	assert.Error(t, p.Validate("NoSpecial123"))
	assert.NoError(t, p.Validate("Valid#Pass123"))
}

func TestPolicyStrength(t *testing.T) {
	p := auth.Policy{MinLength: 8, MinScore: 3}
	err := p.Validate("password")
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrWeakPassword)

	assert.NoError(t, p.Validate("correct horse battery staple 9!"))
}

func TestThrottleBackoff(t *testing.T) {
	th := auth.NewThrottle(auth.ThrottleConfig{
		BackoffBase: time.Second,
		BackoffMax:  10 * time.Second,
	}, vault.ThrottleState{})

	assert.Equal(t, time.Duration(0), th.Backoff(0))
	assert.Equal(t, time.Second, th.Backoff(1))
	assert.Equal(t, 2*time.Second, th.Backoff(2))
	assert.Equal(t, 8*time.Second, th.Backoff(4))
	assert.Equal(t, 10*time.Second, th.Backoff(5))
	assert.Equal(t, 10*time.Second, th.Backoff(500))
}

func TestThrottleBackoffWithoutMaxSaturates(t *testing.T) {
	th := auth.NewThrottle(auth.ThrottleConfig{BackoffBase: time.Second}, vault.ThrottleState{})

	prev := th.Backoff(1)
	for n := 2; n <= 200; n++ {
		d := th.Backoff(n)
		require.GreaterOrEqual(t, d, prev, "failure %d", n)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), th.Backoff(200))

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	th = auth.NewThrottle(auth.ThrottleConfig{BackoffBase: time.Second}, vault.ThrottleState{
		FailedAttempts: 100,
		LastFailure:    now,
	})
	assert.Positive(t, th.Remaining(now))
	assert.Positive(t, th.Remaining(now.Add(-time.Hour)), "clock moved backwards")
	assert.Positive(t, th.Remaining(now.Add(24*time.Hour)))
}

func TestThrottleRemaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	th := auth.NewThrottle(auth.ThrottleConfig{BackoffBase: time.Second, BackoffMax: time.Minute}, vault.ThrottleState{})

	assert.Zero(t, th.Remaining(now))

	th.RecordFailure(now)
	th.RecordFailure(now)
	assert.Equal(t, 2*time.Second, th.Remaining(now))
	assert.Equal(t, time.Second, th.Remaining(now.Add(time.Second)))
	assert.Zero(t, th.Remaining(now.Add(time.Hour)))

	th.Reset()
	assert.Zero(t, th.State().FailedAttempts)
}

func TestThrottleWipeIsOptIn(t *testing.T) {
	now := time.Now()

	off := auth.NewThrottle(auth.ThrottleConfig{MaxFailedAttempts: 2}, vault.ThrottleState{})
	assert.False(t, off.RecordFailure(now))
	assert.False(t, off.RecordFailure(now))
	assert.False(t, off.RecordFailure(now))

	on := auth.NewThrottle(auth.ThrottleConfig{MaxFailedAttempts: 2, WipeOnMaxFailures: true}, vault.ThrottleState{})
	assert.False(t, on.RecordFailure(now))
	assert.True(t, on.RecordFailure(now))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, auth.Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, auth.Sleep(context.Background(), time.Millisecond))
}
