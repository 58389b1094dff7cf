// Package ratelimit caps how much a single user can withdraw within a
// trailing 24 hour window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/0xb10c/treasury-go/src/types"
)

// Window is the length of the trailing window.
const Window = 24 * time.Hour

// ErrAboveCap is returned for a request that exceeds the cap on its own.
// Waiting does not help.
var ErrAboveCap = errors.New("amount exceeds the daily cap")

// RateLimitExceededError is returned when a withdrawal would exceed the cap.
type RateLimitExceededError struct {
	Remaining time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("withdrawal limit reached, retry in %s", e.Remaining.Round(time.Second))
}

// RemainingMs is the cooldown in milliseconds.
func (e *RateLimitExceededError) RemainingMs() int64 {
	return e.Remaining.Milliseconds()
}

func IsErrorRateLimitExceeded(err error) bool {
	var target *RateLimitExceededError
	return errors.As(err, &target)
}

// WindowSource computes a user's withdrawal window. It is implemented by the
// ledger store, inside or outside of an exclusive section.
type WindowSource interface {
	WithdrawalWindow(ctx context.Context, userID string, since time.Time) (*types.WithdrawalWindow, error)
}

// Limiter enforces a per-user daily cap. A zero cap disables it.
type Limiter struct {
	cap uint64
}

func New(dailyCap uint64) *Limiter {
	return &Limiter{cap: dailyCap}
}

func (l *Limiter) Cap() uint64 {
	return l.cap
}

// Cooldown returns how long the user has to wait given the window, for a
// request of requested satoshis. Zero means the request is permitted.
func (l *Limiter) Cooldown(w *types.WithdrawalWindow, requested uint64, now time.Time) time.Duration {
	if l.cap == 0 || w == nil {
		return 0
	}
	if w.TotalSatoshis < l.cap && w.TotalSatoshis+requested <= l.cap {
		return 0
	}
	if w.LastWithdrawal == nil {
		// a single request above the cap can never be satisfied by waiting
		return Window
	}
	remaining := Window - now.Sub(*w.LastWithdrawal)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Check loads the user's window from src and fails with
// *RateLimitExceededError if requested does not fit, or with ErrAboveCap if
// it never will.
func (l *Limiter) Check(ctx context.Context, src WindowSource, userID string, requested uint64, now time.Time) error {
	if l.cap == 0 {
		return nil
	}
	if requested > l.cap {
		return errors.Wrapf(ErrAboveCap, "%d > %d satoshis", requested, l.cap)
	}
	w, err := src.WithdrawalWindow(ctx, userID, now.Add(-Window))
	if err != nil {
		return err
	}
	if remaining := l.Cooldown(w, requested, now); remaining > 0 {
		return &RateLimitExceededError{Remaining: remaining}
	}
	return nil
}

// Remaining reports the user's current cooldown, i.e. the wait until the
// window has room again once the cap is reached.
func (l *Limiter) Remaining(ctx context.Context, src WindowSource, userID string, now time.Time) (time.Duration, *types.WithdrawalWindow, error) {
	w, err := src.WithdrawalWindow(ctx, userID, now.Add(-Window))
	if err != nil {
		return 0, nil, err
	}
	return l.Cooldown(w, 0, now), w, nil
}
