// Package cooldown computes how long a character must wait before its next
// mutating action, from the last known snapshot and wall-clock time alone.
package cooldown

import (
	"context"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/model"
)

// Buffer absorbs clock skew between us and the game server plus
// serialization jitter.
const Buffer = 500 * time.Millisecond

// Remaining returns how long to wait before dispatching for the character
// described by snap, as of now. A zero result means the character is free.
func Remaining(snap model.Character, now time.Time) time.Duration {
	var wait time.Duration
	switch {
	case !snap.CooldownExpiration.IsZero():
		wait = snap.CooldownExpiration.Sub(now)
	case snap.Cooldown > 0:
		wait = time.Duration(snap.Cooldown * float64(time.Second))
	}
	if wait <= 0 {
		return 0
	}
	return wait + Buffer
}

// Wait sleeps out the snapshot's remaining cooldown, returning early with
// ctx.Err() on cancellation.
func Wait(ctx context.Context, snap model.Character, now time.Time) error {
	return Sleep(ctx, Remaining(snap, now))
}

// Sleep is a cancellable time.Sleep.
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
