package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/model"
)

func TestRemaining(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		snap model.Character
		want time.Duration
	}{
		{
			name: "no cooldown",
			snap: model.Character{},
			want: 0,
		},
		{
			name: "expiration in the future",
			snap: model.Character{CooldownExpiration: now.Add(3 * time.Second)},
			want: 3*time.Second + Buffer,
		},
		{
			name: "expiration in the past",
			snap: model.Character{CooldownExpiration: now.Add(-10 * time.Second)},
			want: 0,
		},
		{
			name: "seconds fallback when no expiration",
			snap: model.Character{Cooldown: 2.5},
			want: 2500*time.Millisecond + Buffer,
		},
		{
			name: "expiration wins over seconds",
			snap: model.Character{Cooldown: 30, CooldownExpiration: now.Add(time.Second)},
			want: time.Second + Buffer,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Remaining(tc.snap, now); got != tc.want {
				t.Fatalf("Remaining() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSleepCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Minute); err != context.Canceled {
		t.Fatalf("Sleep on cancelled ctx = %v, want context.Canceled", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("Sleep(0) = %v, want nil", err)
	}
}
