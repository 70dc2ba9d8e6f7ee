package gameclient

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		code    int
		message string
		check   func(t *testing.T, err error)
	}{
		{
			name: "rate limited", status: 429,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrRateLimited) {
					t.Fatalf("err = %v", err)
				}
			},
		},
		{
			name: "server error", status: 502, message: "Bad Gateway",
			check: func(t *testing.T, err error) {
				var te *TransientError
				if !errors.As(err, &te) || te.Status != 502 {
					t.Fatalf("err = %v", err)
				}
			},
		},
		{
			name: "cooldown with seconds", status: 499, code: 499,
			message: "Character in cooldown: 12.87 seconds left.",
			check: func(t *testing.T, err error) {
				var ce *CooldownError
				if !errors.As(err, &ce) || ce.SecondsLeft != 12.87 {
					t.Fatalf("err = %v", err)
				}
			},
		},
		{
			name: "cooldown without parsable seconds", status: 499, code: 499,
			message: "Character in cooldown.",
			check: func(t *testing.T, err error) {
				var ce *CooldownError
				if !errors.As(err, &ce) || ce.SecondsLeft != 1 {
					t.Fatalf("err = %v", err)
				}
			},
		},
		{
			name: "already at destination", status: 490, code: 490,
			message: "Character already at destination.",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrAlreadyAtDestination) {
					t.Fatalf("err = %v", err)
				}
			},
		},
		{
			name: "inventory full", status: 497, code: 497,
			message: "Character inventory is full.",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrInventoryFull) {
					t.Fatalf("err = %v", err)
				}
			},
		},
		{
			name: "resource not found", status: 404, code: 493,
			message: "Resource not found.",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrNoResource) {
					t.Fatalf("err = %v", err)
				}
			},
		},
		{
			name: "no resource on map beats generic 5xx", status: 598, code: 598,
			message: "Resource not found on this map.",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrNoResource) {
					t.Fatalf("err = %v", err)
				}
			},
		},
		{
			name: "move already in progress retries", status: 486, code: 486,
			message: "An action is already in progress for this character.",
			check: func(t *testing.T, err error) {
				var te *TransientError
				if !errors.As(err, &te) {
					t.Fatalf("err = %v", err)
				}
			},
		},
		{
			name: "dead character", status: 400, code: 483,
			message: "Character is dead.",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrCharacterDead) {
					t.Fatalf("err = %v", err)
				}
			},
		},
		{
			name: "unknown code is fatal", status: 478, code: 478,
			message: "Missing item or insufficient quantity.",
			check: func(t *testing.T, err error) {
				var fe *FatalError
				if !errors.As(err, &fe) || fe.Code != 478 {
					t.Fatalf("err = %v", err)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, classify(tc.status, tc.code, tc.message))
		})
	}
}

func TestParseCooldownSeconds(t *testing.T) {
	cases := []struct {
		message string
		want    float64
	}{
		{"Character in cooldown: 5 seconds left.", 5},
		{"Character in cooldown: 0.35 seconds left.", 0.35},
		{"cooldown: 1 second remaining", 1},
		{"no numbers here", 1},
		{"", 1},
	}
	for _, tc := range cases {
		if got := parseCooldownSeconds(tc.message); got != tc.want {
			t.Errorf("parseCooldownSeconds(%q) = %v, want %v", tc.message, got, tc.want)
		}
	}
}
