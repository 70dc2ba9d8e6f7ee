package gameclient

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The server's error vocabulary is parsed exactly once, here. Downstream
// code dispatches on these types and never inspects raw messages.
var (
	ErrAlreadyAtDestination = errors.New("character already at destination")
	ErrInventoryFull        = errors.New("inventory full")
	ErrNoResource           = errors.New("no resource on this tile")
	ErrCharacterDead        = errors.New("character is dead")
	ErrRateLimited          = errors.New("rate limited")
)

// CooldownError means the server refused the action because the character is
// still cooling down.
type CooldownError struct {
	SecondsLeft float64
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("character in cooldown: %.2f seconds left", e.SecondsLeft)
}

// TransientError covers 5xx responses and network-level failures.
type TransientError struct {
	Status int
	Cause  error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient failure: %v", e.Cause)
	}
	return fmt.Sprintf("transient failure: http %d", e.Status)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// FatalError is every classified failure that is not worth retrying.
type FatalError struct {
	Status  int
	Code    int
	Message string
}

func (e *FatalError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("game api error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("game api http %d: %s", e.Status, e.Message)
}

// Server error codes observed on the Artifacts API.
const (
	codeMoveInProgress  = 486
	codeAtDestination   = 490
	codeNotFound        = 493
	codeInventoryFull   = 497
	codeCooldown        = 499
	codeNoResourceOnMap = 598
)

var cooldownSecondsRe = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?) *seconds?`)

// classify maps an HTTP status plus the server's error payload onto the
// closed taxonomy.
func classify(status, code int, message string) error {
	if status == 429 {
		return ErrRateLimited
	}
	switch code {
	case codeMoveInProgress:
		// Another action is still in flight for this character. The driver
		// serializes per character, so this only happens right after an
		// unclean restart; waiting it out is safe.
		return &TransientError{Status: status}
	case codeCooldown:
		return &CooldownError{SecondsLeft: parseCooldownSeconds(message)}
	case codeAtDestination:
		return ErrAlreadyAtDestination
	case codeInventoryFull:
		return ErrInventoryFull
	case codeNotFound, codeNoResourceOnMap:
		// The server reports "resource not found" and "no resource on this
		// map" separately; both mean the tile has nothing to act on.
		return ErrNoResource
	}
	// Unknown codes: 5xx is retryable, everything else is not.
	if status >= 500 {
		return &TransientError{Status: status}
	}
	lower := strings.ToLower(message)
	if strings.Contains(lower, "dead") {
		return ErrCharacterDead
	}
	return &FatalError{Status: status, Code: code, Message: message}
}

func parseCooldownSeconds(message string) float64 {
	m := cooldownSecondsRe.FindStringSubmatch(message)
	if len(m) < 2 {
		return 1
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 {
		return 1
	}
	return v
}
