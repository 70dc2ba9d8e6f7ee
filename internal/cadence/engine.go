// Package cadence serializes a character's mutating actions against the
// server's cooldown clock and encodes the server's retry contract.
package cadence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/cooldown"
	"github.com/macomeau/Artifacts-sub002/internal/gameclient"
	"github.com/macomeau/Artifacts-sub002/internal/model"
	"github.com/macomeau/Artifacts-sub002/internal/security"
)

// ErrCancelled reports that a supervisor-issued cancel interrupted the
// engine before the next dispatch.
var ErrCancelled = errors.New("cancelled")

// ErrRetriesExhausted wraps the last transient failure once the retry
// budget is spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

const (
	defaultTransientBudget = 5
	transientBackoffStart  = 1 * time.Second
	transientBackoffCap    = 5 * time.Second
	rateLimitBackoffStart  = 30 * time.Second
	rateLimitBackoffCap    = 60 * time.Second
)

// Op dispatches one mutating call for a character and returns the server's
// result envelope.
type Op func(ctx context.Context) (gameclient.Result, error)

// CharacterFetcher is the read-only slice of the game client the engine
// needs for its pre-wait.
type CharacterFetcher interface {
	GetCharacter(ctx context.Context, name string) (model.Character, error)
}

// Recorder receives one action record per attempt plus opportunistic
// inventory snapshots.
type Recorder interface {
	RecordAction(model.ActionRecord)
	RecordInventory(model.InventoryRecord)
}

// Engine owns the per-character dispatch discipline: pre-wait on the
// cooldown, single-flight locking, and classified retries. It is shared by
// every loop in a worker.
type Engine struct {
	fetcher  CharacterFetcher
	recorder Recorder
	budget   int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	snaps map[string]model.Character
}

func New(fetcher CharacterFetcher, recorder Recorder) *Engine {
	return &Engine{
		fetcher:  fetcher,
		recorder: recorder,
		budget:   defaultTransientBudget,
		locks:    map[string]*sync.Mutex{},
		snaps:    map[string]model.Character{},
	}
}

// WithTransientBudget overrides the transient retry budget.
func (e *Engine) WithTransientBudget(n int) *Engine {
	if n > 0 {
		e.budget = n
	}
	return e
}

// Snapshot returns the engine's last known snapshot for the character,
// fetching one when none is cached.
func (e *Engine) Snapshot(ctx context.Context, character string) (model.Character, error) {
	e.mu.Lock()
	snap, ok := e.snaps[character]
	e.mu.Unlock()
	if ok {
		return snap, nil
	}
	return e.Refresh(ctx, character)
}

// Refresh fetches a fresh snapshot from the server and caches it.
func (e *Engine) Refresh(ctx context.Context, character string) (model.Character, error) {
	snap, err := e.fetcher.GetCharacter(ctx, character)
	if err != nil {
		return model.Character{}, fmt.Errorf("fetch character %s: %w", character, err)
	}
	e.cache(snap)
	return snap, nil
}

func (e *Engine) cache(snap model.Character) {
	if snap.Name == "" {
		return
	}
	e.mu.Lock()
	e.snaps[snap.Name] = snap
	e.mu.Unlock()
}

func (e *Engine) characterLock(character string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[character]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[character] = lock
	}
	return lock
}

// Do dispatches op for the character under the engine's guarantees. Typed
// control-flow signals (ErrInventoryFull, ErrNoResource, ErrCharacterDead)
// pass through untouched for the loop to branch on.
func (e *Engine) Do(ctx context.Context, character string, action model.ActionType, op Op) (gameclient.Result, error) {
	lock := e.characterLock(character)
	lock.Lock()
	defer lock.Unlock()

	snap, err := e.Snapshot(ctx, character)
	if err != nil {
		return gameclient.Result{}, err
	}
	if err := cooldown.Wait(ctx, snap, time.Now()); err != nil {
		return gameclient.Result{}, ErrCancelled
	}

	transientLeft := e.budget
	transientBackoff := transientBackoffStart
	rateLimitBackoff := rateLimitBackoffStart

	for {
		if ctx.Err() != nil {
			return gameclient.Result{}, ErrCancelled
		}
		coords := model.Point{X: snap.X, Y: snap.Y}
		result, err := op(ctx)
		e.record(character, action, coords, result, err)

		if err == nil {
			e.cache(result.Character)
			e.recordInventory(result.Character)
			return result, nil
		}

		var cd *gameclient.CooldownError
		var transient *gameclient.TransientError
		switch {
		case errors.As(err, &cd):
			// Server-reported cooldown; wait it out without spending budget.
			wait := time.Duration(cd.SecondsLeft*float64(time.Second)) + cooldown.Buffer
			if err := cooldown.Sleep(ctx, wait); err != nil {
				return gameclient.Result{}, ErrCancelled
			}
		case errors.Is(err, gameclient.ErrRateLimited):
			if err := cooldown.Sleep(ctx, rateLimitBackoff); err != nil {
				return gameclient.Result{}, ErrCancelled
			}
			rateLimitBackoff *= 2
			if rateLimitBackoff > rateLimitBackoffCap {
				rateLimitBackoff = rateLimitBackoffCap
			}
		case errors.As(err, &transient):
			transientLeft--
			if transientLeft <= 0 {
				return gameclient.Result{}, fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
			}
			if err := cooldown.Sleep(ctx, transientBackoff); err != nil {
				return gameclient.Result{}, ErrCancelled
			}
			transientBackoff *= 2
			if transientBackoff > transientBackoffCap {
				transientBackoff = transientBackoffCap
			}
		case errors.Is(err, gameclient.ErrAlreadyAtDestination) && action == model.ActionMove:
			// Idempotent move rejection: the character is already where the
			// caller wants it.
			return gameclient.Result{Character: snap}, nil
		default:
			return gameclient.Result{}, err
		}
	}
}

func (e *Engine) record(character string, action model.ActionType, coords model.Point, result gameclient.Result, err error) {
	if e.recorder == nil {
		return
	}
	rec := model.ActionRecord{
		Character:  character,
		ActionType: action,
		Coords:     coords,
		Timestamp:  time.Now().UTC(),
	}
	if err != nil {
		rec.Error = security.Redact(err.Error())
	} else if len(result.Details) > 0 {
		rec.Result = result.Details
	}
	e.recorder.RecordAction(rec)
}

func (e *Engine) recordInventory(snap model.Character) {
	if e.recorder == nil || snap.Name == "" {
		return
	}
	e.recorder.RecordInventory(model.InventoryRecord{
		Character: snap.Name,
		Items:     snap.Inventory,
		Timestamp: time.Now().UTC(),
	})
}
