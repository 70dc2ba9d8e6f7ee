// Package loop runs cycle-style automation: acquire materials, travel, act,
// dispose. Concrete loops are data; the framework owns every transition.
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/cadence"
	"github.com/macomeau/Artifacts-sub002/internal/cooldown"
	"github.com/macomeau/Artifacts-sub002/internal/gameclient"
	"github.com/macomeau/Artifacts-sub002/internal/model"
)

// advisoryFullRatio short-circuits to dispose before an act would bounce off
// a nearly full inventory. The hard limit is the server's InventoryFull.
const advisoryFullRatio = 0.95

// GameClient is the slice of the remote client the framework dispatches
// through the cadence engine.
type GameClient interface {
	Move(ctx context.Context, name string, x, y int) (gameclient.Result, error)
	Gather(ctx context.Context, name string) (gameclient.Result, error)
	Craft(ctx context.Context, name, code string, quantity int) (gameclient.Result, error)
	Recycle(ctx context.Context, name, code string, quantity int) (gameclient.Result, error)
	Fight(ctx context.Context, name string) (gameclient.Result, error)
	Rest(ctx context.Context, name string) (gameclient.Result, error)
	BankDeposit(ctx context.Context, name, code string, quantity int) (gameclient.Result, error)
	BankWithdraw(ctx context.Context, name, code string, quantity int) (gameclient.Result, error)
}

type Options struct {
	Bank   model.Point
	Logger *log.Logger
}

// Loop drives one character through one script until its target is met, the
// script is unbounded and the context ends, or a fatal error surfaces.
type Loop struct {
	engine    *cadence.Engine
	client    GameClient
	character string
	script    Script
	bank      model.Point
	log       *log.Logger

	cycle    int
	produced int
}

func New(engine *cadence.Engine, client GameClient, character string, script Script, opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Loop{
		engine:    engine,
		client:    client,
		character: character,
		script:    script,
		bank:      opts.Bank,
		log:       logger,
	}
}

// Produced reports how many target units the loop has yielded so far.
func (l *Loop) Produced() int { return l.produced }

// Cycles reports how many cycles have started.
func (l *Loop) Cycles() int { return l.cycle }

// Run executes the cycle state machine:
// Init -> Prepare -> Travel -> Act* -> Dispose -> (Terminal | Init).
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return cadence.ErrCancelled
		}
		l.cycle++
		snap, err := l.engine.Snapshot(ctx, l.character)
		if err != nil {
			return err
		}
		l.log.Printf("%s: cycle %d starting at (%d,%d), produced %d", l.script.Name, l.cycle, snap.X, snap.Y, l.produced)

		if l.script.Kind == KindDeposit {
			return l.dispose(ctx)
		}
		if l.targetMet() {
			return nil
		}
		if err := l.prepare(ctx); err != nil {
			return err
		}
		if err := l.travel(ctx, l.script.WorkTile); err != nil {
			return err
		}
		advance, err := l.actPhase(ctx)
		if err != nil {
			return err
		}
		if err := l.dispose(ctx); err != nil {
			return err
		}
		if l.targetMet() {
			return nil
		}
		if !advance && l.script.Target == 0 {
			// Unbounded script whose tile went dry and whose policy says
			// advance: nothing left to do.
			return nil
		}
	}
}

// prepare withdraws the recipe inputs for one batch from the bank.
func (l *Loop) prepare(ctx context.Context) error {
	if len(l.script.Recipe) == 0 {
		return nil
	}
	units, err := l.batchUnits(ctx)
	if err != nil {
		return err
	}
	if units == 0 {
		return fmt.Errorf("%s: inventory too small for a single unit of %s", l.script.Name, l.script.Output)
	}
	if err := l.travel(ctx, l.bank); err != nil {
		return err
	}
	snap, err := l.engine.Snapshot(ctx, l.character)
	if err != nil {
		return err
	}
	for _, ing := range l.script.Recipe {
		need := ing.Quantity*units - snap.CountItem(ing.Code)
		if need <= 0 {
			continue
		}
		code, qty := ing.Code, need
		res, err := l.engine.Do(ctx, l.character, model.ActionWithdraw, func(ctx context.Context) (gameclient.Result, error) {
			return l.client.BankWithdraw(ctx, l.character, code, qty)
		})
		if err != nil {
			return fmt.Errorf("withdraw %s x%d: %w", code, qty, err)
		}
		snap = res.Character
	}
	return nil
}

// batchUnits is how many output units one cycle produces: the configured
// batch size, clamped by the remaining target, or what the inventory can
// hold when no batch size is set.
func (l *Loop) batchUnits(ctx context.Context) (int, error) {
	units := l.script.BatchSize
	if units <= 0 {
		snap, err := l.engine.Snapshot(ctx, l.character)
		if err != nil {
			return 0, err
		}
		perUnit := 0
		for _, ing := range l.script.Recipe {
			perUnit += ing.Quantity
		}
		if perUnit == 0 || snap.InventoryMaxItems == 0 {
			units = 1
		} else {
			units = snap.InventoryMaxItems / perUnit
		}
	}
	if l.script.Target > 0 {
		if remaining := l.script.Target - l.produced; remaining < units {
			units = remaining
		}
	}
	return units, nil
}

func (l *Loop) travel(ctx context.Context, tile model.Point) error {
	snap, err := l.engine.Snapshot(ctx, l.character)
	if err != nil {
		return err
	}
	if snap.X == tile.X && snap.Y == tile.Y {
		return nil
	}
	_, err = l.engine.Do(ctx, l.character, model.ActionMove, func(ctx context.Context) (gameclient.Result, error) {
		return l.client.Move(ctx, l.character, tile.X, tile.Y)
	})
	if err != nil {
		return fmt.Errorf("move to (%d,%d): %w", tile.X, tile.Y, err)
	}
	return nil
}

// actPhase dispatches acts at the work tile until the batch completes, the
// inventory demands a dispose, or the tile runs dry. The returned bool is
// false only when a dry tile ended the phase under the advance policy.
func (l *Loop) actPhase(ctx context.Context) (bool, error) {
	acts := 0
	batch := l.script.BatchSize
	for {
		if ctx.Err() != nil {
			return true, cadence.ErrCancelled
		}
		if l.targetMet() {
			return true, nil
		}
		if batch > 0 && acts >= batch {
			return true, nil
		}
		snap, err := l.engine.Snapshot(ctx, l.character)
		if err != nil {
			return true, err
		}
		if inventoryNearlyFull(snap) {
			return true, nil
		}

		before := snap.CountItem(l.script.Output)
		res, err := l.act(ctx)
		switch {
		case err == nil:
			l.produced += l.yield(before, res)
			acts++
		case errors.Is(err, gameclient.ErrInventoryFull):
			// One dispose transition, no retry.
			return true, nil
		case errors.Is(err, gameclient.ErrNoResource):
			if l.script.OnNoResource == NoResourceWait {
				l.log.Printf("%s: tile (%d,%d) empty, waiting", l.script.Name, l.script.WorkTile.X, l.script.WorkTile.Y)
				if err := cooldown.Sleep(ctx, l.noResourcePause()); err != nil {
					return true, cadence.ErrCancelled
				}
				continue
			}
			return false, nil
		case errors.Is(err, gameclient.ErrCharacterDead):
			if err := l.reviveAndReturn(ctx); err != nil {
				return true, err
			}
		default:
			return true, err
		}
	}
}

func (l *Loop) act(ctx context.Context) (gameclient.Result, error) {
	switch l.script.Kind {
	case KindGather:
		return l.engine.Do(ctx, l.character, model.ActionGather, func(ctx context.Context) (gameclient.Result, error) {
			return l.client.Gather(ctx, l.character)
		})
	case KindCraft:
		return l.engine.Do(ctx, l.character, model.ActionCraft, func(ctx context.Context) (gameclient.Result, error) {
			return l.client.Craft(ctx, l.character, l.script.Output, 1)
		})
	case KindFight:
		return l.engine.Do(ctx, l.character, model.ActionFight, func(ctx context.Context) (gameclient.Result, error) {
			return l.client.Fight(ctx, l.character)
		})
	}
	return gameclient.Result{}, fmt.Errorf("script kind %q has no act", l.script.Kind)
}

// yield counts what one successful act contributed toward the target.
func (l *Loop) yield(before int, res gameclient.Result) int {
	if l.script.Output == "" {
		return 1
	}
	gained := res.Character.CountItem(l.script.Output) - before
	if gained < 0 {
		return 0
	}
	return gained
}

// reviveAndReturn is the death recovery transition: one heal action, one
// move back to the work tile, then the act phase resumes.
func (l *Loop) reviveAndReturn(ctx context.Context) error {
	l.log.Printf("%s: character dead, resting before returning to work", l.script.Name)
	_, err := l.engine.Do(ctx, l.character, model.ActionRest, func(ctx context.Context) (gameclient.Result, error) {
		return l.client.Rest(ctx, l.character)
	})
	if err != nil {
		return fmt.Errorf("rest after death: %w", err)
	}
	return l.travel(ctx, l.script.WorkTile)
}

// dispose recycles the crafted output when configured, then travels to the
// bank and deposits every slot except the configured keep list. A partial
// deposit resumes from the current inventory on the next dispatch.
func (l *Loop) dispose(ctx context.Context) error {
	snap, err := l.engine.Snapshot(ctx, l.character)
	if err != nil {
		return err
	}
	if l.script.Recycle && l.script.Output != "" {
		if qty := snap.CountItem(l.script.Output); qty > 0 {
			code := l.script.Output
			res, err := l.engine.Do(ctx, l.character, model.ActionRecycle, func(ctx context.Context) (gameclient.Result, error) {
				return l.client.Recycle(ctx, l.character, code, qty)
			})
			if err != nil {
				return fmt.Errorf("recycle %s x%d: %w", code, qty, err)
			}
			snap = res.Character
		}
	}
	if err := l.travel(ctx, l.bank); err != nil {
		return err
	}
	for {
		slot, ok := l.nextDeposit(snap)
		if !ok {
			return nil
		}
		code, qty := slot.Code, slot.Quantity
		res, err := l.engine.Do(ctx, l.character, model.ActionDeposit, func(ctx context.Context) (gameclient.Result, error) {
			return l.client.BankDeposit(ctx, l.character, code, qty)
		})
		if err != nil {
			return fmt.Errorf("deposit %s x%d: %w", code, qty, err)
		}
		snap = res.Character
	}
}

func (l *Loop) nextDeposit(snap model.Character) (model.InventorySlot, bool) {
	for _, slot := range snap.Inventory {
		if slot.Code == "" || slot.Quantity <= 0 {
			continue
		}
		if l.keeps(slot.Code) {
			continue
		}
		return slot, true
	}
	return model.InventorySlot{}, false
}

func (l *Loop) keeps(code string) bool {
	for _, keep := range l.script.KeepCodes {
		if keep == code {
			return true
		}
	}
	return false
}

func (l *Loop) targetMet() bool {
	return l.script.Target > 0 && l.produced >= l.script.Target
}

func (l *Loop) noResourcePause() time.Duration {
	if l.script.NoResourcePause > 0 {
		return l.script.NoResourcePause
	}
	return 5 * time.Second
}

func inventoryNearlyFull(snap model.Character) bool {
	if snap.InventoryMaxItems <= 0 {
		return false
	}
	return float64(snap.InventoryCount()) >= advisoryFullRatio*float64(snap.InventoryMaxItems)
}
