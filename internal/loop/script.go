package loop

import (
	"fmt"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/model"
)

// Kind selects which act dispatch a script performs at its work tile.
type Kind string

const (
	KindGather  Kind = "gather"
	KindCraft   Kind = "craft"
	KindFight   Kind = "fight"
	KindDeposit Kind = "deposit"
)

// NoResourcePolicy decides what an empty work tile means for a script.
type NoResourcePolicy string

const (
	// NoResourceWait stays on the tile and retries after a fixed pause;
	// resources respawn.
	NoResourceWait NoResourcePolicy = "wait"
	// NoResourceAdvance abandons the act phase and moves on to dispose and
	// the next cycle.
	NoResourceAdvance NoResourcePolicy = "advance"
)

// Ingredient is one required input of a crafting recipe, quantity per unit
// of output.
type Ingredient struct {
	Code     string
	Quantity int
}

// Script is the full description of one concrete loop. Loops differ only in
// data; the framework supplies all scheduling.
type Script struct {
	Name     string
	Kind     Kind
	WorkTile model.Point

	// Output is the item code the script produces and counts toward Target.
	// For fight scripts it is empty and Target counts won fights.
	Output string

	// Recipe lists inputs withdrawn from the bank per unit of output.
	Recipe []Ingredient

	// BatchSize bounds acts per cycle; 0 means act until the inventory
	// forces a dispose.
	BatchSize int

	// Recycle runs a recycle of the crafted output before depositing.
	Recycle bool

	// Target is the total quantity to produce; 0 means run unbounded.
	Target int

	// KeepCodes are item codes retained (not deposited) during dispose.
	KeepCodes []string

	OnNoResource    NoResourcePolicy
	NoResourcePause time.Duration
}

// Catalog returns the concrete loop for a script name, parameterized by the
// work tile when the caller supplies one.
func Catalog(name string) (Script, error) {
	switch name {
	case "harvest":
		return Script{
			Name:            "harvest",
			Kind:            KindGather,
			OnNoResource:    NoResourceWait,
			NoResourcePause: 5 * time.Second,
		}, nil
	case "craft":
		return Script{
			Name:         "craft",
			Kind:         KindCraft,
			Recycle:      true,
			OnNoResource: NoResourceAdvance,
		}, nil
	case "cook":
		return Script{
			Name:         "cook",
			Kind:         KindCraft,
			OnNoResource: NoResourceAdvance,
		}, nil
	case "fight":
		return Script{
			Name:            "fight",
			Kind:            KindFight,
			OnNoResource:    NoResourceWait,
			NoResourcePause: 5 * time.Second,
		}, nil
	case "deposit":
		return Script{
			Name: "deposit",
			Kind: KindDeposit,
		}, nil
	}
	return Script{}, fmt.Errorf("unknown script: %s", name)
}

// ScriptNames lists the catalog in a stable order for usage output.
func ScriptNames() []string {
	return []string{"harvest", "craft", "cook", "fight", "deposit"}
}
