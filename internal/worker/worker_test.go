package worker

import (
	"io"
	"testing"

	"github.com/macomeau/Artifacts-sub002/internal/config"
	"github.com/macomeau/Artifacts-sub002/internal/loop"
	"github.com/macomeau/Artifacts-sub002/internal/model"
)

func TestParseArgs(t *testing.T) {
	opts, err := ParseArgs([]string{
		"harvest", "miner_1",
		"-item", "ash_wood", "-x", "2", "-y", "6",
		"-target", "40", "-task-id", "task-1",
	}, io.Discard)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if opts.Script != "harvest" || opts.Character != "miner_1" {
		t.Fatalf("opts = %+v", opts)
	}
	if opts.Item != "ash_wood" || opts.Target != 40 || opts.TaskID != "task-1" {
		t.Fatalf("opts = %+v", opts)
	}
	if !opts.TileSet || opts.TileX != 2 || opts.TileY != 6 {
		t.Fatalf("tile = %+v", opts)
	}
}

func TestParseArgsCharacterOptional(t *testing.T) {
	opts, err := ParseArgs([]string{"deposit", "-task-id", "task-2"}, io.Discard)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if opts.Character != "" || opts.Script != "deposit" {
		t.Fatalf("opts = %+v", opts)
	}
}

func TestParseArgsNoScript(t *testing.T) {
	if _, err := ParseArgs(nil, io.Discard); err == nil {
		t.Fatal("ParseArgs accepted empty argv")
	}
}

func TestBuildScript(t *testing.T) {
	cfg := config.DefaultConfig()

	opts := Options{
		Script: "craft", Character: "smith_1",
		Item: "copper_bar", Recipe: "copper_ore:2", Batch: 4,
		TileX: 1, TileY: 5, TileSet: true,
		Target: 20, NoRecycle: true, Keep: "rune, teleport_scroll",
	}
	script, err := buildScript(opts, cfg)
	if err != nil {
		t.Fatalf("buildScript: %v", err)
	}
	if script.Kind != loop.KindCraft || script.Output != "copper_bar" {
		t.Fatalf("script = %+v", script)
	}
	if script.WorkTile != (model.Point{X: 1, Y: 5}) {
		t.Fatalf("work tile = %+v", script.WorkTile)
	}
	if len(script.Recipe) != 1 || script.Recipe[0].Code != "copper_ore" || script.Recipe[0].Quantity != 2 {
		t.Fatalf("recipe = %+v", script.Recipe)
	}
	if script.Recycle {
		t.Fatal("no-recycle not honored")
	}
	if len(script.KeepCodes) != 2 || script.KeepCodes[1] != "teleport_scroll" {
		t.Fatalf("keep codes = %v", script.KeepCodes)
	}
}

func TestBuildScriptRequiresTile(t *testing.T) {
	if _, err := buildScript(Options{Script: "harvest", Item: "ash_wood"}, config.DefaultConfig()); err == nil {
		t.Fatal("harvest without a tile accepted")
	}
	// Deposit needs no work tile.
	if _, err := buildScript(Options{Script: "deposit"}, config.DefaultConfig()); err != nil {
		t.Fatalf("deposit rejected: %v", err)
	}
}

func TestParseRecipeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"copper_ore", "copper_ore:abc", "copper_ore:0", ":2"} {
		if _, err := parseRecipe(raw); err == nil {
			t.Errorf("parseRecipe(%q) accepted", raw)
		}
	}
}
