// Package worker is the entry logic for artifacts-worker: one process, one
// character, one script, driven to completion or cancellation.
package worker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/cadence"
	"github.com/macomeau/Artifacts-sub002/internal/config"
	"github.com/macomeau/Artifacts-sub002/internal/control"
	"github.com/macomeau/Artifacts-sub002/internal/db"
	"github.com/macomeau/Artifacts-sub002/internal/gameclient"
	"github.com/macomeau/Artifacts-sub002/internal/loop"
	"github.com/macomeau/Artifacts-sub002/internal/model"
	"github.com/macomeau/Artifacts-sub002/internal/telemetry"
)

// Options are the parsed command line of one worker invocation.
type Options struct {
	Script       string
	Character    string
	EnvFile      string
	TaskID       string
	Target       int
	NoRecycle    bool
	Batch        int
	Item         string
	Recipe       string
	Keep         string
	TileX        int
	TileY        int
	TileSet      bool
	ReturnToBank bool
}

// ParseArgs parses `artifacts-worker <script> [character] [flags]`.
func ParseArgs(args []string, errOut io.Writer) (Options, error) {
	if len(args) == 0 {
		return Options{}, fmt.Errorf("usage: artifacts-worker <%s> [character] [flags]", strings.Join(loop.ScriptNames(), "|"))
	}
	opts := Options{Script: args[0]}
	rest := args[1:]
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		opts.Character = rest[0]
		rest = rest[1:]
	}

	fs := flag.NewFlagSet(opts.Script, flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.IntVar(&opts.Target, "target", 0, "quantity to produce; 0 means unbounded")
	fs.BoolVar(&opts.NoRecycle, "no-recycle", false, "skip recycling crafted output before deposit")
	fs.IntVar(&opts.Batch, "batch", 0, "acts per cycle; 0 derives from inventory capacity")
	fs.StringVar(&opts.Item, "item", "", "item code produced or gathered")
	fs.StringVar(&opts.Recipe, "recipe", "", "required inputs per unit, e.g. cowhide:6,wolf_hair:4")
	fs.StringVar(&opts.Keep, "keep", "", "comma-separated item codes kept out of deposits")
	fs.StringVar(&opts.EnvFile, "env", "", "alternate settings file")
	fs.StringVar(&opts.TaskID, "task-id", "", "supervisor task id for heartbeats")
	fs.BoolVar(&opts.ReturnToBank, "return-to-bank", false, "travel to the bank before exiting on shutdown")
	x := fs.Int("x", 0, "work tile x")
	y := fs.Int("y", 0, "work tile y")
	if err := fs.Parse(rest); err != nil {
		return Options{}, err
	}
	opts.TileX, opts.TileY = *x, *y
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "x" || f.Name == "y" {
			opts.TileSet = true
		}
	})
	return opts, nil
}

// Run executes one worker invocation and returns the process exit code:
// 0 for normal termination, 1 for a fatal error.
func Run(args []string) int {
	logger := log.New(os.Stderr, "worker: ", log.LstdFlags)
	opts, err := ParseArgs(args, os.Stderr)
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}

	cfg, err := config.Load(settingsPath(opts.EnvFile))
	if err != nil {
		logger.Printf("load config: %v", err)
		return 1
	}
	if opts.Character == "" {
		opts.Character = cfg.Character
	}
	if opts.Character == "" {
		logger.Printf("no character given and control_character is unset")
		return 1
	}

	script, err := buildScript(opts, cfg)
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("open store: %v", err)
		return 1
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		logger.Printf("apply migrations: %v", err)
		return 1
	}

	queue := telemetry.New(store, telemetry.Options{
		Dir:            cfg.DataDir,
		FlushInterval:  cfg.FlushInterval,
		SpillInterval:  cfg.SpillInterval,
		FlushThreshold: cfg.FlushThreshold,
	})
	if err := queue.Recover(); err != nil {
		logger.Printf("recover telemetry: %v", err)
	}
	queue.Start(ctx)

	client := gameclient.New(cfg.APIURL, cfg.APIToken)
	engine := cadence.New(client, queue).WithTransientBudget(cfg.TransientRetries)
	runLoop := loop.New(engine, client, opts.Character, script, loop.Options{
		Bank:   model.Point{X: cfg.BankTile.X, Y: cfg.BankTile.Y},
		Logger: logger,
	})

	if opts.TaskID != "" {
		go heartbeatLoop(ctx, cfg, opts.TaskID, logger)
	}

	runErr := runLoop.Run(ctx)

	// Shutdown discipline: the in-flight action already completed inside
	// Run; flush or spill before reporting the outcome.
	if errors.Is(runErr, cadence.ErrCancelled) && opts.ReturnToBank {
		returnCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace)
		park := loop.New(engine, client, opts.Character, mustScript("deposit"), loop.Options{
			Bank:   model.Point{X: cfg.BankTile.X, Y: cfg.BankTile.Y},
			Logger: logger,
		})
		if err := park.Run(returnCtx); err != nil {
			logger.Printf("return to bank: %v", err)
		}
		cancel()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := queue.Close(closeCtx); err != nil {
		logger.Printf("close telemetry: %v", err)
	}

	switch {
	case runErr == nil, errors.Is(runErr, cadence.ErrCancelled):
		logger.Printf("%s for %s done after %d cycles, produced %d", script.Name, opts.Character, runLoop.Cycles(), runLoop.Produced())
		return 0
	default:
		logger.Printf("%s for %s failed: %v", script.Name, opts.Character, runErr)
		return 1
	}
}

func settingsPath(envFile string) string {
	if envFile != "" {
		return envFile
	}
	return config.DefaultSettingsPath()
}

func buildScript(opts Options, cfg config.Config) (loop.Script, error) {
	script, err := loop.Catalog(opts.Script)
	if err != nil {
		return loop.Script{}, err
	}
	if opts.TileSet {
		script.WorkTile = model.Point{X: opts.TileX, Y: opts.TileY}
	} else if script.Kind != loop.KindDeposit {
		return loop.Script{}, fmt.Errorf("%s requires -x and -y work tile coordinates", script.Name)
	}
	script.Target = opts.Target
	if opts.Item != "" {
		script.Output = opts.Item
	}
	if opts.Batch > 0 {
		script.BatchSize = opts.Batch
	}
	if opts.NoRecycle {
		script.Recycle = false
	}
	if opts.Keep != "" {
		script.KeepCodes = splitList(opts.Keep)
	}
	if opts.Recipe != "" {
		recipe, err := parseRecipe(opts.Recipe)
		if err != nil {
			return loop.Script{}, err
		}
		script.Recipe = recipe
	}
	if script.Kind == loop.KindCraft && script.Output == "" {
		return loop.Script{}, fmt.Errorf("%s requires -item", script.Name)
	}
	return script, nil
}

func mustScript(name string) loop.Script {
	script, err := loop.Catalog(name)
	if err != nil {
		panic(err)
	}
	return script
}

func parseRecipe(raw string) ([]loop.Ingredient, error) {
	var out []loop.Ingredient
	for _, part := range splitList(raw) {
		code, qtyRaw, ok := strings.Cut(part, ":")
		if !ok || code == "" {
			return nil, fmt.Errorf("invalid recipe entry %q, want code:qty", part)
		}
		qty, err := strconv.Atoi(qtyRaw)
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("invalid recipe quantity %q", qtyRaw)
		}
		out = append(out, loop.Ingredient{Code: code, Quantity: qty})
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// heartbeatLoop reports liveness to the supervisor for as long as the
// worker runs. A dead daemon is not fatal to the worker.
func heartbeatLoop(ctx context.Context, cfg config.Config, taskID string, logger *log.Logger) {
	client := controlClient(cfg)
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if _, err := client.Heartbeat(ctx, taskID); err != nil && ctx.Err() == nil {
			logger.Printf("heartbeat: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func controlClient(cfg config.Config) *control.Client {
	if cfg.GUIPort > 0 {
		return control.NewTCP(cfg.GUIPort)
	}
	return control.New(cfg.SocketPath)
}
