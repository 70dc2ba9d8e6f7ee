package main

import (
	"context"
	"fmt"
	"os"

	"github.com/macomeau/Artifacts-sub002/internal/cli"
	"github.com/macomeau/Artifacts-sub002/internal/config"
	"github.com/macomeau/Artifacts-sub002/internal/control"
)

func main() {
	settingsPath := config.DefaultSettingsPath()
	cfg, err := config.Load(settingsPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "artifacts: %v\n", err)
		os.Exit(1)
	}
	client := control.New(cfg.SocketPath)
	if cfg.GUIPort > 0 {
		client = control.NewTCP(cfg.GUIPort)
	}
	r := cli.NewRunner(client, os.Stdout, os.Stderr).WithConfig(cfg, settingsPath)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
