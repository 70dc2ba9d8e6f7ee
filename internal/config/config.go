package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config carries every knob the daemon, workers and CLI share. Values come
// from DefaultConfig, then the optional settings file, then the environment.
type Config struct {
	APIURL   string `env:"ARTIFACTS_API_URL"`
	APIToken string `env:"ARTIFACTS_API_TOKEN"`

	// Character is the fallback character name when a worker gets none on
	// the command line.
	Character string `env:"control_character"`

	// DatabaseURL is the sqlite path (plain path or file: DSN).
	DatabaseURL string `env:"DATABASE_URL"`

	// GUIPort switches the control API from the unix socket to
	// 127.0.0.1:<port> when non-zero.
	GUIPort int `env:"GUI_PORT"`

	SocketPath string `env:"-" yaml:"-"`
	DataDir    string `env:"-"`
	WorkerBin  string `env:"-"`

	HTTPTimeout      time.Duration `env:"-"`
	CooldownBuffer   time.Duration `env:"-"`
	TransientRetries int           `env:"-"`

	FlushInterval  time.Duration `env:"-"`
	SpillInterval  time.Duration `env:"-"`
	FlushThreshold int           `env:"-"`

	HeartbeatInterval time.Duration `env:"-"`
	StopGrace         time.Duration `env:"-"`

	BankTile Tile `env:"-"`
}

// Tile is a named coordinate in the settings file.
type Tile struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

// Settings is the optional yaml file layered between defaults and env.
type Settings struct {
	Character string `yaml:"character"`
	DataDir   string `yaml:"data_dir"`
	APIURL    string `yaml:"api_url"`
	BankTile  *Tile  `yaml:"bank_tile"`
}

func DefaultConfig() Config {
	return Config{
		APIURL:            "https://api.artifactsmmo.com",
		DatabaseURL:       defaultDBPath(),
		SocketPath:        defaultSocketPath(),
		DataDir:           defaultDataDir(),
		WorkerBin:         "artifacts-worker",
		HTTPTimeout:       30 * time.Second,
		CooldownBuffer:    500 * time.Millisecond,
		TransientRetries:  5,
		FlushInterval:     10 * time.Minute,
		SpillInterval:     60 * time.Second,
		FlushThreshold:    100,
		HeartbeatInterval: 5 * time.Second,
		StopGrace:         30 * time.Second,
		BankTile:          Tile{X: 4, Y: 1},
	}
}

// Load builds the effective config: defaults, then the settings file at
// path (skipped when empty or missing), then environment variables.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := applySettings(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func applySettings(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	if s.Character != "" {
		cfg.Character = s.Character
	}
	if s.DataDir != "" {
		cfg.DataDir = s.DataDir
	}
	if s.APIURL != "" {
		cfg.APIURL = s.APIURL
	}
	if s.BankTile != nil {
		cfg.BankTile = *s.BankTile
	}
	return nil
}

// DefaultSettingsPath is where Load looks when the caller passes no path.
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "artifacts.yaml"
	}
	return filepath.Join(home, ".config", "artifacts", "settings.yaml")
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "artifacts", "artifactsd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".artifactsd.sock"
	}
	return filepath.Join(home, ".local", "state", "artifacts", "artifactsd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "artifacts.db"
	}
	return filepath.Join(home, ".local", "state", "artifacts", "artifacts.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "artifacts-data"
	}
	return filepath.Join(home, ".local", "state", "artifacts", "data")
}
