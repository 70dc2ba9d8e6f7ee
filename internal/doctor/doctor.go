// Package doctor preflights a workstation for running artifactsd and its
// workers: config, credentials, storage, and the worker binary.
package doctor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/config"
)

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

// Run evaluates every check against the effective config.
func Run(cfg config.Config, settingsPath string) Result {
	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	add(checkSettingsFile(settingsPath))
	add(checkToken(cfg))
	add(checkWritableDir("data_dir", cfg.DataDir))
	add(checkWritableDir("database_dir", filepath.Dir(dbFilePath(cfg.DatabaseURL))))
	add(checkWorkerBinary(cfg.WorkerBin))
	add(checkDaemon(cfg))
	return out
}

// dbFilePath strips a file: DSN down to the filesystem path.
func dbFilePath(dsn string) string {
	plain := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(plain, '?'); i >= 0 {
		plain = plain[:i]
	}
	return plain
}

func checkSettingsFile(path string) Check {
	if path == "" {
		return Check{Name: "settings", Status: "warn", Message: "no settings file configured, defaults and environment apply"}
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Check{Name: "settings", Status: "warn", Message: "settings file not found, defaults and environment apply", Path: path}
		}
		return Check{Name: "settings", Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if _, err := config.Load(path); err != nil {
		return Check{Name: "settings", Status: "fail", Message: err.Error(), Path: path}
	}
	return Check{Name: "settings", Status: "pass", Message: "loaded", Path: path}
}

func checkToken(cfg config.Config) Check {
	if cfg.APIToken == "" {
		return Check{Name: "api_token", Status: "fail", Message: "ARTIFACTS_API_TOKEN is not set"}
	}
	return Check{Name: "api_token", Status: "pass", Message: "present"}
}

func checkWritableDir(name, dir string) Check {
	if dir == "" || dir == "." {
		return Check{Name: name, Status: "fail", Message: "no directory configured"}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Check{Name: name, Status: "fail", Message: fmt.Sprintf("create: %v", err), Path: dir}
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return Check{Name: name, Status: "fail", Message: fmt.Sprintf("not writable: %v", err), Path: dir}
	}
	os.Remove(probe) //nolint:errcheck
	return Check{Name: name, Status: "pass", Message: "writable", Path: dir}
}

func checkWorkerBinary(bin string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: "worker_binary", Status: "fail", Message: fmt.Sprintf("%s not found in PATH", bin)}
	}
	return Check{Name: "worker_binary", Status: "pass", Message: "found", Path: path}
}

// checkDaemon probes the control socket. A daemon that is simply not
// running is a warning, not a failure.
func checkDaemon(cfg config.Config) Check {
	if cfg.GUIPort > 0 {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.GUIPort)
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return Check{Name: "daemon", Status: "warn", Message: "artifactsd not reachable", Path: addr}
		}
		conn.Close() //nolint:errcheck
		return Check{Name: "daemon", Status: "pass", Message: "reachable", Path: addr}
	}
	conn, err := net.DialTimeout("unix", cfg.SocketPath, time.Second)
	if err != nil {
		return Check{Name: "daemon", Status: "warn", Message: "artifactsd not running", Path: cfg.SocketPath}
	}
	conn.Close() //nolint:errcheck
	return Check{Name: "daemon", Status: "pass", Message: "reachable", Path: cfg.SocketPath}
}
