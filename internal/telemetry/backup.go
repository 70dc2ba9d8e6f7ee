package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	actionBackupPrefix    = "action_backup"
	inventoryBackupPrefix = "inventory_backup"
)

// backupFilename builds a spill filename that cannot collide across worker
// processes: the pid separates processes, the millisecond timestamp orders
// files within one, and the random suffix breaks same-millisecond ties.
func backupFilename(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_pid%d_%d_%s.json", prefix, os.Getpid(), now.UnixMilli(), suffix)
}

// writeBackup serializes records to a fresh uniquely-named file in dir and
// returns its path. The write goes through a temp rename so a crash mid-write
// never leaves a half-written backup behind.
func writeBackup[T any](dir, prefix string, records []T) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	path := filepath.Join(dir, backupFilename(prefix, time.Now()))
	payload, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal backup: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", fmt.Errorf("finalize backup: %w", err)
	}
	return path, nil
}

// readBackups loads every backup file in dir with the given prefix, oldest
// first, and returns the concatenated records together with the file paths.
func readBackups[T any](dir, prefix string) ([]T, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read backup dir: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix+"_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	// Directory order is already lexical; pid and timestamp keep that close
	// enough to insertion order per process.
	var out []T
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("read backup %s: %w", path, err)
		}
		var records []T
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, nil, fmt.Errorf("parse backup %s: %w", path, err)
		}
		out = append(out, records...)
	}
	return out, paths, nil
}

func removeFiles(paths []string) {
	for _, path := range paths {
		os.Remove(path) //nolint:errcheck
	}
}
