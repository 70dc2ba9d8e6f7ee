package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/api"
	"github.com/macomeau/Artifacts-sub002/internal/config"
	"github.com/macomeau/Artifacts-sub002/internal/control"
)

func taskFixture() api.TaskResponse {
	pid := int64(4242)
	return api.TaskResponse{
		ID:          "task-1",
		Character:   "miner_1",
		TaskType:    "harvest",
		ScriptName:  "harvest",
		ScriptArgs:  []string{"--item", "ash_wood"},
		State:       "running",
		ProcessID:   &pid,
		LastUpdated: time.Now().UTC().Format(time.RFC3339Nano),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func newTestRunner(t *testing.T, handler http.HandlerFunc) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	client := control.NewWithClient(srv.URL, srv.Client())
	return NewRunner(client, out, errOut), out, errOut
}

func TestRunStart(t *testing.T) {
	var gotReq api.StartTaskRequest
	runner, out, _ := newTestRunner(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/tasks" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.TaskEnvelope{SchemaVersion: "v1", Task: taskFixture()})
	})

	code := runner.Run(context.Background(), []string{"start", "miner_1", "harvest", "--item", "ash_wood"})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotReq.Character != "miner_1" || gotReq.ScriptName != "harvest" {
		t.Fatalf("request = %+v", gotReq)
	}
	if len(gotReq.ScriptArgs) != 2 {
		t.Fatalf("script args = %v", gotReq.ScriptArgs)
	}
	if !strings.Contains(out.String(), "miner_1") || !strings.Contains(out.String(), "running") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunStopConflict(t *testing.T) {
	runner, _, errOut := newTestRunner(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			SchemaVersion: "v1",
			Error:         api.APIError{Code: "E_TASK_NOT_ACTIVE", Message: "character has no active task: miner_1"},
		})
	})

	code := runner.Run(context.Background(), []string{"stop", "miner_1"})
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(errOut.String(), "E_TASK_NOT_ACTIVE") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunList(t *testing.T) {
	runner, out, _ := newTestRunner(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tasks" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(api.TasksEnvelope{SchemaVersion: "v1", Tasks: []api.TaskResponse{taskFixture()}})
	})

	if code := runner.Run(context.Background(), []string{"list"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out.String(), "harvest --item ash_wood") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunLogsPassesFilters(t *testing.T) {
	runner, out, _ := newTestRunner(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("character"); got != "miner_1" {
			t.Errorf("character filter = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q", got)
		}
		_ = json.NewEncoder(w).Encode(api.ActionLogsEnvelope{
			SchemaVersion: "v1",
			Logs: []api.ActionLogResponse{{
				ID: 1, Character: "miner_1", ActionType: "gather", X: 2, Y: 6,
				Timestamp: "2025-06-01T12:00:00Z",
			}},
		})
	})

	if code := runner.Run(context.Background(), []string{"logs", "-character", "miner_1", "-limit", "5"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out.String(), "(2,6)") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunDoctor(t *testing.T) {
	runner, out, _ := newTestRunner(t, func(http.ResponseWriter, *http.Request) {})

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.APIToken = "tok"
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.DatabaseURL = filepath.Join(dir, "state", "artifacts.db")
	cfg.SocketPath = filepath.Join(dir, "missing.sock")
	cfg.GUIPort = 0
	runner.WithConfig(cfg, "")

	binDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(binDir, "artifacts-worker"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", binDir)

	if code := runner.Run(context.Background(), []string{"doctor"}); code != 0 {
		t.Fatalf("exit code = %d, stderr not expected: %q", code, out.String())
	}
	if !strings.Contains(out.String(), "api_token") {
		t.Fatalf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "WARN") {
		t.Fatalf("expected daemon warning in %q", out.String())
	}
}

func TestRunDoctorWithoutConfig(t *testing.T) {
	runner, _, errOut := newTestRunner(t, func(http.ResponseWriter, *http.Request) {})
	if code := runner.Run(context.Background(), []string{"doctor"}); code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(errOut.String(), "configuration") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	runner, _, errOut := newTestRunner(t, func(http.ResponseWriter, *http.Request) {})
	if code := runner.Run(context.Background(), []string{"bogus"}); code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}
