// Package daemon serves the artifactsd control API and hosts the task
// supervisor.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/api"
	"github.com/macomeau/Artifacts-sub002/internal/config"
	"github.com/macomeau/Artifacts-sub002/internal/db"
	"github.com/macomeau/Artifacts-sub002/internal/model"
	"github.com/macomeau/Artifacts-sub002/internal/supervisor"
)

type Server struct {
	cfg         config.Config
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	store       *db.Store
	sup         *supervisor.Supervisor
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store, sup *supervisor.Supervisor) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:   cfg,
		store: store,
		sup:   sup,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/tasks", s.tasksHandler)
	mux.HandleFunc("/v1/tasks/", s.taskByRefHandler)
	mux.HandleFunc("/v1/recover", s.recoverHandler)
	mux.HandleFunc("/v1/logs", s.logsHandler)
	return s
}

// Start listens on 127.0.0.1:GUI_PORT when configured, otherwise on the
// unix socket, and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var ln net.Listener
	if s.cfg.GUIPort > 0 {
		var err error
		ln, err = net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.GUIPort)))
		if err != nil {
			return fmt.Errorf("listen tcp: %w", err)
		}
	} else {
		var err error
		ln, err = s.listenUnix()
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve control api: %w", err)
		}
		return nil
	}
}

func (s *Server) listenUnix() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return nil, err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return nil, fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return nil, fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return nil, fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.GUIPort <= 0 && s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.startTask(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.sup.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	env := api.TasksEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Tasks:         make([]api.TaskResponse, 0, len(tasks)),
	}
	for _, task := range tasks {
		env.Tasks = append(env.Tasks, taskResponse(task))
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var req api.StartTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	character := strings.TrimSpace(req.Character)
	script := strings.TrimSpace(req.ScriptName)
	if character == "" || script == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "character and script_name are required")
		return
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = script
	}
	task, err := s.sup.Start(r.Context(), character, taskType, script, req.ScriptArgs)
	if err != nil {
		switch {
		case errors.Is(err, supervisor.ErrTaskActive):
			s.writeError(w, http.StatusConflict, model.ErrTaskActive, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, model.ErrSpawnFailed, err.Error())
		}
		return
	}
	s.writeTask(w, http.StatusCreated, task)
}

// taskByRefHandler routes /v1/tasks/{character}, /v1/tasks/{character}/stop
// and /v1/tasks/{id}/heartbeat.
func (s *Server) taskByRefHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.Split(rest, "/")
	ref, err := url.PathUnescape(parts[0])
	if err != nil || ref == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid task reference")
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.taskStatus(w, r, ref)
	case len(parts) == 2 && parts[1] == "stop" && r.Method == http.MethodPost:
		s.stopTask(w, r, ref)
	case len(parts) == 2 && parts[1] == "heartbeat" && r.Method == http.MethodPost:
		s.heartbeat(w, r, ref)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "task route not found")
	}
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request, character string) {
	task, err := s.sup.Status(r.Context(), character)
	if errors.Is(err, db.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "no task for character")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	s.writeTask(w, http.StatusOK, task)
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request, character string) {
	task, err := s.sup.Stop(r.Context(), character)
	switch {
	case errors.Is(err, supervisor.ErrTaskNotActive):
		s.writeError(w, http.StatusConflict, model.ErrTaskNotActive, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	s.writeTask(w, http.StatusOK, task)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.sup.Heartbeat(r.Context(), taskID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "task not found")
		return
	case errors.Is(err, db.ErrStateConflict):
		s.writeError(w, http.StatusConflict, model.ErrStateConflict, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	s.writeTask(w, http.StatusOK, task)
}

func (s *Server) recoverHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
		return
	}
	tasks, err := s.sup.Recover(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	env := api.TasksEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Tasks:         make([]api.TaskResponse, 0, len(tasks)),
	}
	for _, task := range tasks {
		env.Tasks = append(env.Tasks, taskResponse(task))
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
		return
	}
	character := strings.TrimSpace(r.URL.Query().Get("character"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid limit")
			return
		}
		limit = v
	}
	logs, err := s.store.ListActionLogs(r.Context(), character, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	env := api.ActionLogsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Logs:          make([]api.ActionLogResponse, 0, len(logs)),
	}
	for _, rec := range logs {
		env.Logs = append(env.Logs, api.ActionLogResponse{
			ID:         rec.ID,
			Character:  rec.Character,
			ActionType: string(rec.ActionType),
			X:          rec.Coords.X,
			Y:          rec.Coords.Y,
			Result:     string(rec.Result),
			Error:      rec.Error,
			Timestamp:  rec.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) writeTask(w http.ResponseWriter, status int, task model.Task) {
	s.writeJSON(w, status, api.TaskEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Task:          taskResponse(task),
	})
}

func taskResponse(task model.Task) api.TaskResponse {
	resp := api.TaskResponse{
		ID:           task.ID,
		Character:    task.Character,
		TaskType:     task.TaskType,
		ScriptName:   task.ScriptName,
		ScriptArgs:   task.ScriptArgs,
		State:        string(task.State),
		ProcessID:    task.ProcessID,
		LastUpdated:  task.LastUpdated.UTC().Format(time.RFC3339Nano),
		TaskData:     task.TaskData,
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    task.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if task.StartTime != nil {
		v := task.StartTime.UTC().Format(time.RFC3339Nano)
		resp.StartTime = &v
	}
	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error:         api.APIError{Code: code, Message: msg},
	})
}
