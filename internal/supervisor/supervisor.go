// Package supervisor is the control plane: it launches, tracks, and
// recovers per-character task worker processes, with every state change
// persisted to the character_tasks table.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/macomeau/Artifacts-sub002/internal/config"
	"github.com/macomeau/Artifacts-sub002/internal/db"
	"github.com/macomeau/Artifacts-sub002/internal/model"
)

var (
	ErrTaskActive    = errors.New("character already has an active task")
	ErrTaskNotActive = errors.New("character has no active task")
)

type Supervisor struct {
	store  *db.Store
	cfg    config.Config
	runner ProcessRunner
	log    *log.Logger
}

func New(store *db.Store, cfg config.Config) *Supervisor {
	return NewWithRunner(store, cfg, OSRunner{})
}

func NewWithRunner(store *db.Store, cfg config.Config, runner ProcessRunner) *Supervisor {
	return &Supervisor{
		store:  store,
		cfg:    cfg,
		runner: runner,
		log:    log.New(os.Stderr, "supervisor: ", log.LstdFlags),
	}
}

// Start launches a worker for (character, script). It refuses while the
// character already has a task in an active state.
func (s *Supervisor) Start(ctx context.Context, character, taskType, scriptName string, args []string) (model.Task, error) {
	if character == "" {
		return model.Task{}, fmt.Errorf("character is required")
	}
	if _, err := s.store.ActiveTaskForCharacter(ctx, character); err == nil {
		return model.Task{}, fmt.Errorf("%w: %s", ErrTaskActive, character)
	} else if !errors.Is(err, db.ErrNotFound) {
		return model.Task{}, err
	}

	task := model.Task{
		ID:         uuid.NewString(),
		Character:  character,
		TaskType:   taskType,
		ScriptName: scriptName,
		ScriptArgs: args,
		State:      model.TaskStarting,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return model.Task{}, err
	}

	argv := append([]string{scriptName, character}, args...)
	argv = append(argv, "--task-id", task.ID)
	pid, wait, err := s.runner.Start(ctx, s.cfg.WorkerBin, argv...)
	if err != nil {
		msg := fmt.Sprintf("spawn worker: %v", err)
		if _, terr := s.store.TransitionTask(ctx, task.ID, model.TaskErrored, db.TransitionOptions{ErrorMessage: &msg}); terr != nil {
			s.log.Printf("mark task %s errored: %v", task.ID, terr)
		}
		return model.Task{}, fmt.Errorf("spawn worker: %w", err)
	}

	if err := s.store.RecordTaskSpawn(ctx, task.ID, pid, time.Now().UTC()); err != nil {
		s.log.Printf("record spawn for %s: %v", character, err)
	}

	go s.observe(task.ID, character, wait)

	out, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		return model.Task{}, err
	}
	s.log.Printf("started %s task %s for %s (pid %d)", scriptName, out.ID, character, pid)
	return out, nil
}

// observe waits for the worker to exit and records the terminal state: 0
// means stopped, anything else errored — unless a Stop already moved the
// task to stopping, which still ends in stopped.
func (s *Supervisor) observe(taskID, character string, wait func() (int, error)) {
	code, err := wait()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		msg := fmt.Sprintf("wait worker: %v", err)
		if _, terr := s.store.TransitionTask(ctx, taskID, model.TaskErrored, db.TransitionOptions{ErrorMessage: &msg, ClearPID: true}); terr != nil {
			s.log.Printf("mark task %s errored: %v", taskID, terr)
		}
		return
	}
	if code == 0 {
		if _, terr := s.store.TransitionTask(ctx, taskID, model.TaskStopped, db.TransitionOptions{ClearPID: true}); terr != nil {
			s.log.Printf("mark task %s stopped: %v", taskID, terr)
		}
		s.log.Printf("task %s for %s exited cleanly", taskID, character)
		return
	}
	msg := fmt.Sprintf("worker exited with code %d", code)
	if _, terr := s.store.TransitionTask(ctx, taskID, model.TaskErrored, db.TransitionOptions{ErrorMessage: &msg, ClearPID: true}); terr != nil {
		s.log.Printf("mark task %s errored: %v", taskID, terr)
	}
	s.log.Printf("task %s for %s exited with code %d", taskID, character, code)
}

// Heartbeat records liveness from a worker: the first heartbeat moves
// starting to running, a heartbeat after recovery moves recovered back to
// running, and later ones just bump last_updated.
func (s *Supervisor) Heartbeat(ctx context.Context, taskID string) (model.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	switch task.State {
	case model.TaskStarting, model.TaskRecovered:
		now := time.Now().UTC()
		opts := db.TransitionOptions{}
		if task.StartTime == nil {
			opts.StartTime = &now
		}
		return s.store.TransitionTask(ctx, taskID, model.TaskRunning, opts)
	case model.TaskRunning:
		if err := s.store.TouchTask(ctx, taskID); err != nil {
			return model.Task{}, err
		}
		return s.store.GetTask(ctx, taskID)
	default:
		return model.Task{}, fmt.Errorf("%w: heartbeat in state %s", db.ErrStateConflict, task.State)
	}
}

// Stop signals the character's active worker and marks the task stopping;
// the exit observer finishes the transition to stopped.
func (s *Supervisor) Stop(ctx context.Context, character string) (model.Task, error) {
	task, err := s.store.ActiveTaskForCharacter(ctx, character)
	if errors.Is(err, db.ErrNotFound) {
		return model.Task{}, fmt.Errorf("%w: %s", ErrTaskNotActive, character)
	}
	if err != nil {
		return model.Task{}, err
	}
	task, err = s.store.TransitionTask(ctx, task.ID, model.TaskStopping, db.TransitionOptions{})
	if err != nil {
		return model.Task{}, err
	}
	if task.ProcessID == nil {
		return s.store.TransitionTask(ctx, task.ID, model.TaskStopped, db.TransitionOptions{})
	}
	if err := s.runner.Signal(*task.ProcessID, syscall.SIGTERM); err != nil {
		// Already gone; the wait observer (or Recover on next boot)
		// settles the final state.
		s.log.Printf("signal pid %d: %v", *task.ProcessID, err)
	}
	return task, nil
}

// Recover runs once at boot: tasks left in running or starting are probed
// by pid — alive processes are marked recovered, dead ones errored. Tasks
// left in stopping settle to stopped once their pid is gone; a stopping
// worker still draining is left alone for Reap to settle later.
func (s *Supervisor) Recover(ctx context.Context) ([]model.Task, error) {
	tasks, err := s.store.ListTasks(ctx, model.TaskRunning, model.TaskStarting, model.TaskStopping)
	if err != nil {
		return nil, err
	}
	var out []model.Task
	for _, task := range tasks {
		alive := task.ProcessID != nil && s.runner.Alive(*task.ProcessID)
		var updated model.Task
		switch {
		case task.State == model.TaskStopping && alive:
			continue
		case task.State == model.TaskStopping:
			updated, err = s.store.TransitionTask(ctx, task.ID, model.TaskStopped, db.TransitionOptions{ClearPID: true})
		case alive:
			updated, err = s.store.TransitionTask(ctx, task.ID, model.TaskRecovered, db.TransitionOptions{})
		default:
			msg := "worker process not alive after restart"
			updated, err = s.store.TransitionTask(ctx, task.ID, model.TaskErrored, db.TransitionOptions{ErrorMessage: &msg, ClearPID: true})
		}
		if err != nil {
			return nil, fmt.Errorf("recover task %s: %w", task.ID, err)
		}
		s.log.Printf("recovered task %s for %s: %s", updated.ID, updated.Character, updated.State)
		out = append(out, updated)
	}
	return out, nil
}

// Reap is the periodic sweep: it probes the pids of active and stopping
// tasks and settles only the dead ones — stopping becomes stopped,
// anything else becomes errored. Alive tasks are never transitioned.
func (s *Supervisor) Reap(ctx context.Context) ([]model.Task, error) {
	tasks, err := s.store.ListTasks(ctx, model.ActiveTaskStates...)
	if err != nil {
		return nil, err
	}
	var out []model.Task
	for _, task := range tasks {
		if task.ProcessID == nil || s.runner.Alive(*task.ProcessID) {
			continue
		}
		var updated model.Task
		if task.State == model.TaskStopping {
			updated, err = s.store.TransitionTask(ctx, task.ID, model.TaskStopped, db.TransitionOptions{ClearPID: true})
		} else {
			msg := "worker process exited untracked"
			updated, err = s.store.TransitionTask(ctx, task.ID, model.TaskErrored, db.TransitionOptions{ErrorMessage: &msg, ClearPID: true})
		}
		if err != nil {
			return nil, fmt.Errorf("reap task %s: %w", task.ID, err)
		}
		s.log.Printf("reaped task %s for %s: %s", updated.ID, updated.Character, updated.State)
		out = append(out, updated)
	}
	return out, nil
}

// Status returns the character's most recent task row.
func (s *Supervisor) Status(ctx context.Context, character string) (model.Task, error) {
	return s.store.GetTaskByCharacter(ctx, character)
}

// List returns every task row.
func (s *Supervisor) List(ctx context.Context) ([]model.Task, error) {
	return s.store.ListTasks(ctx)
}
