package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/macomeau/Artifacts-sub002/internal/db"
	"github.com/macomeau/Artifacts-sub002/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "artifacts-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedTask inserts a harvest task for the character and walks it through
// the transition table into the requested state.
func SeedTask(t *testing.T, store *db.Store, ctx context.Context, character string, state model.TaskState) model.Task {
	t.Helper()
	task := model.Task{
		ID:         uuid.NewString(),
		Character:  character,
		TaskType:   "harvest",
		ScriptName: "harvest",
		ScriptArgs: []string{"--item", "ash_wood", "-x", "2", "-y", "6"},
		State:      model.TaskIdle,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.InsertTask(ctx, task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	for _, step := range pathTo(state) {
		updated, err := store.TransitionTask(ctx, task.ID, step, db.TransitionOptions{})
		if err != nil {
			t.Fatalf("seed transition to %s: %v", step, err)
		}
		task = updated
	}
	return task
}

// pathTo yields the forward transition chain from idle to the target state.
func pathTo(state model.TaskState) []model.TaskState {
	switch state {
	case model.TaskStarting:
		return []model.TaskState{model.TaskStarting}
	case model.TaskRunning:
		return []model.TaskState{model.TaskStarting, model.TaskRunning}
	case model.TaskRecovered:
		return []model.TaskState{model.TaskStarting, model.TaskRunning, model.TaskRecovered}
	case model.TaskStopping:
		return []model.TaskState{model.TaskStarting, model.TaskRunning, model.TaskStopping}
	case model.TaskStopped:
		return []model.TaskState{model.TaskStarting, model.TaskRunning, model.TaskStopping, model.TaskStopped}
	case model.TaskErrored:
		return []model.TaskState{model.TaskStarting, model.TaskErrored}
	default:
		return nil
	}
}
