package supervisor_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/config"
	"github.com/macomeau/Artifacts-sub002/internal/db"
	"github.com/macomeau/Artifacts-sub002/internal/model"
	"github.com/macomeau/Artifacts-sub002/internal/supervisor"
	"github.com/macomeau/Artifacts-sub002/internal/testutil"
)

// stubRunner fakes process control: each Start hands out the next pid and a
// wait that blocks until the test releases it with an exit code.
type stubRunner struct {
	mu       sync.Mutex
	nextPID  int64
	startErr error
	started  [][]string
	signals  map[int64][]os.Signal
	exits    map[int64]chan int
	alive    map[int64]bool
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		nextPID: 1000,
		signals: map[int64][]os.Signal{},
		exits:   map[int64]chan int{},
		alive:   map[int64]bool{},
	}
}

func (r *stubRunner) Start(_ context.Context, name string, args ...string) (int64, func() (int, error), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return 0, nil, r.startErr
	}
	r.nextPID++
	pid := r.nextPID
	r.started = append(r.started, append([]string{name}, args...))
	ch := make(chan int, 1)
	r.exits[pid] = ch
	r.alive[pid] = true
	wait := func() (int, error) {
		return <-ch, nil
	}
	return pid, wait, nil
}

func (r *stubRunner) Signal(pid int64, sig os.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals[pid] = append(r.signals[pid], sig)
	return nil
}

func (r *stubRunner) Alive(pid int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive[pid]
}

func (r *stubRunner) exit(pid int64, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive[pid] = false
	r.exits[pid] <- code
}

func (r *stubRunner) lastArgv() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.started) == 0 {
		return nil
	}
	return r.started[len(r.started)-1]
}

func newSupervisor(t *testing.T) (*supervisor.Supervisor, *stubRunner, *db.Store, context.Context) {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	runner := newStubRunner()
	cfg := config.DefaultConfig()
	sup := supervisor.NewWithRunner(store, cfg, runner)
	return sup, runner, store, ctx
}

func waitForState(t *testing.T, store *db.Store, ctx context.Context, taskID string, want model.TaskState) model.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		task, err := store.GetTask(ctx, taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.State == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s stuck in %s, want %s", taskID, task.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartSpawnsWorker(t *testing.T) {
	sup, runner, store, ctx := newSupervisor(t)

	task, err := sup.Start(ctx, "miner_1", "harvest", "harvest", []string{"--item", "ash_wood", "-x", "2", "-y", "6"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if task.State != model.TaskStarting {
		t.Fatalf("state = %s, want starting", task.State)
	}
	if task.ProcessID == nil {
		t.Fatal("pid not recorded")
	}

	argv := runner.lastArgv()
	if argv[0] != "artifacts-worker" || argv[1] != "harvest" || argv[2] != "miner_1" {
		t.Fatalf("argv = %v", argv)
	}
	if argv[len(argv)-2] != "--task-id" || argv[len(argv)-1] != task.ID {
		t.Fatalf("task id not passed: %v", argv)
	}

	runner.exit(*task.ProcessID, 0)
	final := waitForState(t, store, ctx, task.ID, model.TaskStopped)
	if final.ProcessID != nil {
		t.Fatalf("pid not cleared on exit: %v", *final.ProcessID)
	}
}

func TestStartRefusesSecondActiveTask(t *testing.T) {
	sup, runner, _, ctx := newSupervisor(t)

	task, err := sup.Start(ctx, "miner_1", "harvest", "harvest", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := sup.Start(ctx, "miner_1", "fight", "fight", nil); !errors.Is(err, supervisor.ErrTaskActive) {
		t.Fatalf("second start err = %v, want ErrTaskActive", err)
	}
	// A different character is unaffected.
	if _, err := sup.Start(ctx, "miner_2", "harvest", "harvest", nil); err != nil {
		t.Fatalf("other character start: %v", err)
	}
	runner.exit(*task.ProcessID, 0)
}

func TestStartSpawnFailureMarksErrored(t *testing.T) {
	sup, runner, store, ctx := newSupervisor(t)
	runner.startErr = errors.New("exec: no such binary")

	if _, err := sup.Start(ctx, "miner_1", "harvest", "harvest", nil); err == nil {
		t.Fatal("Start succeeded with a failing runner")
	}
	task, err := store.GetTaskByCharacter(ctx, "miner_1")
	if err != nil {
		t.Fatalf("GetTaskByCharacter: %v", err)
	}
	if task.State != model.TaskErrored {
		t.Fatalf("state = %s, want errored", task.State)
	}
	if task.ErrorMessage == nil {
		t.Fatal("error message not recorded")
	}
	// The character is free to start again.
	runner.startErr = nil
	if _, err := sup.Start(ctx, "miner_1", "harvest", "harvest", nil); err != nil {
		t.Fatalf("restart after spawn failure: %v", err)
	}
}

func TestWorkerFailureExitMarksErrored(t *testing.T) {
	sup, runner, store, ctx := newSupervisor(t)

	task, err := sup.Start(ctx, "miner_1", "harvest", "harvest", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	runner.exit(*task.ProcessID, 1)
	final := waitForState(t, store, ctx, task.ID, model.TaskErrored)
	if final.ErrorMessage == nil {
		t.Fatal("exit code not recorded")
	}
}

func TestHeartbeatTransitions(t *testing.T) {
	sup, runner, _, ctx := newSupervisor(t)

	task, err := sup.Start(ctx, "miner_1", "harvest", "harvest", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// First heartbeat: starting -> running with a start time.
	beat, err := sup.Heartbeat(ctx, task.ID)
	if err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	if beat.State != model.TaskRunning || beat.StartTime == nil {
		t.Fatalf("after first heartbeat: %+v", beat)
	}

	// Later heartbeats only bump last_updated.
	prev := beat.LastUpdated
	time.Sleep(5 * time.Millisecond)
	beat, err = sup.Heartbeat(ctx, task.ID)
	if err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	if beat.State != model.TaskRunning || !beat.LastUpdated.After(prev) {
		t.Fatalf("after second heartbeat: %+v", beat)
	}

	runner.exit(*task.ProcessID, 0)
}

func TestHeartbeatOnTerminalTaskConflicts(t *testing.T) {
	sup, _, store, ctx := newSupervisor(t)
	task := testutil.SeedTask(t, store, ctx, "miner_1", model.TaskStopped)
	if _, err := sup.Heartbeat(ctx, task.ID); !errors.Is(err, db.ErrStateConflict) {
		t.Fatalf("err = %v, want ErrStateConflict", err)
	}
}

func TestStopSignalsWorker(t *testing.T) {
	sup, runner, store, ctx := newSupervisor(t)

	task, err := sup.Start(ctx, "miner_1", "harvest", "harvest", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := sup.Heartbeat(ctx, task.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	stopped, err := sup.Stop(ctx, "miner_1")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.State != model.TaskStopping {
		t.Fatalf("state = %s, want stopping", stopped.State)
	}
	runner.mu.Lock()
	sigs := runner.signals[*task.ProcessID]
	runner.mu.Unlock()
	if len(sigs) != 1 {
		t.Fatalf("signals = %v, want one SIGTERM", sigs)
	}

	// Worker drains and exits 0; the observer lands the task in stopped.
	runner.exit(*task.ProcessID, 0)
	waitForState(t, store, ctx, task.ID, model.TaskStopped)
}

func TestStopWithoutActiveTask(t *testing.T) {
	sup, _, _, ctx := newSupervisor(t)
	if _, err := sup.Stop(ctx, "miner_1"); !errors.Is(err, supervisor.ErrTaskNotActive) {
		t.Fatalf("err = %v, want ErrTaskNotActive", err)
	}
}

func TestRecoverProbesTrackedTasks(t *testing.T) {
	sup, runner, store, ctx := newSupervisor(t)

	alive := testutil.SeedTask(t, store, ctx, "miner_1", model.TaskRunning)
	alivePID := int64(7001)
	if err := store.RecordTaskSpawn(ctx, alive.ID, alivePID, time.Now().UTC()); err != nil {
		t.Fatalf("record spawn: %v", err)
	}
	runner.mu.Lock()
	runner.alive[alivePID] = true
	runner.mu.Unlock()

	dead := testutil.SeedTask(t, store, ctx, "miner_2", model.TaskRunning)
	if err := store.RecordTaskSpawn(ctx, dead.ID, 7002, time.Now().UTC()); err != nil {
		t.Fatalf("record spawn: %v", err)
	}

	recovered, err := sup.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("recovered %d tasks, want 2", len(recovered))
	}

	got, _ := store.GetTask(ctx, alive.ID)
	if got.State != model.TaskRecovered {
		t.Fatalf("alive task state = %s, want recovered", got.State)
	}
	got, _ = store.GetTask(ctx, dead.ID)
	if got.State != model.TaskErrored {
		t.Fatalf("dead task state = %s, want errored", got.State)
	}
	if got.ProcessID != nil {
		t.Fatal("dead task pid not cleared")
	}

	// A heartbeat from the surviving worker reattaches it.
	beat, err := sup.Heartbeat(ctx, alive.ID)
	if err != nil {
		t.Fatalf("heartbeat after recovery: %v", err)
	}
	if beat.State != model.TaskRunning {
		t.Fatalf("state after reattach = %s, want running", beat.State)
	}
}

func TestStartRefusesWhileStopping(t *testing.T) {
	sup, runner, store, ctx := newSupervisor(t)

	task, err := sup.Start(ctx, "miner_1", "harvest", "harvest", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := sup.Heartbeat(ctx, task.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := sup.Stop(ctx, "miner_1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The worker is still draining its grace period; a second task would
	// mean two live workers dispatching for the same character.
	if _, err := sup.Start(ctx, "miner_1", "fight", "fight", nil); !errors.Is(err, supervisor.ErrTaskActive) {
		t.Fatalf("start while stopping err = %v, want ErrTaskActive", err)
	}

	runner.exit(*task.ProcessID, 0)
	waitForState(t, store, ctx, task.ID, model.TaskStopped)
	if _, err := sup.Start(ctx, "miner_1", "fight", "fight", nil); err != nil {
		t.Fatalf("start after stop settled: %v", err)
	}
}

func TestRecoverSettlesStoppingTasks(t *testing.T) {
	sup, runner, store, ctx := newSupervisor(t)

	// Task was mid-stop when the daemon died and its worker has since
	// exited; nobody is waiting on that pid anymore.
	dead := testutil.SeedTask(t, store, ctx, "miner_1", model.TaskStopping)
	if err := store.RecordTaskSpawn(ctx, dead.ID, 7101, time.Now().UTC()); err != nil {
		t.Fatalf("record spawn: %v", err)
	}

	// This one is still draining; recovery must leave it alone.
	draining := testutil.SeedTask(t, store, ctx, "miner_2", model.TaskStopping)
	if err := store.RecordTaskSpawn(ctx, draining.ID, 7102, time.Now().UTC()); err != nil {
		t.Fatalf("record spawn: %v", err)
	}
	runner.mu.Lock()
	runner.alive[7102] = true
	runner.mu.Unlock()

	recovered, err := sup.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %d tasks, want 1", len(recovered))
	}

	got, _ := store.GetTask(ctx, dead.ID)
	if got.State != model.TaskStopped {
		t.Fatalf("dead stopping task state = %s, want stopped", got.State)
	}
	if got.ProcessID != nil {
		t.Fatal("pid not cleared")
	}
	got, _ = store.GetTask(ctx, draining.ID)
	if got.State != model.TaskStopping {
		t.Fatalf("draining task state = %s, want stopping", got.State)
	}
}

func TestStopAfterRestartSettlesViaReap(t *testing.T) {
	sup, runner, store, ctx := newSupervisor(t)

	// Daemon restarted while the worker kept running: recovery marks the
	// task recovered, but there is no exit observer anymore.
	task := testutil.SeedTask(t, store, ctx, "miner_1", model.TaskRunning)
	pid := int64(7201)
	if err := store.RecordTaskSpawn(ctx, task.ID, pid, time.Now().UTC()); err != nil {
		t.Fatalf("record spawn: %v", err)
	}
	runner.mu.Lock()
	runner.alive[pid] = true
	runner.mu.Unlock()
	if _, err := sup.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	stopped, err := sup.Stop(ctx, "miner_1")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.State != model.TaskStopping {
		t.Fatalf("state = %s, want stopping", stopped.State)
	}

	// Worker honors the SIGTERM and exits; the periodic sweep must land
	// the row in stopped even without an observer.
	runner.mu.Lock()
	runner.alive[pid] = false
	runner.mu.Unlock()

	reaped, err := sup.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if len(reaped) != 1 {
		t.Fatalf("reaped %d tasks, want 1", len(reaped))
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.State != model.TaskStopped {
		t.Fatalf("state = %s, want stopped", got.State)
	}
	if got.ProcessID != nil {
		t.Fatal("pid not cleared")
	}
}

func TestReapLeavesHealthyTasksAlone(t *testing.T) {
	sup, runner, store, ctx := newSupervisor(t)

	healthy := testutil.SeedTask(t, store, ctx, "miner_1", model.TaskRunning)
	if err := store.RecordTaskSpawn(ctx, healthy.ID, 7301, time.Now().UTC()); err != nil {
		t.Fatalf("record spawn: %v", err)
	}
	runner.mu.Lock()
	runner.alive[7301] = true
	runner.mu.Unlock()

	crashed := testutil.SeedTask(t, store, ctx, "miner_2", model.TaskRunning)
	if err := store.RecordTaskSpawn(ctx, crashed.ID, 7302, time.Now().UTC()); err != nil {
		t.Fatalf("record spawn: %v", err)
	}

	// No pid recorded yet: the spawn may still be in flight.
	pending := testutil.SeedTask(t, store, ctx, "miner_3", model.TaskStarting)

	reaped, err := sup.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if len(reaped) != 1 {
		t.Fatalf("reaped %d tasks, want 1", len(reaped))
	}

	got, _ := store.GetTask(ctx, healthy.ID)
	if got.State != model.TaskRunning {
		t.Fatalf("healthy task state = %s, want running", got.State)
	}
	got, _ = store.GetTask(ctx, crashed.ID)
	if got.State != model.TaskErrored {
		t.Fatalf("crashed task state = %s, want errored", got.State)
	}
	got, _ = store.GetTask(ctx, pending.ID)
	if got.State != model.TaskStarting {
		t.Fatalf("pending task state = %s, want starting", got.State)
	}
}
