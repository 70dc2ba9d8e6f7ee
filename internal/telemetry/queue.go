// Package telemetry buffers action records and inventory snapshots in
// memory, batches them into the relational store, and spills to disk so no
// acknowledged record is lost across a shutdown.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/model"
)

// Store is the slice of the relational store the queue needs.
type Store interface {
	InsertTelemetry(ctx context.Context, actions []model.ActionRecord, inventories []model.InventoryRecord) error
}

type Options struct {
	Dir            string
	FlushInterval  time.Duration
	SpillInterval  time.Duration
	FlushThreshold int
}

// Queue is an explicit object with a lifecycle: New, Recover, Start, Close.
// Records are only dropped from memory after a committed batch or a
// successful spill.
type Queue struct {
	store Store
	opts  Options
	log   *log.Logger

	mu          sync.Mutex
	actions     []model.ActionRecord
	inventories []model.InventoryRecord
	// spill files written by this process that still mirror unflushed
	// memory; removed after a successful flush or replaced by a newer spill.
	spillPaths []string
	lastFlush  time.Time

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func New(store Store, opts Options) *Queue {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Minute
	}
	if opts.SpillInterval <= 0 {
		opts.SpillInterval = 60 * time.Second
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = 100
	}
	return &Queue{
		store:   store,
		opts:    opts,
		log:     log.New(os.Stderr, "telemetry: ", log.LstdFlags),
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// RecordAction appends one action record. Append is O(1); crossing the
// flush threshold nudges the background flusher instead of blocking the
// caller.
func (q *Queue) RecordAction(rec model.ActionRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	q.mu.Lock()
	q.actions = append(q.actions, rec)
	over := len(q.actions) >= q.opts.FlushThreshold
	q.mu.Unlock()
	if over {
		q.requestFlush()
	}
}

// RecordInventory appends one inventory snapshot.
func (q *Queue) RecordInventory(rec model.InventoryRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	q.mu.Lock()
	q.inventories = append(q.inventories, rec)
	over := len(q.inventories) >= q.opts.FlushThreshold
	q.mu.Unlock()
	if over {
		q.requestFlush()
	}
}

func (q *Queue) requestFlush() {
	select {
	case q.flushCh <- struct{}{}:
	default:
	}
}

// Len reports the buffered record counts per kind.
func (q *Queue) Len() (actions, inventories int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions), len(q.inventories)
}

// Recover loads every spill file left in the data dir into memory (appended
// after anything already present) and deletes the files. Run once before
// Start.
func (q *Queue) Recover() error {
	actions, actionPaths, err := readBackups[model.ActionRecord](q.opts.Dir, actionBackupPrefix)
	if err != nil {
		return fmt.Errorf("recover action backups: %w", err)
	}
	inventories, invPaths, err := readBackups[model.InventoryRecord](q.opts.Dir, inventoryBackupPrefix)
	if err != nil {
		return fmt.Errorf("recover inventory backups: %w", err)
	}
	q.mu.Lock()
	q.actions = append(q.actions, actions...)
	q.inventories = append(q.inventories, inventories...)
	q.mu.Unlock()
	removeFiles(actionPaths)
	removeFiles(invPaths)
	if len(actions) > 0 || len(inventories) > 0 {
		q.log.Printf("recovered %d action and %d inventory records from spill files", len(actions), len(inventories))
	}
	return nil
}

// Start launches the periodic flush and spill loops. They stop when ctx is
// cancelled or Close runs.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		flushTicker := time.NewTicker(q.opts.FlushInterval)
		defer flushTicker.Stop()
		spillTicker := time.NewTicker(q.opts.SpillInterval)
		defer spillTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case <-q.flushCh:
				q.flushLogged(ctx)
			case <-flushTicker.C:
				q.flushLogged(ctx)
			case <-spillTicker.C:
				if err := q.Spill(); err != nil {
					q.log.Printf("periodic spill failed: %v", err)
				}
			}
		}
	}()
}

func (q *Queue) flushLogged(ctx context.Context) {
	if err := q.Flush(ctx); err != nil {
		q.log.Printf("flush failed, records retained: %v", err)
	}
}

// Flush spills first, then commits both kinds in one transaction. On commit
// the memory and the pre-flush spill are dropped; on failure both survive.
func (q *Queue) Flush(ctx context.Context) error {
	if err := q.Spill(); err != nil {
		q.log.Printf("pre-flush spill failed: %v", err)
	}

	q.mu.Lock()
	actions := q.actions
	inventories := q.inventories
	spills := q.spillPaths
	q.mu.Unlock()
	if len(actions) == 0 && len(inventories) == 0 {
		return nil
	}

	if err := q.store.InsertTelemetry(ctx, actions, inventories); err != nil {
		return err
	}

	q.mu.Lock()
	q.actions = q.actions[len(actions):]
	q.inventories = q.inventories[len(inventories):]
	// A spill newer than the one we captured still covers the records that
	// arrived mid-flush, so only the captured files go.
	q.spillPaths = trimPaths(q.spillPaths, spills)
	q.lastFlush = time.Now().UTC()
	q.mu.Unlock()
	removeFiles(spills)
	return nil
}

// Spill serializes the current contents to uniquely-named files. The
// previous spill from this process is superseded and removed.
func (q *Queue) Spill() error {
	q.mu.Lock()
	actions := q.actions
	inventories := q.inventories
	previous := q.spillPaths
	q.mu.Unlock()

	var paths []string
	if len(actions) > 0 {
		path, err := writeBackup(q.opts.Dir, actionBackupPrefix, actions)
		if err != nil {
			return err
		}
		paths = append(paths, path)
	}
	if len(inventories) > 0 {
		path, err := writeBackup(q.opts.Dir, inventoryBackupPrefix, inventories)
		if err != nil {
			return err
		}
		paths = append(paths, path)
	}

	q.mu.Lock()
	q.spillPaths = append(trimPaths(q.spillPaths, previous), paths...)
	q.mu.Unlock()
	removeFiles(previous)
	return nil
}

// LastFlush reports when the last successful batched commit finished.
func (q *Queue) LastFlush() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastFlush
}

// Close stops the background loops and makes one synchronous flush attempt;
// if the store is unreachable it forces a final spill so nothing buffered is
// lost.
func (q *Queue) Close(ctx context.Context) error {
	var err error
	q.once.Do(func() {
		close(q.done)
		q.wg.Wait()
		if flushErr := q.Flush(ctx); flushErr != nil {
			q.log.Printf("shutdown flush failed, spilling to disk: %v", flushErr)
			err = q.Spill()
		}
	})
	return err
}

func trimPaths(have, drop []string) []string {
	if len(drop) == 0 {
		return have
	}
	dropped := make(map[string]struct{}, len(drop))
	for _, p := range drop {
		dropped[p] = struct{}{}
	}
	out := have[:0]
	for _, p := range have {
		if _, ok := dropped[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}
