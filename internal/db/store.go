package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/macomeau/Artifacts-sub002/internal/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state conflict")
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path. The path may
// be a plain file path or a file: DSN; pragmas are appended either way.
func Open(ctx context.Context, path string) (*Store, error) {
	plain := strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(plain, '?'); i >= 0 {
		plain = plain[:i]
	}
	if err := os.MkdirAll(filepath.Dir(plain), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", plain)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertTelemetry writes one batch of action records and inventory records
// in a single transaction. Either both kinds commit or neither does.
func (s *Store) InsertTelemetry(ctx context.Context, actions []model.ActionRecord, inventories []model.InventoryRecord) error {
	if len(actions) == 0 && len(inventories) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin telemetry tx: %w", err)
	}
	if len(actions) > 0 {
		stmt, args := buildActionInsert(actions)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert action logs: %w", err)
		}
	}
	if len(inventories) > 0 {
		stmt, args, err := buildInventoryInsert(inventories)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert inventory snapshots: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit telemetry tx: %w", err)
	}
	return nil
}

func buildActionInsert(actions []model.ActionRecord) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO action_logs(character, action_type, x, y, result, error, timestamp) VALUES `)
	args := make([]any, 0, len(actions)*7)
	for i, a := range actions {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		var result any
		if len(a.Result) > 0 {
			result = string(a.Result)
		}
		args = append(args, a.Character, string(a.ActionType), a.Coords.X, a.Coords.Y, result, nullIfEmpty(a.Error), ts(a.Timestamp))
	}
	return sb.String(), args
}

func buildInventoryInsert(inventories []model.InventoryRecord) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO inventory_snapshots(character, items, timestamp) VALUES `)
	args := make([]any, 0, len(inventories)*3)
	for i, inv := range inventories {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?)")
		items, err := json.Marshal(inv.Items)
		if err != nil {
			return "", nil, fmt.Errorf("marshal inventory items: %w", err)
		}
		args = append(args, inv.Character, string(items), ts(inv.Timestamp))
	}
	return sb.String(), args, nil
}

// CountActionLogs returns the number of action_logs rows, optionally
// filtered by character.
func (s *Store) CountActionLogs(ctx context.Context, character string) (int, error) {
	query := `SELECT COUNT(*) FROM action_logs`
	args := []any{}
	if character != "" {
		query += ` WHERE character = ?`
		args = append(args, character)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count action logs: %w", err)
	}
	return n, nil
}

// ListActionLogs returns the most recent action records, newest first.
func (s *Store) ListActionLogs(ctx context.Context, character string, limit int) ([]model.ActionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, character, action_type, x, y, result, error, timestamp FROM action_logs`
	args := []any{}
	if character != "" {
		query += ` WHERE character = ?`
		args = append(args, character)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list action logs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ActionRecord
	for rows.Next() {
		var (
			rec       model.ActionRecord
			action    string
			result    sql.NullString
			errText   sql.NullString
			timestamp string
		)
		if err := rows.Scan(&rec.ID, &rec.Character, &action, &rec.Coords.X, &rec.Coords.Y, &result, &errText, &timestamp); err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		rec.ActionType = model.ActionType(action)
		if result.Valid {
			rec.Result = json.RawMessage(result.String)
		}
		rec.Error = errText.String
		if rec.Timestamp, err = parseTS(timestamp); err != nil {
			return nil, fmt.Errorf("parse action log timestamp: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertTask inserts a new task row.
func (s *Store) InsertTask(ctx context.Context, task model.Task) error {
	if task.LastUpdated.IsZero() {
		task.LastUpdated = time.Now().UTC()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = task.LastUpdated
	}
	args, err := json.Marshal(task.ScriptArgs)
	if err != nil {
		return fmt.Errorf("marshal script args: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO character_tasks(id, character, task_type, script_name, script_args, state, process_id, start_time, last_updated, task_data, error_message, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, task.ID, task.Character, task.TaskType, task.ScriptName, string(args), string(task.State),
		nullableI64(task.ProcessID), nullableTS(task.StartTime), ts(task.LastUpdated),
		nullableStr(task.TaskData), nullableStr(task.ErrorMessage), ts(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByCharacter returns the most recently updated task for a character.
func (s *Store) GetTaskByCharacter(ctx context.Context, character string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE character = ? ORDER BY last_updated DESC, created_at DESC LIMIT 1`, character)
	return scanTask(row)
}

// ListTasks returns all tasks, optionally filtered to the given states.
func (s *Store) ListTasks(ctx context.Context, states ...model.TaskState) ([]model.Task, error) {
	query := taskSelect
	args := []any{}
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// ActiveTaskForCharacter returns the character's task in an active state, or
// ErrNotFound.
func (s *Store) ActiveTaskForCharacter(ctx context.Context, character string) (model.Task, error) {
	placeholders := make([]string, len(model.ActiveTaskStates))
	args := []any{character}
	for i, st := range model.ActiveTaskStates {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE character = ? AND state IN (`+strings.Join(placeholders, ", ")+`) ORDER BY last_updated DESC LIMIT 1`, args...)
	return scanTask(row)
}

// TransitionTask moves a task to the given state, enforcing the transition
// table. Passing a non-nil pid, errMsg or taskData also updates that column;
// clearPID wipes the stored process id.
func (s *Store) TransitionTask(ctx context.Context, id string, to model.TaskState, opts TransitionOptions) (model.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if !model.CanTransition(task.State, to) {
		return model.Task{}, fmt.Errorf("%w: %s -> %s", ErrStateConflict, task.State, to)
	}
	now := time.Now().UTC()

	sets := []string{"state = ?", "last_updated = ?"}
	args := []any{string(to), ts(now)}
	if opts.PID != nil {
		sets = append(sets, "process_id = ?")
		args = append(args, *opts.PID)
	}
	if opts.ClearPID {
		sets = append(sets, "process_id = NULL")
	}
	if opts.StartTime != nil {
		sets = append(sets, "start_time = ?")
		args = append(args, ts(*opts.StartTime))
	}
	if opts.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *opts.ErrorMessage)
	}
	if opts.TaskData != nil {
		sets = append(sets, "task_data = ?")
		args = append(args, *opts.TaskData)
	}
	args = append(args, id, string(task.State))

	res, err := s.db.ExecContext(ctx, `UPDATE character_tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return model.Task{}, fmt.Errorf("transition task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Task{}, fmt.Errorf("transition task rows: %w", err)
	}
	if affected == 0 {
		return model.Task{}, fmt.Errorf("%w: task %s changed concurrently", ErrStateConflict, id)
	}
	return s.GetTask(ctx, id)
}

// RecordTaskSpawn stores the worker pid and launch time on a task that is
// still in starting.
func (s *Store) RecordTaskSpawn(ctx context.Context, id string, pid int64, started time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE character_tasks SET process_id = ?, start_time = ?, last_updated = ? WHERE id = ?`,
		pid, ts(started), ts(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("record task spawn: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record task spawn rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchTask bumps last_updated without changing state; used for heartbeats
// from tasks already running.
func (s *Store) TouchTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE character_tasks SET last_updated = ? WHERE id = ?`, ts(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("touch task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch task rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type TransitionOptions struct {
	PID          *int64
	ClearPID     bool
	StartTime    *time.Time
	ErrorMessage *string
	TaskData     *string
}

const taskSelect = `SELECT id, character, task_type, script_name, script_args, state, process_id, start_time, last_updated, task_data, error_message, created_at FROM character_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var (
		task        model.Task
		scriptArgs  string
		state       string
		pid         sql.NullInt64
		startTime   sql.NullString
		lastUpdated string
		taskData    sql.NullString
		errMsg      sql.NullString
		createdAt   string
	)
	err := row.Scan(&task.ID, &task.Character, &task.TaskType, &task.ScriptName, &scriptArgs, &state,
		&pid, &startTime, &lastUpdated, &taskData, &errMsg, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal([]byte(scriptArgs), &task.ScriptArgs); err != nil {
		return model.Task{}, fmt.Errorf("parse script args: %w", err)
	}
	task.State = model.TaskState(state)
	if pid.Valid {
		v := pid.Int64
		task.ProcessID = &v
	}
	if startTime.Valid {
		v, err := parseTS(startTime.String)
		if err != nil {
			return model.Task{}, fmt.Errorf("parse start_time: %w", err)
		}
		task.StartTime = &v
	}
	if task.LastUpdated, err = parseTS(lastUpdated); err != nil {
		return model.Task{}, fmt.Errorf("parse last_updated: %w", err)
	}
	if taskData.Valid {
		v := taskData.String
		task.TaskData = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		task.ErrorMessage = &v
	}
	if task.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Task{}, fmt.Errorf("parse created_at: %w", err)
	}
	return task, nil
}

func nullableI64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
