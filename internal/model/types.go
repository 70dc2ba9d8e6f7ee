package model

import (
	"encoding/json"
	"time"
)

// TaskState is the normalized worker task state persisted in the store.
type TaskState string

const (
	TaskIdle      TaskState = "idle"
	TaskStarting  TaskState = "starting"
	TaskRunning   TaskState = "running"
	TaskStopping  TaskState = "stopping"
	TaskStopped   TaskState = "stopped"
	TaskErrored   TaskState = "errored"
	TaskRecovered TaskState = "recovered"
)

// taskTransitions is the forward-only transition table. The single backward
// edge is recovered -> running, taken when a recovered worker heartbeats.
var taskTransitions = map[TaskState][]TaskState{
	TaskIdle:      {TaskStarting},
	TaskStarting:  {TaskRunning, TaskErrored, TaskStopping, TaskRecovered},
	TaskRunning:   {TaskStopping, TaskErrored, TaskRecovered, TaskStopped},
	TaskStopping:  {TaskStopped, TaskErrored},
	TaskStopped:   {},
	TaskErrored:   {},
	TaskRecovered: {TaskRunning, TaskStopping, TaskErrored, TaskStopped},
}

// CanTransition reports whether moving from one task state to another is
// allowed by the state machine.
func CanTransition(from, to TaskState) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActiveTaskStates are the states that block starting a new task for the
// same character. A stopping task still owns a live worker until its exit
// lands, so it counts as active.
var ActiveTaskStates = []TaskState{TaskStarting, TaskRunning, TaskRecovered, TaskStopping}

type ActionType string

const (
	ActionMove     ActionType = "move"
	ActionGather   ActionType = "gather"
	ActionCraft    ActionType = "craft"
	ActionRecycle  ActionType = "recycle"
	ActionFight    ActionType = "fight"
	ActionRest     ActionType = "rest"
	ActionDeposit  ActionType = "bank_deposit"
	ActionWithdraw ActionType = "bank_withdraw"
)

// Point is a map coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// InventorySlot is one slot of a character's inventory. An empty slot has an
// empty Code and zero Quantity.
type InventorySlot struct {
	Slot     int    `json:"slot"`
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
}

// Character is a read-only snapshot of a character as reported by the game
// server. Whoever fetched the snapshot owns that copy.
type Character struct {
	Name               string          `json:"name"`
	X                  int             `json:"x"`
	Y                  int             `json:"y"`
	HP                 int             `json:"hp"`
	MaxHP              int             `json:"max_hp"`
	Cooldown           float64         `json:"cooldown"`
	CooldownExpiration time.Time       `json:"cooldown_expiration"`
	InventoryMaxItems  int             `json:"inventory_max_items"`
	Inventory          []InventorySlot `json:"inventory"`
	Skills             map[string]int  `json:"skills,omitempty"`
}

// Position returns the snapshot's coordinates.
func (c Character) Position() Point {
	return Point{X: c.X, Y: c.Y}
}

// InventoryCount returns the total quantity held across all slots.
func (c Character) InventoryCount() int {
	total := 0
	for _, slot := range c.Inventory {
		total += slot.Quantity
	}
	return total
}

// CountItem returns the quantity of one item code held.
func (c Character) CountItem(code string) int {
	total := 0
	for _, slot := range c.Inventory {
		if slot.Code == code {
			total += slot.Quantity
		}
	}
	return total
}

// ActionRecord is one row per attempted mutating action. Immutable once
// appended.
type ActionRecord struct {
	ID         int64
	Character  string
	ActionType ActionType
	Coords     Point
	Result     json.RawMessage
	Error      string
	Timestamp  time.Time
}

// InventoryRecord is an opportunistic capture of a character's inventory.
type InventoryRecord struct {
	ID        int64
	Character string
	Items     []InventorySlot
	Timestamp time.Time
}

// Task is the supervisor's view of one running loop.
type Task struct {
	ID           string
	Character    string
	TaskType     string
	ScriptName   string
	ScriptArgs   []string
	State        TaskState
	ProcessID    *int64
	StartTime    *time.Time
	LastUpdated  time.Time
	TaskData     *string
	ErrorMessage *string
	CreatedAt    time.Time
}

// Error codes defined by the control API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrTaskActive         = "E_TASK_ACTIVE"
	ErrTaskNotActive      = "E_TASK_NOT_ACTIVE"
	ErrStateConflict      = "E_STATE_CONFLICT"
	ErrSpawnFailed        = "E_SPAWN_FAILED"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
)
