package model

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskState
		want     bool
	}{
		{TaskIdle, TaskStarting, true},
		{TaskIdle, TaskRunning, false},
		{TaskStarting, TaskRunning, true},
		{TaskStarting, TaskErrored, true},
		{TaskStarting, TaskStopping, true},
		{TaskStarting, TaskRecovered, true},
		{TaskRunning, TaskRecovered, true},
		{TaskRunning, TaskStopping, true},
		{TaskRunning, TaskStarting, false},
		{TaskRecovered, TaskRunning, true},
		{TaskRecovered, TaskErrored, true},
		{TaskStopping, TaskStopped, true},
		{TaskStopping, TaskRunning, false},
		{TaskStopped, TaskStarting, false},
		{TaskStopped, TaskRunning, false},
		{TaskErrored, TaskRunning, false},
		{TaskErrored, TaskStarting, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []TaskState{TaskStopped, TaskErrored} {
		for _, to := range []TaskState{TaskIdle, TaskStarting, TaskRunning, TaskStopping, TaskStopped, TaskErrored, TaskRecovered} {
			if CanTransition(from, to) {
				t.Errorf("terminal state %s must not transition to %s", from, to)
			}
		}
	}
}

func TestCharacterInventory(t *testing.T) {
	c := Character{
		Inventory: []InventorySlot{
			{Slot: 1, Code: "copper_ore", Quantity: 12},
			{Slot: 2, Code: "ash_wood", Quantity: 5},
			{Slot: 3, Code: "copper_ore", Quantity: 3},
			{Slot: 4},
		},
	}
	if got := c.InventoryCount(); got != 20 {
		t.Fatalf("InventoryCount() = %d, want 20", got)
	}
	if got := c.CountItem("copper_ore"); got != 15 {
		t.Fatalf("CountItem(copper_ore) = %d, want 15", got)
	}
	if got := c.CountItem("gold_ore"); got != 0 {
		t.Fatalf("CountItem(gold_ore) = %d, want 0", got)
	}
}
