// Package api defines the JSON contract between artifactsd and its clients.
package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type TaskResponse struct {
	ID           string   `json:"id"`
	Character    string   `json:"character"`
	TaskType     string   `json:"task_type"`
	ScriptName   string   `json:"script_name"`
	ScriptArgs   []string `json:"script_args"`
	State        string   `json:"state"`
	ProcessID    *int64   `json:"process_id,omitempty"`
	StartTime    *string  `json:"start_time,omitempty"`
	LastUpdated  string   `json:"last_updated"`
	TaskData     *string  `json:"task_data,omitempty"`
	ErrorMessage *string  `json:"error_message,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

type TaskEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Task          TaskResponse `json:"task"`
}

type TasksEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Tasks         []TaskResponse `json:"tasks"`
}

type StartTaskRequest struct {
	Character  string   `json:"character"`
	TaskType   string   `json:"task_type,omitempty"`
	ScriptName string   `json:"script_name"`
	ScriptArgs []string `json:"script_args,omitempty"`
}

type ActionLogResponse struct {
	ID         int64  `json:"id"`
	Character  string `json:"character"`
	ActionType string `json:"action_type"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type ActionLogsEnvelope struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Logs          []ActionLogResponse `json:"logs"`
}
