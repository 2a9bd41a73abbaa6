package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Task is the unit of work handed to an engine.
type Task struct {
	RequestID uint            `json:"request_id"`
	Dataset   string          `json:"dataset"`
	Product   string          `json:"product"`
	Query     json.RawMessage `json:"query"`
}

// Result is a produced artifact. The caller must close Reader.
type Result struct {
	Reader io.ReadCloser
	// Size is -1 when the engine did not announce it.
	Size int64
	Name string
}

// Engine executes a query document and streams back the artifact.
// Execute must return promptly once ctx is cancelled.
type Engine interface {
	Execute(ctx context.Context, task Task) (*Result, error)
}

// ExecutionError is a failure reported by the engine itself, as opposed to a
// transport failure.
type ExecutionError struct {
	StatusCode int
	Message    string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.StatusCode, e.Message)
}

func defaultName(task Task) string {
	return fmt.Sprintf("request-%d.nc", task.RequestID)
}
