package events

import (
	"encoding/json"
	"time"
)

// Event is the envelope handed to writers.
type Event struct {
	ID     string          `json:"id"`
	Source string          `json:"source"`
	Type   string          `json:"type"`
	Time   time.Time       `json:"time"`
	Data   json.RawMessage `json:"data"`
}

// RequestEvent records one transition of a request.
type RequestEvent struct {
	RequestID uint   `json:"request_id"`
	UserID    uint   `json:"user_id,omitempty"`
	WorkerID  *uint  `json:"worker_id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

// WorkerEvent records a status change of a worker.
type WorkerEvent struct {
	WorkerID uint   `json:"worker_id"`
	Host     string `json:"host,omitempty"`
	Status   string `json:"status"`
}
