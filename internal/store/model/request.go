package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type RequestStatus string

const (
	RequestStatusQueued  RequestStatus = "queued"
	RequestStatusRunning RequestStatus = "running"
	RequestStatusDone    RequestStatus = "done"
	RequestStatusFailed  RequestStatus = "failed"
)

const (
	// Lower values are dispatched first.
	HighestPriority = 0
	LowestPriority  = 100
	DefaultPriority = 10

	MaxFailReasonLength = 1024
)

// transitions lists every edge of the request lifecycle. failed -> queued is the
// administrative requeue, running -> queued is the bounded automatic retry.
var transitions = map[RequestStatus][]RequestStatus{
	RequestStatusQueued:  {RequestStatusRunning, RequestStatusFailed},
	RequestStatusRunning: {RequestStatusDone, RequestStatusFailed, RequestStatusQueued},
	RequestStatusFailed:  {RequestStatusQueued},
	RequestStatusDone:    {},
}

func (s RequestStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s RequestStatus) Terminal() bool {
	return s == RequestStatusDone || s == RequestStatusFailed
}

func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Query is the canonical query document of a request. It is stored as is and
// never validated against the source data.
type Query json.RawMessage

func (q Query) Value() (driver.Value, error) {
	if len(q) == 0 {
		return nil, nil
	}
	return string(q), nil
}

func (q *Query) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*q = nil
	case []byte:
		*q = append((*q)[:0], v...)
	case string:
		*q = Query(v)
	default:
		return fmt.Errorf("unsupported query document type %T", value)
	}
	return nil
}

func (q Query) MarshalJSON() ([]byte, error) {
	if len(q) == 0 {
		return []byte("null"), nil
	}
	return q, nil
}

func (q *Query) UnmarshalJSON(data []byte) error {
	if q == nil {
		return errors.New("query: UnmarshalJSON on nil pointer")
	}
	*q = append((*q)[:0], data...)
	return nil
}

type Request struct {
	ID                uint          `gorm:"primaryKey" json:"id"`
	Status            RequestStatus `gorm:"type:VARCHAR(16);not null;index:requests_dispatch_order,priority:1" json:"status"`
	Priority          int           `gorm:"not null;index:requests_dispatch_order,priority:2" json:"priority"`
	UserID            uint          `gorm:"not null;index" json:"user_id"`
	User              *User         `gorm:"constraint:OnDelete:RESTRICT;" json:"-"`
	WorkerID          *uint         `gorm:"index" json:"worker_id,omitempty"`
	Worker            *Worker       `gorm:"constraint:OnDelete:SET NULL;" json:"-"`
	Dataset           string        `gorm:"type:VARCHAR(255)" json:"dataset"`
	Product           string        `gorm:"type:VARCHAR(255)" json:"product"`
	Query             Query         `gorm:"type:jsonb" json:"query"`
	EstimateBytesSize int64         `json:"estimate_bytes_size"`
	DownloadID        *uint         `gorm:"uniqueIndex" json:"download_id,omitempty"`
	Download          *Download     `gorm:"constraint:OnDelete:SET NULL;" json:"download,omitempty"`
	CreatedOn         time.Time     `gorm:"not null;index:requests_dispatch_order,priority:3" json:"created_on"`
	LastUpdate        *time.Time    `json:"last_update,omitempty"`
	FailReason        string        `gorm:"type:VARCHAR(1024)" json:"fail_reason,omitempty"`
	Attempts          int           `gorm:"not null;default:0" json:"attempts"`
	RetryCount        int           `gorm:"not null;default:0" json:"retry_count"`
	CancelRequested   bool          `gorm:"not null;default:false" json:"cancel_requested"`
	ClaimedAt         *time.Time    `json:"claimed_at,omitempty"`
}

type RequestList []Request

func (r Request) String() string {
	v, _ := json.Marshal(r)
	return string(v)
}

// TruncateReason bounds a failure reason to what the requests table can hold.
func TruncateReason(reason string) string {
	if len(reason) <= MaxFailReasonLength {
		return reason
	}
	const ellipsis = "..."
	cut := MaxFailReasonLength - len(ellipsis)
	// do not split a multi-byte rune
	for cut > 0 && (reason[cut]&0xC0) == 0x80 {
		cut--
	}
	return reason[:cut] + ellipsis
}
