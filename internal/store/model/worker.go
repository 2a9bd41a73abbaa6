package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
)

type Worker struct {
	ID               uint         `gorm:"primaryKey" json:"id"`
	Status           WorkerStatus `gorm:"type:VARCHAR(16);not null;index" json:"status"`
	Host             string       `gorm:"type:VARCHAR(255);not null;uniqueIndex:workers_host_port" json:"host"`
	SchedulerPort    int          `gorm:"not null;uniqueIndex:workers_host_port" json:"scheduler_port"`
	DashboardAddress string       `gorm:"type:VARCHAR(255)" json:"dashboard_address"`
	CreatedOn        time.Time    `gorm:"not null" json:"created_on"`
	LastHeartbeat    time.Time    `gorm:"not null;index" json:"last_heartbeat"`
	LastAssignedAt   *time.Time   `json:"last_assigned_at,omitempty"`
	CurrentRequestID *uint        `json:"current_request_id,omitempty"`
}

type WorkerList []Worker

func (w Worker) String() string {
	v, _ := json.Marshal(w)
	return string(v)
}

// Endpoint is the address of the worker compute scheduler.
func (w Worker) Endpoint() string {
	return fmt.Sprintf("%s:%d", w.Host, w.SchedulerPort)
}

// WorkerDescriptor is what a compute process announces when it registers.
type WorkerDescriptor struct {
	Host             string `json:"host" validate:"required,hostname_rfc1123|ip"`
	SchedulerPort    int    `json:"scheduler_port" validate:"required,min=1,max=65535"`
	DashboardAddress string `json:"dashboard_address" validate:"dashboard_address"`
}
