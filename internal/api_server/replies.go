package apiserver

import (
	"net/http"
	"time"

	"github.com/geolake/geolake/internal/service"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/thoas/go-funk"
)

type SubmitBody struct {
	Dataset           string      `json:"dataset"`
	Product           string      `json:"product"`
	Query             model.Query `json:"query"`
	Priority          *int        `json:"priority,omitempty"`
	EstimateBytesSize int64       `json:"estimate_bytes_size"`
}

func (b *SubmitBody) Bind(r *http.Request) error {
	return nil
}

func (b SubmitBody) form(userID uint) service.SubmitForm {
	return service.SubmitForm{
		UserID:            userID,
		Dataset:           b.Dataset,
		Product:           b.Product,
		Query:             []byte(b.Query),
		Priority:          b.Priority,
		EstimateBytesSize: b.EstimateBytesSize,
	}
}

type DownloadReply struct {
	URI       string    `json:"uri"`
	BytesSize int64     `json:"bytes_size"`
	Storage   string    `json:"storage,omitempty"`
	CreatedOn time.Time `json:"created_on"`
}

type RequestReply struct {
	ID                uint           `json:"id"`
	Status            string         `json:"status"`
	Priority          int            `json:"priority"`
	UserID            uint           `json:"user_id"`
	WorkerID          *uint          `json:"worker_id,omitempty"`
	Dataset           string         `json:"dataset"`
	Product           string         `json:"product"`
	Query             model.Query    `json:"query"`
	EstimateBytesSize int64          `json:"estimate_bytes_size"`
	CreatedOn         time.Time      `json:"created_on"`
	LastUpdate        *time.Time     `json:"last_update,omitempty"`
	FailReason        string         `json:"fail_reason,omitempty"`
	Attempts          int            `json:"attempts"`
	CancelRequested   bool           `json:"cancel_requested"`
	Download          *DownloadReply `json:"download,omitempty"`
}

func (RequestReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type RequestListReply struct {
	Requests []RequestReply `json:"requests"`
}

func (RequestListReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type StatusReply service.RequestStatusView

func (StatusReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type SizeReply struct {
	ID        uint  `json:"id"`
	BytesSize int64 `json:"bytes_size"`
}

func (SizeReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type URIReply struct {
	ID  uint   `json:"id"`
	URI string `json:"uri"`
}

func (URIReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type WorkerReply struct {
	ID               uint       `json:"id"`
	Status           string     `json:"status"`
	Endpoint         string     `json:"endpoint"`
	DashboardAddress string     `json:"dashboard_address,omitempty"`
	LastHeartbeat    time.Time  `json:"last_heartbeat"`
	LastAssignedAt   *time.Time `json:"last_assigned_at,omitempty"`
	CurrentRequestID *uint      `json:"current_request_id,omitempty"`
}

type WorkerListReply struct {
	Workers []WorkerReply `json:"workers"`
}

func (WorkerListReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type UsageReply model.Usage

func (UsageReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type HealthReply struct {
	Status string `json:"status"`
}

func (HealthReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func RequestToReply(req model.Request) RequestReply {
	reply := RequestReply{
		ID:                req.ID,
		Status:            string(req.Status),
		Priority:          req.Priority,
		UserID:            req.UserID,
		WorkerID:          req.WorkerID,
		Dataset:           req.Dataset,
		Product:           req.Product,
		Query:             req.Query,
		EstimateBytesSize: req.EstimateBytesSize,
		CreatedOn:         req.CreatedOn,
		LastUpdate:        req.LastUpdate,
		FailReason:        req.FailReason,
		Attempts:          req.Attempts,
		CancelRequested:   req.CancelRequested,
	}
	if req.Download != nil {
		reply.Download = &DownloadReply{
			URI:       req.Download.DownloadURI,
			BytesSize: req.Download.BytesSize,
			CreatedOn: req.Download.CreatedOn,
		}
		if req.Download.Storage != nil {
			reply.Download.Storage = req.Download.Storage.Name
		}
	}
	return reply
}

func RequestListToReply(requests model.RequestList) RequestListReply {
	return RequestListReply{Requests: funk.Map(requests, RequestToReply).([]RequestReply)}
}

func WorkerToReply(w model.Worker) WorkerReply {
	return WorkerReply{
		ID:               w.ID,
		Status:           string(w.Status),
		Endpoint:         w.Endpoint(),
		DashboardAddress: w.DashboardAddress,
		LastHeartbeat:    w.LastHeartbeat,
		LastAssignedAt:   w.LastAssignedAt,
		CurrentRequestID: w.CurrentRequestID,
	}
}

func WorkerListToReply(workers model.WorkerList) WorkerListReply {
	return WorkerListReply{Workers: funk.Map(workers, WorkerToReply).([]WorkerReply)}
}
