package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geolake/geolake/internal/store/model"
	"gorm.io/gorm"
)

var ErrInvalidTransition = errors.New("invalid request status transition")

type Request interface {
	Create(ctx context.Context, request model.Request) (*model.Request, error)
	Get(ctx context.Context, id uint) (*model.Request, error)
	List(ctx context.Context, filter *RequestQueryFilter, opts *RequestQueryOptions) (model.RequestList, error)
	Count(ctx context.Context, filter *RequestQueryFilter) (int64, error)
	NextQueued(ctx context.Context, runningLimit int) (*model.Request, error)
	Assign(ctx context.Context, id uint, workerID uint, at time.Time) error
	RevertAssignment(ctx context.Context, id uint, workerID uint, at time.Time) error
	RecordClaim(ctx context.Context, id uint, workerID uint, at time.Time) error
	MarkDone(ctx context.Context, id uint, workerID uint, downloadID uint, at time.Time) error
	MarkFailed(ctx context.Context, id uint, from model.RequestStatus, workerID *uint, reason string, at time.Time) error
	FailClaimed(ctx context.Context, id uint, workerID uint, reason string, at time.Time) error
	Retry(ctx context.Context, id uint, workerID uint, at time.Time) error
	Requeue(ctx context.Context, id uint, at time.Time) error
	RequestCancel(ctx context.Context, id uint) error
	ListStale(ctx context.Context, heartbeatBefore time.Time) (model.RequestList, error)
	ListUnclaimed(ctx context.Context, assignedBefore time.Time) (model.RequestList, error)
}

type RequestStore struct {
	db *gorm.DB
}

var _ Request = (*RequestStore)(nil)

func NewRequestStore(db *gorm.DB) Request {
	return &RequestStore{db: db}
}

func (r *RequestStore) Create(ctx context.Context, request model.Request) (*model.Request, error) {
	if request.Status == "" {
		request.Status = model.RequestStatusQueued
	}
	if request.CreatedOn.IsZero() {
		request.CreatedOn = time.Now().UTC()
	}
	if err := getDB(ctx, r.db).Create(&request).Error; err != nil {
		return nil, err
	}
	return &request, nil
}

func (r *RequestStore) Get(ctx context.Context, id uint) (*model.Request, error) {
	var request model.Request
	if err := getDB(ctx, r.db).Preload("Download.Storage").First(&request, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &request, nil
}

func (r *RequestStore) List(ctx context.Context, filter *RequestQueryFilter, opts *RequestQueryOptions) (model.RequestList, error) {
	var requests model.RequestList
	tx := getDB(ctx, r.db)

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if opts != nil {
		for _, fn := range opts.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Find(&requests).Error; err != nil {
		return nil, err
	}
	return requests, nil
}

func (r *RequestStore) Count(ctx context.Context, filter *RequestQueryFilter) (int64, error) {
	var count int64
	tx := getDB(ctx, r.db).Model(&model.Request{})

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// NextQueued returns the queued request to dispatch next: lowest priority value
// first, then submission order. With runningLimit > 0 requests whose owner
// already has that many running requests are skipped.
func (r *RequestStore) NextQueued(ctx context.Context, runningLimit int) (*model.Request, error) {
	var request model.Request

	tx := getDB(ctx, r.db).
		Where("status = ?", model.RequestStatusQueued)

	if runningLimit > 0 {
		tx = tx.Where("user_id NOT IN (?)", getDB(ctx, r.db).Session(&gorm.Session{NewDB: true}).
			Model(&model.Request{}).
			Select("user_id").
			Where("status = ?", model.RequestStatusRunning).
			Group("user_id").
			Having("COUNT(*) >= ?", runningLimit))
	}

	tx = tx.Order("priority ASC").Order("created_on ASC").Order("id ASC").Limit(1)
	tx = lockSkipLocked(tx)

	if err := tx.Find(&request).Error; err != nil {
		return nil, err
	}
	if request.ID == 0 {
		return nil, ErrRecordNotFound
	}
	return &request, nil
}

// Assign performs queued -> running for workerID.
func (r *RequestStore) Assign(ctx context.Context, id uint, workerID uint, at time.Time) error {
	return r.transition(ctx, id, model.RequestStatusQueued, model.RequestStatusRunning, nil, map[string]any{
		"worker_id":   workerID,
		"attempts":    gorm.Expr("attempts + 1"),
		"claimed_at":  nil,
		"last_update": at,
	})
}

// RevertAssignment undoes an assignment whose dispatch message never left.
// It only applies while the claim has not been received.
func (r *RequestStore) RevertAssignment(ctx context.Context, id uint, workerID uint, at time.Time) error {
	return r.transition(ctx, id, model.RequestStatusRunning, model.RequestStatusQueued,
		func(tx *gorm.DB) *gorm.DB {
			return tx.Where("worker_id = ? AND claimed_at IS NULL", workerID)
		},
		map[string]any{
			"worker_id":   nil,
			"attempts":    gorm.Expr("attempts - 1"),
			"last_update": at,
		})
}

// RecordClaim stores the claim receipt of workerID. ErrConflict means the
// request is not running on that worker anymore or was already claimed.
func (r *RequestStore) RecordClaim(ctx context.Context, id uint, workerID uint, at time.Time) error {
	result := getDB(ctx, r.db).Model(&model.Request{}).
		Where("id = ? AND status = ? AND worker_id = ? AND claimed_at IS NULL", id, model.RequestStatusRunning, workerID).
		Updates(map[string]any{
			"claimed_at":  at,
			"last_update": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// MarkDone performs running -> done and links the download. The claim of
// workerID must have been recorded.
func (r *RequestStore) MarkDone(ctx context.Context, id uint, workerID uint, downloadID uint, at time.Time) error {
	return r.transition(ctx, id, model.RequestStatusRunning, model.RequestStatusDone,
		func(tx *gorm.DB) *gorm.DB {
			return tx.Where("worker_id = ? AND claimed_at IS NOT NULL AND download_id IS NULL", workerID)
		},
		map[string]any{
			"download_id": downloadID,
			"fail_reason": "",
			"last_update": at,
		})
}

// MarkFailed moves a queued or running request to failed. When workerID is set
// the request must still be assigned to it.
func (r *RequestStore) MarkFailed(ctx context.Context, id uint, from model.RequestStatus, workerID *uint, reason string, at time.Time) error {
	var guard func(tx *gorm.DB) *gorm.DB
	if workerID != nil {
		guard = func(tx *gorm.DB) *gorm.DB {
			return tx.Where("worker_id = ?", *workerID)
		}
	}
	updates := map[string]any{
		"fail_reason": model.TruncateReason(reason),
		"last_update": at,
	}
	if from == model.RequestStatusQueued {
		updates["cancel_requested"] = true
	}
	return r.transition(ctx, id, from, model.RequestStatusFailed, guard, updates)
}

// FailClaimed performs running -> failed for the worker that claimed the
// request. An assignment that was not claimed yet is left alone.
func (r *RequestStore) FailClaimed(ctx context.Context, id uint, workerID uint, reason string, at time.Time) error {
	return r.transition(ctx, id, model.RequestStatusRunning, model.RequestStatusFailed,
		func(tx *gorm.DB) *gorm.DB {
			return tx.Where("worker_id = ? AND claimed_at IS NOT NULL", workerID)
		},
		map[string]any{
			"fail_reason": model.TruncateReason(reason),
			"last_update": at,
		})
}

// Retry puts a running request back in the queue and consumes one unit of its
// automatic retry budget.
func (r *RequestStore) Retry(ctx context.Context, id uint, workerID uint, at time.Time) error {
	return r.transition(ctx, id, model.RequestStatusRunning, model.RequestStatusQueued,
		func(tx *gorm.DB) *gorm.DB {
			return tx.Where("worker_id = ?", workerID)
		},
		map[string]any{
			"worker_id":   nil,
			"claimed_at":  nil,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_update": at,
		})
}

// Requeue is the administrative failed -> queued transition. It clears the
// assignment, the failure reason, the cancel flag, the attempts and the retry
// budget.
func (r *RequestStore) Requeue(ctx context.Context, id uint, at time.Time) error {
	return r.transition(ctx, id, model.RequestStatusFailed, model.RequestStatusQueued, nil, map[string]any{
		"worker_id":        nil,
		"claimed_at":       nil,
		"fail_reason":      "",
		"cancel_requested": false,
		"attempts":         0,
		"retry_count":      0,
		"last_update":      at,
	})
}

// RequestCancel flags a running request for cooperative cancellation.
func (r *RequestStore) RequestCancel(ctx context.Context, id uint) error {
	result := getDB(ctx, r.db).Model(&model.Request{}).
		Where("id = ? AND status = ?", id, model.RequestStatusRunning).
		Update("cancel_requested", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ListStale returns the running requests whose worker is offline or has not
// heartbeated since heartbeatBefore.
func (r *RequestStore) ListStale(ctx context.Context, heartbeatBefore time.Time) (model.RequestList, error) {
	var requests model.RequestList
	err := getDB(ctx, r.db).
		Model(&model.Request{}).
		Joins("LEFT JOIN workers ON workers.id = requests.worker_id").
		Where("requests.status = ?", model.RequestStatusRunning).
		Where("workers.id IS NULL OR workers.status = ? OR workers.last_heartbeat < ?", model.WorkerStatusOffline, heartbeatBefore).
		Order("requests.id").
		Find(&requests).Error
	if err != nil {
		return nil, err
	}
	return requests, nil
}

// ListUnclaimed returns the running requests assigned before assignedBefore
// whose worker never recorded the claim.
func (r *RequestStore) ListUnclaimed(ctx context.Context, assignedBefore time.Time) (model.RequestList, error) {
	var requests model.RequestList
	err := getDB(ctx, r.db).
		Where("status = ? AND claimed_at IS NULL AND last_update < ?", model.RequestStatusRunning, assignedBefore).
		Order("id").
		Find(&requests).Error
	if err != nil {
		return nil, err
	}
	return requests, nil
}

func (r *RequestStore) transition(ctx context.Context, id uint, from, to model.RequestStatus, guard func(tx *gorm.DB) *gorm.DB, updates map[string]any) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	tx := getDB(ctx, r.db).Model(&model.Request{}).Where("id = ? AND status = ?", id, from)
	if guard != nil {
		tx = guard(tx)
	}

	updates["status"] = to
	result := tx.Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}
