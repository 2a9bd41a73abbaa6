package store

import (
	"context"
	"errors"
	"time"

	"github.com/geolake/geolake/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Worker interface {
	List(ctx context.Context, filter *WorkerQueryFilter) (model.WorkerList, error)
	Get(ctx context.Context, id uint) (*model.Worker, error)
	Upsert(ctx context.Context, worker model.Worker) (*model.Worker, error)
	Heartbeat(ctx context.Context, id uint, at time.Time) (model.WorkerStatus, error)
	NextIdle(ctx context.Context) (*model.Worker, error)
	MarkBusy(ctx context.Context, id uint, requestID uint, at time.Time) error
	MarkIdle(ctx context.Context, id uint, requestID uint) error
	MarkOffline(ctx context.Context, staleBefore time.Time) (model.WorkerList, error)
	Release(ctx context.Context, id uint, requestID uint) error
	MarkVacantIdle(ctx context.Context, id uint) error
}

type WorkerStore struct {
	db *gorm.DB
}

var _ Worker = (*WorkerStore)(nil)

func NewWorkerStore(db *gorm.DB) Worker {
	return &WorkerStore{db: db}
}

// List lists the workers ordered by id.
func (w *WorkerStore) List(ctx context.Context, filter *WorkerQueryFilter) (model.WorkerList, error) {
	var workers model.WorkerList
	tx := getDB(ctx, w.db)

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Order("id").Find(&workers).Error; err != nil {
		return nil, err
	}

	return workers, nil
}

func (w *WorkerStore) Get(ctx context.Context, id uint) (*model.Worker, error) {
	var worker model.Worker
	if err := getDB(ctx, w.db).First(&worker, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &worker, nil
}

// Upsert creates the worker or, when one already exists for the same host and
// scheduler port, overwrites its descriptor, status, heartbeat and current
// request. The creation time and the assignment history are kept.
func (w *WorkerStore) Upsert(ctx context.Context, worker model.Worker) (*model.Worker, error) {
	tx := getDB(ctx, w.db)

	worker.ID = 0
	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "host"}, {Name: "scheduler_port"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"dashboard_address",
			"last_heartbeat",
			"current_request_id",
		}),
	}).Create(&worker).Error; err != nil {
		return nil, err
	}

	var stored model.Worker
	if err := tx.Where("host = ? AND scheduler_port = ?", worker.Host, worker.SchedulerPort).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

// Heartbeat refreshes the liveness timestamp and reports the current status.
func (w *WorkerStore) Heartbeat(ctx context.Context, id uint, at time.Time) (model.WorkerStatus, error) {
	tx := getDB(ctx, w.db)

	result := tx.Model(&model.Worker{}).Where("id = ?", id).Update("last_heartbeat", at)
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", ErrRecordNotFound
	}

	var status model.WorkerStatus
	if err := tx.Model(&model.Worker{}).Select("status").Where("id = ?", id).Scan(&status).Error; err != nil {
		return "", err
	}
	return status, nil
}

// NextIdle returns the least recently used idle worker, locking its row for the
// running transaction where the database supports it.
func (w *WorkerStore) NextIdle(ctx context.Context) (*model.Worker, error) {
	var worker model.Worker

	tx := getDB(ctx, w.db).
		Where("status = ?", model.WorkerStatusIdle).
		Order("last_assigned_at IS NOT NULL").
		Order("last_assigned_at ASC").
		Order("id ASC").
		Limit(1)
	tx = lockSkipLocked(tx)

	if err := tx.Find(&worker).Error; err != nil {
		return nil, err
	}
	if worker.ID == 0 {
		return nil, ErrRecordNotFound
	}
	return &worker, nil
}

// MarkBusy moves an idle worker to busy for requestID. ErrConflict means the
// worker was not idle anymore.
func (w *WorkerStore) MarkBusy(ctx context.Context, id uint, requestID uint, at time.Time) error {
	result := getDB(ctx, w.db).Model(&model.Worker{}).
		Where("id = ? AND status = ?", id, model.WorkerStatusIdle).
		Updates(map[string]any{
			"status":             model.WorkerStatusBusy,
			"current_request_id": requestID,
			"last_assigned_at":   at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// MarkIdle moves a busy worker back to idle, only if it is still holding requestID.
func (w *WorkerStore) MarkIdle(ctx context.Context, id uint, requestID uint) error {
	result := getDB(ctx, w.db).Model(&model.Worker{}).
		Where("id = ? AND status = ? AND current_request_id = ?", id, model.WorkerStatusBusy, requestID).
		Updates(map[string]any{
			"status":             model.WorkerStatusIdle,
			"current_request_id": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Release clears the slot held for requestID without touching the status.
func (w *WorkerStore) Release(ctx context.Context, id uint, requestID uint) error {
	return getDB(ctx, w.db).Model(&model.Worker{}).
		Where("id = ? AND current_request_id = ?", id, requestID).
		Update("current_request_id", nil).Error
}

// MarkVacantIdle moves a busy worker holding no request back to idle.
// ErrConflict means the worker is not in that state.
func (w *WorkerStore) MarkVacantIdle(ctx context.Context, id uint) error {
	result := getDB(ctx, w.db).Model(&model.Worker{}).
		Where("id = ? AND status = ? AND current_request_id IS NULL", id, model.WorkerStatusBusy).
		Update("status", model.WorkerStatusIdle)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// MarkOffline flags every non offline worker whose last heartbeat is older
// than staleBefore and returns them.
func (w *WorkerStore) MarkOffline(ctx context.Context, staleBefore time.Time) (model.WorkerList, error) {
	var stale model.WorkerList

	err := WithTransaction(ctx, transactor{db: w.db}, func(ctx context.Context) error {
		tx := FromContext(ctx)
		if err := tx.
			Where("status <> ? AND last_heartbeat < ?", model.WorkerStatusOffline, staleBefore).
			Order("id").
			Find(&stale).Error; err != nil {
			return err
		}
		for i := range stale {
			result := tx.Model(&model.Worker{}).
				Where("id = ? AND status <> ? AND last_heartbeat < ?", stale[i].ID, model.WorkerStatusOffline, staleBefore).
				Update("status", model.WorkerStatusOffline)
			if result.Error != nil {
				return result.Error
			}
			stale[i].Status = model.WorkerStatusOffline
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

func lockSkipLocked(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() != "postgres" {
		// sqlite has no row locks, its single writer already serializes the transaction.
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}
