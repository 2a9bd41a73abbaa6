package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geolake/geolake/internal/events"
	"github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/geolake/geolake/internal/validator"
	"github.com/geolake/geolake/pkg/metrics"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

var (
	ErrInvalidDescriptor = errors.New("invalid worker descriptor")
	ErrWorkerNotFound    = errors.New("worker not found")
	// ErrWorkerUnavailable is returned when a worker is not in the status an
	// operation expects.
	ErrWorkerUnavailable = errors.New("worker unavailable")
)

type Option func(r *Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithEvents(ep *events.EventProducer) Option {
	return func(r *Registry) {
		r.events = ep
	}
}

// Registry tracks the compute workers and their liveness.
type Registry struct {
	store      store.Store
	events     *events.EventProducer
	validator  *validator.Validator
	staleAfter time.Duration
	maxRetries int
	now        func() time.Time
}

// New returns a registry. Workers silent for more than staleAfter are swept
// offline; requests taken back from a worker are queued again while their
// retry count is below maxRetries.
func New(s store.Store, staleAfter time.Duration, maxRetries int, opts ...Option) *Registry {
	v := validator.NewValidator()
	v.Register(validator.NewWorkerValidationRules()...)

	r := &Registry{
		store:      s,
		validator:  v,
		staleAfter: staleAfter,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register creates the worker or brings it back to idle. Requests it claimed
// and still runs are reclaimed: a registering worker has lost its in-flight
// work. Assignments it never claimed go back to the queue at no cost.
func (r *Registry) Register(ctx context.Context, descriptor model.WorkerDescriptor) (*model.Worker, error) {
	if err := r.validator.Struct(descriptor); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDescriptor, validator.Describe(err))
	}

	now := r.now()
	var worker *model.Worker
	var reclaimed model.RequestList

	err := store.WithTransaction(ctx, r.store, func(ctx context.Context) error {
		w, err := r.store.Worker().Upsert(ctx, model.Worker{
			Status:           model.WorkerStatusIdle,
			Host:             descriptor.Host,
			SchedulerPort:    descriptor.SchedulerPort,
			DashboardAddress: descriptor.DashboardAddress,
			CreatedOn:        now,
			LastHeartbeat:    now,
		})
		if err != nil {
			return err
		}
		worker = w

		held, err := r.store.Request().List(ctx, store.NewRequestQueryFilter().ByWorkerID(w.ID).ByStatus(model.RequestStatusRunning), nil)
		if err != nil {
			return err
		}
		for _, req := range held {
			if req.ClaimedAt == nil {
				if err := r.store.Request().RevertAssignment(ctx, req.ID, w.ID, now); err != nil {
					return err
				}
				req.Status = model.RequestStatusQueued
				reclaimed = append(reclaimed, req)
				continue
			}
			status, err := r.reclaim(ctx, req, w.ID, fmt.Sprintf("worker %d re-registered", w.ID))
			if err != nil {
				return err
			}
			req.Status = status
			reclaimed = append(reclaimed, req)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.S().Named("registry").Infow("worker registered", "worker_id", worker.ID, "endpoint", worker.Endpoint(), "reclaimed", len(reclaimed))
	r.workerChanged(ctx, *worker)
	for _, req := range reclaimed {
		r.requestReclaimed(ctx, req, fmt.Sprintf("worker %d re-registered", worker.ID))
	}

	return worker, nil
}

// Heartbeat refreshes the liveness of a worker and returns its status. An
// offline worker stays offline and is expected to register again.
func (r *Registry) Heartbeat(ctx context.Context, workerID uint) (model.WorkerStatus, error) {
	status, err := r.store.Worker().Heartbeat(ctx, workerID, r.now())
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return "", ErrWorkerNotFound
		}
		return "", err
	}
	return status, nil
}

func (r *Registry) MarkBusy(ctx context.Context, workerID uint, requestID uint) error {
	if err := r.store.Worker().MarkBusy(ctx, workerID, requestID, r.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrWorkerUnavailable
		}
		return err
	}
	return nil
}

// MarkIdle frees a busy worker still holding requestID. An offline worker
// only gets its slot released.
func (r *Registry) MarkIdle(ctx context.Context, workerID uint, requestID uint) error {
	err := r.store.Worker().MarkIdle(ctx, workerID, requestID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	if err := r.store.Worker().Release(ctx, workerID, requestID); err != nil {
		return err
	}
	return ErrWorkerUnavailable
}

// Resync brings a busy worker whose slot was released back to idle. It
// reports whether the worker changed.
func (r *Registry) Resync(ctx context.Context, workerID uint) (bool, error) {
	if err := r.store.Worker().MarkVacantIdle(ctx, workerID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SweepOffline flags the workers that missed their heartbeats.
func (r *Registry) SweepOffline(ctx context.Context) (model.WorkerList, error) {
	stale, err := r.store.Worker().MarkOffline(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return nil, err
	}

	if len(stale) > 0 {
		zap.S().Named("registry").Warnw("workers went offline", "workers", funk.Map(stale, func(w model.Worker) uint { return w.ID }))
	}
	for _, w := range stale {
		r.workerChanged(ctx, w)
	}

	return stale, nil
}

// Reclaim takes a running request back from its worker. It is queued again
// while its retry budget allows it, failed with reason otherwise. The worker
// slot is released either way.
func (r *Registry) Reclaim(ctx context.Context, req model.Request, reason string) (model.RequestStatus, error) {
	if req.WorkerID == nil {
		return "", fmt.Errorf("request %d: %w", req.ID, store.ErrConflict)
	}
	workerID := *req.WorkerID

	var status model.RequestStatus
	err := store.WithTransaction(ctx, r.store, func(ctx context.Context) error {
		s, err := r.reclaim(ctx, req, workerID, reason)
		if err != nil {
			return err
		}
		status = s
		return r.store.Worker().Release(ctx, workerID, req.ID)
	})
	if err != nil {
		return "", err
	}

	req.Status = status
	r.requestReclaimed(ctx, req, reason)
	return status, nil
}

func (r *Registry) reclaim(ctx context.Context, req model.Request, workerID uint, reason string) (model.RequestStatus, error) {
	now := r.now()
	if req.RetryCount < r.maxRetries {
		if err := r.store.Request().Retry(ctx, req.ID, workerID, now); err != nil {
			return "", err
		}
		return model.RequestStatusQueued, nil
	}

	if err := r.store.Request().MarkFailed(ctx, req.ID, model.RequestStatusRunning, &workerID, reason, now); err != nil {
		return "", err
	}
	return model.RequestStatusFailed, nil
}

func (r *Registry) Get(ctx context.Context, workerID uint) (*model.Worker, error) {
	w, err := r.store.Worker().Get(ctx, workerID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrWorkerNotFound
		}
		return nil, err
	}
	return w, nil
}

func (r *Registry) List(ctx context.Context, status ...model.WorkerStatus) (model.WorkerList, error) {
	filter := store.NewWorkerQueryFilter()
	if len(status) > 0 {
		filter = filter.ByStatus(status...)
	}
	return r.store.Worker().List(ctx, filter)
}

func (r *Registry) workerChanged(ctx context.Context, w model.Worker) {
	r.events.Emit(ctx, events.WorkerEventKind, events.WorkerEvent{
		WorkerID: w.ID,
		Host:     w.Host,
		Status:   string(w.Status),
	})
}

func (r *Registry) requestReclaimed(ctx context.Context, req model.Request, reason string) {
	zap.S().Named("registry").Infow("request reclaimed", "request_id", req.ID, "worker_id", req.WorkerID, "status", req.Status, "reason", reason)
	metrics.IncreaseRequestTransitionMetric(string(model.RequestStatusRunning), string(req.Status))
	metrics.IncreaseReclaimedMetric(string(req.Status))
	r.events.Emit(ctx, events.RequestEventKind, events.RequestEvent{
		RequestID: req.ID,
		UserID:    req.UserID,
		WorkerID:  req.WorkerID,
		From:      string(model.RequestStatusRunning),
		To:        string(req.Status),
		Reason:    reason,
	})
}
