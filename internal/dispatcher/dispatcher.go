package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geolake/geolake/internal/events"
	"github.com/geolake/geolake/internal/queue"
	"github.com/geolake/geolake/internal/registry"
	"github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/geolake/geolake/pkg/metrics"
	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxConflictRetries = 10

type Config struct {
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	// Grace is how long a worker may stay silent before its running request is reclaimed.
	Grace time.Duration
	// ClaimTimeout is how long an assignment may wait for its claim before it
	// goes back to the queue. It defaults to Grace.
	ClaimTimeout        time.Duration
	RunningRequestLimit int
	MaxBackoff          time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 15 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = c.Grace
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	return c
}

// Assignment is the result of one successful dispatch.
type Assignment struct {
	DispatchID string
	Request    model.Request
	Worker     model.Worker
}

type Option func(d *Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func WithEvents(ep *events.EventProducer) Option {
	return func(d *Dispatcher) {
		d.events = ep
	}
}

// Dispatcher pairs queued requests with idle workers. Several dispatchers may
// run against the same store.
type Dispatcher struct {
	store    store.Store
	registry *registry.Registry
	queue    queue.Queue
	events   *events.EventProducer
	cfg      Config
	now      func() time.Time
}

func New(s store.Store, r *registry.Registry, q queue.Queue, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    s,
		registry: r,
		queue:    q,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DispatchOnce assigns the most urgent eligible queued request to the least
// recently used idle worker and publishes the dispatch message.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (*Assignment, error) {
	now := d.now()
	var a Assignment

	err := store.WithTransaction(ctx, d.store, func(ctx context.Context) error {
		req, err := d.store.Request().NextQueued(ctx, d.cfg.RunningRequestLimit)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrNothingQueued
			}
			return err
		}

		w, err := d.store.Worker().NextIdle(ctx)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrWorkerUnavailable
			}
			return err
		}

		if err := d.store.Request().Assign(ctx, req.ID, w.ID, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrDispatchConflict
			}
			return err
		}

		if err := d.registry.MarkBusy(ctx, w.ID, req.ID); err != nil {
			if errors.Is(err, registry.ErrWorkerUnavailable) {
				return ErrDispatchConflict
			}
			return err
		}

		a = Assignment{DispatchID: uuid.NewString(), Request: *req, Worker: *w}
		a.Request.Status = model.RequestStatusRunning
		a.Request.WorkerID = &w.ID
		a.Request.Attempts++
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNothingQueued):
		case errors.Is(err, ErrWorkerUnavailable):
			metrics.IncreaseDispatchMetric(metrics.DispatchNoWorker)
		case errors.Is(err, ErrDispatchConflict):
			metrics.IncreaseDispatchMetric(metrics.DispatchConflict)
		default:
			metrics.IncreaseDispatchMetric(metrics.DispatchError)
		}
		return nil, err
	}

	msg := queue.Message{
		DispatchID: a.DispatchID,
		RequestID:  a.Request.ID,
		WorkerID:   a.Worker.ID,
		Dataset:    a.Request.Dataset,
		Product:    a.Request.Product,
		Query:      []byte(a.Request.Query),
	}
	if err := d.queue.Publish(ctx, msg); err != nil {
		metrics.IncreaseDispatchMetric(metrics.DispatchPublishFailed)
		// the assignment is committed: undo it even when ctx is gone
		if rerr := d.revert(context.WithoutCancel(ctx), a.Request.ID, a.Worker.ID); rerr != nil {
			zap.S().Named("dispatcher").Errorw("failed to revert assignment", "request_id", a.Request.ID, "worker_id", a.Worker.ID, "error", rerr)
		}
		return nil, fmt.Errorf("failed to publish %s: %w", msg, err)
	}

	metrics.IncreaseDispatchMetric(metrics.DispatchAssigned)
	metrics.IncreaseRequestTransitionMetric(string(model.RequestStatusQueued), string(model.RequestStatusRunning))
	d.events.Emit(ctx, events.RequestEventKind, events.RequestEvent{
		RequestID: a.Request.ID,
		UserID:    a.Request.UserID,
		WorkerID:  &a.Worker.ID,
		From:      string(model.RequestStatusQueued),
		To:        string(model.RequestStatusRunning),
	})
	zap.S().Named("dispatcher").Infow("request dispatched", "dispatch_id", a.DispatchID, "request_id", a.Request.ID, "worker_id", a.Worker.ID, "priority", a.Request.Priority)

	return &a, nil
}

// revert puts an assignment whose message never reached the worker back in the
// queue. It only succeeds while the worker has not claimed the request.
func (d *Dispatcher) revert(ctx context.Context, requestID uint, workerID uint) error {
	return store.WithTransaction(ctx, d.store, func(ctx context.Context) error {
		if err := d.store.Request().RevertAssignment(ctx, requestID, workerID, d.now()); err != nil {
			return err
		}
		if err := d.registry.MarkIdle(ctx, workerID, requestID); err != nil && !errors.Is(err, registry.ErrWorkerUnavailable) {
			return err
		}
		return nil
	})
}

// Drain dispatches until no queued request can be paired with an idle worker.
// It returns the number of requests dispatched.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	dispatched := 0
	conflicts := 0

	for ctx.Err() == nil {
		_, err := d.DispatchOnce(ctx)
		switch {
		case err == nil:
			dispatched++
			conflicts = 0
		case errors.Is(err, ErrNothingQueued), errors.Is(err, ErrWorkerUnavailable):
			return dispatched, nil
		case errors.Is(err, ErrDispatchConflict):
			conflicts++
			if conflicts >= maxConflictRetries {
				return dispatched, nil
			}
		default:
			return dispatched, err
		}
	}
	return dispatched, nil
}

// Reclaim sweeps the offline workers, puts back in the queue the assignments
// never claimed within the claim timeout, then takes back every running
// request whose worker is offline or silent for longer than the grace period.
func (d *Dispatcher) Reclaim(ctx context.Context) (int, error) {
	if _, err := d.registry.SweepOffline(ctx); err != nil {
		return 0, err
	}

	reclaimed, err := d.requeueUnclaimed(ctx)
	if err != nil {
		return reclaimed, err
	}

	stale, err := d.store.Request().ListStale(ctx, d.now().Add(-d.cfg.Grace))
	if err != nil {
		return reclaimed, err
	}

	for _, req := range stale {
		if req.WorkerID == nil {
			continue
		}
		reason := fmt.Sprintf("%s: worker %d stopped heartbeating", ErrStaleClaim, *req.WorkerID)
		if _, err := d.registry.Reclaim(ctx, req, reason); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// finished or reclaimed by someone else meanwhile
				continue
			}
			return reclaimed, err
		}
		reclaimed++
	}

	if reclaimed > 0 {
		if err := d.queue.Notify(ctx); err != nil {
			zap.S().Named("dispatcher").Warnw("failed to notify dispatchers", "error", err)
		}
	}
	return reclaimed, nil
}

// requeueUnclaimed reverts the assignments whose dispatch message was lost.
// They go back to the queue without consuming their retry budget.
func (d *Dispatcher) requeueUnclaimed(ctx context.Context) (int, error) {
	unclaimed, err := d.store.Request().ListUnclaimed(ctx, d.now().Add(-d.cfg.ClaimTimeout))
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, req := range unclaimed {
		if req.WorkerID == nil {
			continue
		}
		if err := d.revert(ctx, req.ID, *req.WorkerID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// claimed or reclaimed meanwhile
				continue
			}
			return requeued, err
		}
		requeued++

		zap.S().Named("dispatcher").Warnw("assignment never claimed, requeued", "request_id", req.ID, "worker_id", *req.WorkerID, "claim_timeout", d.cfg.ClaimTimeout)
		metrics.IncreaseRequestTransitionMetric(string(model.RequestStatusRunning), string(model.RequestStatusQueued))
		metrics.IncreaseReclaimedMetric(string(model.RequestStatusQueued))
		d.events.Emit(ctx, events.RequestEventKind, events.RequestEvent{
			RequestID: req.ID,
			UserID:    req.UserID,
			WorkerID:  req.WorkerID,
			From:      string(model.RequestStatusRunning),
			To:        string(model.RequestStatusQueued),
			Reason:    fmt.Sprintf("worker %d never claimed the dispatch", *req.WorkerID),
		})
	}
	return requeued, nil
}

// Run dispatches on every notification and poll tick, and reclaims stale
// claims on its own ticker, until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	zap.S().Named("dispatcher").Infow("dispatcher started", "poll_interval", d.cfg.PollInterval, "reclaim_interval", d.cfg.ReclaimInterval, "grace", d.cfg.Grace)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.dispatchLoop(ctx)
	})
	g.Go(func() error {
		return d.reclaimLoop(ctx)
	})

	err := g.Wait()
	zap.S().Named("dispatcher").Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) dispatchLoop(ctx context.Context) error {
	notifications, err := d.queue.Subscribe(ctx)
	if err != nil {
		zap.S().Named("dispatcher").Warnw("running without notifications", "error", err)
	}

	poll := jitterbug.New(d.cfg.PollInterval, &jitterbug.Norm{Stdev: d.cfg.PollInterval / 10, Mean: 0})
	defer poll.Stop()

	var backoff time.Duration
	for {
		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			backoff = nextBackoff(backoff, d.cfg.MaxBackoff)
			zap.S().Named("dispatcher").Errorw("dispatch failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-notifications:
			if !ok {
				notifications = nil
			}
		case <-poll.C:
		}
	}
}

func (d *Dispatcher) reclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := d.Reclaim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				zap.S().Named("dispatcher").Errorw("failed to reclaim stale claims", "error", err)
			}
			continue
		}
		if n > 0 {
			zap.S().Named("dispatcher").Infow("stale claims reclaimed", "count", n)
		}
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	if current <= 0 {
		return 100 * time.Millisecond
	}
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}
