package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/geolake/geolake/internal/artifact"
	"github.com/geolake/geolake/internal/engine"
	"github.com/geolake/geolake/internal/events"
	"github.com/geolake/geolake/internal/queue"
	"github.com/geolake/geolake/internal/registry"
	"github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNotRegistered = errors.New("agent is not registered")

type Option func(a *Agent)

func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		a.now = now
	}
}

func WithEvents(ep *events.EventProducer) Option {
	return func(a *Agent) {
		a.events = ep
	}
}

// Agent runs next to one compute worker. It keeps the worker registered,
// consumes the dispatch messages of the worker and executes them one at a time.
type Agent struct {
	store     store.Store
	registry  *registry.Registry
	queue     queue.Queue
	engine    engine.Engine
	artifacts artifact.Store
	events    *events.EventProducer
	cfg       Config
	now       func() time.Time

	mu        sync.Mutex
	workerID  uint
	storageID uint
}

func New(s store.Store, r *registry.Registry, q queue.Queue, e engine.Engine, artifacts artifact.Store, cfg Config, opts ...Option) *Agent {
	a := &Agent{
		store:     s,
		registry:  r,
		queue:     q,
		engine:    e,
		artifacts: artifacts,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Register announces the worker. Requests the worker still held are reclaimed
// by the registry.
func (a *Agent) Register(ctx context.Context) (*model.Worker, error) {
	st, err := a.store.Storage().GetByName(ctx, a.cfg.StorageName)
	if err != nil {
		return nil, fmt.Errorf("failed to find storage %q: %w", a.cfg.StorageName, err)
	}

	w, err := a.registry.Register(ctx, a.cfg.Descriptor)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.workerID = w.ID
	a.storageID = st.ID
	a.mu.Unlock()

	return w, nil
}

func (a *Agent) WorkerID() uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workerID
}

// Heartbeat refreshes the worker liveness and registers again when the
// registry lost track of it.
func (a *Agent) Heartbeat(ctx context.Context) error {
	workerID := a.WorkerID()
	if workerID == 0 {
		return ErrNotRegistered
	}

	status, err := a.registry.Heartbeat(ctx, workerID)
	switch {
	case errors.Is(err, registry.ErrWorkerNotFound):
	case err != nil:
		return err
	case status != model.WorkerStatusOffline:
		return nil
	}

	zap.S().Named("agent").Warnw("worker lost its registration, registering again", "worker_id", workerID, "status", status)
	_, err = a.Register(ctx)
	return err
}

// Run registers the worker then heartbeats and processes dispatch messages
// until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.registerWithRetry(ctx); err != nil {
		return err
	}
	zap.S().Named("agent").Infow("agent started", "worker_id", a.WorkerID(), "endpoint", fmt.Sprintf("%s:%d", a.cfg.Descriptor.Host, a.cfg.Descriptor.SchedulerPort))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.heartbeatLoop(ctx)
		return nil
	})
	g.Go(func() error {
		a.workLoop(ctx)
		return nil
	})

	err := g.Wait()
	zap.S().Named("agent").Info("agent stopped")
	return err
}

func (a *Agent) registerWithRetry(ctx context.Context) error {
	var backoff time.Duration
	for {
		_, err := a.Register(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, registry.ErrInvalidDescriptor) {
			return err
		}

		backoff = nextBackoff(backoff, a.cfg.HeartbeatInterval)
		zap.S().Named("agent").Errorw("failed to register", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := jitterbug.New(a.cfg.HeartbeatInterval, &jitterbug.Norm{Stdev: a.cfg.HeartbeatInterval / 10, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := a.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			zap.S().Named("agent").Errorw("heartbeat failed", "worker_id", a.WorkerID(), "error", err)
		}
	}
}

func (a *Agent) workLoop(ctx context.Context) {
	var backoff time.Duration
	for ctx.Err() == nil {
		_, err := a.ProcessNext(ctx)
		if err == nil {
			backoff = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		backoff = nextBackoff(backoff, a.cfg.HeartbeatInterval)
		zap.S().Named("agent").Errorw("failed to process dispatch message", "worker_id", a.WorkerID(), "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
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
