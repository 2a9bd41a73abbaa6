package agent

import (
	"context"
	"errors"
	"time"

	"github.com/geolake/geolake/internal/artifact"
	"github.com/geolake/geolake/internal/engine"
	"github.com/geolake/geolake/internal/events"
	"github.com/geolake/geolake/internal/queue"
	"github.com/geolake/geolake/internal/registry"
	"github.com/geolake/geolake/internal/service"
	"github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/geolake/geolake/pkg/metrics"
	"go.uber.org/zap"
)

var (
	errCancelled = errors.New(service.CancelledReason)
	errClaimLost = errors.New("claim lost")
)

// ProcessNext receives at most one dispatch message and handles it. It
// reports whether a message was received.
func (a *Agent) ProcessNext(ctx context.Context) (bool, error) {
	workerID := a.WorkerID()
	if workerID == 0 {
		return false, ErrNotRegistered
	}

	d, err := a.queue.Receive(ctx, workerID)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return false, nil
		}
		return false, err
	}

	return true, a.handle(ctx, workerID, d)
}

func (a *Agent) handle(ctx context.Context, workerID uint, d *queue.Delivery) error {
	msg := d.Message
	log := zap.S().Named("agent").With("dispatch_id", msg.DispatchID, "request_id", msg.RequestID, "worker_id", workerID)

	err := a.store.Request().RecordClaim(ctx, msg.RequestID, workerID, a.now())
	switch {
	case errors.Is(err, store.ErrConflict):
		// redelivered after the claim, or the request moved on without us
		log.Debug("dropping dispatch message")
		return d.Ack(ctx)
	case err != nil:
		// not acked: the message comes back
		return err
	}

	if err := d.Ack(ctx); err != nil {
		// the claim is recorded, a redelivery will be dropped
		log.Warnw("failed to ack dispatch message", "error", err)
	}
	log.Infow("request claimed", "dataset", msg.Dataset, "product", msg.Product)

	a.execute(ctx, workerID, msg)
	return nil
}

func (a *Agent) execute(ctx context.Context, workerID uint, msg queue.Message) {
	log := zap.S().Named("agent").With("request_id", msg.RequestID, "worker_id", workerID)
	start := time.Now()

	if err := a.checkpoint(ctx, workerID, msg.RequestID); mustStop(err) {
		a.finish(ctx, workerID, msg, start, err)
		return
	}

	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		a.watch(execCtx, workerID, msg.RequestID, cancel)
	}()
	stopWatch := func() {
		cancel(nil)
		<-watchDone
	}

	obj, err := a.run(execCtx, msg)
	if err != nil {
		if cause := context.Cause(execCtx); mustStop(cause) {
			err = cause
		}
		stopWatch()
		a.finish(ctx, workerID, msg, start, err)
		return
	}
	stopWatch()

	if err := a.checkpoint(ctx, workerID, msg.RequestID); mustStop(err) {
		a.discard(ctx, obj)
		a.finish(ctx, workerID, msg, start, err)
		return
	}

	if err := a.complete(ctx, workerID, msg, obj); err != nil {
		a.discard(ctx, obj)
		if errors.Is(err, store.ErrConflict) {
			err = errClaimLost
		}
		a.finish(ctx, workerID, msg, start, err)
		return
	}

	metrics.ObserveExecutionDuration(string(model.RequestStatusDone), time.Since(start))
	log.Infow("request done", "size", obj.Size, "uri", obj.URI, "duration", time.Since(start))
}

func (a *Agent) run(ctx context.Context, msg queue.Message) (*artifact.Object, error) {
	result, err := a.engine.Execute(ctx, engine.Task{
		RequestID: msg.RequestID,
		Dataset:   msg.Dataset,
		Product:   msg.Product,
		Query:     msg.Query,
	})
	if err != nil {
		return nil, service.NewErrExecutionFailure(err)
	}
	defer func() {
		_ = result.Reader.Close()
	}()

	obj, err := a.artifacts.Put(ctx, artifact.Key(msg.RequestID, result.Name), result.Reader, result.Size)
	if err != nil {
		return nil, service.NewErrStorageWriteFailure(err)
	}
	return obj, nil
}

// watch cancels the execution when the request gets a cancellation request or
// stops being ours.
func (a *Agent) watch(ctx context.Context, workerID uint, requestID uint, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(a.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := a.checkpoint(ctx, workerID, requestID); err != nil {
			if mustStop(err) {
				cancel(err)
				return
			}
			if ctx.Err() == nil {
				zap.S().Named("agent").Warnw("failed to poll request", "request_id", requestID, "error", err)
			}
		}
	}
}

// checkpoint returns errCancelled or errClaimLost when the execution must stop.
func (a *Agent) checkpoint(ctx context.Context, workerID uint, requestID uint) error {
	req, err := a.store.Request().Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return errClaimLost
		}
		return err
	}
	if req.Status != model.RequestStatusRunning || req.WorkerID == nil || *req.WorkerID != workerID || req.ClaimedAt == nil {
		return errClaimLost
	}
	if req.CancelRequested {
		return errCancelled
	}
	return nil
}

// mustStop is false for store errors: a checkpoint that cannot read the
// request lets the execution go on, the terminal write settles it.
func mustStop(err error) bool {
	return errors.Is(err, errCancelled) || errors.Is(err, errClaimLost)
}

// complete records the download, the done status and the idle worker at once.
func (a *Agent) complete(ctx context.Context, workerID uint, msg queue.Message, obj *artifact.Object) error {
	a.mu.Lock()
	storageID := a.storageID
	a.mu.Unlock()

	now := a.now()
	err := store.WithTransaction(ctx, a.store, func(ctx context.Context) error {
		d, err := a.store.Download().Create(ctx, model.Download{
			DownloadURI:  obj.URI,
			StorageID:    storageID,
			LocationPath: obj.LocationPath,
			BytesSize:    obj.Size,
			CreatedOn:    now,
		})
		if err != nil {
			return err
		}
		if err := a.store.Request().MarkDone(ctx, msg.RequestID, workerID, d.ID, now); err != nil {
			return err
		}
		if err := a.registry.MarkIdle(ctx, workerID, msg.RequestID); err != nil && !errors.Is(err, registry.ErrWorkerUnavailable) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.transitioned(ctx, workerID, msg, model.RequestStatusDone, "")
	return nil
}

// finish handles every outcome but success.
func (a *Agent) finish(ctx context.Context, workerID uint, msg queue.Message, start time.Time, cause error) {
	log := zap.S().Named("agent").With("request_id", msg.RequestID, "worker_id", workerID)

	if errors.Is(cause, errClaimLost) {
		// the request was taken back meanwhile. Whatever the worker was given
		// since then is left alone, only a released slot is freed.
		changed, err := a.registry.Resync(context.WithoutCancel(ctx), workerID)
		if err != nil {
			log.Errorw("failed to resync worker after a lost claim", "error", err)
			return
		}
		log.Warnw("claim lost", "worker_freed", changed)
		return
	}
	if ctx.Err() != nil {
		// shutting down: the request is reclaimed when the worker registers again
		log.Warnw("execution interrupted", "error", cause)
		return
	}

	reason := cause.Error()
	now := a.now()
	err := store.WithTransaction(ctx, a.store, func(ctx context.Context) error {
		if err := a.store.Request().FailClaimed(ctx, msg.RequestID, workerID, reason, now); err != nil {
			return err
		}
		if err := a.registry.MarkIdle(ctx, workerID, msg.RequestID); err != nil && !errors.Is(err, registry.ErrWorkerUnavailable) {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			a.finish(ctx, workerID, msg, start, errClaimLost)
			return
		}
		log.Errorw("failed to record failure", "error", err, "reason", reason)
		return
	}

	metrics.ObserveExecutionDuration(string(model.RequestStatusFailed), time.Since(start))
	a.transitioned(ctx, workerID, msg, model.RequestStatusFailed, model.TruncateReason(reason))
	log.Infow("request failed", "reason", reason, "duration", time.Since(start))
}

func (a *Agent) transitioned(ctx context.Context, workerID uint, msg queue.Message, to model.RequestStatus, reason string) {
	metrics.IncreaseRequestTransitionMetric(string(model.RequestStatusRunning), string(to))
	a.events.Emit(ctx, events.RequestEventKind, events.RequestEvent{
		RequestID: msg.RequestID,
		WorkerID:  &workerID,
		From:      string(model.RequestStatusRunning),
		To:        string(to),
		Reason:    reason,
	})
	if err := a.queue.Notify(ctx); err != nil {
		zap.S().Named("agent").Warnw("failed to notify dispatchers", "error", err)
	}
}

func (a *Agent) discard(ctx context.Context, obj *artifact.Object) {
	if err := a.artifacts.Delete(context.WithoutCancel(ctx), obj.LocationPath); err != nil {
		zap.S().Named("agent").Warnw("failed to delete orphan artifact", "location", obj.LocationPath, "error", err)
	}
}
