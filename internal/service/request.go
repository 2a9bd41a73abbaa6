package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/geolake/geolake/internal/events"
	"github.com/geolake/geolake/internal/ledger"
	"github.com/geolake/geolake/internal/queue"
	"github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/geolake/geolake/internal/validator"
	"github.com/geolake/geolake/pkg/metrics"
	"go.uber.org/zap"
)

const CancelledReason = "cancelled by user"

type SubmitForm struct {
	UserID            uint            `json:"-" validate:"required"`
	Dataset           string          `json:"dataset" validate:"required,max=255,dataset_name"`
	Product           string          `json:"product" validate:"required,max=255,dataset_name"`
	Query             json.RawMessage `json:"query" validate:"query_document"`
	Priority          *int            `json:"priority,omitempty" validate:"omitempty,min=0,max=100"`
	EstimateBytesSize int64           `json:"estimate_bytes_size" validate:"min=0"`
}

type RequestFilter struct {
	UserID uint
	Status []model.RequestStatus
	Limit  int
	Offset int
}

type RequestStatusView struct {
	ID              uint                `json:"id"`
	Status          model.RequestStatus `json:"status"`
	FailReason      string              `json:"fail_reason,omitempty"`
	CancelRequested bool                `json:"cancel_requested"`
}

type RequestService struct {
	store     store.Store
	queue     queue.Queue
	ledger    *ledger.Ledger
	validator *validator.Validator
	opts      options
}

func NewRequestService(s store.Store, q queue.Queue, opts ...Option) *RequestService {
	v := validator.NewValidator()
	v.Register(validator.NewRequestValidationRules()...)

	return &RequestService{
		store:     s,
		queue:     q,
		ledger:    ledger.New(s),
		validator: v,
		opts:      newOptions(opts...),
	}
}

// Submit validates and persists a new request in queued, then wakes the dispatchers.
func (r *RequestService) Submit(ctx context.Context, form SubmitForm) (*model.Request, error) {
	if err := r.validator.Struct(form); err != nil {
		return nil, NewErrInvalidRequest(validator.Describe(err))
	}
	if r.opts.maxEstimateBytes > 0 && form.EstimateBytesSize > r.opts.maxEstimateBytes {
		return nil, NewErrInvalidRequest(fmt.Sprintf("estimated size of %d bytes exceeds the limit of %d bytes", form.EstimateBytesSize, r.opts.maxEstimateBytes))
	}

	if _, err := r.store.User().Get(ctx, form.UserID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrUserNotFound(form.UserID)
		}
		return nil, err
	}

	priority := model.DefaultPriority
	if form.Priority != nil {
		priority = *form.Priority
	}

	req, err := r.store.Request().Create(ctx, model.Request{
		Status:            model.RequestStatusQueued,
		Priority:          priority,
		UserID:            form.UserID,
		Dataset:           form.Dataset,
		Product:           form.Product,
		Query:             model.Query(form.Query),
		EstimateBytesSize: form.EstimateBytesSize,
		CreatedOn:         r.opts.now(),
	})
	if err != nil {
		return nil, err
	}

	zap.S().Named("request_service").Infow("request submitted", "request_id", req.ID, "user_id", req.UserID, "dataset", req.Dataset, "product", req.Product, "priority", req.Priority)
	metrics.IncreaseRequestTransitionMetric("", string(model.RequestStatusQueued))
	r.opts.events.Emit(ctx, events.RequestEventKind, events.RequestEvent{
		RequestID: req.ID,
		UserID:    req.UserID,
		To:        string(model.RequestStatusQueued),
	})
	r.notify(ctx)

	return req, nil
}

func (r *RequestService) Get(ctx context.Context, id uint) (*model.Request, error) {
	req, err := r.store.Request().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrRequestNotFound(id)
		}
		return nil, err
	}
	return req, nil
}

// List returns the requests matching filter, newest first.
func (r *RequestService) List(ctx context.Context, filter RequestFilter) (model.RequestList, error) {
	storeFilter := store.NewRequestQueryFilter()
	if filter.UserID > 0 {
		storeFilter = storeFilter.ByUserID(filter.UserID)
	}
	if len(filter.Status) > 0 {
		storeFilter = storeFilter.ByStatus(filter.Status...)
	}

	opts := store.NewRequestQueryOptions().WithSortOrder(store.SortByCreatedTime).WithDownload()
	if filter.Limit > 0 {
		opts = opts.WithLimit(filter.Limit)
	}
	if filter.Offset > 0 {
		opts = opts.WithOffset(filter.Offset)
	}

	return r.store.Request().List(ctx, storeFilter, opts)
}

func (r *RequestService) Status(ctx context.Context, id uint) (*RequestStatusView, error) {
	req, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RequestStatusView{
		ID:              req.ID,
		Status:          req.Status,
		FailReason:      req.FailReason,
		CancelRequested: req.CancelRequested,
	}, nil
}

// Size returns the size in bytes of the artifact of a done request.
func (r *RequestService) Size(ctx context.Context, id uint) (int64, error) {
	d, err := r.GetDownload(ctx, id)
	if err != nil {
		return 0, err
	}
	return d.BytesSize, nil
}

func (r *RequestService) URI(ctx context.Context, id uint) (string, error) {
	d, err := r.GetDownload(ctx, id)
	if err != nil {
		return "", err
	}
	return d.DownloadURI, nil
}

func (r *RequestService) GetDownload(ctx context.Context, id uint) (*model.Download, error) {
	req, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != model.RequestStatusDone {
		return nil, NewErrRequestNotDone(id, req.Status)
	}

	d, err := r.ledger.GetByRequest(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrDownloadNotFound) {
			return nil, NewErrDownloadNotFound(id)
		}
		return nil, err
	}
	return d, nil
}

// Cancel fails a queued request right away. A running request is only
// flagged: its worker stops at the next checkpoint and fails it.
func (r *RequestService) Cancel(ctx context.Context, user model.User, id uint) (*model.Request, error) {
	req, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.IsAdmin() && req.UserID != user.ID {
		return nil, NewErrForbidden(user.ID, "cancel this request")
	}

	// the request may move between the read and the update, one more read settles it
	for attempt := 0; attempt < 2; attempt++ {
		switch req.Status {
		case model.RequestStatusQueued:
			err = r.store.Request().MarkFailed(ctx, id, model.RequestStatusQueued, nil, CancelledReason, r.opts.now())
			if err == nil {
				metrics.IncreaseRequestTransitionMetric(string(model.RequestStatusQueued), string(model.RequestStatusFailed))
				r.opts.events.Emit(ctx, events.RequestEventKind, events.RequestEvent{
					RequestID: req.ID,
					UserID:    req.UserID,
					From:      string(model.RequestStatusQueued),
					To:        string(model.RequestStatusFailed),
					Reason:    CancelledReason,
				})
				zap.S().Named("request_service").Infow("queued request cancelled", "request_id", id)
				return r.Get(ctx, id)
			}
		case model.RequestStatusRunning:
			err = r.store.Request().RequestCancel(ctx, id)
			if err == nil {
				zap.S().Named("request_service").Infow("cancellation requested", "request_id", id, "worker_id", req.WorkerID)
				return r.Get(ctx, id)
			}
		default:
			return nil, NewErrInvalidTransition(id, req.Status, "cancel")
		}

		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		if req, err = r.Get(ctx, id); err != nil {
			return nil, err
		}
	}

	return nil, NewErrInvalidTransition(id, req.Status, "cancel")
}

// Requeue puts a failed request back in the queue with fresh attempt and retry counts.
func (r *RequestService) Requeue(ctx context.Context, user model.User, id uint) (*model.Request, error) {
	if !user.IsAdmin() {
		return nil, NewErrForbidden(user.ID, "requeue requests")
	}

	req, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.store.Request().Requeue(ctx, id, r.opts.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			if current, gerr := r.Get(ctx, id); gerr == nil {
				req = current
			}
			return nil, NewErrInvalidTransition(id, req.Status, "requeue")
		}
		return nil, err
	}

	metrics.IncreaseRequestTransitionMetric(string(model.RequestStatusFailed), string(model.RequestStatusQueued))
	r.opts.events.Emit(ctx, events.RequestEventKind, events.RequestEvent{
		RequestID: req.ID,
		UserID:    req.UserID,
		From:      string(model.RequestStatusFailed),
		To:        string(model.RequestStatusQueued),
	})
	zap.S().Named("request_service").Infow("request requeued", "request_id", id, "by", user.ID)
	r.notify(ctx)

	return r.Get(ctx, id)
}

func (r *RequestService) notify(ctx context.Context) {
	if r.queue == nil {
		return
	}
	if err := r.queue.Notify(ctx); err != nil {
		// the dispatchers poll anyway
		zap.S().Named("request_service").Warnw("failed to notify dispatchers", "error", err)
	}
}
