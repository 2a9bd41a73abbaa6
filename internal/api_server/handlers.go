package apiserver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/geolake/geolake/internal/registry"
	"github.com/geolake/geolake/internal/service"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type Handler struct {
	requests *service.RequestService
	users    *service.UserService
	workers  *registry.Registry
}

func NewHandler(requests *service.RequestService, users *service.UserService, workers *registry.Registry) *Handler {
	return &Handler{requests: requests, users: users, workers: workers}
}

// Routes mounts the authenticated api.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/requests", func(r chi.Router) {
		r.Post("/", h.SubmitRequest)
		r.Get("/", h.ListRequests)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetRequest)
			r.Get("/status", h.GetRequestStatus)
			r.Get("/size", h.GetRequestSize)
			r.Get("/uri", h.GetRequestURI)
			r.Post("/cancel", h.CancelRequest)
			r.Post("/requeue", h.RequeueRequest)
		})
	})
	r.Get("/workers", h.ListWorkers)
	r.Get("/users/{id}/usage", h.GetUsage)
}

// (POST /api/v1/requests)
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	user := MustHaveUser(r.Context())

	body := &SubmitBody{}
	if err := render.Bind(r, body); err != nil {
		renderError(w, r, service.NewErrInvalidRequest(err.Error()))
		return
	}

	req, err := h.requests.Submit(r.Context(), body.form(user.ID))
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	_ = render.Render(w, r, RequestToReply(*req))
}

// (GET /api/v1/requests)
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	user := MustHaveUser(r.Context())
	query := r.URL.Query()

	filter := service.RequestFilter{UserID: user.ID}
	if v := query.Get("user_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			renderError(w, r, service.NewErrInvalidRequest("user_id must be a positive integer"))
			return
		}
		filter.UserID = uint(id)
	} else if user.IsAdmin() {
		filter.UserID = 0
	}
	if !user.IsAdmin() && filter.UserID != user.ID {
		renderError(w, r, service.NewErrForbidden(user.ID, "list the requests of another user"))
		return
	}

	for _, s := range query["status"] {
		status := model.RequestStatus(s)
		if !status.Valid() {
			renderError(w, r, service.NewErrInvalidRequest("unknown status "+s))
			return
		}
		filter.Status = append(filter.Status, status)
	}

	var err error
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		renderError(w, r, service.NewErrInvalidRequest("limit must be a positive integer"))
		return
	}
	if filter.Offset, err = intParam(query.Get("offset")); err != nil {
		renderError(w, r, service.NewErrInvalidRequest("offset must be a positive integer"))
		return
	}

	requests, err := h.requests.List(r.Context(), filter)
	if err != nil {
		renderError(w, r, err)
		return
	}

	_ = render.Render(w, r, RequestListToReply(requests))
}

// (GET /api/v1/requests/{id})
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.ownedRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, RequestToReply(*req))
}

// (GET /api/v1/requests/{id}/status)
func (h *Handler) GetRequestStatus(w http.ResponseWriter, r *http.Request) {
	req, err := h.ownedRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	view, err := h.requests.Status(r.Context(), req.ID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, StatusReply(*view))
}

// (GET /api/v1/requests/{id}/size)
func (h *Handler) GetRequestSize(w http.ResponseWriter, r *http.Request) {
	req, err := h.ownedRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	size, err := h.requests.Size(r.Context(), req.ID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, SizeReply{ID: req.ID, BytesSize: size})
}

// (GET /api/v1/requests/{id}/uri)
func (h *Handler) GetRequestURI(w http.ResponseWriter, r *http.Request) {
	req, err := h.ownedRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	uri, err := h.requests.URI(r.Context(), req.ID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, URIReply{ID: req.ID, URI: uri})
}

// (POST /api/v1/requests/{id}/cancel)
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.mutateRequest(w, r, h.requests.Cancel)
}

// (POST /api/v1/requests/{id}/requeue)
func (h *Handler) RequeueRequest(w http.ResponseWriter, r *http.Request) {
	h.mutateRequest(w, r, h.requests.Requeue)
}

func (h *Handler) mutateRequest(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, user model.User, id uint) (*model.Request, error)) {
	id, err := idParam(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	req, err := op(r.Context(), MustHaveUser(r.Context()), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, RequestToReply(*req))
}

// (GET /api/v1/workers)
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	user := MustHaveUser(r.Context())
	if !user.IsAdmin() {
		renderError(w, r, service.NewErrForbidden(user.ID, "list workers"))
		return
	}

	var status []model.WorkerStatus
	for _, s := range r.URL.Query()["status"] {
		status = append(status, model.WorkerStatus(s))
	}

	workers, err := h.workers.List(r.Context(), status...)
	if err != nil {
		renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, WorkerListToReply(workers))
}

// (GET /api/v1/users/{id}/usage)
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	usage, err := h.users.Usage(r.Context(), MustHaveUser(r.Context()), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, UsageReply(*usage))
}

// ownedRequest loads the request of the path, visible to its owner and to admins.
func (h *Handler) ownedRequest(r *http.Request) (*model.Request, error) {
	id, err := idParam(r)
	if err != nil {
		return nil, err
	}
	req, err := h.requests.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	user := MustHaveUser(r.Context())
	if !user.IsAdmin() && req.UserID != user.ID {
		return nil, service.NewErrForbidden(user.ID, "read this request")
	}
	return req, nil
}

func idParam(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, service.NewErrInvalidRequest("id must be a positive integer")
	}
	return uint(id), nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
