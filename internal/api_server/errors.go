package apiserver

import (
	"errors"
	"net/http"

	"github.com/geolake/geolake/internal/service"
	"github.com/geolake/geolake/pkg/requestid"
	"github.com/go-chi/render"
	"go.uber.org/zap"
)

type ErrorReply struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (e ErrorReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// statusOf maps the service errors to their http status.
func statusOf(err error) int {
	var (
		invalid      *service.ErrInvalidRequest
		unauthorized *service.ErrUnauthenticated
		forbidden    *service.ErrForbidden
		notFound     *service.ErrResourceNotFound
		transition   *service.ErrInvalidTransition
		notDone      *service.ErrRequestNotDone
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &transition), errors.As(err, &notDone):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		zap.S().Named("api_server").Errorw("request failed", "path", r.URL.Path, "request_id", requestid.FromRequest(r), "error", err)
		message = "internal error"
	}

	render.Status(r, status)
	_ = render.Render(w, r, ErrorReply{Message: message, RequestID: requestid.FromRequest(r)})
}
