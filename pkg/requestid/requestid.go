package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header carries the request id in and out of the api.
const Header = "X-Request-Id"

type contextKey struct{}

func Generate() string {
	return uuid.NewString()
}

func ToContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

// FromContext returns the request id of ctx, or "" outside of an api call.
func FromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(contextKey{}).(string); ok {
		return requestID
	}
	return ""
}

func FromRequest(r *http.Request) string {
	return FromContext(r.Context())
}
