package apiserver

import (
	"context"
	"net/http"

	"github.com/geolake/geolake/internal/store/model"
	"go.uber.org/zap"
)

const APIKeyHeader = "X-API-Key"

type userKey struct{}

// Authenticator resolves an api key to its user.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*model.User, error)
}

func UserFromContext(ctx context.Context) (model.User, bool) {
	user, ok := ctx.Value(userKey{}).(model.User)
	return user, ok
}

func MustHaveUser(ctx context.Context) model.User {
	user, found := UserFromContext(ctx)
	if !found {
		zap.S().Named("auth").Panic("failed to find user in context")
	}
	return user
}

func newUserContext(ctx context.Context, user model.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// RequireAPIKey rejects calls without a known api key and puts the caller in
// the request context.
func RequireAPIKey(auth Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := auth.Authenticate(r.Context(), r.Header.Get(APIKeyHeader))
			if err != nil {
				renderError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(newUserContext(r.Context(), *user)))
		})
	}
}
