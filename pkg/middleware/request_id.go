package middleware

import (
	"net/http"

	"github.com/geolake/geolake/pkg/requestid"
)

const maxRequestIDLength = 128

// RequestID keeps the id sent by the client, or generates one, stores it in
// the request context and echoes it in the response headers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestid.Header)
		if id == "" || len(id) > maxRequestIDLength {
			id = requestid.Generate()
		}

		w.Header().Set(requestid.Header, id)
		next.ServeHTTP(w, r.WithContext(requestid.ToContext(r.Context(), id)))
	})
}
