package http

import (
	"net/http"
	"strings"
)

// userHeader carries the caller id set by the authenticating gateway in
// front of this service.
const userHeader = "X-User-ID"

func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userHeader))
}

// requireCaller rejects requests without a caller id.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if callerID(r) == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "missing "+userHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}
