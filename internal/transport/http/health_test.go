package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		db       Pinger
		status   int
		wantBody healthResponse
	}{
		{name: "liveness only", db: nil, status: http.StatusOK, wantBody: healthResponse{Status: "ok"}},
		{
			name:     "database up",
			db:       pingFunc(func(context.Context) error { return nil }),
			status:   http.StatusOK,
			wantBody: healthResponse{Status: "ok", Database: "ok"},
		},
		{
			name:     "database down",
			db:       pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") }),
			status:   http.StatusServiceUnavailable,
			wantBody: healthResponse{Status: "degraded", Database: "unreachable"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rec := httptest.NewRecorder()
			HealthHandler(tc.db).ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			var got healthResponse
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if got != tc.wantBody {
				t.Fatalf("expected %+v, got %+v", tc.wantBody, got)
			}
		})
	}
}
