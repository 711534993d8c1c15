package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditpanel/internal/config"
)

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, slog.Default())
	assert.Error(t, err)

	_, err = NewServer(&config.Config{Environment: "local"}, nil)
	assert.Error(t, err)

	_, err = NewServer(&config.Config{Environment: "prod"}, slog.Default())
	assert.ErrorContains(t, err, "SERVICE_KEY_HASH")

	srv, err := NewServer(&config.Config{Environment: "local"}, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, srv.Validator)
}

func TestMountRoutes_RegistrarsAndNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			JSON(w, r, http.StatusOK, APIResponse{Data: "pong"})
		})
	})
	srv.MountRoutes()

	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	req.Header.Set("Authorization", "Bearer "+testServiceKey)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"data":"pong"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	req = httptest.NewRequest(http.MethodGet, "/v1/missing", nil)
	req.Header.Set("Authorization", "Bearer "+testServiceKey)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "not_found_route")
}

func TestShutdown_RunsClosers(t *testing.T) {
	srv, _ := newTestServer(t)
	var order []string
	srv.Closers = []func() error{
		func() error { order = append(order, "a"); return nil },
		func() error { order = append(order, "b"); return nil },
	}
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Equal(t, []string{"a", "b"}, order)

	srv.Closers = []func() error{func() error { return errors.New("pool busy") }}
	assert.Error(t, srv.Shutdown(context.Background()))
}
