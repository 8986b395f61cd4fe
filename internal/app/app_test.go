package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	httpserver "github.com/fairyhunter13/erpqueue/internal/adapter/httpserver"
	"github.com/fairyhunter13/erpqueue/internal/config"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
	assert.Equal(t,
		[]string{"https://app.example.com", "http://localhost:5173"},
		ParseOrigins(" https://app.example.com, http://localhost:5173 "))
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestReadyzHandler(t *testing.T) {
	ok := pinger{}
	down := pinger{err: errors.New("connection refused")}

	cases := []struct {
		name       string
		queue      Pinger
		store      Pinger
		wantStatus int
		wantBody   string
	}{
		{"all healthy", ok, ok, http.StatusOK, ""},
		{"queue down", down, ok, http.StatusServiceUnavailable, "queue: "},
		{"store down", ok, down, http.StatusServiceUnavailable, "store: "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadyzHandler(tc.queue, tc.store)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantBody != "" {
				assert.True(t, strings.HasPrefix(rec.Body.String(), tc.wantBody))
			}
		})
	}
}

type nilHub struct{}

func (nilHub) ServeWS(http.ResponseWriter, *http.Request, string, int64) error { return nil }

func TestBuildRouterHealthAndAuth(t *testing.T) {
	cfg := config.Config{JWTSecret: "s", RateLimitPerMin: 60, CORSAllowOrigins: "*"}
	srv := httpserver.NewServer(cfg, nil, nil, nilHub{})
	router := BuildRouter(cfg, srv, ReadyzHandler(pinger{}, pinger{}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// API routes sit behind authentication.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync/intervals", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
