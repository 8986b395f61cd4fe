package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/erpqueue/internal/config"
)

type stubHub struct {
	userID      string
	resumeAfter int64
	called      bool
}

func (s *stubHub) ServeWS(w http.ResponseWriter, _ *http.Request, userID string, resumeAfter int64) error {
	s.called = true
	s.userID = userID
	s.resumeAfter = resumeAfter
	w.WriteHeader(http.StatusSwitchingProtocols)
	return nil
}

func newWSServer(hub *stubHub) *Server {
	return NewServer(config.Config{JWTSecret: testSecret}, &stubQueue{}, &stubStore{}, hub)
}

func TestWSHandlerRequiresToken(t *testing.T) {
	hub := &stubHub{}
	srv := newWSServer(hub)

	rec := httptest.NewRecorder()
	srv.WSHandler()(rec, httptest.NewRequest(http.MethodGet, "/ws/realtime", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, hub.called)
}

func TestWSHandlerPassesIdentityAndCursor(t *testing.T) {
	hub := &stubHub{}
	srv := newWSServer(hub)

	url := "/ws/realtime?token=" + signToken(t, "u1", false) + "&resumeAfter=1700000000000"
	rec := httptest.NewRecorder()
	srv.WSHandler()(rec, httptest.NewRequest(http.MethodGet, url, nil))

	assert.True(t, hub.called)
	assert.Equal(t, "u1", hub.userID)
	assert.EqualValues(t, 1700000000000, hub.resumeAfter)
}

func TestWSHandlerRejectsBadCursor(t *testing.T) {
	hub := &stubHub{}
	srv := newWSServer(hub)
	tok := signToken(t, "u1", false)

	for _, cursor := range []string{"-5", "soon"} {
		rec := httptest.NewRecorder()
		srv.WSHandler()(rec, httptest.NewRequest(http.MethodGet, "/ws/realtime?token="+tok+"&resumeAfter="+cursor, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "cursor=%s", cursor)
		assert.False(t, hub.called)
	}
}
