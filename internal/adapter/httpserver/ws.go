package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/erpqueue/internal/domain"
)

// WSHandler authenticates and upgrades a real-time connection. The token
// rides the query string because browsers cannot set headers on WebSocket
// upgrades; resumeAfter is the last event timestamp the client has seen and
// requests a replay of everything strictly newer.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, r, fmt.Errorf("%w: missing token", domain.ErrUnauthenticated), nil)
			return
		}
		claims, err := s.ParseToken(raw)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		var resumeAfter int64
		if v := r.URL.Query().Get("resumeAfter"); v != "" {
			resumeAfter, err = strconv.ParseInt(v, 10, 64)
			if err != nil || resumeAfter < 0 {
				writeError(w, r, fmt.Errorf("%w: resumeAfter must be a unix-millisecond timestamp", domain.ErrInvalidArgument), nil)
				return
			}
		}

		if err := s.Hub.ServeWS(w, r, claims.UserID, resumeAfter); err != nil {
			// Upgrade failures already wrote a response through the upgrader.
			LoggerFrom(r).Warn("websocket upgrade failed", "error", err)
		}
	}
}
