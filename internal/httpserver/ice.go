package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/turnrest"
)

// handleICE serves the client ICE server list. With TURN REST enabled every
// response carries freshly minted TURN credentials and must not be cached.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.turn == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
		return
	}

	creds, err := s.turn.IssueRandom()
	if err != nil {
		s.log.Error("failed to issue turn rest credentials", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to issue turn credentials"})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, map[string]any{
		"iceServers": turnrest.Apply(servers, creds),
		"expiresAt":  creds.Expires.Format(statusTimeLayout),
	})
}
