package httpserver

import (
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/presence"
)

const statusTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// StatusSource is the live state reported by GET /status.
type StatusSource interface {
	Stats() presence.Stats
	Connections() int
}

// atomic.Pointer needs a concrete type.
type statusSourceBox struct {
	src StatusSource
}

// StatusResponse is the GET /status body. It is informational only; clients
// must not drive signaling from it.
type StatusResponse struct {
	Status      string                `json:"status"`
	Timestamp   string                `json:"timestamp"`
	ActiveUsers int                   `json:"activeUsers"`
	ActiveRooms int                   `json:"activeRooms"`
	Connections int                   `json:"connections"`
	Rooms       map[string]RoomStatus `json:"rooms"`
}

type RoomStatus struct {
	Participants int          `json:"participants"`
	Users        []UserStatus `json:"users"`
}

type UserStatus struct {
	DisplayName string `json:"displayName"`
	JoinedAt    string `json:"joinedAt"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	box := s.status.Load()
	if box == nil || box.src == nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "status not available"})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, buildStatus(box.src, s.now()))
}

func buildStatus(src StatusSource, now time.Time) StatusResponse {
	stats := src.Stats()
	return StatusResponse{
		Status:      "ok",
		Timestamp:   now.UTC().Format(statusTimeLayout),
		ActiveUsers: stats.Members,
		ActiveRooms: len(stats.Rooms),
		Connections: src.Connections(),
		Rooms: lo.SliceToMap(stats.Rooms, func(room presence.RoomStats) (string, RoomStatus) {
			return room.Room, RoomStatus{
				Participants: len(room.Members),
				Users: lo.Map(room.Members, func(m presence.Member, _ int) UserStatus {
					return UserStatus{DisplayName: m.DisplayName, JoinedAt: m.JoinedAt.UTC().Format(statusTimeLayout)}
				}),
			}
		}),
	}
}
