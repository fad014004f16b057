package signaling

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/presence"
)

type sessionState int

const (
	stateConnected sessionState = iota
	stateJoined
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateJoined:
		return "joined"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Controller drives each connection through Connected -> Joined -> Closed and
// turns presence changes into notifications. It is the presence.Observer of
// the Manager it owns.
type Controller struct {
	presence  *presence.Manager
	router    *Router
	transport Transport
	metrics   *metrics.Metrics
	log       *slog.Logger
}

type ControllerOptions struct {
	Transport Transport
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Presence configures the Manager; its Observer field is overwritten.
	Presence presence.Options
}

func NewController(opts ControllerOptions) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		transport: opts.Transport,
		metrics:   opts.Metrics,
		log:       logger,
	}
	popts := opts.Presence
	popts.Observer = c
	c.presence = presence.NewManager(popts)
	c.router = NewRouter(c.presence, opts.Transport, opts.Metrics, logger)
	return c
}

func (c *Controller) Presence() *presence.Manager { return c.presence }

// Joined implements presence.Observer.
func (c *Controller) Joined(joined presence.Member, existing []presence.Member) {
	c.push(joined.ID, allUsersFrame(existing))
	frame := userConnectedFrame(joined)
	for _, m := range existing {
		c.push(m.ID, frame)
	}
}

// Left implements presence.Observer.
func (c *Controller) Left(left presence.Member, remaining []presence.Member) {
	frame := userDisconnectedFrame(left.ID)
	for _, m := range remaining {
		c.push(m.ID, frame)
	}
}

// push is fire-and-forget; the transport logs and counts failures.
func (c *Controller) push(id string, frame []byte) {
	_ = c.transport.Send(id, frame)
}

// Connect starts tracking a new transport connection.
func (c *Controller) Connect(id string) *Session {
	return &Session{id: id, c: c, log: c.log.With("conn_id", id)}
}

// Session is the per-connection state machine. Handle and Disconnect are
// called from the connection's reader goroutine.
type Session struct {
	id  string
	c   *Controller
	log *slog.Logger

	mu    sync.Mutex
	state sessionState
}

func (s *Session) ID() string { return s.id }

func (s *Session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle processes one inbound text frame.
func (s *Session) Handle(data []byte) {
	if s.currentState() == stateClosed {
		s.log.Debug("dropping message on closed connection")
		return
	}

	typ, msg, err := parseClientMessage(data)
	if err != nil {
		s.c.metrics.Inc(metrics.BadMessage)
		s.log.Debug("dropping malformed message", "type", string(typ), "bytes", len(data), "err", err)
		if typ == MessageTypeJoinRoom {
			s.c.metrics.Inc(metrics.RoomJoinFailed)
			s.c.push(s.id, joinErrorFrame("invalid join-room message"))
		}
		return
	}

	switch m := msg.(type) {
	case *joinRoom:
		s.join(m)
	case *leaveRoom:
		s.leave()
	case relayMessage:
		_ = s.c.router.Route(s.id, m)
	}
}

func (s *Session) join(m *joinRoom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return
	}

	res, err := s.c.presence.Join(s.id, m.Room, m.DisplayName)
	if err != nil {
		s.c.metrics.Inc(metrics.RoomJoinFailed)
		s.log.Info("join rejected", "room", m.Room, "err", err)
		s.c.push(s.id, joinErrorFrame(joinErrorMessage(err)))
		return
	}
	s.state = stateJoined
	s.c.metrics.Inc(metrics.RoomJoined)
	s.log.Info("joined room",
		"room", res.Member.Room,
		"display_name", res.Member.DisplayName,
		"existing", len(res.Existing),
	)
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, presence.ErrAlreadyJoined):
		return "Already joined a room"
	case errors.Is(err, presence.ErrInvalidRequest):
		return "Invalid room or display name"
	default:
		return "Failed to join room"
	}
}

func (s *Session) leave() {
	if s.currentState() != stateJoined {
		s.log.Debug("leave-room before join ignored")
		return
	}
	if s.cleanup("left room") {
		s.c.transport.Close(s.id, websocket.CloseNormalClosure, "left room")
	}
}

// Disconnect runs cleanup after the transport connection has gone away. It is
// safe to call more than once.
func (s *Session) Disconnect(reason string) {
	s.cleanup(reason)
}

// cleanup is the single teardown path for leave and disconnect. It reports
// whether this call performed the transition to Closed.
func (s *Session) cleanup(reason string) (closed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic during connection cleanup", "reason", reason, "panic", r)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	if prev == stateClosed {
		return false
	}
	s.state = stateClosed

	if prev != stateJoined {
		s.log.Debug("connection closed before join", "reason", reason)
		return true
	}

	dep, ok := s.c.presence.Leave(s.id)
	if !ok {
		return true
	}
	s.c.metrics.Inc(metrics.RoomLeft)
	s.log.Info("left room",
		"room", dep.Member.Room,
		"display_name", dep.Member.DisplayName,
		"reason", reason,
		"remaining", len(dep.Remaining),
		"room_deleted", dep.RoomDeleted,
	)
	return true
}
