package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/ratelimit"
)

const (
	defaultIdleTimeout     = 60 * time.Second
	defaultPingInterval    = 20 * time.Second
	defaultMaxMessageBytes = 64 * 1024
	defaultSendQueue       = 256

	shutdownMessage = "Server shutting down"
)

// Config wires together the runtime dependencies for the signaling service.
// Zero values fall back to the package defaults, except
// MaxMessagesPerSecond where zero means unlimited.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins is the browser origin allowlist; empty means same host.
	AllowedOrigins []string

	// AuthMode and Verifier gate the upgrade. A nil Verifier disables
	// authentication.
	AuthMode config.AuthMode
	Verifier auth.Verifier

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueue            int

	// Now is the presence clock. Defaults to time.Now.
	Now func() time.Time
}

// ConfigFromAppConfig maps the process configuration onto Config.
func ConfigFromAppConfig(cfg config.Config, verifier auth.Verifier, logger *slog.Logger, m *metrics.Metrics) Config {
	return Config{
		Logger:               logger,
		Metrics:              m,
		AllowedOrigins:       cfg.AllowedOrigins,
		AuthMode:             cfg.AuthMode,
		Verifier:             verifier,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueue:            cfg.SignalingSendQueue,
	}
}

// Server implements the WebSocket signaling endpoint:
//
//   - GET /signal : room membership and offer/answer/candidate relay
type Server struct {
	cfg        Config
	log        *slog.Logger
	metrics    *metrics.Metrics
	hub        *hub
	controller *Controller
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = min(defaultPingInterval, cfg.IdleTimeout/2)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		hub:     newHub(cfg.Metrics, cfg.Logger),
	}
	s.controller = NewController(ControllerOptions{
		Transport: s.hub,
		Metrics:   cfg.Metrics,
		Logger:    cfg.Logger,
		Presence:  presence.Options{Now: cfg.Now},
	})
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := origin.CheckRequest(r, s.cfg.AllowedOrigins)
			if !ok {
				s.metrics.Inc(metrics.OriginDenied)
			}
			return ok
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Presence exposes the membership snapshot accessors.
func (s *Server) Presence() *presence.Manager { return s.controller.Presence() }

// Stats implements httpserver.StatusSource.
func (s *Server) Stats() presence.Stats { return s.controller.Presence().Stats() }

// Connections is the number of live WebSocket connections, joined or not.
func (s *Server) Connections() int { return s.hub.Len() }

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, errServerClosing.Error(), http.StatusServiceUnavailable)
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	c := newWSConn(uuid.NewString(), conn, s.cfg.SendQueue, s.cfg.PingInterval)
	if err := s.authorize(r); err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		s.log.Info("signaling connection unauthorized", "remote_addr", r.RemoteAddr, "err", err)
		go c.writeLoop()
		c.fail("unauthorized", unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
		<-c.writerDone
		return
	}

	s.serve(c)
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) authorize(r *http.Request) error {
	if s.cfg.Verifier == nil {
		return nil
	}
	cred, err := auth.CredentialFromRequest(s.cfg.AuthMode, r)
	if err != nil {
		return err
	}
	return s.cfg.Verifier.Verify(cred)
}

func unauthorizedMessage(err error) string {
	if errors.Is(err, auth.ErrMissingCredentials) {
		return "missing credentials"
	}
	return "invalid credentials"
}

// serve runs the reader side of one connection until it closes, then performs
// the connection's cleanup.
func (s *Server) serve(c *wsConn) {
	log := s.log.With("conn_id", c.id)
	sess := s.controller.Connect(c.id)
	s.hub.add(c)
	s.metrics.Inc(metrics.ConnectionOpened)
	log.Debug("signaling connection opened")

	go c.writeLoop()
	_ = c.enqueue(connectedFrame(c.id))
	if s.isClosing() {
		// Registered after Shutdown took its snapshot.
		_ = c.enqueue(serverShutdownFrame(shutdownMessage))
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}

	reason := "disconnected"
	defer func() {
		sess.Disconnect(reason)
		s.hub.remove(c.id)
		c.closeWith(websocket.CloseNormalClosure, reason)
		<-c.writerDone
		s.metrics.Inc(metrics.ConnectionClosed)
		log.Debug("signaling connection closed", "reason", reason)
	}()

	c.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	limiter := ratelimit.NewTokenBucket(
		ratelimit.RealClock{},
		int64(s.cfg.MaxMessagesPerSecond),
		int64(s.cfg.MaxMessagesPerSecond),
	)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			reason = s.readFailureReason(c, err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		// Limit after reading so the frame is consumed and the client reliably
		// sees the close code instead of a reset.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			reason = "rate limit exceeded"
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, reason)
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.BadMessage)
			reason = "expected text message"
			c.fail("bad_message", reason, websocket.CloseUnsupportedData, reason)
			return
		}

		sess.Handle(data)
	}
}

func (s *Server) readFailureReason(c *wsConn, err error) string {
	var closeErr *websocket.CloseError
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.metrics.Inc(metrics.DropReasonTooLarge)
		return "message too large"
	case isTimeout(err):
		c.closeWith(websocket.CloseNormalClosure, "idle timeout")
		return "idle timeout"
	case errors.As(err, &closeErr):
		return fmt.Sprintf("client closed (%d)", closeErr.Code)
	default:
		return "transport error"
	}
}

// Shutdown stops accepting connections, tells every client the server is
// going away, and waits for their cleanup until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	frame := serverShutdownFrame(shutdownMessage)
	conns := s.hub.snapshot()
	for _, c := range conns {
		_ = c.enqueue(frame)
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
	s.log.Info("signaling shutdown started", "connections", len(conns))

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunStatsLogger logs a presence summary every interval until ctx is done.
func (s *Server) RunStatsLogger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStats()
		}
	}
}

func (s *Server) logStats() {
	stats := s.Stats()
	s.log.Info("signaling stats",
		"users", stats.Members,
		"rooms", len(stats.Rooms),
		"connections", s.Connections(),
		slog.Any("room_details", lo.SliceToMap(stats.Rooms, func(r presence.RoomStats) (string, int) {
			return r.Room, len(r.Members)
		})),
	)
}
