package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/presence"
)

func baseConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, log, BuildInfo{Commit: "abc", BuildTime: "time"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func serve(t *testing.T, srv *Server) (baseURL string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func startTestServer(t *testing.T, cfg config.Config) (baseURL string) {
	t.Helper()
	return serve(t, newTestServer(t, cfg))
}

func getJSON(t *testing.T, req *http.Request, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("status=%d, want %d", resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func mustRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, baseConfig())

	t.Run("healthz", func(t *testing.T) {
		body := getJSON(t, mustRequest(t, baseURL+"/healthz"), http.StatusOK)
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		body := getJSON(t, mustRequest(t, baseURL+"/readyz"), http.StatusOK)
		if body["ready"] != true {
			t.Fatalf("body=%v, want ready=true", body)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("request id", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID response header")
		}

		req := mustRequest(t, baseURL+"/healthz")
		req.Header.Set("X-Request-ID", "req-1")
		resp2, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp2.Body.Close()
		if got := resp2.Header.Get("X-Request-ID"); got != "req-1" {
			t.Fatalf("X-Request-ID=%q, want req-1", got)
		}
	})
}

func TestReadyzFailsAfterMarkUnready(t *testing.T) {
	srv := newTestServer(t, baseConfig())
	baseURL := serve(t, srv)

	getJSON(t, mustRequest(t, baseURL+"/readyz"), http.StatusOK)
	srv.MarkUnready()
	body := getJSON(t, mustRequest(t, baseURL+"/readyz"), http.StatusServiceUnavailable)
	if body["ready"] != false {
		t.Fatalf("body=%v", body)
	}
	// Liveness is unaffected.
	getJSON(t, mustRequest(t, baseURL+"/healthz"), http.StatusOK)
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg)

	getJSON(t, mustRequest(t, baseURL+"/readyz"), http.StatusServiceUnavailable)
	getJSON(t, mustRequest(t, baseURL+"/webrtc/ice"), http.StatusServiceUnavailable)
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}

	baseURL := startTestServer(t, cfg)

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
	if payload.ICEServers[1]["username"] != "user" {
		t.Fatalf("static TURN credentials should pass through: %#v", payload.ICEServers[1])
	}
}

func TestICEEndpoint_EmptyListIsArray(t *testing.T) {
	baseURL := startTestServer(t, baseConfig())

	body := getJSON(t, mustRequest(t, baseURL+"/webrtc/ice"), http.StatusOK)
	servers, ok := body["iceServers"].([]any)
	if !ok || len(servers) != 0 {
		t.Fatalf("iceServers=%#v, want []", body["iceServers"])
	}
}

func TestICEEndpoint_MintsTURNRESTCredentials(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
	}
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: "shared", TTL: time.Hour, UsernamePrefix: "aero"}

	baseURL := startTestServer(t, cfg)

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", got)
	}
	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
		ExpiresAt  string           `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.ExpiresAt == "" {
		t.Fatalf("missing expiresAt")
	}
	if u, _ := payload.ICEServers[0]["username"].(string); u != "" {
		t.Fatalf("STUN entry must not carry credentials: %#v", payload.ICEServers[0])
	}
	username, _ := payload.ICEServers[1]["username"].(string)
	if !strings.Contains(username, ":aero:") {
		t.Fatalf("username=%q, want <expiry>:aero:<subject>", username)
	}
	if cred, _ := payload.ICEServers[1]["credential"].(string); cred == "" {
		t.Fatalf("missing TURN credential: %#v", payload.ICEServers[1])
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}

	baseURL := startTestServer(t, cfg)

	req := mustRequest(t, baseURL+"/webrtc/ice")
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestICEEndpoint_CORSForAllowedOrigin(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}

	baseURL := startTestServer(t, cfg)

	req := mustRequest(t, baseURL+"/webrtc/ice")
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	preflight, err := http.NewRequest(http.MethodOptions, baseURL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	preflight.Header.Set("Origin", "https://app.example.com")
	preflight.Header.Set("Access-Control-Request-Method", "GET")
	resp2, err := http.DefaultClient.Do(preflight)
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", resp2.StatusCode)
	}
}

type fakeStatusSource struct {
	stats presence.Stats
	conns int
}

func (f fakeStatusSource) Stats() presence.Stats { return f.stats }
func (f fakeStatusSource) Connections() int      { return f.conns }

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, baseConfig())
	srv.now = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) }
	joined := time.Date(2025, 6, 1, 9, 30, 0, 0, time.FixedZone("x", 7200))
	srv.SetStatusSource(fakeStatusSource{
		conns: 3,
		stats: presence.Stats{
			Members: 2,
			Rooms: []presence.RoomStats{{
				Room: "lobby",
				Members: []presence.Member{
					{ID: "a", DisplayName: "alice", Room: "lobby", JoinedAt: joined},
					{ID: "b", DisplayName: "bob", Room: "lobby", JoinedAt: joined.Add(time.Second)},
				},
			}},
		},
	})
	baseURL := serve(t, srv)

	resp, err := http.Get(baseURL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var got StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Status != "ok" || got.Timestamp != "2025-06-01T10:00:00.000Z" {
		t.Fatalf("status=%q timestamp=%q", got.Status, got.Timestamp)
	}
	if got.ActiveUsers != 2 || got.ActiveRooms != 1 || got.Connections != 3 {
		t.Fatalf("got=%+v", got)
	}
	lobby, ok := got.Rooms["lobby"]
	if !ok || lobby.Participants != 2 || len(lobby.Users) != 2 {
		t.Fatalf("rooms=%+v", got.Rooms)
	}
	if lobby.Users[0] != (UserStatus{DisplayName: "alice", JoinedAt: "2025-06-01T07:30:00.000Z"}) {
		t.Fatalf("users[0]=%+v", lobby.Users[0])
	}
	if lobby.Users[1].DisplayName != "bob" {
		t.Fatalf("users[1]=%+v", lobby.Users[1])
	}
}

func TestStatusEndpoint_UnavailableWithoutSource(t *testing.T) {
	baseURL := startTestServer(t, baseConfig())
	getJSON(t, mustRequest(t, baseURL+"/status"), http.StatusServiceUnavailable)
}

func TestMiddleware_AllowsWebSocketUpgrade(t *testing.T) {
	srv := newTestServer(t, baseConfig())
	upgrader := websocket.Upgrader{}
	srv.Mux().HandleFunc("GET /echo", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.WriteMessage(mt, data)
	})
	baseURL := serve(t, srv)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/echo", nil)
	if err != nil {
		t.Fatalf("dial through middleware: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hi" {
		t.Fatalf("echo=%q", data)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	srv := newTestServer(t, baseConfig())
	srv.Mux().HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	baseURL := serve(t, srv)

	resp, err := http.Get(baseURL + "/boom")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", resp.StatusCode)
	}
}
