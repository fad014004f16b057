package metrics

import "sync"

// Event names counted by the signaling relay.
const (
	ConnectionOpened = "connection_opened"
	ConnectionClosed = "connection_closed"

	RoomJoined     = "room_joined"
	RoomJoinFailed = "room_join_failed"
	RoomLeft       = "room_left"

	RelayForwarded        = "relay_forwarded"
	RelayInvalidRequest   = "relay_invalid_request"
	RelayIdentityMismatch = "relay_identity_mismatch"
	RelayTargetNotFound   = "relay_target_not_found"

	SendFailed   = "send_failed"
	BadMessage   = "bad_message"
	AuthFailure  = "auth_failure"
	OriginDenied = "origin_denied"

	DropReasonRateLimited = "rate_limited"
	DropReasonTooLarge    = "message_too_large"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
