package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/presence"
)

func newTestRouter(t *testing.T) (*Router, *fakeTransport, *metrics.Metrics) {
	t.Helper()
	dir := mapDirectory{
		"a": {ID: "a", DisplayName: "alice", Room: "lobby"},
		"b": {ID: "b", DisplayName: "bob", Room: "lobby"},
		"z": {ID: "z", DisplayName: "zed", Room: "elsewhere"},
	}
	tr := newFakeTransport()
	m := metrics.New()
	return NewRouter(dir, tr, m, nil), tr, m
}

func TestRoute_OfferUsesRegisteredDisplayName(t *testing.T) {
	r, tr, m := newTestRouter(t)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	err := r.Route("a", &sessionOffer{To: "b", From: "a", DisplayName: "mallory", Payload: payload})
	require.NoError(t, err)

	raw := tr.rawSent("b")
	require.Len(t, raw, 1)
	require.JSONEq(t, `{"type":"session-offer","from":"a","displayName":"alice","payload":{"type":"offer","sdp":"v=0\r\n"}}`, string(raw[0]))
	require.Empty(t, tr.rawSent("a"))
	require.Equal(t, uint64(1), m.Get(metrics.RelayForwarded))
}

func TestRoute_OfferFromUnjoinedSenderKeepsSuppliedName(t *testing.T) {
	r, tr, _ := newTestRouter(t)

	err := r.Route("x", &sessionOffer{To: "b", From: "x", DisplayName: "guest", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	frames := tr.sent(t, "b")
	require.Len(t, frames, 1)
	require.Equal(t, "guest", frames[0]["displayName"])
}

func TestRoute_AnswerAndCandidate(t *testing.T) {
	r, tr, _ := newTestRouter(t)

	require.NoError(t, r.Route("b", &sessionAnswer{To: "a", From: "b", Payload: json.RawMessage(`{"type":"answer","sdp":"x"}`)}))
	require.NoError(t, r.Route("b", &connectivityCandidate{To: "a", Payload: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host"}`)}))

	raw := tr.rawSent("a")
	require.Len(t, raw, 2)
	require.JSONEq(t, `{"type":"session-answer","from":"b","payload":{"type":"answer","sdp":"x"}}`, string(raw[0]))
	require.JSONEq(t, `{"type":"connectivity-candidate","from":"b","payload":{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host"}}`, string(raw[1]))
}

func TestRoute_CandidateFromIsOverwrittenWithSender(t *testing.T) {
	r, tr, m := newTestRouter(t)

	require.NoError(t, r.Route("b", &connectivityCandidate{To: "a", From: "b", Payload: json.RawMessage(`{"candidate":"x"}`)}))
	require.NoError(t, r.Route("b", &connectivityCandidate{To: "a", From: "z", Payload: json.RawMessage(`{"candidate":"y"}`)}))

	frames := tr.sent(t, "a")
	require.Len(t, frames, 2)
	require.Equal(t, "b", frames[0]["from"])
	require.Equal(t, "b", frames[1]["from"])
	require.Equal(t, uint64(2), m.Get(metrics.RelayForwarded))
}

func TestRoute_PayloadIsForwardedVerbatim(t *testing.T) {
	r, tr, _ := newTestRouter(t)

	payload := `{"b":2,"a":[1,"é","<a&b>"]}`
	require.NoError(t, r.Route("a", &connectivityCandidate{To: "b", Payload: json.RawMessage(payload)}))

	raw := tr.rawSent("b")
	require.Len(t, raw, 1)
	require.Contains(t, string(raw[0]), `"payload":`+payload)
}

func TestRoute_NoRoomCheck(t *testing.T) {
	r, tr, _ := newTestRouter(t)
	require.NoError(t, r.Route("a", &connectivityCandidate{To: "z", Payload: json.RawMessage(`1`)}))
	require.Len(t, tr.rawSent("z"), 1)
}

func TestRoute_ValidationOrder(t *testing.T) {
	cases := []struct {
		name   string
		sender string
		msg    relayMessage
		want   error
		metric string
	}{
		{
			name:   "missing payload wins over spoofed from",
			sender: "a",
			msg:    &sessionOffer{To: "b", From: "b", DisplayName: "x"},
			want:   ErrInvalidRequest,
			metric: metrics.RelayInvalidRequest,
		},
		{
			name:   "falsy payload is missing",
			sender: "a",
			msg:    &sessionAnswer{To: "b", From: "a", Payload: json.RawMessage(`false`)},
			want:   ErrInvalidRequest,
			metric: metrics.RelayInvalidRequest,
		},
		{
			name:   "missing to",
			sender: "a",
			msg:    &connectivityCandidate{Payload: json.RawMessage(`{}`)},
			want:   ErrInvalidRequest,
			metric: metrics.RelayInvalidRequest,
		},
		{
			name:   "spoofed from wins over unknown target",
			sender: "a",
			msg:    &sessionOffer{To: "nobody", From: "b", DisplayName: "bob", Payload: json.RawMessage(`{}`)},
			want:   ErrIdentityMismatch,
			metric: metrics.RelayIdentityMismatch,
		},
		{
			name:   "spoofed answer",
			sender: "a",
			msg:    &sessionAnswer{To: "b", From: "z", Payload: json.RawMessage(`{}`)},
			want:   ErrIdentityMismatch,
			metric: metrics.RelayIdentityMismatch,
		},
		{
			name:   "unknown target",
			sender: "a",
			msg:    &sessionAnswer{To: "nobody", From: "a", Payload: json.RawMessage(`{}`)},
			want:   ErrTargetNotFound,
			metric: metrics.RelayTargetNotFound,
		},
		{
			name:   "candidate to unknown target",
			sender: "a",
			msg:    &connectivityCandidate{To: "nobody", Payload: json.RawMessage(`{}`)},
			want:   ErrTargetNotFound,
			metric: metrics.RelayTargetNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, tr, m := newTestRouter(t)
			err := r.Route(tc.sender, tc.msg)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, 0, tr.total(), "nothing may be forwarded")
			require.Equal(t, uint64(1), m.Get(tc.metric))
			require.Equal(t, uint64(0), m.Get(metrics.RelayForwarded))
		})
	}
}

func TestRoute_SendFailureIsReturnedNotRetried(t *testing.T) {
	r, tr, m := newTestRouter(t)
	sendErr := errors.New("queue full")
	tr.failFor["b"] = sendErr

	err := r.Route("a", &connectivityCandidate{To: "b", Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, sendErr)
	require.Equal(t, 0, tr.total())
	require.Empty(t, tr.rawSent("a"), "sender is never told about failures")
	require.Equal(t, uint64(0), m.Get(metrics.RelayForwarded))
}

func TestRoute_AgainstLiveManager(t *testing.T) {
	tr := newFakeTransport()
	mgr := presence.NewManager(presence.Options{})
	r := NewRouter(mgr, tr, nil, nil)

	_, err := mgr.Join("a", "lobby", "alice")
	require.NoError(t, err)
	_, err = mgr.Join("b", "lobby", "bob")
	require.NoError(t, err)

	_, ok := mgr.Leave("a")
	require.True(t, ok)

	err = r.Route("b", &sessionAnswer{To: "a", From: "b", Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrTargetNotFound)
	require.Equal(t, 0, tr.total())
}
