package signaling

import (
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/presence"
)

// Transport delivers frames to connections by id. Send must not block; it is
// called while the presence lock is held.
type Transport interface {
	Send(id string, frame []byte) error
	Close(id string, code int, reason string)
}

// Directory resolves connection ids to presence records.
type Directory interface {
	Lookup(id string) (presence.Member, bool)
}

// Router validates relay messages and forwards each one to its single target.
// Nothing is ever reported back to the sender.
type Router struct {
	dir       Directory
	transport Transport
	metrics   *metrics.Metrics
	log       *slog.Logger
}

func NewRouter(dir Directory, transport Transport, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{dir: dir, transport: transport, metrics: m, log: logger}
}

// Route handles one relay message from senderID. Checks run in a fixed order:
// required fields, then the claimed sender id, then the target. The first
// failure drops the message and is returned; a successful forward returns the
// transport's Send error, which the transport has already logged.
func (r *Router) Route(senderID string, msg relayMessage) error {
	log := r.log.With("conn_id", senderID, "type", string(msg.messageType()))

	if err := validateRelay(msg); err != nil {
		r.metrics.Inc(metrics.RelayInvalidRequest)
		log.Debug("dropping relay message", "err", err)
		return err
	}

	var (
		frame       []byte
		payloadSize int
	)
	switch m := msg.(type) {
	case *sessionOffer:
		if m.From != senderID {
			return r.identityMismatch(log, m.From)
		}
		if !r.targetExists(log, m.To) {
			return ErrTargetNotFound
		}
		displayName := m.DisplayName
		if self, ok := r.dir.Lookup(senderID); ok {
			displayName = self.DisplayName
		}
		frame = encodeFrame(offerForward{Type: MessageTypeSessionOffer, From: senderID, DisplayName: displayName, Payload: m.Payload})
		payloadSize = len(m.Payload)
	case *sessionAnswer:
		if m.From != senderID {
			return r.identityMismatch(log, m.From)
		}
		if !r.targetExists(log, m.To) {
			return ErrTargetNotFound
		}
		frame = encodeFrame(answerForward{Type: MessageTypeSessionAnswer, From: senderID, Payload: m.Payload})
		payloadSize = len(m.Payload)
	case *connectivityCandidate:
		if !r.targetExists(log, m.To) {
			return ErrTargetNotFound
		}
		frame = encodeFrame(candidateForward{Type: MessageTypeConnectivityCandidate, From: senderID, Payload: m.Payload})
		payloadSize = len(m.Payload)
	default:
		return fmt.Errorf("%w: %s is not a relay message", ErrInvalidRequest, msg.messageType())
	}

	if err := r.transport.Send(msg.target(), frame); err != nil {
		return err
	}
	r.metrics.Inc(metrics.RelayForwarded)
	log.Debug("relayed message", "to", msg.target(), "payload_bytes", payloadSize)
	return nil
}

func (r *Router) identityMismatch(log *slog.Logger, claimed string) error {
	r.metrics.Inc(metrics.RelayIdentityMismatch)
	log.Warn("relay message claims another sender id", "claimed_from", claimed)
	return ErrIdentityMismatch
}

func (r *Router) targetExists(log *slog.Logger, to string) bool {
	if _, ok := r.dir.Lookup(to); ok {
		return true
	}
	r.metrics.Inc(metrics.RelayTargetNotFound)
	log.Debug("relay target not found", "to", to)
	return false
}
