package signaling

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
)

// hub maps transport connection ids to live WebSocket connections. It is the
// Transport used by the Controller and Router.
type hub struct {
	metrics *metrics.Metrics
	log     *slog.Logger

	mu    sync.RWMutex
	conns map[string]*wsConn
}

func newHub(m *metrics.Metrics, logger *slog.Logger) *hub {
	return &hub{metrics: m, log: logger, conns: make(map[string]*wsConn)}
}

func (h *hub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *hub) get(id string) (*wsConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *hub) snapshot() []*wsConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Values(h.conns)
}

func (h *hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send queues frame for connection id. A connection whose queue is full is
// closed so one slow reader cannot hold back the rest of its room.
func (h *hub) Send(id string, frame []byte) error {
	c, ok := h.get(id)
	if !ok {
		h.sendFailed(id, errConnNotFound)
		return errConnNotFound
	}
	if err := c.enqueue(frame); err != nil {
		h.sendFailed(id, err)
		if errors.Is(err, errSendQueueFull) {
			c.closeWith(websocket.CloseTryAgainLater, "send queue full")
		}
		return err
	}
	return nil
}

func (h *hub) sendFailed(id string, err error) {
	h.metrics.Inc(metrics.SendFailed)
	h.log.Warn("dropping outbound frame", "conn_id", id, "err", err)
}

func (h *hub) Close(id string, code int, reason string) {
	if c, ok := h.get(id); ok {
		c.closeWith(code, reason)
	}
}
