package signaling

import (
	"errors"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/presence"
)

var (
	// ErrInvalidRequest is the same sentinel presence uses, so a malformed
	// join and a malformed relay message match one errors.Is check.
	ErrInvalidRequest = presence.ErrInvalidRequest

	// ErrIdentityMismatch is returned when a relay message claims a sender id
	// other than the connection it arrived on.
	ErrIdentityMismatch = errors.New("sender id does not match connection")

	// ErrTargetNotFound is returned when a relay message addresses an id that
	// has no presence record.
	ErrTargetNotFound = errors.New("target connection not found")

	errConnNotFound  = errors.New("connection not found")
	errConnClosed    = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
	errServerClosing = errors.New("server shutting down")
)
