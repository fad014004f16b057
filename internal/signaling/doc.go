// Package signaling relays WebRTC session setup between browser clients,
// addressed by connection id.
//
// Clients connect to GET /signal over WebSocket and join a room to learn who
// else is there. Session offers, answers and connectivity candidates are
// addressed to another connection id; the relay does not check that sender and
// target share a room. Payloads are opaque: the relay checks that they are
// present and forwards the bytes unchanged to exactly one recipient.
//
// Membership is owned by presence.Manager. The Controller observes it and turns
// joins and leaves into user-connected, all-users and user-disconnected
// notifications; the Router validates and forwards relay messages.
package signaling
