// Package presence tracks which signaling connections have joined which room.
//
// The connection registry and the room index are owned by a single Manager and
// guarded by one mutex; nothing outside this package can read or mutate them
// except through Join, Leave and the snapshot accessors.
package presence
