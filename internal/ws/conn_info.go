package ws

import "time"

// ConnInfo is the identity captured at handshake, used for event envelopes.
type ConnInfo struct {
	ConnID      string
	UserID      int
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
