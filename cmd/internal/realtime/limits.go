package realtime

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Reconnect policy: bounded retry count with a fixed delay.
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 2 * time.Second

	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultAckTimeout       = 10 * time.Second

	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	defaultSendQueueSize = 256
	minSendQueueSize     = 16
)
