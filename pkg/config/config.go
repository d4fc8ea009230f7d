package config

import "time"

// Server defaults
const (
	DefaultPort      = "8080"
	DefaultKeyPrefix = "scanmetrics"
	DefaultBackend   = "redis"
	DefaultDataDir   = "./data/scanmetrics"
	DefaultRedisAddr = "localhost:6379"
)

// Record/query timeouts and defaults
const (
	RecordTimeout      = 5 * time.Second
	QueryTimeout       = 10 * time.Second
	DefaultRollupLimit = 30
	MaxRollupLimit     = 365
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
