// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketPongWait is how long a socket may stay silent before it is dropped
	WebSocketPongWait = 60 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// TokenAudience is the audience every API token must carry
	TokenAudience = "callsignal-api"
)

// Database connection constants
const (
	MaxConnLifetime   = 1 * time.Hour
	MaxConnIdleTime   = 30 * time.Minute
	HealthCheckPeriod = 1 * time.Minute
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Call-related constants
const (
	// DefaultPollInterval is how often a client controller fetches the call snapshot
	DefaultPollInterval = 1 * time.Second

	// DefaultMaxPollFailures is the consecutive failed fetches tolerated before a call is failed
	DefaultMaxPollFailures = 5

	// RingWindow bounds how old a pending call may be and still be offered as incoming
	RingWindow = 60 * time.Second

	// DefaultRingTimeout is how long an unanswered call rings before it becomes missed
	DefaultRingTimeout = 60 * time.Second

	// DefaultSweepInterval is how often the ring sweeper runs
	DefaultSweepInterval = 10 * time.Second

	// MaxCallDuration is the upper bound the sweeper applies to calls stuck active
	MaxCallDuration = 24 * time.Hour

	// MaxICECandidatesPerRole caps one participant's candidate log
	MaxICECandidatesPerRole = 256

	// MaxSDPLength caps an offer or answer body
	MaxSDPLength = 64 * 1024
)

// History pagination constants
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)
