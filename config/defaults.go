package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultPort is the TCP port the output server binds.
	DefaultPort = 3000

	// DefaultMaxLineLength bounds one unterminated line (1 MiB).
	DefaultMaxLineLength = 1 << 20

	// DefaultBindRetries is how often an in-use address is retried.
	DefaultBindRetries = 0

	// DefaultGracePeriod is how long an interrupt waits for sessions
	// before closing them.
	DefaultGracePeriod = 0 * time.Second

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds
	// used by --keep-alive without a value.
	DefaultKeepAliveInterval = 30

	// DefaultConnTimeout is the SSH dial and handshake timeout.
	DefaultConnTimeout = 30 * time.Second

	// EnvPrefix starts every supported environment variable.
	EnvPrefix = "UDFDEBUG_"
)
