// Package config defines the runtime configuration for udfdebug and
// the helpers that parse and validate it.
package config

import (
	"fmt"
	"os"
	"os/user"
	"regexp"
	"strconv"
	"time"

	ncerr "udfdebug/internal/errors"
)

// Config holds every tuneable of one udfdebug process.
type Config struct {
	// ── Output server ────────────────────────────────────────────────
	Host          string // "" = resolved local hostname
	Port          int    // 0 = ephemeral
	Output        string // "" or "-" = stdout
	MaxLineLength int    // 0 = unlimited
	BindRetries   int
	GracePeriod   time.Duration

	// ── Reverse tunnel ───────────────────────────────────────────────
	ReverseTunnelSpec    string // raw [user@]host[:port] from -R
	ReverseTunnelEnabled bool
	ReverseTunnelUser    string
	ReverseTunnelHost    string
	ReverseTunnelPort    int
	RemotePort           int // 0 = gateway allocates
	RemoteBindAddress    string
	SSHKeyPath           string
	SSHPassword          bool   // true → prompt interactively
	SSHPasswordText      string // from the environment only
	UseSSHAgent          bool
	StrictHostKey        bool
	KnownHostsPath       string
	KeepAliveInterval    int // seconds, 0 disables
	AutoReconnect        bool

	// ── Diagnostics ──────────────────────────────────────────────────
	Verbose int
	Stats   bool
	DryRun  bool
}

// Defaults returns a Config populated with the package defaults.
func Defaults() *Config {
	return &Config{
		Port:          DefaultPort,
		MaxLineLength: DefaultMaxLineLength,
		BindRetries:   DefaultBindRetries,
		GracePeriod:   DefaultGracePeriod,
	}
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q, expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ApplyTunnelSpec fills the ReverseTunnel* fields from
// ReverseTunnelSpec.  A missing user defaults to the current user.
func (c *Config) ApplyTunnelSpec() error {
	if c.ReverseTunnelSpec == "" {
		return nil
	}
	u, host, port, err := ParseTunnelSpec(c.ReverseTunnelSpec)
	if err != nil {
		return &ncerr.ConfigError{
			Field:   "reverse-tunnel",
			Value:   c.ReverseTunnelSpec,
			Message: err.Error(),
			Hint:    "e.g. -R deploy@gateway.example.com:2222",
		}
	}
	if u == "" {
		u = currentUser()
	}
	c.ReverseTunnelEnabled = true
	c.ReverseTunnelUser = u
	c.ReverseTunnelHost = host
	c.ReverseTunnelPort = port
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Every failure is a *errors.ConfigError carrying a hint.
func (c *Config) Validate() error {
	if c.Host == "" {
		return &ncerr.ConfigError{
			Field:   "server",
			Message: "bind host is empty",
			Hint:    "use -s 0.0.0.0 to listen on all interfaces",
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return &ncerr.ConfigError{
			Field:   "port",
			Value:   c.Port,
			Message: "must be between 0 and 65535",
			Hint:    "use -p 0 to let the OS pick a free port",
		}
	}
	if c.MaxLineLength < 0 {
		return &ncerr.ConfigError{
			Field:   "max-line",
			Value:   c.MaxLineLength,
			Message: "must not be negative",
			Hint:    "use --max-line 0 to disable the limit",
		}
	}
	if c.BindRetries < 0 {
		return &ncerr.ConfigError{
			Field:   "bind-retries",
			Value:   c.BindRetries,
			Message: "must not be negative",
		}
	}
	if c.GracePeriod < 0 {
		return &ncerr.ConfigError{
			Field:   "grace",
			Value:   c.GracePeriod,
			Message: "must not be negative",
			Hint:    "e.g. --grace 2s",
		}
	}

	if !c.ReverseTunnelEnabled {
		return c.validateTunnelOnly()
	}

	if c.ReverseTunnelHost == "" {
		return &ncerr.ConfigError{
			Field:   "reverse-tunnel",
			Message: "gateway host is required",
			Hint:    "e.g. -R user@gateway.example.com",
		}
	}
	if c.RemotePort < 0 || c.RemotePort > 65535 {
		return &ncerr.ConfigError{
			Field:   "remote-port",
			Value:   c.RemotePort,
			Message: "must be between 0 and 65535",
			Hint:    "use --remote-port 0 to let the gateway pick one",
		}
	}
	if c.KeepAliveInterval < 0 {
		return &ncerr.ConfigError{
			Field:   "keep-alive",
			Value:   c.KeepAliveInterval,
			Message: "must not be negative",
			Hint:    "use --keep-alive 0 to disable keepalives",
		}
	}
	return nil
}

// validateTunnelOnly rejects tunnel options given without -R.
func (c *Config) validateTunnelOnly() error {
	var field string
	switch {
	case c.RemotePort != 0:
		field = "remote-port"
	case c.RemoteBindAddress != "":
		field = "remote-bind"
	case c.KeepAliveInterval != 0:
		field = "keep-alive"
	case c.AutoReconnect:
		field = "auto-reconnect"
	default:
		return nil
	}
	return &ncerr.ConfigError{
		Field:   field,
		Message: "only applies to a reverse tunnel",
		Hint:    "add -R [user@]gateway[:port]",
	}
}
