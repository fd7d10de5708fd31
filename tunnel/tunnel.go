// Package tunnel exposes the output service on a remote SSH gateway,
// the equivalent of `ssh -R`.  Connections arriving on the gateway are
// delivered as forwarded-tcpip channels and surfaced through a
// net.Listener so the server can serve them like local clients.
package tunnel

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"udfdebug/internal/retry"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	Password      string // used as-is when set
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

// Addr returns host:port of the gateway.
func (c *SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *SSHConfig) setDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.ConnTimeout == 0 {
		c.ConnTimeout = 30 * time.Second
	}
}

// ForwardConfig describes the remote listener requested on the gateway.
type ForwardConfig struct {
	SSH *SSHConfig

	RemoteBindAddress string // "" lets the gateway decide
	RemotePort        int    // 0 asks the gateway to allocate one

	KeepAliveInterval time.Duration // 0 disables keepalive
	AutoReconnect     bool

	// Backoff paces reconnection; nil means retry.DefaultBackoff().
	Backoff *retry.Backoff

	// OnEstablished, if set, is called with the gateway address every
	// time the forward is (re)established.  The port may change across
	// reconnects when RemotePort is 0.
	OnEstablished func(remote net.Addr)
}

// gatewayAddr is the net.Addr of a remote forward.
type gatewayAddr struct {
	host string
	port int
}

func (a gatewayAddr) Network() string { return "ssh" }

func (a gatewayAddr) String() string {
	return net.JoinHostPort(a.host, strconv.Itoa(a.port))
}

func (c *ForwardConfig) remote(port int) gatewayAddr {
	host := c.RemoteBindAddress
	if host == "" {
		host = c.SSH.Host
	}
	return gatewayAddr{host: host, port: port}
}

func (c *ForwardConfig) String() string {
	return fmt.Sprintf("%s@%s", c.SSH.User, c.SSH.Addr())
}
