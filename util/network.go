package util

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// WildcardHost binds every IPv4 interface.
const WildcardHost = "0.0.0.0"

// FormatAddr returns "host:port", bracketing IPv6 literals.
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// DefaultBindHost resolves the machine's hostname to its first IPv4
// address so clients on other nodes can reach the service.  It falls
// back to [WildcardHost] when the hostname does not resolve.
func DefaultBindHost() string {
	name, err := os.Hostname()
	if err != nil {
		return WildcardHost
	}
	return resolveIPv4(name)
}

func resolveIPv4(name string) string {
	addrs, err := net.LookupHost(name)
	if err != nil {
		return WildcardHost
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	return WildcardHost
}

// PeerAddr renders a connection's remote address as "ip:port".
func PeerAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return "unknown"
	}
	return conn.RemoteAddr().String()
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
