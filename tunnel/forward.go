package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "udfdebug/internal/errors"
	"udfdebug/internal/metrics"
	"udfdebug/internal/retry"
	"udfdebug/util"
)

// errForwardLost is returned by Accept when the SSH connection drops
// and reconnection is disabled or exhausted.
var errForwardLost = errors.New("ssh connection to gateway lost")

// RFC 4254 §7.1 "tcpip-forward" / "cancel-tcpip-forward" payload.
type channelForwardMsg struct {
	Addr string
	Port uint32
}

// Reply to a "tcpip-forward" request for port 0.
type forwardReplyMsg struct {
	Port uint32
}

// RFC 4254 §7.2 "forwarded-tcpip" channel-open payload.
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// Forward is a net.Listener over a remote port forward on an SSH
// gateway.  Every forwarded-tcpip channel is accepted regardless of the
// bind address the gateway reports, since public gateways often echo a
// different one than was requested.
type Forward struct {
	cfg     *ForwardConfig
	dialer  *dialer
	logger  *util.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	client   *ssh.Client
	incoming <-chan ssh.NewChannel
	port     int // port bound on the gateway

	closeOnce sync.Once
}

// Open connects to the gateway and requests the remote listener.
// m may be nil.
func Open(ctx context.Context, cfg *ForwardConfig, logger *util.Logger, m *metrics.Collector) (*Forward, error) {
	d, err := newDialer(cfg.SSH, logger)
	if err != nil {
		return nil, err
	}

	f := &Forward{cfg: cfg, dialer: d, logger: logger, metrics: m}
	f.ctx, f.cancel = context.WithCancel(context.Background())

	if err := f.connect(ctx); err != nil {
		f.cancel()
		return nil, err
	}
	return f, nil
}

// Accept waits for the next connection forwarded by the gateway.
func (f *Forward) Accept() (net.Conn, error) {
	for {
		f.mu.Lock()
		incoming := f.incoming
		f.mu.Unlock()

		select {
		case <-f.ctx.Done():
			return nil, net.ErrClosed
		case nc, ok := <-incoming:
			if ok {
				conn, err := f.acceptChannel(nc)
				if err != nil {
					f.logger.Debug("tunnel: %v", err)
					continue
				}
				return conn, nil
			}
		}

		if f.ctx.Err() != nil {
			return nil, net.ErrClosed
		}
		if !f.cfg.AutoReconnect {
			return nil, ncerr.WrapSSH("forward", f.cfg.SSH.Host, f.cfg.SSH.Port, errForwardLost)
		}
		if err := f.reconnect(); err != nil {
			return nil, err
		}
	}
}

// Close cancels the remote forward and disconnects from the gateway.
func (f *Forward) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()

		f.mu.Lock()
		client, port := f.client, f.port
		f.client = nil
		f.mu.Unlock()

		if client != nil {
			msg := channelForwardMsg{Addr: f.cfg.RemoteBindAddress, Port: uint32(port)}
			client.SendRequest("cancel-tcpip-forward", false, ssh.Marshal(&msg)) //nolint:errcheck
			err = client.Close()
			if ncerr.IsHarmless(err) {
				err = nil
			}
		}
		f.wg.Wait()
	})
	return err
}

// Addr returns the gateway-side address clients connect to.
func (f *Forward) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.remote(f.port)
}

// connect dials the gateway, requests the forward and swaps the new
// client in, closing any previous one.
func (f *Forward) connect(ctx context.Context) error {
	client, err := f.dialer.dial(ctx)
	if err != nil {
		return err
	}

	incoming, port, err := requestForward(client, f.cfg.RemoteBindAddress, f.cfg.RemotePort)
	if err != nil {
		client.Close()
		return ncerr.WrapSSH("forward", f.cfg.SSH.Host, f.cfg.SSH.Port, err)
	}

	f.mu.Lock()
	if f.ctx.Err() != nil {
		f.mu.Unlock()
		client.Close()
		return net.ErrClosed
	}
	old := f.client
	f.client, f.incoming, f.port = client, incoming, port
	if f.cfg.KeepAliveInterval > 0 {
		f.wg.Add(1)
		go f.keepAlive(client)
	}
	f.mu.Unlock()
	if old != nil {
		old.Close()
	}

	f.logger.Info("reverse tunnel established: %s (gateway) → this server", f.cfg.remote(port))
	if f.cfg.OnEstablished != nil {
		f.cfg.OnEstablished(f.cfg.remote(port))
	}
	return nil
}

func (f *Forward) reconnect() error {
	f.logger.Warn("reverse tunnel to %s lost, reconnecting", f.cfg.SSH.Addr())

	b := f.cfg.Backoff
	if b == nil {
		b = retry.DefaultBackoff()
	}
	policy := *b
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		f.logger.Warn("reconnect %d: %v; next try in %v", attempt, err, wait.Round(time.Millisecond))
	}

	err := policy.Do(f.ctx, func(int) error {
		err := f.connect(f.ctx)
		if err != nil && isPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if f.ctx.Err() != nil {
			return net.ErrClosed
		}
		f.logger.Error("reverse tunnel: giving up: %v", err)
		return err
	}
	f.metrics.TunnelReconnect()
	return nil
}

// keepAlive pings the gateway and closes client on the first failure,
// which ends the forward's channel stream.
func (f *Forward) keepAlive(client *ssh.Client) {
	defer f.wg.Done()

	t := time.NewTicker(f.cfg.KeepAliveInterval)
	defer t.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-t.C:
		}

		f.mu.Lock()
		current := f.client == client
		f.mu.Unlock()
		if !current {
			return
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			f.logger.Warn("ssh keepalive failed: %v", err)
			client.Close()
			return
		}
		f.logger.Debug("ssh keepalive ok")
	}
}

func (f *Forward) acceptChannel(nc ssh.NewChannel) (net.Conn, error) {
	var p forwardedTCPPayload
	if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
		nc.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload") //nolint:errcheck
		return nil, fmt.Errorf("forwarded-tcpip payload: %w", err)
	}

	ch, reqs, err := nc.Accept()
	if err != nil {
		return nil, fmt.Errorf("channel accept: %w", err)
	}
	go ssh.DiscardRequests(reqs)

	return &chanConn{
		Channel: ch,
		laddr:   f.Addr(),
		raddr:   originAddr(p.OriginAddr, int(p.OriginPort)),
	}, nil
}

// requestForward registers the forwarded-tcpip handler and sends the
// tcpip-forward request.  It returns the port the gateway bound, which
// differs from port when port is 0.
func requestForward(client *ssh.Client, addr string, port int) (<-chan ssh.NewChannel, int, error) {
	incoming := client.HandleChannelOpen("forwarded-tcpip")
	if incoming == nil {
		return nil, 0, errors.New("forwarded-tcpip handler already registered")
	}

	msg := channelForwardMsg{Addr: addr, Port: uint32(port)}
	ok, reply, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&msg))
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("tcpip-forward %s denied by gateway",
			net.JoinHostPort(addr, strconv.Itoa(port)))
	}

	if port == 0 {
		var r forwardReplyMsg
		if err := ssh.Unmarshal(reply, &r); err != nil {
			return nil, 0, fmt.Errorf("tcpip-forward reply: %w", err)
		}
		port = int(r.Port)
	}
	return incoming, port, nil
}

// originAddr keeps hostnames a gateway may report instead of an IP.
func originAddr(host string, port int) net.Addr {
	if ip := net.ParseIP(host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: port}
	}
	return gatewayAddr{host: host, port: port}
}

// chanConn adapts an ssh.Channel to net.Conn.  Deadlines are not
// supported by SSH channels and are ignored.
type chanConn struct {
	ssh.Channel
	laddr, raddr net.Addr
}

func (c *chanConn) LocalAddr() net.Addr              { return c.laddr }
func (c *chanConn) RemoteAddr() net.Addr             { return c.raddr }
func (c *chanConn) SetDeadline(time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(time.Time) error { return nil }
