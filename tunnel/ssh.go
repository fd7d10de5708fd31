package tunnel

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	ncerr "udfdebug/internal/errors"
	"udfdebug/util"
)

// dialer opens SSH client connections to one gateway.  Auth methods are
// resolved once so a reconnect never prompts again.
type dialer struct {
	cfg    *SSHConfig
	client *ssh.ClientConfig
	logger *util.Logger
}

func newDialer(cfg *SSHConfig, logger *util.Logger) (*dialer, error) {
	cfg.setDefaults()

	methods, err := BuildAuthMethods(cfg)
	if err != nil {
		return nil, ncerr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	hk, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, ncerr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}

	return &dialer{
		cfg: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            methods,
			HostKeyCallback: hk,
			Timeout:         cfg.ConnTimeout,
			BannerCallback: func(msg string) error {
				for _, line := range strings.Split(strings.TrimRight(msg, "\r\n"), "\n") {
					logger.Info("gateway: %s", strings.TrimRight(line, "\r"))
				}
				return nil
			},
		},
		logger: logger,
	}, nil
}

// dial connects and completes the SSH handshake.  Cancelling ctx
// aborts a handshake in progress.
func (d *dialer) dial(ctx context.Context) (*ssh.Client, error) {
	addr := d.cfg.Addr()
	d.logger.Debug("ssh: dialing %s as %s", addr, d.cfg.User)

	nd := net.Dialer{Timeout: d.cfg.ConnTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ncerr.Wrap("dial", addr, err)
	}

	var hs handshakeState
	cc := *d.client
	cc.HostKeyCallback = hs.checkHostKey(d.client.HostKeyCallback)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &cc)
	if !stop() {
		if err == nil {
			sshConn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, ncerr.WrapSSH(hs.failedOp(err), d.cfg.Host, d.cfg.Port, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// handshakeState tracks how far one handshake got, so a failure can be
// blamed on the host key, on authentication or on the transport.
type handshakeState struct {
	mu         sync.Mutex
	hostKeyOK  bool
	hostKeyErr error
}

func (h *handshakeState) checkHostKey(next ssh.HostKeyCallback) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := next(hostname, remote, key)
		h.mu.Lock()
		defer h.mu.Unlock()
		if err != nil {
			h.hostKeyErr = err
		} else {
			h.hostKeyOK = true
		}
		return err
	}
}

// failedOp names the phase a handshake error belongs to.  Once the host
// key is accepted only user authentication remains, so any failure that
// is not the connection going away is a rejection.
func (h *handshakeState) failedOp(err error) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.hostKeyErr != nil:
		return "hostkey"
	case h.hostKeyOK && !ncerr.IsHarmless(err) && !ncerr.IsRetryable(err):
		return "auth"
	default:
		return "handshake"
	}
}

// isPermanent reports whether retrying cannot fix err: rejected
// credentials or an unknown or mismatched host key.
func isPermanent(err error) bool {
	var se *ncerr.SSHError
	if errors.As(err, &se) && (se.Op == "auth" || se.Op == "hostkey") {
		return true
	}
	var ke *knownhosts.KeyError
	return errors.As(err, &ke)
}
