package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	ncerr "udfdebug/internal/errors"
)

// ── ParseTunnelSpec ──────────────────────────────────────────────────

func TestParseTunnelSpec(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"full", "admin@bastion.example.com:2222", "admin", "bastion.example.com", 2222, false},
		{"no port", "root@gateway", "root", "gateway", 22, false},
		{"no user", "jump-host:2200", "", "jump-host", 2200, false},
		{"host only", "gateway.local", "", "gateway.local", 22, false},
		{"bad port", "user@host:999999", "", "", 0, true},
		{"zero port", "user@host:0", "", "", 0, true},
		{"empty", "", "", "", 0, true},
		{"colon only", ":", "", "", 0, true},
		{"two users", "a@b@c", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, host, port, err := ParseTunnelSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if user != tt.wantUser || host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					user, host, port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestApplyTunnelSpec(t *testing.T) {
	cfg := &Config{ReverseTunnelSpec: "deploy@gw.example.com:2222"}
	if err := cfg.ApplyTunnelSpec(); err != nil {
		t.Fatal(err)
	}
	if !cfg.ReverseTunnelEnabled {
		t.Error("tunnel should be enabled")
	}
	if cfg.ReverseTunnelUser != "deploy" || cfg.ReverseTunnelHost != "gw.example.com" || cfg.ReverseTunnelPort != 2222 {
		t.Errorf("got %s@%s:%d", cfg.ReverseTunnelUser, cfg.ReverseTunnelHost, cfg.ReverseTunnelPort)
	}
}

func TestApplyTunnelSpec_DefaultUser(t *testing.T) {
	cfg := &Config{ReverseTunnelSpec: "gw.example.com"}
	if err := cfg.ApplyTunnelSpec(); err != nil {
		t.Fatal(err)
	}
	if cfg.ReverseTunnelUser == "" {
		t.Error("user should default to the current user")
	}
	if cfg.ReverseTunnelPort != DefaultSSHPort {
		t.Errorf("port = %d", cfg.ReverseTunnelPort)
	}
}

func TestApplyTunnelSpec_Empty(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ApplyTunnelSpec(); err != nil {
		t.Fatal(err)
	}
	if cfg.ReverseTunnelEnabled {
		t.Error("tunnel should stay disabled")
	}
}

func TestApplyTunnelSpec_Invalid(t *testing.T) {
	cfg := &Config{ReverseTunnelSpec: "user@host:abc"}
	err := cfg.ApplyTunnelSpec()

	var ce *ncerr.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
	if ce.Field != "reverse-tunnel" {
		t.Errorf("field = %q", ce.Field)
	}
}

// ── Defaults ─────────────────────────────────────────────────────────

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Port)
	}
	if cfg.MaxLineLength != 1<<20 {
		t.Errorf("MaxLineLength = %d", cfg.MaxLineLength)
	}
	if cfg.GracePeriod != 0 || cfg.BindRetries != 0 {
		t.Errorf("grace=%v retries=%d", cfg.GracePeriod, cfg.BindRetries)
	}
	if cfg.Output != "" || cfg.ReverseTunnelEnabled {
		t.Error("output should be stdout and no tunnel by default")
	}
}

// ── Validate ─────────────────────────────────────────────────────────

func validBase() Config {
	c := *Defaults()
	c.Host = "127.0.0.1"
	return c
}

func withTunnel(c Config) Config {
	c.ReverseTunnelEnabled = true
	c.ReverseTunnelHost = "gw.example.com"
	c.ReverseTunnelUser = "deploy"
	c.ReverseTunnelPort = 22
	return c
}

func TestValidate_OK(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"defaults", func(*Config) {}},
		{"ephemeral port", func(c *Config) { c.Port = 0 }},
		{"unlimited lines", func(c *Config) { c.MaxLineLength = 0 }},
		{"grace", func(c *Config) { c.GracePeriod = 2 * time.Second }},
		{"tunnel allocated port", func(c *Config) { *c = withTunnel(*c) }},
		{"tunnel full", func(c *Config) {
			*c = withTunnel(*c)
			c.RemotePort = 3000
			c.RemoteBindAddress = "0.0.0.0"
			c.KeepAliveInterval = 30
			c.AutoReconnect = true
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validBase()
			tt.mut(&c)
			if err := c.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

// TestValidate_ErrorMessages verifies that Validate returns actionable
// error messages with hints.
func TestValidate_ErrorMessages(t *testing.T) {
	tests := []struct {
		name      string
		mut       func(*Config)
		wantField string
		wantHint  bool
	}{
		{"empty host", func(c *Config) { c.Host = "" }, "server", true},
		{"port too big", func(c *Config) { c.Port = 70000 }, "port", true},
		{"negative port", func(c *Config) { c.Port = -1 }, "port", true},
		{"negative max line", func(c *Config) { c.MaxLineLength = -5 }, "max-line", true},
		{"negative retries", func(c *Config) { c.BindRetries = -1 }, "bind-retries", false},
		{"negative grace", func(c *Config) { c.GracePeriod = -time.Second }, "grace", true},
		{"remote port without tunnel", func(c *Config) { c.RemotePort = 80 }, "remote-port", true},
		{"remote bind without tunnel", func(c *Config) { c.RemoteBindAddress = "0.0.0.0" }, "remote-bind", true},
		{"keep-alive without tunnel", func(c *Config) { c.KeepAliveInterval = 10 }, "keep-alive", true},
		{"reconnect without tunnel", func(c *Config) { c.AutoReconnect = true }, "auto-reconnect", true},
		{"tunnel without host", func(c *Config) {
			*c = withTunnel(*c)
			c.ReverseTunnelHost = ""
		}, "reverse-tunnel", true},
		{"remote port out of range", func(c *Config) {
			*c = withTunnel(*c)
			c.RemotePort = 65536
		}, "remote-port", true},
		{"negative keep-alive", func(c *Config) {
			*c = withTunnel(*c)
			c.KeepAliveInterval = -1
		}, "keep-alive", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validBase()
			tt.mut(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			var ce *ncerr.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err %T is not a *ConfigError", err)
			}
			if ce.Field != tt.wantField {
				t.Errorf("field = %q, want %q", ce.Field, tt.wantField)
			}
			if got := strings.Contains(err.Error(), "hint:"); got != tt.wantHint {
				t.Errorf("hint present = %v in %q", got, err.Error())
			}
		})
	}
}
