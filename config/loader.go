package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the UDFDEBUG_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Malformed numbers are
// ignored.

// LoadFromEnv overlays environment variables onto cfg.  Only set env
// vars override the existing value.  Call it BEFORE flag parsing so
// that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := env("HOST"); v != "" {
		cfg.Host = v
	}
	if v, ok := envInt("PORT"); ok {
		cfg.Port = v
	}
	if v := env("OUTPUT"); v != "" {
		cfg.Output = v
	}
	if v, ok := envInt("MAX_LINE"); ok {
		cfg.MaxLineLength = v
	}
	if v, ok := envInt("BIND_RETRIES"); ok {
		cfg.BindRetries = v
	}
	if v, ok := envDuration("GRACE"); ok {
		cfg.GracePeriod = v
	}

	// Reverse tunnel
	if v := env("REVERSE_TUNNEL"); v != "" {
		cfg.ReverseTunnelSpec = v
	}
	if v, ok := envInt("REMOTE_PORT"); ok {
		cfg.RemotePort = v
	}
	if v := env("REMOTE_BIND"); v != "" {
		cfg.RemoteBindAddress = v
	}
	if v := env("SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if v := env("SSH_PASS"); v != "" {
		cfg.SSHPasswordText = v
	}
	if envBool("SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := env("KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v, ok := envInt("KEEP_ALIVE"); ok {
		cfg.KeepAliveInterval = v
	}
	if envBool("AUTO_RECONNECT") {
		cfg.AutoReconnect = true
	}

	// Diagnostics
	if v, ok := envInt("VERBOSE"); ok && v > 0 {
		cfg.Verbose = v
	}
	if envBool("STATS") {
		cfg.Stats = true
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func env(key string) string {
	return os.Getenv(EnvPrefix + key)
}

// envInt reports ok only for a set, well-formed value, so an explicit
// 0 (such as UDFDEBUG_PORT=0) still overrides.
func envInt(key string) (int, bool) {
	v := strings.TrimSpace(env(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// envDuration accepts a Go duration ("1500ms") or bare seconds ("2").
func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(env(key))
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(env(key)))
	return v == "1" || v == "true" || v == "yes"
}
