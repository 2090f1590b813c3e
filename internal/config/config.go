// Package config resolves the sshcore CLI's settings from flags with
// environment-variable fallback, env-first-then-default resolution order.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/mobilessh/sshcore/internal/shell"
	"github.com/mobilessh/sshcore/internal/streamring"
)

const envPrefix = "SSHCORE_"

// Config holds everything the CLI's connect/stream/keygen subcommands need.
type Config struct {
	Host            string
	Port            int
	User            string
	AuthType        string // "password" or "key"
	SecretPath      string // password text or path to a private key file
	UseTmux         bool
	TmuxSessionName string
	RingCapacity    uint64
	CoalesceMs      uint64
	LogLevel        string
	SendRateLimit   uint64 // bytes/sec, 0 disables throttling
}

// Load resolves a Config from command-line flags, falling back to
// SSHCORE_-prefixed environment variables, falling back to defaults.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("sshcore", flag.ContinueOnError)

	cfg := &Config{}
	fs.StringVar(&cfg.Host, "host", getEnv("HOST", ""), "remote host")
	fs.IntVar(&cfg.Port, "port", getEnvAsInt("PORT", 22), "remote port")
	fs.StringVar(&cfg.User, "user", getEnv("USER", ""), "remote user")
	fs.StringVar(&cfg.AuthType, "auth-type", getEnv("AUTH_TYPE", "password"), "password or key")
	fs.StringVar(&cfg.SecretPath, "secret", getEnv("SECRET", ""), "password, or path to a private key file")
	fs.BoolVar(&cfg.UseTmux, "use-tmux", getEnvAsBool("USE_TMUX", false), "attach to a tmux session instead of a login shell")
	fs.StringVar(&cfg.TmuxSessionName, "tmux-session", getEnv("TMUX_SESSION", ""), "tmux session name, required when use-tmux is set")
	fs.Uint64Var(&cfg.RingCapacity, "ring-capacity", getEnvAsUint64("RING_CAPACITY", streamring.DefaultRingCapacity), "per-shell ring byte budget")
	fs.Uint64Var(&cfg.CoalesceMs, "coalesce-ms", getEnvAsUint64("COALESCE_MS", streamring.DefaultCoalesceMs), "listener coalescing window in milliseconds")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log verbosity")
	fs.Uint64Var(&cfg.SendRateLimit, "send-rate-limit", getEnvAsUint64("SEND_RATE_LIMIT", 0), "cap stdin bytes/sec sent to the shell, 0 disables")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("config: host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("config: user is required")
	}
	if cfg.UseTmux && cfg.TmuxSessionName == "" {
		return nil, fmt.Errorf("config: tmux-session is required when use-tmux is set")
	}

	return cfg, nil
}

// StartShellOptions projects the resolved config onto shell.StartShellOptions.
func (c *Config) StartShellOptions() shell.StartShellOptions {
	return shell.StartShellOptions{
		UseTmux:           c.UseTmux,
		TmuxSessionName:   c.TmuxSessionName,
		RingCapacityBytes: c.RingCapacity,
		SendRateLimit:     rate.Limit(c.SendRateLimit),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	if value, err := strconv.ParseUint(getEnv(key, ""), 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
