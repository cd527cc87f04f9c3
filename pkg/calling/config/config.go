package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Session/call backend (REST). Empty BackendURL means no live backend is
	// configured and every session runs simulated.
	BackendURL     string
	APIKey         string
	AgentID        string
	RequestTimeout time.Duration

	// Reconnection policy.
	ReconnectMaxAttempts int
	ReconnectStep        time.Duration

	// Simulated transport pacing.
	SimConnectDelay     time.Duration
	SimSpeakingInterval time.Duration

	// Realtime websocket channel.
	WSHandshakeTimeout time.Duration
	WSWriteTimeout     time.Duration
	WSPingInterval     time.Duration
	WSMaxMessageBytes  int64

	// Operational.
	MetricsAddr string // empty => disabled
	LogLevel    slog.Level
}

// Simulated reports whether no live backend is configured.
func (c Config) Simulated() bool {
	return strings.TrimSpace(c.BackendURL) == ""
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		BackendURL:           envOr("VAI_DIALER_BACKEND_URL", ""),
		APIKey:               envOr("VAI_DIALER_API_KEY", ""),
		AgentID:              envOr("VAI_DIALER_AGENT_ID", ""),
		RequestTimeout:       envDurationOr("VAI_DIALER_REQUEST_TIMEOUT", 15*time.Second),
		ReconnectMaxAttempts: envIntOr("VAI_DIALER_RECONNECT_MAX_ATTEMPTS", 3),
		ReconnectStep:        envDurationOr("VAI_DIALER_RECONNECT_STEP", time.Second),
		SimConnectDelay:      envDurationOr("VAI_DIALER_SIM_CONNECT_DELAY", 600*time.Millisecond),
		SimSpeakingInterval:  envDurationOr("VAI_DIALER_SIM_SPEAKING_INTERVAL", 1400*time.Millisecond),
		WSHandshakeTimeout:   envDurationOr("VAI_DIALER_WS_HANDSHAKE_TIMEOUT", 10*time.Second),
		WSWriteTimeout:       envDurationOr("VAI_DIALER_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:       envDurationOr("VAI_DIALER_WS_PING_INTERVAL", 20*time.Second),
		WSMaxMessageBytes:    envInt64Or("VAI_DIALER_WS_MAX_MESSAGE_BYTES", 64*1024),
		MetricsAddr:          envOr("VAI_DIALER_METRICS_ADDR", ""),
	}

	level, err := parseLevel(envOr("VAI_DIALER_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if cfg.RequestTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALER_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALER_RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if cfg.ReconnectStep <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALER_RECONNECT_STEP must be > 0")
	}
	if cfg.SimConnectDelay <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALER_SIM_CONNECT_DELAY must be > 0")
	}
	if cfg.SimSpeakingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALER_SIM_SPEAKING_INTERVAL must be > 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALER_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALER_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval < 0 {
		return Config{}, fmt.Errorf("VAI_DIALER_WS_PING_INTERVAL must be >= 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_DIALER_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if !cfg.Simulated() && !strings.HasPrefix(cfg.BackendURL, "http://") && !strings.HasPrefix(cfg.BackendURL, "https://") {
		return Config{}, fmt.Errorf("VAI_DIALER_BACKEND_URL must use http or https")
	}

	return cfg, nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("VAI_DIALER_LOG_LEVEL must be one of debug|info|warn|error")
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
