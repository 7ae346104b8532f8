// Package config loads Router Core configuration from environment
// variables (spec section 6), applies defaults, and validates the
// result the same three-step way the original Thane config package
// did (Load -> applyDefaults -> Validate), but sourced from os.Getenv
// instead of a YAML file: the Router Core's configuration surface is
// environment variables, not a config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Overflow policies for the stream assembler's bounded queue.
const (
	OverflowDrop  = "drop"
	OverflowBlock = "block"
)

// Config holds all Router Core configuration. After Load returns
// successfully every field is usable without additional nil/empty
// checks.
type Config struct {
	MQTTURL  string
	ClientID string
	LogLevel string

	MetricsAddr string
	MetricsPort int

	StreamEnabled         bool
	StreamMin             int
	StreamMax             int
	StreamBoundary        bool
	StreamQueueMax        int
	StreamOverflow        string
	StreamFlushIntervalMs int

	HandlerTimeoutSec int

	WakeAlwaysListen     bool
	WakeIdleTimeoutSec   int
	WakeInterruptWindowS int

	DedupTTLSec int
	DedupMax    int

	HealthStaleSec int

	PolicyMinLengthChars int
	PolicyRulesPath      string
	TTSFallbackText      string
}

// lookupEnv is the os function Load depends on; overridden in tests to
// avoid mutating the real process environment.
var lookupEnv = os.LookupEnv

// Load reads configuration from environment variables, applies
// defaults for anything unset, validates the result, and returns it.
func Load() (*Config, error) {
	cfg := &Config{
		MQTTURL:  getString("MQTT_URL", "mqtt://localhost:1883"),
		ClientID: getString("CLIENT_ID", "tars-router"),
		LogLevel: getString("LOG_LEVEL", "info"),

		MetricsAddr: getString("METRICS_ADDR", ""),
		MetricsPort: getInt("METRICS_PORT", 9090),

		StreamEnabled:         getBool("STREAM_ENABLED", true),
		StreamMin:             getInt("STREAM_MIN", 20),
		StreamMax:             getInt("STREAM_MAX", 500),
		StreamBoundary:        getBool("STREAM_BOUNDARY", true),
		StreamQueueMax:        getInt("STREAM_QUEUE_MAX", 32),
		StreamOverflow:        getString("STREAM_OVERFLOW", OverflowDrop),
		StreamFlushIntervalMs: getInt("STREAM_FLUSH_INTERVAL_MS", 2000),

		HandlerTimeoutSec: getInt("HANDLER_TIMEOUT_SEC", 10),

		WakeAlwaysListen:     getBool("WAKE_ALWAYS_LISTEN", false),
		WakeIdleTimeoutSec:   getInt("WAKE_IDLE_TIMEOUT_SEC", 30),
		WakeInterruptWindowS: getInt("WAKE_INTERRUPT_WINDOW_SEC", 5),

		DedupTTLSec: getInt("DEDUP_TTL_SEC", 120),
		DedupMax:    getInt("DEDUP_MAX", 4096),

		HealthStaleSec: getInt("HEALTH_STALE_SEC", 60),

		PolicyMinLengthChars: getInt("POLICY_MIN_LENGTH_CHARS", 2),
		PolicyRulesPath:      getString("POLICY_RULES_PATH", ""),
		TTSFallbackText:      getString("TTS_FALLBACK_TEXT", ""),
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills in derived or clamped fields. Called
// automatically by Load.
func (c *Config) applyDefaults() {
	if c.StreamOverflow == "" {
		c.StreamOverflow = OverflowDrop
	}
	if c.StreamQueueMax <= 0 {
		c.StreamQueueMax = 32
	}
	if c.DedupMax <= 0 {
		c.DedupMax = 4096
	}
	if c.StreamFlushIntervalMs < 0 {
		c.StreamFlushIntervalMs = 0
	}
}

// Validate checks internal consistency. Runs after applyDefaults, so
// it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.MQTTURL == "" {
		return fmt.Errorf("MQTT_URL must not be empty")
	}
	if c.ClientID == "" {
		return fmt.Errorf("CLIENT_ID must not be empty")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.StreamOverflow != OverflowDrop && c.StreamOverflow != OverflowBlock {
		return fmt.Errorf("STREAM_OVERFLOW %q must be %q or %q", c.StreamOverflow, OverflowDrop, OverflowBlock)
	}
	if c.StreamMin < 0 {
		return fmt.Errorf("STREAM_MIN must be >= 0")
	}
	if c.StreamMax <= 0 {
		return fmt.Errorf("STREAM_MAX must be > 0")
	}
	if c.StreamMin > c.StreamMax {
		return fmt.Errorf("STREAM_MIN (%d) must be <= STREAM_MAX (%d)", c.StreamMin, c.StreamMax)
	}
	if c.StreamQueueMax <= 0 {
		return fmt.Errorf("STREAM_QUEUE_MAX must be > 0")
	}
	if c.HandlerTimeoutSec <= 0 {
		return fmt.Errorf("HANDLER_TIMEOUT_SEC must be > 0")
	}
	if c.WakeIdleTimeoutSec <= 0 {
		return fmt.Errorf("WAKE_IDLE_TIMEOUT_SEC must be > 0")
	}
	if c.WakeInterruptWindowS < 0 {
		return fmt.Errorf("WAKE_INTERRUPT_WINDOW_SEC must be >= 0")
	}
	if c.DedupTTLSec <= 0 {
		return fmt.Errorf("DEDUP_TTL_SEC must be > 0")
	}
	if c.DedupMax <= 0 {
		return fmt.Errorf("DEDUP_MAX must be > 0")
	}
	if c.HealthStaleSec <= 0 {
		return fmt.Errorf("HEALTH_STALE_SEC must be > 0")
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("METRICS_PORT %d out of range (1-65535)", c.MetricsPort)
	}
	return nil
}

// HandlerTimeout returns HandlerTimeoutSec as a time.Duration.
func (c *Config) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSec) * time.Second
}

// WakeIdleTimeout returns WakeIdleTimeoutSec as a time.Duration.
func (c *Config) WakeIdleTimeout() time.Duration {
	return time.Duration(c.WakeIdleTimeoutSec) * time.Second
}

// WakeInterruptWindow returns WakeInterruptWindowS as a time.Duration.
func (c *Config) WakeInterruptWindow() time.Duration {
	return time.Duration(c.WakeInterruptWindowS) * time.Second
}

// StreamFlushInterval returns StreamFlushIntervalMs as a time.Duration.
// Zero means the stalled-partial-sentence watchdog is disabled.
func (c *Config) StreamFlushInterval() time.Duration {
	return time.Duration(c.StreamFlushIntervalMs) * time.Millisecond
}

// DedupTTL returns DedupTTLSec as a time.Duration.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSec) * time.Second
}

// HealthStale returns HealthStaleSec as a time.Duration.
func (c *Config) HealthStale() time.Duration {
	return time.Duration(c.HealthStaleSec) * time.Second
}

func getString(key, def string) string {
	if v, ok := lookupEnv(key); ok {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, ok := lookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v, ok := lookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}
