package config

import "testing"

// withEnv stubs lookupEnv for the duration of a test.
func withEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	orig := lookupEnv
	lookupEnv = func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
	t.Cleanup(func() { lookupEnv = orig })
}

func TestLoadDefaults(t *testing.T) {
	withEnv(t, map[string]string{})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTTURL != "mqtt://localhost:1883" {
		t.Errorf("MQTTURL default = %q", cfg.MQTTURL)
	}
	if cfg.ClientID != "tars-router" {
		t.Errorf("ClientID default = %q", cfg.ClientID)
	}
	if cfg.StreamOverflow != OverflowDrop {
		t.Errorf("StreamOverflow default = %q, want %q", cfg.StreamOverflow, OverflowDrop)
	}
	if !cfg.StreamEnabled {
		t.Error("StreamEnabled default should be true")
	}
	if cfg.DedupMax != 4096 {
		t.Errorf("DedupMax default = %d", cfg.DedupMax)
	}
	if cfg.MetricsPort != 9090 {
		t.Errorf("MetricsPort default = %d", cfg.MetricsPort)
	}
	if cfg.StreamFlushIntervalMs != 2000 {
		t.Errorf("StreamFlushIntervalMs default = %d", cfg.StreamFlushIntervalMs)
	}
}

func TestLoadOverrides(t *testing.T) {
	withEnv(t, map[string]string{
		"MQTT_URL":         "mqtt://broker.local:1883",
		"CLIENT_ID":        "tars-router-2",
		"STREAM_MIN":       "10",
		"STREAM_MAX":       "100",
		"STREAM_OVERFLOW":  "block",
		"WAKE_ALWAYS_LISTEN": "true",
		"DEDUP_TTL_SEC":    "60",
		"METRICS_PORT":     "9191",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTTURL != "mqtt://broker.local:1883" {
		t.Errorf("MQTTURL = %q", cfg.MQTTURL)
	}
	if cfg.StreamMin != 10 || cfg.StreamMax != 100 {
		t.Errorf("StreamMin/Max = %d/%d", cfg.StreamMin, cfg.StreamMax)
	}
	if cfg.StreamOverflow != OverflowBlock {
		t.Errorf("StreamOverflow = %q", cfg.StreamOverflow)
	}
	if !cfg.WakeAlwaysListen {
		t.Error("WakeAlwaysListen should be true")
	}
	if cfg.DedupTTLSec != 60 {
		t.Errorf("DedupTTLSec = %d", cfg.DedupTTLSec)
	}
	if cfg.MetricsPort != 9191 {
		t.Errorf("MetricsPort = %d", cfg.MetricsPort)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"empty mqtt url", map[string]string{"MQTT_URL": ""}},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}},
		{"bad overflow policy", map[string]string{"STREAM_OVERFLOW": "panic"}},
		{"stream min above max", map[string]string{"STREAM_MIN": "500", "STREAM_MAX": "20"}},
		{"zero handler timeout", map[string]string{"HANDLER_TIMEOUT_SEC": "0"}},
		{"zero dedup ttl", map[string]string{"DEDUP_TTL_SEC": "0"}},
		{"metrics port out of range", map[string]string{"METRICS_PORT": "70000"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			withEnv(t, tc.env)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %v: want error, got nil", tc.env)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	withEnv(t, map[string]string{
		"HANDLER_TIMEOUT_SEC":      "5",
		"WAKE_IDLE_TIMEOUT_SEC":    "15",
		"WAKE_INTERRUPT_WINDOW_SEC": "3",
		"DEDUP_TTL_SEC":            "90",
		"HEALTH_STALE_SEC":         "45",
		"STREAM_FLUSH_INTERVAL_MS": "1500",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.HandlerTimeout().Seconds(); got != 5 {
		t.Errorf("HandlerTimeout() = %v", got)
	}
	if got := cfg.WakeIdleTimeout().Seconds(); got != 15 {
		t.Errorf("WakeIdleTimeout() = %v", got)
	}
	if got := cfg.WakeInterruptWindow().Seconds(); got != 3 {
		t.Errorf("WakeInterruptWindow() = %v", got)
	}
	if got := cfg.DedupTTL().Seconds(); got != 90 {
		t.Errorf("DedupTTL() = %v", got)
	}
	if got := cfg.HealthStale().Seconds(); got != 45 {
		t.Errorf("HealthStale() = %v", got)
	}
	if got := cfg.StreamFlushInterval().Milliseconds(); got != 1500 {
		t.Errorf("StreamFlushInterval() = %v", got)
	}
}
