package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil, envMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.BindAddr != ":37003" {
		t.Errorf("BindAddr = %q, want :37003", cfg.BindAddr)
	}
	if !reflect.DeepEqual(cfg.ICEServers, []string{DefaultSTUNServer}) {
		t.Errorf("ICEServers = %v, want [%s]", cfg.ICEServers, DefaultSTUNServer)
	}
	if cfg.GatherTimeout != 10*time.Second {
		t.Errorf("GatherTimeout = %s, want 10s", cfg.GatherTimeout)
	}
	if cfg.MaxRoomViewers != 0 {
		t.Errorf("MaxRoomViewers = %d, want 0", cfg.MaxRoomViewers)
	}
	if len(cfg.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", cfg.Warnings)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	cfg, err := load(nil, envMap(map[string]string{
		"SFU_BIND_ADDR":        "127.0.0.1:9000",
		"SFU_ICE_SERVERS":      " stun:a.example:3478, ,turn:b.example:3478 ",
		"SFU_ICE_USERNAME":     "user",
		"SFU_GATHER_TIMEOUT":   "3s",
		"SFU_MAX_ROOM_VIEWERS": "25",
		"SFU_ICE_LOOPBACK":     "true",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	want := []string{"stun:a.example:3478", "turn:b.example:3478"}
	if !reflect.DeepEqual(cfg.ICEServers, want) {
		t.Errorf("ICEServers = %v, want %v", cfg.ICEServers, want)
	}
	if cfg.ICEUsername != "user" {
		t.Errorf("ICEUsername = %q", cfg.ICEUsername)
	}
	if cfg.GatherTimeout != 3*time.Second {
		t.Errorf("GatherTimeout = %s", cfg.GatherTimeout)
	}
	if cfg.MaxRoomViewers != 25 {
		t.Errorf("MaxRoomViewers = %d", cfg.MaxRoomViewers)
	}
	if !cfg.ICELoopback {
		t.Error("ICELoopback = false, want true")
	}
}

func TestLoadInvalidEnvFallsBack(t *testing.T) {
	cfg, err := load(nil, envMap(map[string]string{
		"SFU_GATHER_TIMEOUT":   "soon",
		"SFU_MAX_ROOM_VIEWERS": "many",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GatherTimeout != 10*time.Second {
		t.Errorf("GatherTimeout = %s, want default", cfg.GatherTimeout)
	}
	if len(cfg.Warnings) != 2 {
		t.Fatalf("warnings = %v, want 2 entries", cfg.Warnings)
	}
	if !strings.Contains(cfg.Warnings[0], "SFU_GATHER_TIMEOUT") {
		t.Errorf("first warning = %q", cfg.Warnings[0])
	}
}

func TestLoadFlagsWinOverEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sfu.yaml")
	file := "bind_addr: \":7000\"\nlog_level: debug\nice_servers: []\npli_interval: 5s\n"
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(
		[]string{"--config", path, "--port", "8123", "--log-level", "warn"},
		envMap(map[string]string{"SFU_LOG_LEVEL": "error"}),
	)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.BindAddr != ":8123" {
		t.Errorf("BindAddr = %q, want :8123", cfg.BindAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if len(cfg.ICEServers) != 0 {
		t.Errorf("ICEServers = %v, want empty from file", cfg.ICEServers)
	}
	if cfg.PLIInterval != 5*time.Second {
		t.Errorf("PLIInterval = %s, want 5s", cfg.PLIInterval)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"inverted udp range", []string{"--udp-port-min", "6000", "--udp-port-max", "5000"}},
		{"udp max only", []string{"--udp-port-max", "5000"}},
		{"zero gather timeout", []string{"--gather-timeout", "0s"}},
		{"negative viewer cap", []string{"--max-room-viewers", "-1"}},
		{"unknown flag", []string{"--bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(tt.args, envMap(nil)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadClampsPingInterval(t *testing.T) {
	cfg, err := load(nil, envMap(map[string]string{
		"SFU_WS_PING_INTERVAL": "1m",
		"SFU_WS_PONG_WAIT":     "30s",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WSPingInterval != 15*time.Second {
		t.Errorf("WSPingInterval = %s, want 15s", cfg.WSPingInterval)
	}
}
