package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

	if cfg.Box.BaudRate != 115200 {
		t.Errorf("baud = %d", cfg.Box.BaudRate)
	}
	if cfg.Calibration.Trials != 20 {
		t.Errorf("trials = %d", cfg.Calibration.Trials)
	}
	if cfg.Reconnect.BaseMs != 2000 || cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("reconnect = %+v", cfg.Reconnect)
	}
}

func TestLoadConfigYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
box:
  port_path: /dev/ttyACM3
  baud_rate: 57600
calibration:
  trials: 10
server:
  listen_addr: ":9000"
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BOX_BAUD", "115200")
	t.Setenv("LISTEN_ADDR", ":9001")

	cfg := LoadConfig(path)

	if cfg.Box.PortPath != "/dev/ttyACM3" {
		t.Errorf("port = %q", cfg.Box.PortPath)
	}
	if cfg.Box.BaudRate != 115200 {
		t.Errorf("env override lost: baud = %d", cfg.Box.BaudRate)
	}
	if cfg.Calibration.Trials != 10 {
		t.Errorf("trials = %d", cfg.Calibration.Trials)
	}
	if cfg.Server.ListenAddr != ":9001" {
		t.Errorf("listen = %q", cfg.Server.ListenAddr)
	}
}

func TestLinkConfigMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Box.SettleMs = 250
	cfg.Reconnect.BaseMs = 1500
	cfg.Calibration.PingTimeoutMs = 300

	lc := cfg.LinkConfig()

	if lc.SettleDelay != 250*time.Millisecond {
		t.Errorf("settle = %v", lc.SettleDelay)
	}
	if lc.ReconnectBase != 1500*time.Millisecond {
		t.Errorf("base = %v", lc.ReconnectBase)
	}
	if lc.Calibration.PingTimeout != 300*time.Millisecond {
		t.Errorf("ping timeout = %v", lc.Calibration.PingTimeout)
	}
	if lc.MaxReconnects != 5 || lc.RateCap != 100 {
		t.Errorf("mapping = %+v", lc)
	}
}

func TestUpdateFromJSONPreservesUnpatchedFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Box.PortPath = "/dev/ttyACM0"

	if err := cfg.UpdateFromJSON([]byte(`{"calibration":{"trials":30}}`)); err != nil {
		t.Fatal(err)
	}
	if cfg.Calibration.Trials != 30 {
		t.Errorf("trials = %d", cfg.Calibration.Trials)
	}
	if cfg.Box.PortPath != "/dev/ttyACM0" {
		t.Errorf("port lost in merge: %q", cfg.Box.PortPath)
	}
	if cfg.Calibration.PingTimeoutMs != 500 {
		t.Errorf("sibling field lost: %d", cfg.Calibration.PingTimeoutMs)
	}
}
