// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}

	if cfg.Transport != "rtu" {
		t.Fatalf("transport = %q, want rtu", cfg.Transport)
	}
	if cfg.Serial.BaudRate != 9600 || cfg.Serial.Parity != "E" || cfg.Serial.Timeout != 1200*time.Millisecond {
		t.Fatalf("serial defaults = %+v", cfg.Serial)
	}
	if cfg.Serial.DEPin != -1 || cfg.Serial.REPin != -1 {
		t.Fatalf("gpio defaults = %d/%d, want -1/-1", cfg.Serial.DEPin, cfg.Serial.REPin)
	}
	if cfg.HTTP.Address != "0.0.0.0:8080" {
		t.Fatalf("http default = %q", cfg.HTTP.Address)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
transport: local
serial:
  device: /dev/ttyAMA0
  baud_rate: 19200
  parity: e
  timeout: 500ms
gateway:
  poll_interval: 30s
  throttle: 50ms
http:
  address: 127.0.0.1:9000
store:
  type: mmap
  path: /var/lib/d3net/state.bin
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}

	if cfg.Transport != "local" {
		t.Fatalf("transport = %q", cfg.Transport)
	}
	if cfg.Serial.Device != "/dev/ttyAMA0" || cfg.Serial.BaudRate != 19200 {
		t.Fatalf("serial = %+v", cfg.Serial)
	}
	if cfg.Serial.Parity != "E" {
		t.Fatalf("parity not upper-cased: %q", cfg.Serial.Parity)
	}
	if cfg.Serial.Timeout != 500*time.Millisecond {
		t.Fatalf("timeout = %v", cfg.Serial.Timeout)
	}
	if cfg.Gateway.PollInterval != 30*time.Second || cfg.Gateway.Throttle != 50*time.Millisecond {
		t.Fatalf("gateway tuning = %+v", cfg.Gateway)
	}
	if cfg.Store.Type != "mmap" {
		t.Fatalf("store = %+v", cfg.Store)
	}
}

func TestFixupSerial(t *testing.T) {
	s := SerialConfig{Parity: "x", DataBits: 9, StopBits: 3}
	FixupSerial(&s)
	if s.Parity != "N" || s.DataBits != 8 || s.StopBits != 1 || s.Timeout == 0 {
		t.Fatalf("fixup result = %+v", s)
	}
}
