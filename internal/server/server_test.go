// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devprbtt/daikin-d3net/d3net"
	"github.com/devprbtt/daikin-d3net/internal/config"
	"github.com/devprbtt/daikin-d3net/internal/store"
	"github.com/devprbtt/daikin-d3net/transport/local"
)

type testEnv struct {
	adapter *local.Adapter
	storage *store.Memory
	ts      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	adapter := local.New()
	var status d3net.Status
	status.SetPower(true)
	status.SetMode(d3net.ModeCool)
	status.SetSetpoint(22.5)
	adapter.ConnectUnit(1, d3net.Capability{}, status)

	events := NewEventLog(64)
	gw := d3net.New(adapter, d3net.Config{SlaveID: 1}, slog.New(events))

	storage := store.NewMemory()
	serial := config.SerialConfig{
		Device:   "/dev/ttyUSB0",
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "E",
		StopBits: 1,
		SlaveID:  1,
		Timeout:  1200 * time.Millisecond,
	}

	srv := New(gw, storage, &store.State{}, serial, events, slog.New(events))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{adapter: adapter, storage: storage, ts: ts}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) getJSON(t *testing.T, path string, out any) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func (e *testEnv) discover(t *testing.T) {
	t.Helper()
	resp := e.post(t, "/api/discover", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("discover status %d", resp.StatusCode)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode discover: %v", err)
	}
	if out.Count != 1 {
		t.Fatalf("discover count = %d, want 1", out.Count)
	}
}

func TestListUnits(t *testing.T) {
	env := newTestEnv(t)
	env.discover(t)

	var out struct {
		Units []unitJSON `json:"units"`
	}
	env.getJSON(t, "/api/hvac", &out)

	if len(out.Units) != 1 {
		t.Fatalf("%d units listed, want 1", len(out.Units))
	}
	u := out.Units[0]
	if u.Index != 1 || u.ID != "1-01" {
		t.Fatalf("unit identity = %d/%q", u.Index, u.ID)
	}
	if !u.Power || u.Mode != "cool" || u.Setpoint != 22.5 {
		t.Fatalf("unit state = %+v", u)
	}
}

func TestCommandSetpoint(t *testing.T) {
	env := newTestEnv(t)
	env.discover(t)

	value := 24.0
	resp := env.post(t, "/api/hvac/cmd", commandRequest{Index: 1, Cmd: "setpoint", Value: &value})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cmd status %d", resp.StatusCode)
	}

	words, err := env.adapter.ReadRegisters(context.Background(), d3net.RegHolding,
		d3net.AddrUnitHolding+1*d3net.CountUnitHolding, d3net.CountUnitHolding)
	if err != nil {
		t.Fatalf("holding read err=%v", err)
	}
	if got := d3net.SintGet(words, 32, 16); got != 240 {
		t.Fatalf("holding setpoint = %d, want 240", got)
	}
}

func TestCommandErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	env.discover(t)

	resp := env.post(t, "/api/hvac/cmd", commandRequest{Index: 9, Cmd: "power"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("absent unit status %d, want 404", resp.StatusCode)
	}

	resp = env.post(t, "/api/hvac/cmd", commandRequest{Index: 1, Cmd: "defrost"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown command status %d, want 400", resp.StatusCode)
	}
}

func TestRegistry(t *testing.T) {
	env := newTestEnv(t)
	env.discover(t)

	resp := env.post(t, "/api/registry", registryRequest{Index: 1, Action: "add"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("registry add status %d", resp.StatusCode)
	}

	// Registering an absent unit is rejected.
	resp = env.post(t, "/api/registry", registryRequest{Index: 2, Action: "add"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("registry add of absent unit status %d, want 404", resp.StatusCode)
	}

	var out struct {
		Units []struct {
			Index int    `json:"index"`
			ID    string `json:"id"`
		} `json:"units"`
	}
	env.getJSON(t, "/api/registry", &out)
	if len(out.Units) != 1 || out.Units[0].Index != 1 || out.Units[0].ID != "1-01" {
		t.Fatalf("registry = %+v", out.Units)
	}

	// Registration reached the store.
	saved, err := env.storage.Load()
	if err != nil {
		t.Fatalf("storage load err=%v", err)
	}
	if !saved.Registered(1) {
		t.Fatal("registration not persisted")
	}

	resp = env.post(t, "/api/registry", registryRequest{Index: 1, Action: "remove"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("registry remove status %d", resp.StatusCode)
	}
	env.getJSON(t, "/api/registry", &out)
	if len(out.Units) != 0 {
		t.Fatalf("registry after remove = %+v", out.Units)
	}
}

func TestRTUSettings(t *testing.T) {
	env := newTestEnv(t)

	var current rtuJSON
	env.getJSON(t, "/api/rtu", &current)
	if current.Device != "/dev/ttyUSB0" || current.BaudRate != 9600 || current.TimeoutMS != 1200 {
		t.Fatalf("current rtu settings = %+v", current)
	}

	resp := env.post(t, "/api/rtu", rtuJSON{
		Device: "/dev/ttyUSB1", BaudRate: 19200, DataBits: 8,
		Parity: "N", StopBits: 1, SlaveID: 2, TimeoutMS: 800,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rtu save status %d", resp.StatusCode)
	}
	var ack struct {
		RestartRequired bool `json:"restart_required"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode rtu ack: %v", err)
	}
	if !ack.RestartRequired {
		t.Fatal("rtu save did not flag restart")
	}

	saved, err := env.storage.Load()
	if err != nil {
		t.Fatalf("storage load err=%v", err)
	}
	if saved.RTU.Device != "/dev/ttyUSB1" || saved.RTU.BaudRate != 19200 {
		t.Fatalf("persisted rtu settings = %+v", saved.RTU)
	}
}

func TestUnitErrorEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var fault d3net.UnitError
	fault.Words[0] = uint16('4')<<8 | uint16('U')
	d3net.BitSet(fault.Words[:], 24, true, nil)
	env.adapter.SetUnitError(1, fault)

	env.discover(t)

	var out struct {
		Code  string `json:"code"`
		Error bool   `json:"error"`
	}
	env.getJSON(t, "/api/hvac/error?index=1", &out)
	if out.Code != "U4" || !out.Error {
		t.Fatalf("error view = %+v", out)
	}
}

func TestLogsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.discover(t)

	var out struct {
		Latest uint64 `json:"latest"`
		Lines  []struct {
			Seq  uint64 `json:"seq"`
			Text string `json:"text"`
		} `json:"lines"`
	}
	env.getJSON(t, "/api/logs", &out)
	if out.Latest == 0 || len(out.Lines) == 0 {
		t.Fatal("discover produced no diagnostic events")
	}

	env.getJSON(t, fmt.Sprintf("/api/logs?since=%d", out.Latest), &out)
	if len(out.Lines) != 0 {
		t.Fatalf("%d lines newer than latest", len(out.Lines))
	}
}
