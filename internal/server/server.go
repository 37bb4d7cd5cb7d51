// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package server is the host-facing HTTP surface: unit listing, operator
// commands, the unit registry, RTU settings and diagnostics. It renders the
// gateway's view; all policy lives in the d3net package.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devprbtt/daikin-d3net/d3net"
	"github.com/devprbtt/daikin-d3net/internal/config"
	"github.com/devprbtt/daikin-d3net/internal/store"
)

const (
	readTimeout    = 2 * time.Second
	commandTimeout = 5 * time.Second
)

// Server serves the host API over a gateway and the persisted state.
type Server struct {
	gw      *d3net.Gateway
	storage store.Storage
	serial  config.SerialConfig
	events  *EventLog
	metrics *metrics
	log     *slog.Logger
	mux     *http.ServeMux

	mu    sync.Mutex
	state *store.State
}

// New builds the server and its routes.
func New(gw *d3net.Gateway, storage store.Storage, state *store.State, serial config.SerialConfig, events *EventLog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if state == nil {
		state = &store.State{}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	s := &Server{
		gw:      gw,
		storage: storage,
		serial:  serial,
		events:  events,
		metrics: newMetrics(reg),
		log:     logger,
		state:   state,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("/api/hvac", s.handleUnits)
	s.mux.HandleFunc("/api/discover", s.handleDiscover)
	s.mux.HandleFunc("/api/hvac/cmd", s.handleCommand)
	s.mux.HandleFunc("/api/hvac/error", s.handleError)
	s.mux.HandleFunc("/api/registry", s.handleRegistry)
	s.mux.HandleFunc("/api/rtu", s.handleRTU)
	s.mux.HandleFunc("/api/logs", s.handleLogs)
	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return s
}

// Handler returns the root handler for an http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// RecordPoll feeds the poll counters from the background task.
func (s *Server) RecordPoll(err error) {
	s.metrics.polls.Inc()
	if err != nil {
		s.metrics.pollErrors.Inc()
	}
}

// ObserveUnits refreshes the per-unit gauges from the gateway cache.
func (s *Server) ObserveUnits(ctx context.Context) {
	s.metrics.observe(ctx, s.gw)
}

type unitJSON struct {
	Index         int     `json:"index"`
	ID            string  `json:"id"`
	Power         bool    `json:"power"`
	Mode          string  `json:"mode"`
	CurrentMode   string  `json:"current_mode"`
	Setpoint      float64 `json:"setpoint"`
	CurrentTemp   float64 `json:"current_temp"`
	FanSpeed      string  `json:"fan_speed"`
	FanDirection  string  `json:"fan_dir"`
	FilterWarning bool    `json:"filter_warning"`
	Registered    bool    `json:"registered"`
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	units, err := s.gw.Units(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	state := *s.state
	s.mu.Unlock()

	out := make([]unitJSON, 0, len(units))
	for i := range units {
		u := &units[i]
		if !u.Present {
			continue
		}
		out = append(out, unitJSON{
			Index:         int(u.Index),
			ID:            u.ID,
			Power:         u.Status.Power(),
			Mode:          u.Status.Mode().String(),
			CurrentMode:   u.Status.CurrentMode().String(),
			Setpoint:      u.Status.Setpoint(),
			CurrentTemp:   u.Status.CurrentTemperature(),
			FanSpeed:      u.Status.FanSpeed().String(),
			FanDirection:  u.Status.FanDirection().String(),
			FilterWarning: u.Status.FilterWarning(),
			Registered:    state.Registered(u.Index),
		})
	}
	s.writeJSON(w, map[string]any{"units": out})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	count, err := s.gw.Discover(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"count": count})
}

type commandRequest struct {
	Index int      `json:"index"`
	Cmd   string   `json:"cmd"`
	Value *float64 `json:"value,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	value := func() float64 {
		if req.Value == nil {
			return 0
		}
		return *req.Value
	}

	var err error
	switch req.Cmd {
	case "power":
		err = s.gw.SetPower(ctx, req.Index, value() != 0)
	case "mode":
		err = s.gw.SetMode(ctx, req.Index, d3net.Mode(value()))
	case "setpoint":
		err = s.gw.SetSetpoint(ctx, req.Index, value())
	case "fan_speed":
		err = s.gw.SetFanSpeed(ctx, req.Index, d3net.FanSpeed(value()))
	case "fan_dir":
		err = s.gw.SetFanDirection(ctx, req.Index, d3net.FanDirection(value()))
	case "filter_reset":
		err = s.gw.FilterReset(ctx, req.Index)
	default:
		http.Error(w, "unknown command", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		http.Error(w, "bad unit index", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	unitErr, err := s.gw.ReadError(ctx, index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{
		"code":    unitErr.Code(),
		"subcode": unitErr.Subcode(),
		"error":   unitErr.Fault(),
		"alarm":   unitErr.Alarm(),
		"warning": unitErr.Warning(),
		"unit":    unitErr.UnitNumber(),
	})
}

type registryRequest struct {
	Index  int    `json:"index"`
	Action string `json:"action"` // "add" or "remove"
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		defer s.mu.Unlock()

		type regUnit struct {
			Index int    `json:"index"`
			ID    string `json:"id"`
		}
		var out []regUnit
		for i := 0; i < d3net.MaxUnits; i++ {
			if s.state.Registered(uint8(i)) {
				out = append(out, regUnit{Index: i, ID: s.state.UnitIDs[i]})
			}
		}
		s.writeJSON(w, map[string]any{"units": out})

	case http.MethodPost:
		var req registryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		if req.Index < 0 || req.Index >= d3net.MaxUnits {
			http.Error(w, "unit index out of range", http.StatusBadRequest)
			return
		}

		switch req.Action {
		case "add":
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			defer cancel()

			unit, err := s.gw.Unit(ctx, req.Index)
			if err != nil {
				s.writeError(w, err)
				return
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if err := s.state.Register(unit.Index, unit.ID); err != nil {
				s.writeError(w, err)
				return
			}
			if err := s.storage.Save(s.state); err != nil {
				s.writeError(w, err)
				return
			}
		case "remove":
			s.mu.Lock()
			defer s.mu.Unlock()
			s.state.Unregister(uint8(req.Index))
			if err := s.storage.Save(s.state); err != nil {
				s.writeError(w, err)
				return
			}
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}
		s.writeJSON(w, map[string]any{"ok": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type rtuJSON struct {
	Device    string `json:"device"`
	BaudRate  int    `json:"baud_rate"`
	DataBits  int    `json:"data_bits"`
	Parity    string `json:"parity"`
	StopBits  int    `json:"stop_bits"`
	SlaveID   uint8  `json:"slave_id"`
	TimeoutMS uint32 `json:"timeout_ms"`
}

func (s *Server) handleRTU(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, rtuJSON{
			Device:    s.serial.Device,
			BaudRate:  s.serial.BaudRate,
			DataBits:  s.serial.DataBits,
			Parity:    s.serial.Parity,
			StopBits:  s.serial.StopBits,
			SlaveID:   s.serial.SlaveID,
			TimeoutMS: uint32(s.serial.Timeout / time.Millisecond),
		})

	case http.MethodPost:
		var req rtuJSON
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		// Applied on restart; the running transport keeps its line settings.
		s.state.RTU = store.RTUSettings{
			Device:    req.Device,
			BaudRate:  req.BaudRate,
			DataBits:  req.DataBits,
			Parity:    req.Parity,
			StopBits:  req.StopBits,
			SlaveID:   req.SlaveID,
			TimeoutMS: req.TimeoutMS,
		}
		if err := s.storage.Save(s.state); err != nil {
			s.writeError(w, err)
			return
		}
		s.log.Info("rtu settings saved, restart to apply", "device", req.Device, "baud", req.BaudRate)
		s.writeJSON(w, map[string]any{"ok": true, "restart_required": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.events == nil {
		s.writeJSON(w, map[string]any{"latest": 0, "lines": []eventLine{}})
		return
	}

	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	lines, latest := s.events.Since(since)
	if lines == nil {
		lines = []eventLine{}
	}
	s.writeJSON(w, map[string]any{"latest": latest, "lines": lines})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "err", err)
	}
}

// writeError maps gateway error kinds onto HTTP statuses: caller mistakes to
// 4xx, anything from the bus to a generic upstream failure.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, d3net.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, d3net.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, d3net.ErrTimeout),
		errors.Is(err, d3net.ErrBadFrame),
		errors.Is(err, d3net.ErrBadCRC),
		errors.Is(err, d3net.ErrIO),
		errors.Is(err, d3net.ErrInvalidState),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}
	http.Error(w, fmt.Sprintf("%v", err), status)
}
