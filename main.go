// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devprbtt/daikin-d3net/d3net"
	"github.com/devprbtt/daikin-d3net/internal/config"
	"github.com/devprbtt/daikin-d3net/internal/server"
	"github.com/devprbtt/daikin-d3net/internal/store"
	"github.com/devprbtt/daikin-d3net/transport/local"
	"github.com/devprbtt/daikin-d3net/transport/rtu"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	events := server.NewEventLog(256)
	setupLogger(cfg.Log, events)

	slog.Info("Starting DIII-Net gateway...")

	// Persisted state: unit registry and the RTU settings saved through the
	// API, which override the config file on the next start.
	storage := openStorage(cfg.Store)
	defer storage.Close()

	state, err := storage.Load()
	if err != nil {
		slog.Error("Failed to load persisted state, starting fresh", "err", err)
		state = &store.State{}
	}
	applyStoredRTU(&cfg.Serial, state.RTU)

	var regIO d3net.RegisterIO
	switch cfg.Transport {
	case "local":
		slog.Info("Using in-memory adapter simulator")
		regIO = local.New()
	case "rtu":
		slog.Info("init Modbus RTU client",
			"device", cfg.Serial.Device, "baudRate", cfg.Serial.BaudRate,
			"dataBits", cfg.Serial.DataBits, "parity", cfg.Serial.Parity,
			"stopBits", cfg.Serial.StopBits, "slave", cfg.Serial.SlaveID,
			"timeout", cfg.Serial.Timeout)
		client, err := rtu.NewClient(cfg.Serial)
		if err != nil {
			slog.Error("Failed to init RTU client", "err", err)
			os.Exit(1)
		}
		defer client.Close()
		regIO = client
	default:
		slog.Error("Unknown transport type", "type", cfg.Transport)
		os.Exit(1)
	}

	gw := d3net.New(regIO, d3net.Config{
		SlaveID:      cfg.Serial.SlaveID,
		PollInterval: cfg.Gateway.PollInterval,
		Throttle:     cfg.Gateway.Throttle,
		CacheWrite:   cfg.Gateway.CacheWrite,
		CacheError:   cfg.Gateway.CacheError,
	}, slog.Default())

	srv := server.New(gw, storage, state, cfg.Serial, events, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pollTask(ctx, gw, srv)

	httpServer := &http.Server{Addr: cfg.HTTP.Address, Handler: srv.Handler()}
	go func() {
		slog.Info("HTTP API listening", "addr", cfg.HTTP.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped with error", "err", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	slog.Info("Goodbye.")
}

// pollTask drives the gateway: discovery first, retried each tick until it
// succeeds, then a status sweep every poll interval.
func pollTask(ctx context.Context, gw *d3net.Gateway, srv *server.Server) {
	ticker := time.NewTicker(gw.PollInterval())
	defer ticker.Stop()

	discovered := false
	for {
		if !discovered {
			if _, err := gw.Discover(ctx); err != nil {
				slog.Warn("discover failed", "err", err)
			} else {
				discovered = true
			}
		} else {
			srv.RecordPoll(gw.PollStatus(ctx))
		}
		srv.ObserveUnits(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func openStorage(cfg config.StoreConfig) store.Storage {
	switch cfg.Type {
	case "file":
		slog.Info("Persisting state to file", "path", cfg.Path)
		return store.NewFile(cfg.Path)
	case "mmap":
		slog.Info("Persisting state via mmap", "path", cfg.Path)
		return store.NewMmap(cfg.Path)
	default:
		slog.Info("State persistence disabled (memory store)")
		return store.NewMemory()
	}
}

// applyStoredRTU overlays settings saved through the API onto the serial
// config. Saved settings win; this is how API changes take effect on restart.
func applyStoredRTU(serial *config.SerialConfig, saved store.RTUSettings) {
	if saved.Device == "" {
		return
	}
	serial.Device = saved.Device
	serial.BaudRate = saved.BaudRate
	serial.DataBits = saved.DataBits
	serial.Parity = saved.Parity
	serial.StopBits = saved.StopBits
	serial.SlaveID = saved.SlaveID
	serial.Timeout = time.Duration(saved.TimeoutMS) * time.Millisecond
	config.FixupSerial(serial)
}

func setupLogger(cfg config.LogConfig, events *server.EventLog) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(fanoutHandler{handler, events}))
}

// fanoutHandler tees records to every wrapped handler; the event queue gets
// the same stream the terminal does.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if e := h.Handle(ctx, r.Clone()); e != nil && err == nil {
				err = e
			}
		}
	}
	return err
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
