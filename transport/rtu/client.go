// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu implements the serial Modbus-RTU register transport to the
// indoor-bus adapter.
package rtu

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/grid-x/serial"

	"github.com/devprbtt/daikin-d3net/d3net"
	"github.com/devprbtt/daikin-d3net/internal/config"
	rtupacket "github.com/devprbtt/daikin-d3net/modbus/rtu"
)

// Client is an RTU master speaking to the adapter's register tables. It
// implements d3net.RegisterIO.
type Client struct {
	serialPort

	slaveID byte
	line    lineDriver
}

// NewClient allocates an RTU client for the given line settings. The port is
// opened lazily on first use.
func NewClient(cfg config.SerialConfig) (*Client, error) {
	client := &Client{slaveID: cfg.SlaveID, line: driverLine{}}

	client.serialPort.Config = serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
		RS485: serial.RS485Config{
			Enabled:            cfg.RS485,
			DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.RtsHighAfterSend,
			RxDuringTx:         cfg.RxDuringTx,
		},
	}
	client.IdleTimeout = serialIdleTimeout

	if cfg.DEPin >= 0 {
		line, err := newGPIOLine(cfg.DEPin, cfg.REPin)
		if err != nil {
			return nil, fmt.Errorf("rtu line control: %w", err)
		}
		client.line = line
	}
	return client, nil
}

// ReadRegisters reads count words from the input (function 04) or holding
// (function 03) table.
func (c *Client) ReadRegisters(ctx context.Context, kind d3net.RegKind, addr, count uint16) ([]uint16, error) {
	if count == 0 || int(count) > rtupacket.MaxWriteWords {
		return nil, fmt.Errorf("read of %d registers: %w", count, d3net.ErrInvalidArgument)
	}

	funcCode := byte(rtupacket.FuncCodeReadInputRegisters)
	if kind == d3net.RegHolding {
		funcCode = rtupacket.FuncCodeReadHoldingRegisters
	}
	req := rtupacket.ReadRequest(c.slaveID, funcCode, addr, count)

	resp, err := c.transceive(ctx, req, rtupacket.ReadResponseLength(count))
	if err != nil {
		return nil, err
	}
	return rtupacket.ParseReadResponse(req, resp)
}

// WriteRegisters writes words to the holding table with function 10.
func (c *Client) WriteRegisters(ctx context.Context, addr uint16, words []uint16) error {
	req, err := rtupacket.WriteRequest(c.slaveID, addr, words)
	if err != nil {
		return err
	}

	resp, err := c.transceive(ctx, req, rtupacket.WriteResponseLength)
	if err != nil {
		return err
	}
	return rtupacket.ParseWriteResponse(req, resp)
}

// transceive performs one request/response exchange: flush stale input,
// claim the line, shift the frame out, release the line, then read until the
// expected length or the deadline.
func (c *Client) transceive(ctx context.Context, req []byte, expected int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	c.lastActivity = time.Now()
	c.startCloseTimer()

	// Not every platform exposes an input flush; leftover bytes from an
	// aborted exchange fail CRC below rather than poisoning state.
	if f, ok := c.port.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}

	slog.Debug("rtu send", "request", hex.EncodeToString(req))
	if err := c.line.BeginTransmit(); err != nil {
		return nil, err
	}
	n, werr := c.port.Write(req)
	if werr == nil && n != len(req) {
		werr = fmt.Errorf("wrote %d of %d bytes: %w", n, len(req), d3net.ErrIO)
	}
	// The UART keeps shifting after Write returns; hold the line for the
	// frame time before releasing it to receive.
	c.waitFrame(ctx, len(req))
	if lerr := c.line.EndTransmit(); lerr != nil && werr == nil {
		werr = lerr
	}
	if werr != nil {
		return nil, werr
	}

	buf := make([]byte, expected)
	total := 0
	deadline := time.Now().Add(c.Config.Timeout)
	for total < expected && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		r, err := c.port.Read(buf[total:])
		if r > 0 {
			total += r
			continue
		}
		if err != nil {
			break
		}
	}
	if total < expected {
		return nil, fmt.Errorf("received %d of %d bytes: %w", total, expected, d3net.ErrTimeout)
	}

	slog.Debug("rtu recv", "response", hex.EncodeToString(buf[:total]))
	return buf[:total], nil
}

// waitFrame sleeps for the on-wire duration of n characters plus the RTU
// inter-frame gap.
func (c *Client) waitFrame(ctx context.Context, n int) {
	var charDelay, frameDelay int // microseconds
	if c.BaudRate <= 0 || c.BaudRate > 19200 {
		charDelay, frameDelay = 750, 1750
	} else {
		charDelay = 11_000_000 / c.BaudRate
		frameDelay = 35_000_000 / c.BaudRate
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(charDelay*n+frameDelay) * time.Microsecond):
	}
}
