// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package local implements an in-memory stand-in for the DIII-Net/Modbus
// adapter. It serves the same register map as the hardware and mirrors
// holding writes into the observable status table, so the gateway and host
// surface can run without a bus. Used by tests and the "local" transport.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/devprbtt/daikin-d3net/d3net"
)

const tableSize = 65536

// Adapter is a mutex-guarded pair of register tables.
type Adapter struct {
	mu      sync.RWMutex
	input   []uint16
	holding []uint16
}

// New creates an adapter with the system table marked initialised and no
// units connected.
func New() *Adapter {
	a := &Adapter{
		input:   make([]uint16, tableSize),
		holding: make([]uint16, tableSize),
	}
	a.input[d3net.AddrSystemStatus] = 0x0001
	return a
}

// ReadRegisters serves function 03/04 reads from the matching table.
func (a *Adapter) ReadRegisters(ctx context.Context, kind d3net.RegKind, addr, count uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count == 0 || int(addr)+int(count) > tableSize {
		return nil, fmt.Errorf("read %d@%d: %w", count, addr, d3net.ErrInvalidArgument)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	table := a.input
	if kind == d3net.RegHolding {
		table = a.holding
	}
	words := make([]uint16, count)
	copy(words, table[addr:int(addr)+int(count)])
	return words, nil
}

// WriteRegisters applies a function 10 write to the holding table and, for
// per-unit holding blocks, mirrors the shared fields into the status table
// the way the hardware propagates commands onto the bus.
func (a *Adapter) WriteRegisters(ctx context.Context, addr uint16, words []uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(words) == 0 || int(addr)+len(words) > tableSize {
		return fmt.Errorf("write %d@%d: %w", len(words), addr, d3net.ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	first, last := unitsOfHolding(int(addr), len(words))
	prevReset := make(map[int]bool)
	for i := first; i <= last; i++ {
		prevReset[i] = a.holdingView(i).FilterReset()
	}

	copy(a.holding[addr:], words)

	for i := first; i <= last; i++ {
		a.applyHolding(i, prevReset[i])
	}
	return nil
}

// unitsOfHolding returns the unit indexes whose holding blocks intersect the
// written range; first > last when none do.
func unitsOfHolding(addr, count int) (first, last int) {
	lo := addr - d3net.AddrUnitHolding
	hi := lo + count - 1
	if hi < 0 || lo >= d3net.MaxUnits*d3net.CountUnitHolding {
		return 0, -1
	}
	if lo < 0 {
		lo = 0
	}
	first = lo / d3net.CountUnitHolding
	last = hi / d3net.CountUnitHolding
	if last >= d3net.MaxUnits {
		last = d3net.MaxUnits - 1
	}
	return first, last
}

func (a *Adapter) holdingView(unit int) *d3net.Holding {
	h := &d3net.Holding{}
	copy(h.Words[:], a.holding[d3net.AddrUnitHolding+unit*d3net.CountUnitHolding:])
	return h
}

// applyHolding propagates one unit's holding block into its status block.
func (a *Adapter) applyHolding(unit int, prevReset bool) {
	h := a.holdingView(unit)

	status := a.input[d3net.AddrUnitStatus+unit*d3net.CountUnitStatus:]
	s := &d3net.Status{}
	copy(s.Words[:], status)

	s.SetPower(h.Power())
	s.SetFanDirection(h.FanDirection())
	s.SetFanSpeed(h.FanSpeed())
	s.SetMode(h.Mode())
	s.SetSetpoint(h.Setpoint())

	// The filter sign clears on the 15→0 transition in the holding table.
	if prevReset && !h.FilterReset() {
		d3net.UintSet(s.Words[:], 20, 4, 0, nil)
	}

	copy(status[:d3net.CountUnitStatus], s.Words[:])
}

// ConnectUnit seeds one unit: connected flag, capability and status words,
// and a holding block mirroring the status.
func (a *Adapter) ConnectUnit(index uint8, cap d3net.Capability, status d3net.Status) {
	if index >= d3net.MaxUnits {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	d3net.BitSet(a.input[:d3net.CountSystemStatus], 16+uint(index), true, nil)
	copy(a.input[d3net.AddrUnitCap+int(index)*d3net.CountUnitCap:], cap.Words[:])
	copy(a.input[d3net.AddrUnitStatus+int(index)*d3net.CountUnitStatus:], status.Words[:])

	h := &d3net.Holding{}
	h.SyncFromStatus(&status)
	copy(a.holding[d3net.AddrUnitHolding+int(index)*d3net.CountUnitHolding:], h.Words[:])
}

// FlagUnitError sets a unit's communication-error flag in the system table.
func (a *Adapter) FlagUnitError(index uint8) {
	if index >= d3net.MaxUnits {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	d3net.BitSet(a.input[:d3net.CountSystemStatus], 80+uint(index), true, nil)
}

// SetUnitError seeds a unit's error table.
func (a *Adapter) SetUnitError(index uint8, e d3net.UnitError) {
	if index >= d3net.MaxUnits {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	copy(a.input[d3net.AddrUnitError+int(index)*d3net.CountUnitError:], e.Words[:])
}

// SetInput seeds raw input-table words, for tests that need exact layouts.
func (a *Adapter) SetInput(addr uint16, words ...uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	copy(a.input[addr:], words)
}
