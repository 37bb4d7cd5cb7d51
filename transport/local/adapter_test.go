// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"
	"errors"
	"testing"

	"github.com/devprbtt/daikin-d3net/d3net"
)

func TestAdapterServesRegisterMap(t *testing.T) {
	a := New()

	var status d3net.Status
	status.SetPower(true)
	status.SetSetpoint(21.5)
	a.ConnectUnit(4, d3net.Capability{}, status)

	words, err := a.ReadRegisters(context.Background(), d3net.RegInput, d3net.AddrSystemStatus, d3net.CountSystemStatus)
	if err != nil {
		t.Fatalf("system read err=%v", err)
	}
	var sys d3net.SystemStatus
	copy(sys.Words[:], words)
	if !sys.Initialized() {
		t.Fatal("adapter not initialised")
	}
	if !sys.UnitConnected(4) || sys.UnitConnected(5) {
		t.Fatal("connected flags wrong")
	}

	words, err = a.ReadRegisters(context.Background(), d3net.RegInput, d3net.AddrUnitStatus+4*d3net.CountUnitStatus, d3net.CountUnitStatus)
	if err != nil {
		t.Fatalf("status read err=%v", err)
	}
	var got d3net.Status
	copy(got.Words[:], words)
	if !got.Power() || got.Setpoint() != 21.5 {
		t.Fatal("seeded status not served")
	}
}

func TestAdapterMirrorsHoldingWrites(t *testing.T) {
	a := New()
	a.ConnectUnit(0, d3net.Capability{}, d3net.Status{})

	h := &d3net.Holding{}
	h.SetPower(true)
	h.SetMode(d3net.ModeCool)
	h.SetSetpoint(24)

	if err := a.WriteRegisters(context.Background(), d3net.AddrUnitHolding, h.Words[:]); err != nil {
		t.Fatalf("holding write err=%v", err)
	}

	words, err := a.ReadRegisters(context.Background(), d3net.RegInput, d3net.AddrUnitStatus, d3net.CountUnitStatus)
	if err != nil {
		t.Fatalf("status read err=%v", err)
	}
	var status d3net.Status
	copy(status.Words[:], words)
	if !status.Power() || status.Mode() != d3net.ModeCool || status.Setpoint() != 24 {
		t.Fatal("holding write not mirrored into status")
	}

	// The holding table itself reads back what was written.
	words, err = a.ReadRegisters(context.Background(), d3net.RegHolding, d3net.AddrUnitHolding, d3net.CountUnitHolding)
	if err != nil {
		t.Fatalf("holding read err=%v", err)
	}
	if words[0] != h.Words[0] || words[1] != h.Words[1] || words[2] != h.Words[2] {
		t.Fatal("holding readback mismatch")
	}
}

func TestAdapterFilterResetPulse(t *testing.T) {
	a := New()

	var status d3net.Status
	d3net.UintSet(status.Words[:], 20, 4, 9, nil) // filter sign active
	a.ConnectUnit(0, d3net.Capability{}, status)

	h := &d3net.Holding{}
	h.SetFilterReset(true)
	if err := a.WriteRegisters(context.Background(), d3net.AddrUnitHolding, h.Words[:]); err != nil {
		t.Fatalf("assert write err=%v", err)
	}

	// Asserting alone must not clear the sign; the adapter latches on 15→0.
	words, _ := a.ReadRegisters(context.Background(), d3net.RegInput, d3net.AddrUnitStatus, d3net.CountUnitStatus)
	var mid d3net.Status
	copy(mid.Words[:], words)
	if !mid.FilterWarning() {
		t.Fatal("warning cleared before the pulse completed")
	}

	h.SetFilterReset(false)
	if err := a.WriteRegisters(context.Background(), d3net.AddrUnitHolding, h.Words[:]); err != nil {
		t.Fatalf("clear write err=%v", err)
	}

	words, _ = a.ReadRegisters(context.Background(), d3net.RegInput, d3net.AddrUnitStatus, d3net.CountUnitStatus)
	var after d3net.Status
	copy(after.Words[:], words)
	if after.FilterWarning() {
		t.Fatal("warning survived the 15→0 pulse")
	}
}

func TestAdapterBounds(t *testing.T) {
	a := New()

	if _, err := a.ReadRegisters(context.Background(), d3net.RegInput, 0, 0); !errors.Is(err, d3net.ErrInvalidArgument) {
		t.Fatalf("zero-count read err=%v, want ErrInvalidArgument", err)
	}
	if _, err := a.ReadRegisters(context.Background(), d3net.RegInput, 65535, 2); !errors.Is(err, d3net.ErrInvalidArgument) {
		t.Fatalf("overflow read err=%v, want ErrInvalidArgument", err)
	}
	if err := a.WriteRegisters(context.Background(), 65535, []uint16{1, 2}); !errors.Is(err, d3net.ErrInvalidArgument) {
		t.Fatalf("overflow write err=%v, want ErrInvalidArgument", err)
	}
}
