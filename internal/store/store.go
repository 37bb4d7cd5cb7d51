// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package store persists the gateway's small durable state: the
// registered-unit bitmap with unit ids, and the RTU line settings applied on
// the next restart. Load and Save are idempotent.
package store

import (
	"fmt"

	"github.com/devprbtt/daikin-d3net/d3net"
)

// RTUSettings is the persisted serial configuration. An empty Device means
// no settings have been saved and the config-file values apply.
type RTUSettings struct {
	Device    string `yaml:"device"`
	BaudRate  int    `yaml:"baud_rate"`
	DataBits  int    `yaml:"data_bits"`
	Parity    string `yaml:"parity"`
	StopBits  int    `yaml:"stop_bits"`
	SlaveID   uint8  `yaml:"slave_id"`
	TimeoutMS uint32 `yaml:"timeout_ms"`
}

// State is the full persisted blob.
type State struct {
	RTU RTUSettings `yaml:"rtu"`

	// RegisteredMask has bit i set when unit i is registered.
	RegisteredMask uint64 `yaml:"registered_mask"`
	// UnitIDs holds the "G-NN" name for each registered slot.
	UnitIDs [d3net.MaxUnits]string `yaml:"unit_ids"`
}

// Registered reports whether unit index is registered.
func (s *State) Registered(index uint8) bool {
	return index < d3net.MaxUnits && s.RegisteredMask&(1<<index) != 0
}

// Register adds a unit to the registry.
func (s *State) Register(index uint8, id string) error {
	if index >= d3net.MaxUnits {
		return fmt.Errorf("register unit %d: %w", index, d3net.ErrInvalidArgument)
	}
	s.RegisteredMask |= 1 << index
	s.UnitIDs[index] = id
	return nil
}

// Unregister removes a unit from the registry. Removing an absent entry is a
// silent success.
func (s *State) Unregister(index uint8) {
	if index >= d3net.MaxUnits {
		return
	}
	s.RegisteredMask &^= 1 << index
	s.UnitIDs[index] = ""
}

// Storage is the persistence backend boundary.
type Storage interface {
	// Load reads the persisted state; a missing backing file yields a fresh
	// zero state, not an error.
	Load() (*State, error)

	// Save writes the state durably.
	Save(*State) error

	// Close releases backend resources.
	Close() error
}

// Memory keeps the state in process memory only; nothing survives a restart.
// Used by tests and whenever no file or mmap store is configured.
type Memory struct {
	state State
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load() (*State, error) {
	s := m.state
	return &s, nil
}

func (m *Memory) Save(s *State) error {
	m.state = *s
	return nil
}

func (m *Memory) Close() error { return nil }
