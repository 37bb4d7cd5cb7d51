// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/devprbtt/daikin-d3net/d3net"
)

// Fixed binary layout of the mmap-backed state file.
//
//	magic    : 4 bytes "D3NS" + 4 bytes version
//	mask     : 8 bytes little-endian registered bitmap
//	unit ids : 64 × 8 bytes, NUL-padded
//	rtu      : device 64 bytes NUL-padded, baud u32, timeout_ms u32,
//	           data_bits u8, stop_bits u8, parity u8, slave_id u8
const (
	offsetMagic = 0
	offsetMask  = 8
	offsetIDs   = 16
	idSlotSize  = 8
	offsetRTU   = offsetIDs + d3net.MaxUnits*idSlotSize
	deviceSize  = 64
	totalSize   = offsetRTU + deviceSize + 4 + 4 + 4

	layoutVersion = 1
)

var stateMagic = []byte("D3NS")

// Mmap persists the state through a memory-mapped fixed-layout file, the
// cheapest durable option on flash-backed boards.
type Mmap struct {
	path string
	file *os.File
	data mmap.MMap
}

func NewMmap(path string) *Mmap {
	return &Mmap{path: path}
}

func (m *Mmap) Load() (*State, error) {
	f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	m.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	fresh := fi.Size() == 0
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize state file: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	m.data = data

	if fresh || !bytes.Equal(data[offsetMagic:offsetMagic+4], stateMagic) {
		// Fresh or foreign file: initialise the header and hand back a
		// zero state.
		copy(data[offsetMagic:], stateMagic)
		binary.LittleEndian.PutUint32(data[offsetMagic+4:], layoutVersion)
		return &State{}, nil
	}

	return m.decode(), nil
}

func (m *Mmap) decode() *State {
	s := &State{}
	s.RegisteredMask = binary.LittleEndian.Uint64(m.data[offsetMask:])
	for i := 0; i < d3net.MaxUnits; i++ {
		slot := m.data[offsetIDs+i*idSlotSize : offsetIDs+(i+1)*idSlotSize]
		s.UnitIDs[i] = string(bytes.TrimRight(slot, "\x00"))
	}

	rtu := m.data[offsetRTU:]
	s.RTU.Device = string(bytes.TrimRight(rtu[:deviceSize], "\x00"))
	s.RTU.BaudRate = int(binary.LittleEndian.Uint32(rtu[deviceSize:]))
	s.RTU.TimeoutMS = binary.LittleEndian.Uint32(rtu[deviceSize+4:])
	s.RTU.DataBits = int(rtu[deviceSize+8])
	s.RTU.StopBits = int(rtu[deviceSize+9])
	s.RTU.Parity = string(rtu[deviceSize+10 : deviceSize+11])
	s.RTU.SlaveID = rtu[deviceSize+11]
	if s.RTU.Device == "" {
		s.RTU = RTUSettings{}
	}
	return s
}

func (m *Mmap) Save(s *State) error {
	if m.data == nil {
		return fmt.Errorf("state file not loaded")
	}

	binary.LittleEndian.PutUint64(m.data[offsetMask:], s.RegisteredMask)
	for i := 0; i < d3net.MaxUnits; i++ {
		slot := m.data[offsetIDs+i*idSlotSize : offsetIDs+(i+1)*idSlotSize]
		for j := range slot {
			slot[j] = 0
		}
		copy(slot, s.UnitIDs[i])
	}

	rtu := m.data[offsetRTU:]
	for j := 0; j < deviceSize; j++ {
		rtu[j] = 0
	}
	copy(rtu, s.RTU.Device)
	binary.LittleEndian.PutUint32(rtu[deviceSize:], uint32(s.RTU.BaudRate))
	binary.LittleEndian.PutUint32(rtu[deviceSize+4:], s.RTU.TimeoutMS)
	rtu[deviceSize+8] = byte(s.RTU.DataBits)
	rtu[deviceSize+9] = byte(s.RTU.StopBits)
	parity := byte(0)
	if s.RTU.Parity != "" {
		parity = s.RTU.Parity[0]
	}
	rtu[deviceSize+10] = parity
	rtu[deviceSize+11] = s.RTU.SlaveID

	return m.data.Flush()
}

func (m *Mmap) Close() error {
	var err error
	if m.data != nil {
		if e := m.data.Unmap(); e != nil {
			err = e
		}
		m.data = nil
	}
	if m.file != nil {
		if e := m.file.Close(); e != nil {
			err = e
		}
		m.file = nil
	}
	return err
}
