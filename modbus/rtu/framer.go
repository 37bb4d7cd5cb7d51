// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu builds and validates the Modbus-RTU frames the indoor-bus
// adapter speaks: register reads (functions 03/04) and write-multiple (10),
// each trailed by CRC-16/MODBUS transmitted low byte first.
package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/devprbtt/daikin-d3net/d3net"
	"github.com/devprbtt/daikin-d3net/modbus/crc"
)

// ReadRequest encodes a function 03/04 request:
// [slave][fn][addr hi][addr lo][cnt hi][cnt lo][crc lo][crc hi].
func ReadRequest(slaveID, funcCode byte, addr, count uint16) []byte {
	req := make([]byte, 8)
	req[0] = slaveID
	req[1] = funcCode
	binary.BigEndian.PutUint16(req[2:], addr)
	binary.BigEndian.PutUint16(req[4:], count)
	appendCRC(req)
	return req
}

// WriteRequest encodes a function 10 request:
// [slave][0x10][addr][cnt][bytecount][2·cnt bytes][crc].
func WriteRequest(slaveID byte, addr uint16, words []uint16) ([]byte, error) {
	if len(words) == 0 || len(words) > MaxWriteWords {
		return nil, fmt.Errorf("write of %d words: %w", len(words), d3net.ErrInvalidArgument)
	}
	req := make([]byte, 9+2*len(words))
	req[0] = slaveID
	req[1] = FuncCodeWriteMultipleRegister
	binary.BigEndian.PutUint16(req[2:], addr)
	binary.BigEndian.PutUint16(req[4:], uint16(len(words)))
	req[6] = byte(2 * len(words))
	for i, w := range words {
		binary.BigEndian.PutUint16(req[7+2*i:], w)
	}
	appendCRC(req)
	return req, nil
}

// ReadResponseLength returns the full reply length for a function 03/04
// request of count registers: header, byte count, payload, CRC.
func ReadResponseLength(count uint16) int {
	return 5 + 2*int(count)
}

// WriteResponseLength is the fixed reply length for function 10, echoing the
// start address and register count.
const WriteResponseLength = 8

// ParseReadResponse validates a function 03/04 reply against its request and
// decodes the big-endian register words.
func ParseReadResponse(req, resp []byte) ([]uint16, error) {
	count := binary.BigEndian.Uint16(req[4:])
	if len(resp) < ReadResponseLength(count) {
		return nil, fmt.Errorf("read reply %d of %d bytes: %w", len(resp), ReadResponseLength(count), d3net.ErrTimeout)
	}
	if err := checkHeader(req, resp); err != nil {
		return nil, err
	}
	if resp[2] != byte(2*count) {
		return nil, fmt.Errorf("read reply byte count %d, want %d: %w", resp[2], 2*count, d3net.ErrBadFrame)
	}
	if err := checkCRC(resp[:ReadResponseLength(count)]); err != nil {
		return nil, err
	}

	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(resp[3+2*i:])
	}
	return words, nil
}

// ParseWriteResponse validates a function 10 reply: the echoed address and
// count must match the request.
func ParseWriteResponse(req, resp []byte) error {
	if len(resp) < WriteResponseLength {
		return fmt.Errorf("write reply %d of %d bytes: %w", len(resp), WriteResponseLength, d3net.ErrTimeout)
	}
	if err := checkHeader(req, resp); err != nil {
		return err
	}
	if resp[2] != req[2] || resp[3] != req[3] || resp[4] != req[4] || resp[5] != req[5] {
		return fmt.Errorf("write echo mismatch: %w", d3net.ErrBadFrame)
	}
	return checkCRC(resp[:WriteResponseLength])
}

func checkHeader(req, resp []byte) error {
	if resp[0] != req[0] {
		return fmt.Errorf("reply slave id %d, want %d: %w", resp[0], req[0], d3net.ErrBadFrame)
	}
	if resp[1] == req[1]|exceptionFlag {
		return fmt.Errorf("slave exception %#02x: %w", resp[2], d3net.ErrBadFrame)
	}
	if resp[1] != req[1] {
		return fmt.Errorf("reply function %#02x, want %#02x: %w", resp[1], req[1], d3net.ErrBadFrame)
	}
	return nil
}

func checkCRC(frame []byte) error {
	wire := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	if calc := crc.Checksum(frame[:len(frame)-2]); wire != calc {
		return fmt.Errorf("crc %#04x, want %#04x: %w", wire, calc, d3net.ErrBadCRC)
	}
	return nil
}

// appendCRC fills the trailing two bytes of frame, low byte first.
func appendCRC(frame []byte) {
	sum := crc.Checksum(frame[:len(frame)-2])
	frame[len(frame)-2] = byte(sum)
	frame[len(frame)-1] = byte(sum >> 8)
}
