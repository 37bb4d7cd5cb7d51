// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	// MinSize is the shortest valid RTU frame: slave id, function code, one
	// payload byte and the two CRC bytes.
	MinSize = 5
	// MaxSize bounds an RTU ADU on the wire.
	MaxSize = 256

	// MaxWriteWords is the largest register count a write-multiple request
	// can carry without exceeding MaxSize.
	MaxWriteWords = 123
)

// Function codes used by the indoor-bus adapter.
const (
	FuncCodeReadHoldingRegisters  = 0x03
	FuncCodeReadInputRegisters    = 0x04
	FuncCodeWriteMultipleRegister = 0x10

	// exceptionFlag marks a slave exception reply.
	exceptionFlag = 0x80
)
