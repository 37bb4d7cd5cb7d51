// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"
	"os"
	"strconv"
)

// lineDriver switches the RS-485 transceiver between transmit and receive.
type lineDriver interface {
	BeginTransmit() error
	EndTransmit() error
}

// driverLine leaves turnaround to the UART driver (kernel RS485 RTS
// handling), or to a transceiver with RE tied low.
type driverLine struct{}

func (driverLine) BeginTransmit() error { return nil }
func (driverLine) EndTransmit() error   { return nil }

// gpioLine raises DE (and RE, when wired separately) around each transmit
// through sysfs GPIO. Boards that share one pin for both pass the same
// number twice; re < 0 leaves RE untouched.
type gpioLine struct {
	de *gpioPin
	re *gpioPin
}

func newGPIOLine(de, re int) (*gpioLine, error) {
	l := &gpioLine{}
	var err error
	if l.de, err = exportGPIO(de); err != nil {
		return nil, err
	}
	if re >= 0 && re != de {
		if l.re, err = exportGPIO(re); err != nil {
			return nil, err
		}
	}
	if err := l.EndTransmit(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *gpioLine) BeginTransmit() error { return l.set(1) }
func (l *gpioLine) EndTransmit() error   { return l.set(0) }

func (l *gpioLine) set(v int) error {
	if err := l.de.write(v); err != nil {
		return err
	}
	if l.re != nil {
		return l.re.write(v)
	}
	return nil
}

type gpioPin struct {
	path string
}

func exportGPIO(n int) (*gpioPin, error) {
	base := "/sys/class/gpio/gpio" + strconv.Itoa(n)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		if err := os.WriteFile("/sys/class/gpio/export", []byte(strconv.Itoa(n)), 0o220); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", n, err)
		}
	}
	if err := os.WriteFile(base+"/direction", []byte("out"), 0o220); err != nil {
		return nil, fmt.Errorf("gpio %d direction: %w", n, err)
	}
	return &gpioPin{path: base + "/value"}, nil
}

func (p *gpioPin) write(v int) error {
	return os.WriteFile(p.path, []byte(strconv.Itoa(v)), 0o220)
}
