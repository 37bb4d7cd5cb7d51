package d3net

import "context"

// RegKind selects one of the adapter's two register tables.
type RegKind int

const (
	// RegInput is the read-only table, Modbus function 04.
	RegInput RegKind = iota
	// RegHolding is the read/write table, functions 03 and 10.
	RegHolding
)

func (k RegKind) String() string {
	if k == RegHolding {
		return "holding"
	}
	return "input"
}

// RegisterIO is the boundary between the gateway and whatever carries its
// register traffic: the serial RTU client in production, the in-memory
// adapter simulator in tests. Implementations must be safe for use by a
// single caller at a time; the gateway serialises access under its lock.
type RegisterIO interface {
	// ReadRegisters reads count words starting at addr from the given table.
	ReadRegisters(ctx context.Context, kind RegKind, addr, count uint16) ([]uint16, error)

	// WriteRegisters writes words to the holding table starting at addr.
	WriteRegisters(ctx context.Context, addr uint16, words []uint16) error
}
