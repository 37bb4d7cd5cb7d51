package d3net

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Defaults for the gateway tuning knobs.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultThrottle     = 25 * time.Millisecond
	DefaultCacheWrite   = 35 * time.Second
	DefaultCacheError   = 10 * time.Second
)

// Lock-acquisition bounds. Holding the lock across throttle sleeps and
// transport I/O is intended: it is what guarantees the inter-operation gap.
const (
	lockWaitRead  = 2 * time.Second
	lockWaitWrite = 5 * time.Second
	lockWaitPoll  = 4 * time.Second
)

// Config tunes a Gateway. Zero values take the defaults above.
type Config struct {
	SlaveID      byte
	PollInterval time.Duration
	Throttle     time.Duration
	CacheWrite   time.Duration
	CacheError   time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Throttle <= 0 {
		c.Throttle = DefaultThrottle
	}
	if c.CacheWrite <= 0 {
		c.CacheWrite = DefaultCacheWrite
	}
	if c.CacheError <= 0 {
		c.CacheError = DefaultCacheError
	}
}

// Unit is the gateway's record of one indoor unit.
type Unit struct {
	Present bool
	Index   uint8
	// ID is the DIII-Net group-number name, "G-NN".
	ID string

	Capability Capability
	Status     Status
	Holding    Holding
	Fault      UnitError

	LastErrorRead time.Time
}

func unitID(index uint8) string {
	return fmt.Sprintf("%d-%02d", index/16+1, index%16)
}

// Gateway maintains the cached view of the indoor-unit fleet and serialises
// all register traffic to the adapter. Every exported operation runs under
// the gateway's exclusive lock for its whole duration.
type Gateway struct {
	io  RegisterIO
	cfg Config
	log *slog.Logger

	lock chan struct{}

	// Injected time source; tests substitute both to exercise throttle and
	// cache windows without wall-clock waits.
	now   func() time.Time
	sleep func(time.Duration)

	system     SystemStatus
	units      [MaxUnits]Unit
	discovered int
	lastOp     time.Time
}

// New builds a Gateway over the given register transport.
func New(io RegisterIO, cfg Config, logger *slog.Logger) *Gateway {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		io:    io,
		cfg:   cfg,
		log:   logger,
		lock:  make(chan struct{}, 1),
		now:   time.Now,
		sleep: time.Sleep,
	}
	for i := range g.units {
		g.units[i].Index = uint8(i)
		g.units[i].ID = unitID(uint8(i))
	}
	return g
}

func (g *Gateway) acquire(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case g.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("gateway busy: %w", ErrTimeout)
	}
}

func (g *Gateway) release() {
	<-g.lock
}

// throttle sleeps out the remainder of the minimum inter-operation gap.
func (g *Gateway) throttle() {
	if g.lastOp.IsZero() {
		return
	}
	if elapsed := g.now().Sub(g.lastOp); elapsed < g.cfg.Throttle {
		g.sleep(g.cfg.Throttle - elapsed)
	}
}

func (g *Gateway) read(ctx context.Context, kind RegKind, addr, count uint16, dst []uint16) error {
	g.throttle()
	words, err := g.io.ReadRegisters(ctx, kind, addr, count)
	g.lastOp = g.now()
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			g.log.Warn("transport timeout", "table", kind, "addr", addr)
		}
		return err
	}
	if len(words) != int(count) {
		return fmt.Errorf("read %s@%d returned %d of %d words: %w", kind, addr, len(words), count, ErrBadFrame)
	}
	copy(dst, words)
	return nil
}

func (g *Gateway) write(ctx context.Context, addr uint16, words []uint16) error {
	g.throttle()
	err := g.io.WriteRegisters(ctx, addr, words)
	g.lastOp = g.now()
	return err
}

// Discover rebuilds the unit table from the adapter's system-status words.
// A unit is enumerated only when its connected flag is set and its error flag
// is clear, and only once both its capability and status reads succeed; a
// failed per-unit read leaves that unit absent and discovery continues.
func (g *Gateway) Discover(ctx context.Context) (int, error) {
	if err := g.acquire(ctx, lockWaitWrite); err != nil {
		return 0, err
	}
	defer g.release()

	if err := g.read(ctx, RegInput, AddrSystemStatus, CountSystemStatus, g.system.Words[:]); err != nil {
		return 0, fmt.Errorf("system status read: %w", err)
	}

	g.discovered = 0
	for i := range g.units {
		unit := &g.units[i]
		*unit = Unit{Index: uint8(i), ID: unitID(uint8(i))}

		if !g.system.UnitConnected(unit.Index) || g.system.UnitError(unit.Index) {
			continue
		}

		capAddr := uint16(AddrUnitCap + i*CountUnitCap)
		if err := g.read(ctx, RegInput, capAddr, CountUnitCap, unit.Capability.Words[:]); err != nil {
			g.log.Warn("capability read failed", "unit", unit.ID, "err", err)
			continue
		}

		statusAddr := uint16(AddrUnitStatus + i*CountUnitStatus)
		if err := g.read(ctx, RegInput, statusAddr, CountUnitStatus, unit.Status.Words[:]); err != nil {
			g.log.Warn("status read failed", "unit", unit.ID, "err", err)
			continue
		}

		unit.Present = true
		g.discovered++
	}

	g.log.Info("discover complete", "units", g.discovered)
	return g.discovered, nil
}

// PollStatus refreshes the status table of every present unit. Units written
// within the cache-write window are skipped: the adapter may report stale or
// transitional values right after a holding write. Per-unit failures are
// logged and the sweep continues.
func (g *Gateway) PollStatus(ctx context.Context) error {
	if err := g.acquire(ctx, lockWaitPoll); err != nil {
		return err
	}
	defer g.release()

	for i := range g.units {
		unit := &g.units[i]
		if !unit.Present {
			continue
		}
		if unit.Holding.WriteWithin(g.now(), g.cfg.CacheWrite) {
			continue
		}

		statusAddr := uint16(AddrUnitStatus + i*CountUnitStatus)
		if err := g.read(ctx, RegInput, statusAddr, CountUnitStatus, unit.Status.Words[:]); err != nil {
			g.log.Warn("poll error", "unit", unit.ID, "err", err)
		}
	}
	return nil
}

// ReadError fetches a unit's error table, at most once per cache-error
// window. Returns the cached view within the window.
func (g *Gateway) ReadError(ctx context.Context, index int) (UnitError, error) {
	if err := g.acquire(ctx, lockWaitRead); err != nil {
		return UnitError{}, err
	}
	defer g.release()

	unit, err := g.unit(index)
	if err != nil {
		return UnitError{}, err
	}

	now := g.now()
	if !unit.LastErrorRead.IsZero() && now.Sub(unit.LastErrorRead) < g.cfg.CacheError {
		return unit.Fault, nil
	}

	errAddr := uint16(AddrUnitError + index*CountUnitError)
	if err := g.read(ctx, RegInput, errAddr, CountUnitError, unit.Fault.Words[:]); err != nil {
		return UnitError{}, err
	}
	unit.LastErrorRead = now
	return unit.Fault, nil
}

func (g *Gateway) unit(index int) (*Unit, error) {
	if index < 0 || index >= MaxUnits {
		return nil, fmt.Errorf("unit index %d: %w", index, ErrInvalidArgument)
	}
	unit := &g.units[index]
	if !unit.Present {
		return nil, fmt.Errorf("unit %d: %w", index, ErrNotFound)
	}
	return unit, nil
}

func (g *Gateway) readHolding(ctx context.Context, unit *Unit) error {
	addr := uint16(AddrUnitHolding + int(unit.Index)*CountUnitHolding)
	if err := g.read(ctx, RegHolding, addr, CountUnitHolding, unit.Holding.Words[:]); err != nil {
		return err
	}
	unit.Holding.MarkRead(g.now())
	return nil
}

func (g *Gateway) flushHolding(ctx context.Context, unit *Unit) error {
	if !unit.Holding.Dirty {
		return nil
	}
	addr := uint16(AddrUnitHolding + int(unit.Index)*CountUnitHolding)
	if err := g.write(ctx, addr, unit.Holding.Words[:]); err != nil {
		return err
	}
	unit.Holding.MarkWritten(g.now())
	g.log.Info("write complete", "unit", unit.ID)
	return nil
}

// prepareWrite refreshes the holding shadow from the adapter when it is
// stale: never read, or clean and outside both the read and write cache
// windows. A fresh or dirty shadow is reused without I/O. After a reload the
// shadow is reconciled with the last observed status, and any difference is
// flushed immediately so the staged state matches the adapter again.
func (g *Gateway) prepareWrite(ctx context.Context, unit *Unit) error {
	now := g.now()
	reload := unit.Holding.LastRead.IsZero() ||
		(!unit.Holding.Dirty &&
			!unit.Holding.ReadWithin(now, g.cfg.CacheWrite) &&
			!unit.Holding.WriteWithin(now, g.cfg.CacheWrite))
	if !reload {
		return nil
	}

	if err := g.readHolding(ctx, unit); err != nil {
		return err
	}
	unit.Holding.SyncFromStatus(&unit.Status)
	return g.flushHolding(ctx, unit)
}

// commitWrite folds the status view, which carries the operator's staged
// intent, into the holding shadow and flushes the diff. An asserted
// filter-reset is pulsed back down with a second write; the adapter latches
// the reset only on the 15→0 transition it observes.
func (g *Gateway) commitWrite(ctx context.Context, unit *Unit) error {
	unit.Holding.SyncFromStatus(&unit.Status)
	if err := g.flushHolding(ctx, unit); err != nil {
		return err
	}

	if unit.Holding.FilterReset() {
		unit.Holding.SetFilterReset(false)
		return g.flushHolding(ctx, unit)
	}
	return nil
}

// command runs one operator write cycle: prepare, stage the requested field,
// commit. The lock is held for the whole cycle.
func (g *Gateway) command(ctx context.Context, index int, stage func(*Unit)) error {
	if err := g.acquire(ctx, lockWaitWrite); err != nil {
		return err
	}
	defer g.release()

	unit, err := g.unit(index)
	if err != nil {
		return err
	}
	if err := g.prepareWrite(ctx, unit); err != nil {
		return err
	}
	stage(unit)
	return g.commitWrite(ctx, unit)
}

// SetPower stages and commits a power change.
func (g *Gateway) SetPower(ctx context.Context, index int, on bool) error {
	return g.command(ctx, index, func(u *Unit) {
		u.Status.SetPower(on)
	})
}

// SetMode stages and commits an operating-mode change. Selecting a mode also
// powers the unit on.
func (g *Gateway) SetMode(ctx context.Context, index int, mode Mode) error {
	return g.command(ctx, index, func(u *Unit) {
		u.Status.SetPower(true)
		u.Status.SetMode(mode)
	})
}

// SetSetpoint stages and commits a target-temperature change.
func (g *Gateway) SetSetpoint(ctx context.Context, index int, celsius float64) error {
	return g.command(ctx, index, func(u *Unit) {
		u.Status.SetSetpoint(celsius)
	})
}

// SetFanSpeed stages and commits a fan-speed change.
func (g *Gateway) SetFanSpeed(ctx context.Context, index int, speed FanSpeed) error {
	return g.command(ctx, index, func(u *Unit) {
		u.Status.SetFanSpeed(speed)
	})
}

// SetFanDirection stages and commits a louvre-position change.
func (g *Gateway) SetFanDirection(ctx context.Context, index int, dir FanDirection) error {
	return g.command(ctx, index, func(u *Unit) {
		u.Status.SetFanDirection(dir)
	})
}

// FilterReset asserts the filter-reset command; commitWrite completes the
// pulse with the 15→0 second write.
func (g *Gateway) FilterReset(ctx context.Context, index int) error {
	return g.command(ctx, index, func(u *Unit) {
		u.Holding.SetFilterReset(true)
	})
}

// DiscoveredCount returns the present-unit count from the last discovery.
func (g *Gateway) DiscoveredCount(ctx context.Context) (int, error) {
	if err := g.acquire(ctx, lockWaitRead); err != nil {
		return 0, err
	}
	defer g.release()
	return g.discovered, nil
}

// System returns a copy of the adapter's system-status words.
func (g *Gateway) System(ctx context.Context) (SystemStatus, error) {
	if err := g.acquire(ctx, lockWaitRead); err != nil {
		return SystemStatus{}, err
	}
	defer g.release()
	return g.system, nil
}

// Units returns copies of all unit records, present or not, indexed by unit
// number. Callers own the returned slice.
func (g *Gateway) Units(ctx context.Context) ([]Unit, error) {
	if err := g.acquire(ctx, lockWaitRead); err != nil {
		return nil, err
	}
	defer g.release()

	units := make([]Unit, MaxUnits)
	copy(units, g.units[:])
	return units, nil
}

// Unit returns a copy of one unit record. ErrNotFound for absent units.
func (g *Gateway) Unit(ctx context.Context, index int) (Unit, error) {
	if err := g.acquire(ctx, lockWaitRead); err != nil {
		return Unit{}, err
	}
	defer g.release()

	unit, err := g.unit(index)
	if err != nil {
		return Unit{}, err
	}
	return *unit, nil
}

// PollInterval returns the configured poll cadence for the background task.
func (g *Gateway) PollInterval() time.Duration {
	return g.cfg.PollInterval
}
