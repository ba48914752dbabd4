package emu

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"rollnet/emu/log"
	"rollnet/netplay"
)

// Machine is the emulated system. It plays one frame at a time and its
// whole state can be saved and restored between frames.
type Machine interface {
	RunFrame() error
	SaveState() ([]byte, error)
	LoadState([]byte) error
}

// ErrHalted is returned by a Machine that has nothing left to play. The
// emulation loop then exits without error.
var ErrHalted = errors.New("emu: machine halted")

// FrameDuration is the duration of a frame at normal speed.
const FrameDuration = netplay.FrameDurationUs * time.Microsecond

const (
	pausePoll = 10 * time.Millisecond

	// The loop stops trying to catch up once that late.
	maxLag = 10 * FrameDuration
)

// Emulator runs the frame loop of a Machine.
//
// It implements playback.Core: the playback tasks save and restore the
// machine state from their own goroutines, between two frames.
type Emulator struct {
	m   Machine
	cfg EmulationConfig

	// frameMu is held while a frame is emulated and while the machine state
	// is saved or restored.
	frameMu sync.Mutex

	// These are accessed concurrently by the emulator loop, the playback
	// tasks and the RPC server.
	quit   atomic.Bool
	paused atomic.Bool
	speed  atomic.Uint64 // float64 bits, 0 for normal speed
	frames atomic.Int64

	hooks []func()
}

func New(m Machine, cfg EmulationConfig) *Emulator {
	return &Emulator{m: m, cfg: cfg}
}

// OnFrameEnd adds a function called after every frame, outside of the
// emulator lock. Hooks may block, the emulation loop waits for them. It must
// be called before Run.
func (e *Emulator) OnFrameEnd(fn func()) {
	e.hooks = append(e.hooks, fn)
}

// Run runs the emulation loop until the machine halts, Stop is called or
// ctx is done.
func (e *Emulator) Run(ctx context.Context) error {
	next := time.Now()
	for !e.quit.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Don't burn cpu while paused.
		if e.paused.Load() {
			time.Sleep(pausePoll)
			next = time.Now()
			continue
		}

		if err := e.runFrame(); err != nil {
			if errors.Is(err, ErrHalted) {
				log.ModEmu.InfoZ("machine halted").Int64("frames", e.frames.Load()).End()
				return nil
			}
			return err
		}
		for _, fn := range e.hooks {
			fn()
		}
		next = e.pace(next)
	}
	log.ModEmu.InfoZ("Emulation loop exited").Int64("frames", e.frames.Load()).End()
	return nil
}

func (e *Emulator) runFrame() error {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()

	if err := e.m.RunFrame(); err != nil {
		return err
	}
	e.frames.Add(1)
	return nil
}

// pace waits until the time the frame following the one due at next is due.
func (e *Emulator) pace(next time.Time) time.Time {
	if e.cfg.Unthrottled {
		return next
	}
	d := FrameDuration
	if f := e.speedOverride(); f > 0 {
		d = time.Duration(float64(d) / f)
	}
	next = next.Add(d)

	wait := time.Until(next)
	switch {
	case wait > 0:
		time.Sleep(wait)
	case wait < -maxLag:
		log.ModEmu.DebugZ("emulation late, resyncing").Dur("late", -wait).End()
		next = time.Now()
	}
	return next
}

func (e *Emulator) SaveState() ([]byte, error) {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	return e.m.SaveState()
}

func (e *Emulator) LoadState(state []byte) error {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	return e.m.LoadState(state)
}

// SetPause, IsPaused, SetSpeedOverride and Stop allow to control the
// emulator loop in a concurrent-safe way.

func (e *Emulator) SetPause(pause bool) { e.paused.Store(pause) }
func (e *Emulator) IsPaused() bool      { return e.paused.Load() }
func (e *Emulator) Stop()               { e.quit.Store(true) }

// SetSpeedOverride multiplies the emulation speed by factor, 0 restoring
// the normal speed.
func (e *Emulator) SetSpeedOverride(factor float64) {
	e.speed.Store(math.Float64bits(factor))
}

func (e *Emulator) speedOverride() float64 { return math.Float64frombits(e.speed.Load()) }

// Frames returns the number of frames emulated so far.
func (e *Emulator) Frames() int64 { return e.frames.Load() }
