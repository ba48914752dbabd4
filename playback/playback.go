// Package playback implements seeking in replays. While a replay plays, a
// snapshot task captures the emulator state every Interval frames: the
// first capture is kept whole as the baseline, the following ones are
// stored as compressed deltas against it. A seek task serves seek and jump
// requests by restoring the closest state at or before the target, then
// fast-forwarding the emulation up to the target frame.
package playback

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rollnet/emu/log"
)

const (
	// Interval is the number of frames between two snapshots.
	Interval = 900
	// FirstSave is the frame of the baseline snapshot. Snapshot frames are
	// aligned on it.
	FirstSave int32 = -122
	// GameFirstFrame is the first frame of a game.
	GameFirstFrame int32 = -123

	// MaxDiffsInFlight is the number of deltas being computed above which
	// the emulation blocks at the next frame.
	MaxDiffsInFlight = 3

	// JumpInterval is the number of frames skipped by a jump.
	JumpInterval = 300
	// SoftFFWPeriod is the number of frames between 2 fast-forwarded frames
	// while soft fast-forwarding.
	SoftFFWPeriod = 15
	// HardFFWSpeed is the speed factor applied while hard fast-forwarding.
	HardFFWSpeed = 4.0

	noTarget = math.MaxInt32
)

// Core is the emulator as seen by the playback controller.
type Core interface {
	// SaveState returns a snapshot of the whole emulator state.
	SaveState() ([]byte, error)
	// LoadState restores a snapshot returned by SaveState.
	LoadState([]byte) error

	// SetPause pauses or resumes emulation at the next frame boundary.
	SetPause(paused bool)
	IsPaused() bool

	// SetSpeedOverride makes emulation run factor times faster than real
	// time. 0 restores the configured speed.
	SetSpeedOverride(factor float64)
}

// NearestSaveFrame returns the last snapshot frame at or before frame.
func NearestSaveFrame(frame int32) int32 {
	return frame - emod(frame-FirstSave, Interval)
}

func emod(a, b int32) int32 {
	r := a % b
	if r < 0 {
		r += b
	}
	return r
}

type Options struct {
	// Seekbar enables the delta snapshots. Without it, only the baseline
	// is available and seeks fast-forward from the start of the game.
	Seekbar bool
	// JoinTimeout bounds how long Reset waits for the background tasks.
	JoinTimeout time.Duration
}

type pendingDiff struct {
	done  chan struct{}
	delta []byte
}

// Info is a summary of the playback state.
type Info struct {
	InPlayback bool
	Current    int32
	Latest     int32
	Snapshots  int
	Seeking    bool
	HardFFW    bool
}

// Status is the playback controller of one session. The emulation loop
// reports every played frame through OnFrame, which is where the
// controller may block it: while too many deltas are being computed, while
// a snapshot is captured, and once a seek reached its target frame, until
// the seek is done.
type Status struct {
	core  Core
	opts  Options
	codec *deltaCodec

	// Published for lock-free readers, written under mu.
	current atomic.Int32
	latest  atomic.Int32
	hardFFW atomic.Bool
	softFFW atomic.Bool
	lastFFW atomic.Int32

	mu   sync.Mutex
	cond *sync.Cond

	running    bool
	gen        uint64
	inPlayback bool
	disabled   bool
	baseline   []byte
	diffs      map[int32]*pendingDiff
	inFlight   int
	workers    *errgroup.Group
	snapshot   *task
	seeker     *task

	// Snapshot rendezvous.
	capture   bool
	captureAt int32

	// Seek requests.
	request     int32
	jumpBack    bool
	jumpForward bool
	onSeek      func(target int32)

	// Seek in progress.
	seeking  bool
	target   int32
	awaiting bool
	reached  bool
	load     []byte
	loadAt   int32
	loadErr  error
}

// New returns the playback controller of core. Start launches its
// background tasks.
func New(core Core, opts Options) (*Status, error) {
	if opts.JoinTimeout == 0 {
		opts.JoinTimeout = time.Second
	}
	codec, err := newDeltaCodec()
	if err != nil {
		return nil, err
	}
	s := &Status{
		core:    core,
		opts:    opts,
		codec:   codec,
		diffs:   make(map[int32]*pendingDiff),
		request: noTarget,
	}
	s.cond = sync.NewCond(&s.mu)
	s.current.Store(math.MinInt32)
	s.latest.Store(GameFirstFrame)
	s.lastFFW.Store(math.MinInt32)
	return s, nil
}

// Start launches the snapshot and seek tasks.
func (s *Status) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.workers = new(errgroup.Group)
	s.workers.SetLimit(MaxDiffsInFlight)
	s.snapshot = startTask("snapshot", s.snapshotLoop)
	s.seeker = startTask("seek", s.seekLoop)
}

// Reset stops the background tasks, drops all snapshots and cancels pending
// seeks. Tasks that don't exit within the join timeout are detached.
func (s *Status) Reset() {
	s.mu.Lock()
	var tasks []*task
	if s.running {
		s.running = false
		s.snapshot.stop()
		s.seeker.stop()
		tasks = append(tasks, s.snapshot, s.seeker)

		s.gen++
		s.diffs = make(map[int32]*pendingDiff)
		s.inFlight = 0
		s.baseline = nil
		s.capture = false
		s.load = nil
		s.awaiting = false
	}
	s.request = noTarget
	s.jumpBack, s.jumpForward = false, false
	s.inPlayback = false
	s.disabled = false
	s.cond.Broadcast()
	s.mu.Unlock()

	s.softFFW.Store(false)
	s.SetHardFFW(false)

	for _, t := range tasks {
		t.join(s.opts.JoinTimeout)
	}
}

// Close resets the controller and releases the delta codec.
func (s *Status) Close() {
	s.Reset()
	s.codec.close()
}

// OnSeek sets a function called with the target frame of every seek, once
// clamped, before the state is restored.
func (s *Status) OnSeek(fn func(target int32)) {
	s.mu.Lock()
	s.onSeek = fn
	s.mu.Unlock()
}

// CurrentFrame returns the last frame played.
func (s *Status) CurrentFrame() int32 { return s.current.Load() }

// SetCurrentFrame sets the current frame, at the start of a game.
func (s *Status) SetCurrentFrame(frame int32) { s.current.Store(frame) }

// LatestFrame returns the latest frame available in the replay.
func (s *Status) LatestFrame() int32 { return s.latest.Load() }

func (s *Status) SetLatestFrame(frame int32) { s.latest.Store(frame) }

// InPlayback reports whether the baseline was captured, after which seeking
// is possible.
func (s *Status) InPlayback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inPlayback
}

func (s *Status) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.diffs)
	if s.baseline != nil {
		n++
	}
	return Info{
		InPlayback: s.inPlayback,
		Current:    s.current.Load(),
		Latest:     s.latest.Load(),
		Snapshots:  n,
		Seeking:    s.seeking || s.request != noTarget || s.jumpBack || s.jumpForward,
		HardFFW:    s.hardFFW.Load(),
	}
}

// SeekTo requests a seek to frame.
func (s *Status) SeekTo(frame int32) {
	s.mu.Lock()
	s.request = frame
	s.cond.Broadcast()
	s.mu.Unlock()
}

// JumpForward requests a seek JumpInterval frames after the current one.
func (s *Status) JumpForward() {
	s.mu.Lock()
	s.jumpForward = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// JumpBack requests a seek JumpInterval frames before the current one.
func (s *Status) JumpBack() {
	s.mu.Lock()
	s.jumpBack = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// SetHardFFW turns hard fast-forward on or off, overriding the emulation
// speed accordingly.
func (s *Status) SetHardFFW(enable bool) {
	if s.hardFFW.Swap(enable) == enable {
		return
	}
	if enable {
		s.core.SetSpeedOverride(HardFFWSpeed)
	} else {
		s.core.SetSpeedOverride(0)
	}
}

func (s *Status) IsHardFFW() bool { return s.hardFFW.Load() }

func (s *Status) SetSoftFFW(enable bool) { s.softFFW.Store(enable) }

// ShouldFFWFrame reports whether frame should be fast-forwarded. Hard
// fast-forward applies to every frame, soft fast-forward to one frame every
// SoftFFWPeriod frames.
func (s *Status) ShouldFFWFrame(frame int32) bool {
	if s.hardFFW.Load() {
		return true
	}
	if !s.softFFW.Load() {
		return false
	}
	return int64(frame)-int64(s.lastFFW.Load()) >= SoftFFWPeriod
}

// MarkFFWFrame records frame as the last fast-forwarded frame.
func (s *Status) MarkFFWFrame(frame int32) { s.lastFFW.Store(frame) }

// ResetFFW forgets the last fast-forwarded frame.
func (s *Status) ResetFFW() { s.lastFFW.Store(math.MinInt32) }

// OnFrame is called by the emulation loop at the end of every played frame,
// outside of any emulator lock.
func (s *Status) OnFrame(frame int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.running && s.inFlight > MaxDiffsInFlight {
		log.ModPlayback.DebugZ("too many deltas in flight, blocking").Int("in_flight", s.inFlight).End()
		s.cond.Wait()
	}

	if s.load == nil {
		s.current.Store(frame)
		if s.running && s.needsSnapshot(frame) {
			s.capture, s.captureAt = true, frame
			s.cond.Broadcast()
			for s.capture && s.running {
				s.cond.Wait()
			}
		}
	}

	// A seek may have started while the snapshot was captured.
	if s.load != nil {
		at, ok := s.applyLoad()
		if !ok {
			return
		}
		frame = at
	}

	if s.awaiting && frame >= s.target {
		s.reached = true
		s.cond.Broadcast()
		for s.awaiting && s.running {
			s.cond.Wait()
		}
	}
}

// applyLoad restores the state of the seek in progress, replacing the frame
// just played. It must be called with mu held.
func (s *Status) applyLoad() (int32, bool) {
	state, at := s.load, s.loadAt
	s.load = nil
	s.mu.Unlock()
	err := s.core.LoadState(state)
	s.mu.Lock()

	if err != nil {
		s.loadErr = err
		s.cond.Broadcast()
		return 0, false
	}
	s.current.Store(at)
	return at, true
}

// needsSnapshot must be called with mu held.
func (s *Status) needsSnapshot(frame int32) bool {
	if s.disabled || emod(frame-FirstSave, Interval) != 0 {
		return false
	}
	if frame == FirstSave {
		return s.baseline == nil
	}
	return s.opts.Seekbar && s.baseline != nil && s.diffs[frame] == nil
}

// disable turns seeking off for the rest of the game. It must be called
// with mu held.
func (s *Status) disable(what string, err error) {
	log.ModPlayback.ErrorZ("seeking disabled").String("op", what).Error("err", err).End()
	s.disabled = true
}

func (s *Status) snapshotLoop(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		for t.running() && !s.capture {
			s.cond.Wait()
		}
		if !t.running() {
			return
		}

		frame := s.captureAt
		s.mu.Unlock()
		state, err := s.core.SaveState()
		s.mu.Lock()
		if !t.running() {
			return
		}
		s.capture = false
		s.cond.Broadcast()

		switch {
		case err != nil:
			s.disable("save state", err)
		case frame == FirstSave && s.baseline == nil:
			log.ModPlayback.InfoZ("baseline captured").Int("size", len(state)).End()
			s.baseline = state
			s.inPlayback = true
		case s.baseline != nil && s.diffs[frame] == nil:
			s.startDiff(frame, state)
		}
	}
}

// startDiff computes the delta of state in the background. It must be
// called with mu held, which it releases while the worker pool is full.
func (s *Status) startDiff(frame int32, state []byte) {
	log.ModPlayback.DebugZ("computing delta").Int32("frame", frame).End()

	d := &pendingDiff{done: make(chan struct{})}
	s.diffs[frame] = d
	s.inFlight++
	base, gen, workers := s.baseline, s.gen, s.workers

	s.mu.Unlock()
	workers.Go(func() error {
		d.delta = s.codec.encode(base, state)
		close(d.done)

		s.mu.Lock()
		if s.gen == gen {
			s.inFlight--
			s.cond.Broadcast()
		}
		s.mu.Unlock()
		return nil
	})
	s.mu.Lock()
}

func (s *Status) seekPending() bool {
	return s.jumpBack || s.jumpForward || s.request != noTarget
}

func (s *Status) seekLoop(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		for t.running() && !(s.inPlayback && !s.disabled && s.seekPending()) {
			s.cond.Wait()
		}
		if !t.running() {
			return
		}
		s.seek(t)
	}
}

// seek serves the pending seek request. It must be called with mu held.
func (s *Status) seek(t *task) {
	current := s.current.Load()
	target := s.request
	switch {
	case s.jumpForward:
		target = current + JumpInterval
	case s.jumpBack:
		target = current - JumpInterval
	}
	s.request, s.jumpBack, s.jumpForward = noTarget, false, false

	target = max(target, FirstSave)
	target = min(target, s.latest.Load())

	if s.onSeek != nil {
		fn := s.onSeek
		s.mu.Unlock()
		fn(target)
		s.mu.Lock()
	}

	s.seeking = true
	defer func() { s.seeking = false }()

	wasPaused := s.core.IsPaused()
	s.core.SetPause(true)
	defer func() { s.core.SetPause(wasPaused) }()

	state, at, err := s.restorePoint(target, current)
	if err != nil {
		s.disable("decode delta", err)
		return
	}
	if !t.running() {
		return
	}
	if state == nil && current == target {
		return
	}

	log.ModPlayback.InfoZ("seeking").Int32("from", current).Int32("to", target).Bool("restore", state != nil).Int32("restore_frame", at).End()

	ffw := state == nil || at != target
	if ffw {
		s.SetHardFFW(true)
		defer s.SetHardFFW(false)
	}

	s.target, s.awaiting, s.reached = target, true, false
	s.load, s.loadAt, s.loadErr = state, at, nil
	defer func() {
		s.awaiting, s.load = false, nil
		s.cond.Broadcast()
	}()

	s.core.SetPause(false)
	for t.running() && !s.reached && s.loadErr == nil {
		s.cond.Wait()
	}
	if s.loadErr != nil {
		s.disable("load state", s.loadErr)
		return
	}
	if s.reached {
		// The emulation is blocked at the target frame: speed and pause
		// state are restored before it resumes.
		s.SetHardFFW(false)
		s.core.SetPause(wasPaused)
		log.ModPlayback.DebugZ("seek done").Int32("frame", s.current.Load()).End()
	}
}

// restorePoint returns the state to restore to seek to target from
// current and its frame, or a nil state when fast-forwarding from current
// is better. It must be called with mu held, which it releases while the
// state is decoded.
func (s *Status) restorePoint(target, current int32) ([]byte, int32, error) {
	closest := NearestSaveFrame(target)
	if target > current && closest <= current {
		return nil, 0, nil
	}

	frame := closest
	switch {
	case closest <= FirstSave:
		frame = FirstSave
	case s.diffs[closest] != nil:
	case target < current:
		frame -= Interval
		for frame > FirstSave && s.diffs[frame] == nil {
			frame -= Interval
		}
	default:
		frame -= Interval
		for frame > current && s.diffs[frame] == nil {
			frame -= Interval
		}
		if frame <= current {
			return nil, 0, nil
		}
	}

	if frame <= FirstSave {
		return s.baseline, FirstSave, nil
	}

	d, base := s.diffs[frame], s.baseline
	s.mu.Unlock()
	<-d.done
	state, err := s.codec.decode(base, d.delta)
	s.mu.Lock()
	return state, frame, err
}
