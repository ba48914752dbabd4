package exi

import (
	"errors"
	"sync/atomic"

	"rollnet/emu/log"
	"rollnet/replay"
	"rollnet/replaydb"
	"rollnet/spectate"
)

type recordOp uint8

const (
	opBegin recordOp = iota
	opWrite
	opEnd
	opNames
)

type recordMsg struct {
	seq    uint64
	op     recordOp
	events []byte
	names  map[uint8]replay.PlayerNames
}

// recordQueue is large enough to hold the events of several seconds of
// game.
const recordQueue = 1024

var errQueueFull = errors.New("recording queue full, events were dropped")

// recording writes the events of the games played to replay files, to
// spectators and to the replay index, from its own goroutine so that slow
// disks don't slow emulation down.
type recording struct {
	rec   *replay.Recorder
	spec  *spectate.Server
	index *replaydb.DB

	msgs chan recordMsg
	done chan struct{}

	// Accessed by the sending goroutine only.
	seq uint64

	// Sequence number of the first message that did not fit in the queue,
	// 0 until then. Nothing is queued past it.
	droppedAt atomic.Uint64

	// Accessed by the recording goroutine only.
	disabled bool
}

func startRecording(rec *replay.Recorder, spec *spectate.Server, index *replaydb.DB) *recording {
	r := &recording{
		rec:   rec,
		spec:  spec,
		index: index,
		msgs:  make(chan recordMsg, recordQueue),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *recording) send(op recordOp, events []byte) {
	r.enqueue(recordMsg{op: op, events: append([]byte(nil), events...)})
}

// enqueue never blocks the emulation. A message that does not fit is
// dropped along with everything after it, and the recording stops once the
// queued messages are written.
func (r *recording) enqueue(msg recordMsg) {
	if r.droppedAt.Load() != 0 {
		return
	}
	r.seq++
	msg.seq = r.seq
	select {
	case r.msgs <- msg:
	default:
		r.droppedAt.Store(msg.seq)
		log.ModExi.ErrorZ("recording queue full, dropping events").Uint("seq", msg.seq).End()
	}
}

func (r *recording) begin(sizesEvent []byte) { r.send(opBegin, sizesEvent) }
func (r *recording) write(events []byte)     { r.send(opWrite, events) }
func (r *recording) end(events []byte)       { r.send(opEnd, events) }

func (r *recording) setNames(names map[uint8]replay.PlayerNames) {
	if len(names) > 0 {
		r.enqueue(recordMsg{op: opNames, names: names})
	}
}

// close finalizes the replay being recorded, if any, and waits for all
// events to be written.
func (r *recording) close() {
	close(r.msgs)
	<-r.done
}

func (r *recording) loop() {
	defer close(r.done)

	inGame, stopped := false, false
	stop := func() {
		stopped = true
		r.fail(errQueueFull)
		if inGame && r.spec != nil {
			r.spec.EndGame()
		}
		inGame = false
	}
	for msg := range r.msgs {
		if stopped {
			continue
		}
		switch msg.op {
		case opBegin:
			inGame = true
			if r.rec != nil && !r.disabled {
				if err := r.rec.Begin(msg.events); err != nil {
					r.fail(err)
				}
			}
			if r.spec != nil {
				r.spec.StartGame()
				r.spec.Write(msg.events)
			}

		case opNames:
			if r.rec != nil && r.rec.Recording() {
				for port, names := range msg.names {
					r.rec.SetNames(port, names)
				}
			}

		case opWrite:
			if !inGame {
				break
			}
			if r.rec != nil && r.rec.Recording() {
				if err := r.rec.Write(msg.events); err != nil {
					r.fail(err)
				}
			}
			if r.spec != nil {
				r.spec.Write(msg.events)
			}

		case opEnd:
			if !inGame {
				break
			}
			inGame = false
			r.finalize(msg.events)
			if r.spec != nil {
				r.spec.Write(msg.events)
				r.spec.EndGame()
			}
		}

		// The next message was dropped.
		if d := r.droppedAt.Load(); d != 0 && msg.seq+1 >= d {
			stop()
		}
	}

	if !stopped && r.droppedAt.Load() != 0 {
		stop()
	}
	if inGame {
		log.ModExi.InfoZ("session closed during a game, finalizing replay").End()
		r.finalize(nil)
		if r.spec != nil {
			r.spec.EndGame()
		}
	}
}

// finalize ends the replay file and indexes it.
func (r *recording) finalize(events []byte) {
	if r.rec == nil || !r.rec.Recording() {
		return
	}
	sum, err := r.rec.End(events)
	if err != nil {
		r.fail(err)
		return
	}
	if r.index != nil {
		if _, err := r.index.Add(sum); err != nil {
			log.ModExi.WarnZ("cannot index replay").String("path", sum.Path).Error("err", err).End()
		}
	}
}

// fail disables recording for the rest of the session. The replay file
// written so far is kept, as readers accept an unset raw length.
func (r *recording) fail(err error) {
	log.ModExi.ErrorZ("recording failed, disabled for this session").Error("err", err).End()
	r.disabled = true
	if r.rec != nil && r.rec.Recording() {
		if _, err := r.rec.End(nil); err != nil {
			log.ModExi.DebugZ("cannot finalize failed replay").Error("err", err).End()
		}
	}
}
