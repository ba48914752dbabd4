package netplay

import (
	"slices"
	"time"
)

const (
	// FrameDurationUs is the duration of a frame at 59.94Hz.
	FrameDurationUs = 16683

	// OffsetSamples is the number of time offset samples kept per peer.
	OffsetSamples = 30

	minOffsetSamples = 3
)

type frameTiming struct {
	frame int32
	time  time.Time
}

// offsetRing holds the last OffsetSamples time offsets measured for a peer.
type offsetRing struct {
	samples [OffsetSamples]int64
	n       int
	next    int
}

func (r *offsetRing) push(us int64) {
	r.samples[r.next] = us
	r.next = (r.next + 1) % OffsetSamples
	r.n = min(r.n+1, OffsetSamples)
}

func (r *offsetRing) reset() { *r = offsetRing{} }

// ready reports whether there are enough samples for an average.
func (r *offsetRing) ready() bool { return r.n >= minOffsetSamples }

// average returns the mean of the samples once the lowest and highest thirds
// are discarded. It returns 0 with fewer than minOffsetSamples samples.
func (r *offsetRing) average() int64 {
	if !r.ready() {
		return 0
	}
	sorted := slices.Clone(r.samples[:r.n])
	slices.Sort(sorted)

	third := r.n / 3
	mid := sorted[third : r.n-third]
	var sum int64
	for _, v := range mid {
		sum += v
	}
	return sum / int64(len(mid))
}

// timeOffsetUs estimates by how much a remote player is late, in
// microseconds, given the time a pad for frame was received, the ping and
// the timing of the last local frame sent.
func timeOffsetUs(recv time.Time, frame int32, ping time.Duration, last frameTiming) int64 {
	sent := recv.Add(-ping / 2)
	return sent.Sub(last.time).Microseconds() + FrameDurationUs*int64(last.frame-frame)
}

// ackTimer records when the local pad for frame was sent to a peer.
type ackTimer struct {
	frame int32
	sent  time.Time
}

// ackTimers is a FIFO of ack timers, in frame order.
type ackTimers struct {
	q []ackTimer
}

func (at *ackTimers) push(frame int32, now time.Time) {
	at.q = append(at.q, ackTimer{frame: frame, sent: now})
}

// ack consumes the timers up to frame and returns the round trip time of
// frame if its timer was found.
func (at *ackTimers) ack(frame int32, now time.Time) (time.Duration, bool) {
	i := 0
	for i < len(at.q) && at.q[i].frame < frame {
		i++
	}
	if i == len(at.q) || at.q[i].frame != frame {
		at.q = at.q[i:]
		return 0, false
	}
	rtt := now.Sub(at.q[i].sent)
	at.q = at.q[i+1:]
	return rtt, true
}

func (at *ackTimers) reset() { at.q = at.q[:0] }
