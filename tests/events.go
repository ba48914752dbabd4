// Package tests provides fixtures shared by the test suites: synthetic
// replay event streams and helpers to write them to disk.
package tests

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// Player describes a port occupied in a synthetic game.
type Player struct {
	Port       uint8
	CharID     uint8 // external id, as found in the game start event
	InternalID uint8 // internal id, as found in post frame updates
	Color      uint8
}

// Events builds replay event streams, in the current payload format.
type Events struct {
	buf []byte
}

func (ev *Events) Bytes() []byte { return ev.buf }
func (ev *Events) Len() int      { return len(ev.buf) }

// PayloadSizes appends the payload sizes event.
func (ev *Events) PayloadSizes() *Events {
	sizes := [][2]int{{0x36, 418}, {0x37, 63}, {0x38, 33}, {0x39, 2}, {0x3C, 8}}
	ev.buf = append(ev.buf, 0x35, uint8(1+3*len(sizes)))
	for _, s := range sizes {
		ev.buf = append(ev.buf, uint8(s[0]))
		ev.buf = binary.BigEndian.AppendUint16(ev.buf, uint16(s[1]))
	}
	return ev
}

// GameStart appends a game start event. Ports not listed are empty.
func (ev *Events) GameStart(version [4]uint8, stage uint16, seed uint32, players ...Player) *Events {
	p := make([]byte, 418)
	copy(p, version[:])

	header := make([]uint32, 78)
	header[3] = uint32(stage)
	for i := range 4 {
		header[24+9*i] = 3 << 16
	}
	for _, pl := range players {
		header[24+9*int(pl.Port)] = uint32(pl.CharID)<<24 | uint32(pl.Color)
	}
	for i, w := range header {
		binary.BigEndian.PutUint32(p[4+4*i:], w)
	}
	binary.BigEndian.PutUint32(p[316:], seed)

	ev.buf = append(ev.buf, 0x36)
	ev.buf = append(ev.buf, p...)
	return ev
}

// Frame appends pre and post frame updates for each player then a frame
// bookend finalizing the frame.
func (ev *Events) Frame(frame int32, players ...Player) *Events {
	for _, pl := range players {
		ev.PreFrame(frame, pl.Port, uint32(frame)*7, float32(frame))
		ev.PostFrame(frame, pl.Port, pl.InternalID, 4)
	}
	return ev.Bookend(frame, frame)
}

// PreFrame appends a pre frame update. Percent is set to pct and the joystick
// X axis to a value derived from the frame index.
func (ev *Events) PreFrame(frame int32, port uint8, seed uint32, pct float32) *Events {
	p := make([]byte, 63)
	binary.BigEndian.PutUint32(p[0:], uint32(frame))
	p[4] = port
	binary.BigEndian.PutUint32(p[6:], seed)
	binary.BigEndian.PutUint32(p[24:], math.Float32bits(float32(frame%100)/100))
	binary.BigEndian.PutUint32(p[44:], uint32(frame)&0xFFF)
	binary.BigEndian.PutUint32(p[59:], math.Float32bits(pct))

	ev.buf = append(ev.buf, 0x37)
	ev.buf = append(ev.buf, p...)
	return ev
}

// PostFrame appends a post frame update.
func (ev *Events) PostFrame(frame int32, port, internalID, stocks uint8) *Events {
	p := make([]byte, 33)
	binary.BigEndian.PutUint32(p[0:], uint32(frame))
	p[4] = port
	p[6] = internalID
	p[32] = stocks

	ev.buf = append(ev.buf, 0x38)
	ev.buf = append(ev.buf, p...)
	return ev
}

func (ev *Events) Bookend(frame, finalized int32) *Events {
	ev.buf = append(ev.buf, 0x3C)
	ev.buf = binary.BigEndian.AppendUint32(ev.buf, uint32(frame))
	ev.buf = binary.BigEndian.AppendUint32(ev.buf, uint32(finalized))
	return ev
}

func (ev *Events) GameEnd(method uint8, lras int8) *Events {
	ev.buf = append(ev.buf, 0x39, method, uint8(lras))
	return ev
}

// Game appends a whole game: payload sizes, game start, frames from the
// first frame (-123) to last included and the game end.
func Game(last int32, players ...Player) *Events {
	ev := new(Events)
	ev.PayloadSizes().GameStart([4]uint8{3, 12, 0, 0}, 31, 0xC0FFEE, players...)
	for f := int32(-123); f <= last; f++ {
		ev.Frame(f, players...)
	}
	return ev.GameEnd(2, -1)
}

// WriteFile writes data to a new file in a temporary directory and returns
// its path.
func WriteFile(tb testing.TB, name string, data []byte) string {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatal(err)
	}
	return path
}
