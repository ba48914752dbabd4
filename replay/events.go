// Package replay implements the replay event stream: the incremental parser
// building the in-memory game model, and the recorder writing replay files.
package replay

import (
	"encoding/binary"
	"math"
)

// Event command codes.
const (
	CmdPayloadSizes    uint8 = 0x35
	CmdGameStart       uint8 = 0x36
	CmdPreFrameUpdate  uint8 = 0x37
	CmdPostFrameUpdate uint8 = 0x38
	CmdGameEnd         uint8 = 0x39
	CmdFrameBookend    uint8 = 0x3C
	CmdMenuFrame       uint8 = 0x3E

	// CmdMetadata is the first byte of the metadata block following the raw
	// event stream. Seeing it means the whole stream has been processed.
	CmdMetadata uint8 = 'U'
)

const (
	// FirstFrame is the index of the first frame of a game.
	FirstFrame int32 = -123

	GameInfoHeaderSize = 78
	NametagSize        = 8
	UCFToggleSize      = 8
	MaxPlayers         = 4

	playerInfoOffset = 24
	playerInfoStride = 9

	playerTypeEmpty = 3
)

// Internal and external character ids needing the first frame fix-up.
const (
	internalSheik = 0x07
	internalZelda = 0x13
	externalSheik = 0x13
	externalZelda = 0x12
)

// Payload sizes of the events as written by the current emitter.
const (
	GameStartSize      = 418
	PreFrameUpdateSize = 63
	PostFrameSize      = 33
	GameEndSize        = 2
	FrameBookendSize   = 8
)

// PayloadSizes maps command codes to their payload size in bytes, excluding
// the command byte.
type PayloadSizes struct {
	size  [256]uint16
	known [256]bool
}

// DefaultPayloadSizes returns the sizes assumed for streams lacking a
// payload sizes event.
func DefaultPayloadSizes() PayloadSizes {
	var ps PayloadSizes
	ps.Set(CmdGameStart, 320)
	ps.Set(CmdPreFrameUpdate, 58)
	ps.Set(CmdPostFrameUpdate, 33)
	ps.Set(CmdGameEnd, 1)
	ps.Set(CmdFrameBookend, 8)
	return ps
}

// CurrentPayloadSizes returns the sizes of the events this module emits.
func CurrentPayloadSizes() PayloadSizes {
	var ps PayloadSizes
	ps.Set(CmdGameStart, GameStartSize)
	ps.Set(CmdPreFrameUpdate, PreFrameUpdateSize)
	ps.Set(CmdPostFrameUpdate, PostFrameSize)
	ps.Set(CmdGameEnd, GameEndSize)
	ps.Set(CmdFrameBookend, FrameBookendSize)
	return ps
}

func (ps *PayloadSizes) Set(cmd uint8, size uint16) {
	ps.size[cmd] = size
	ps.known[cmd] = true
}

// Get returns the payload size of cmd and whether it is known.
func (ps *PayloadSizes) Get(cmd uint8) (int, bool) {
	return int(ps.size[cmd]), ps.known[cmd]
}

// Merge decodes a payload sizes event payload into ps. The payload starts
// with its own length byte, followed by (command, u16 size) triplets.
// Entries absent from the payload keep their previous value.
func (ps *PayloadSizes) Merge(payload []byte) {
	if len(payload) == 0 {
		return
	}
	n := min(int(payload[0]), len(payload))
	for i := 1; i+3 <= n; i += 3 {
		ps.Set(payload[i], binary.BigEndian.Uint16(payload[i+1:]))
	}
}

// AppendEvent appends a payload sizes event (command byte included) listing
// every known command but itself.
func (ps *PayloadSizes) AppendEvent(buf []byte) []byte {
	start := len(buf)
	buf = append(buf, CmdPayloadSizes, 0)
	for cmd := range 256 {
		if !ps.known[cmd] || uint8(cmd) == CmdPayloadSizes {
			continue
		}
		buf = append(buf, uint8(cmd))
		buf = binary.BigEndian.AppendUint16(buf, ps.size[cmd])
	}
	buf[start+1] = uint8(len(buf) - start - 1)
	return buf
}

// Fixed-width big-endian reads. Reading past the end of the payload returns
// the provided default, which is how fields added by later format versions
// get sane values in older replays.

func readU8(p []byte, off int, def uint8) uint8 {
	if off < 0 || off+1 > len(p) {
		return def
	}
	return p[off]
}

func readBool(p []byte, off int) bool {
	return readU8(p, off, 0) != 0
}

func readU16(p []byte, off int, def uint16) uint16 {
	if off < 0 || off+2 > len(p) {
		return def
	}
	return binary.BigEndian.Uint16(p[off:])
}

func readU32(p []byte, off int, def uint32) uint32 {
	if off < 0 || off+4 > len(p) {
		return def
	}
	return binary.BigEndian.Uint32(p[off:])
}

func readI32(p []byte, off int, def int32) int32 {
	return int32(readU32(p, off, uint32(def)))
}

func readF32(p []byte, off int, def float32) float32 {
	if off < 0 || off+4 > len(p) {
		return def
	}
	return math.Float32frombits(binary.BigEndian.Uint32(p[off:]))
}
