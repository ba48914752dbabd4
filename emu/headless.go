package emu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"sync"

	"rollnet/emu/log"
	"rollnet/exi"
	"rollnet/replay"
)

// Bus is the link between the game and the device it talks to.
type Bus interface {
	DMAWrite(buf []byte)
	DMARead(n int) []byte
}

type phase uint8

const (
	phaseIdle phase = iota
	phasePreparing
	phasePlaying
)

// headlessState is the whole state of a Headless machine. Fields are
// exported for encoding/binary.
type headlessState struct {
	Phase phase
	Seed  uint32
	// Frame is the next frame to read.
	Frame int32
	// Played is the number of frames played in the current game, and Hash
	// the hash of their data.
	Played uint32
	Hash   uint64
	Games  uint32
}

// HeadlessStatus describes the progress of a Headless machine.
type HeadlessStatus struct {
	InGame bool
	Seed   uint32
	Frame  int32
	Played uint32
	Hash   uint64
	Games  uint32
}

// Headless is a Machine that plays replays through the playback commands of
// the device, the way the game does, without emulating the game itself. The
// data of every frame played is folded into a hash, part of the machine
// state, which makes it a stand-in for a game when checking that seeking
// restores the right frames.
type Headless struct {
	bus Bus

	mu sync.Mutex
	st headlessState
}

// PlugBus connects the machine to the device. It must be called before the
// first frame is run.
func (h *Headless) PlugBus(bus Bus) { h.bus = bus }

func (h *Headless) Status() HeadlessStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HeadlessStatus{
		InGame: h.st.Phase == phasePlaying,
		Seed:   h.st.Seed,
		Frame:  h.st.Frame,
		Played: h.st.Played,
		Hash:   h.st.Hash,
		Games:  h.st.Games,
	}
}

func (h *Headless) RunFrame() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.st.Phase {
	case phaseIdle:
		h.bus.DMAWrite([]byte{exi.CmdIsFileReady})
		if h.bus.DMARead(1)[0] == 1 {
			h.st.Phase = phasePreparing
		}

	case phasePreparing:
		h.bus.DMAWrite([]byte{exi.CmdPrepareReplay})
		resp := h.bus.DMARead(exi.PrepareReplayResponseSize)
		if resp[0] != 1 {
			return nil
		}
		h.st = headlessState{
			Phase: phasePlaying,
			Seed:  binary.BigEndian.Uint32(resp[1:]),
			Frame: replay.FirstFrame,
			Hash:  fnvOffset64,
			Games: h.st.Games + 1,
		}
		log.ModEmu.InfoZ("game started").Hex32("seed", h.st.Seed).End()

	case phasePlaying:
		cmd := binary.BigEndian.AppendUint32([]byte{exi.CmdReadFrame}, uint32(h.st.Frame))
		h.bus.DMAWrite(cmd)
		resp := h.bus.DMARead(exi.ReadFrameResponseSize)

		switch resp[0] {
		case exi.FrameContinue, exi.FrameFastForward:
			f := fnv.New64a()
			f.Write(binary.BigEndian.AppendUint64(nil, h.st.Hash))
			f.Write(resp[1:])
			h.st.Hash = f.Sum64()
			h.st.Played++
			h.st.Frame++
		case exi.FrameTerminate:
			log.ModEmu.InfoZ("game ended").Int32("frame", h.st.Frame).Uint("played", uint64(h.st.Played)).End()
			h.st.Phase = phaseIdle
		}
	}
	return nil
}

const fnvOffset64 = 14695981039346656037

// Save state format: magic, version, crc of the data then the data.
const (
	stateMagic      = "rollnetHL\x00"
	stateVersion    = 1
	stateHeaderSize = len(stateMagic) + 2 + 4
)

func (h *Headless) SaveState() ([]byte, error) {
	h.mu.Lock()
	st := h.st
	h.mu.Unlock()

	data := make([]byte, stateHeaderSize, stateHeaderSize+binary.Size(st))
	copy(data, stateMagic)
	binary.BigEndian.PutUint16(data[len(stateMagic):], stateVersion)
	data, err := binary.Append(data, binary.BigEndian, st)
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(data[len(stateMagic)+2:], crc32.ChecksumIEEE(data[stateHeaderSize:]))
	return data, nil
}

func (h *Headless) LoadState(data []byte) error {
	if len(data) < stateHeaderSize || !bytes.Equal(data[:len(stateMagic)], []byte(stateMagic)) {
		return errors.New("emu: invalid save state")
	}
	if v := binary.BigEndian.Uint16(data[len(stateMagic):]); v != stateVersion {
		return fmt.Errorf("emu: unsupported save state version %d", v)
	}
	if crc32.ChecksumIEEE(data[stateHeaderSize:]) != binary.BigEndian.Uint32(data[len(stateMagic)+2:]) {
		return errors.New("emu: save state data is corrupted")
	}

	var st headlessState
	if _, err := binary.Decode(data[stateHeaderSize:], binary.BigEndian, &st); err != nil {
		return fmt.Errorf("emu: save state: %w", err)
	}
	h.mu.Lock()
	h.st = st
	h.mu.Unlock()
	return nil
}
