package replay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"rollnet/emu/log"
)

// Parser incrementally decodes a replay event stream into a Game. Every call
// to Update consumes the complete events available from the source; an event
// that is only partially available is left for the next call.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	src   Source
	sizes PayloadSizes
	game  *Game

	started  bool
	pos      int64 // offset of the next event
	end      int64 // end of raw events, -1 if unknown
	complete bool
	loaded   bool
	buf      []byte
}

func NewParser(src Source) *Parser {
	return &Parser{
		src:   src,
		sizes: DefaultPayloadSizes(),
		game:  newGame(),
		end:   -1,
	}
}

// Update processes the events made available by the source since the last
// call.
func (p *Parser) Update() error {
	if p.complete {
		return nil
	}

	size, final, err := p.src.Size()
	if err != nil {
		return fmt.Errorf("replay source size: %w", err)
	}

	if !p.started {
		ok, err := p.readContainerHeader(size)
		if err != nil || !ok {
			if final && err == nil {
				p.complete = true
			}
			return err
		}
	}

	if p.end >= 0 && size > p.end {
		size = p.end
	}
	if size > p.pos {
		n := int(size - p.pos)
		if cap(p.buf) < n {
			p.buf = make([]byte, n)
		}
		p.buf = p.buf[:n]
		if _, err := p.src.ReadAt(p.buf, p.pos); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("replay source read: %w", err)
		}
		p.pos += int64(p.process(p.buf))
	}

	if final || (p.end >= 0 && p.pos >= p.end) {
		p.complete = true
	}
	return nil
}

// readContainerHeader locates the raw event stream. It reports false when
// not enough bytes are available yet.
func (p *Parser) readContainerHeader(size int64) (bool, error) {
	if size < 1 {
		return false, nil
	}
	var first [1]byte
	if _, err := p.src.ReadAt(first[:], 0); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("replay source read: %w", err)
	}
	if first[0] != '{' {
		// Bare event stream.
		p.started = true
		return true, nil
	}

	if size < ContainerHeaderSize {
		return false, nil
	}
	var hdr [ContainerHeaderSize]byte
	if _, err := p.src.ReadAt(hdr[:], 0); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("replay source read: %w", err)
	}
	if !bytes.Equal(hdr[:rawLengthOffset], containerMagic[:rawLengthOffset]) {
		return false, errors.New("replay: invalid container header")
	}
	p.started = true
	p.pos = ContainerHeaderSize
	if rawLen := binary.BigEndian.Uint32(hdr[rawLengthOffset:]); rawLen != 0 {
		p.end = ContainerHeaderSize + int64(rawLen)
	}
	return true, nil
}

// process applies every complete event of buf and returns the number of
// bytes consumed.
func (p *Parser) process(buf []byte) int {
	i := 0
	for i < len(buf) && !p.complete {
		cmd := buf[i]
		if cmd == CmdMetadata {
			p.complete = true
			break
		}

		var size int
		if cmd == CmdPayloadSizes {
			if i+1 >= len(buf) {
				break
			}
			size = int(buf[i+1])
		} else {
			var ok bool
			if size, ok = p.sizes.Get(cmd); !ok {
				log.ModReplay.WarnZ("unknown event, stopping").Hex8("cmd", cmd).Int64("offset", p.pos+int64(i)).End()
				p.complete = true
				break
			}
		}

		if i+1+size > len(buf) {
			// Partial event, rewind to its start.
			break
		}
		p.apply(cmd, buf[i+1:i+1+size])
		i += 1 + size
	}
	return i
}

func (p *Parser) apply(cmd uint8, payload []byte) {
	switch cmd {
	case CmdPayloadSizes:
		p.sizes.Merge(payload)
	case CmdGameStart:
		p.handleGameStart(payload)
	case CmdPreFrameUpdate:
		p.handlePreFrame(payload)
	case CmdPostFrameUpdate:
		p.handlePostFrame(payload)
	case CmdGameEnd:
		p.game.Ended = true
		p.game.WinCondition = readU8(payload, 0, 0)
		p.game.LRASInitiator = int8(readU8(payload, 1, 0xFF))
	case CmdFrameBookend:
		frame := readI32(payload, 0, FirstFrame-1)
		p.game.LatestFinalizedFrame = readI32(payload, 4, frame)
	}
}

func (p *Parser) handleGameStart(payload []byte) {
	g := p.game
	copy(g.Version[:], payload)

	s := &g.Settings
	for i := range s.Header {
		s.Header[i] = readU32(payload, 4+4*i, 0)
	}
	s.StageID = uint16(s.Header[3] & 0xFFFF)
	s.RandomSeed = readU32(payload, 316, 0)
	for i := range s.UCFToggles {
		s.UCFToggles[i] = readU32(payload, 320+4*i, 0)
	}
	s.IsPAL = readBool(payload, 416)
	s.IsFrozenPS = readBool(payload, 417)

	s.Players = make(map[uint8]PlayerSettings, MaxPlayers)
	for i := range uint8(MaxPlayers) {
		info := s.Header[playerInfoOffset+playerInfoStride*int(i)]
		ptype := uint8(info >> 16)
		if ptype == playerTypeEmpty {
			continue
		}
		ps := PlayerSettings{
			Index:          i,
			CharacterID:    uint8(info >> 24),
			PlayerType:     ptype,
			CharacterColor: uint8(info),
		}
		for j := range ps.Nametag {
			ps.Nametag[j] = readU16(payload, 352+2*NametagSize*int(i)+2*j, 0)
		}
		s.Players[i] = ps
	}

	// Newer emitters resolve the character id before the game starts.
	p.loaded = g.Version.AtLeast(1, 6, 0) || len(s.Players) == 0
	log.ModReplay.InfoZ("game start").Stringer("version", g.Version).Int("players", len(s.Players)).End()
}

func (p *Parser) frame(idx int32) *FrameData {
	fd, ok := p.game.Frames[idx]
	if !ok {
		fd = newFrameData(idx)
		p.game.Frames[idx] = fd
		p.game.LatestFrame = max(p.game.LatestFrame, idx)
	}
	return fd
}

func (p *Parser) handlePreFrame(payload []byte) {
	idx := readI32(payload, 0, 0)
	port := readU8(payload, 4, 0)
	follower := readBool(payload, 5)

	fd := p.frame(idx)
	fd.RandomSeed = readU32(payload, 6, 0)
	fd.RandomSeedExists = true

	players := fd.Players
	if follower {
		players = fd.Followers
	}
	pfd := players[port]
	pfd.RandomSeed = fd.RandomSeed
	pfd.Animation = readU16(payload, 10, 0)
	pfd.LocationX = readF32(payload, 12, 0)
	pfd.LocationY = readF32(payload, 16, 0)
	pfd.FacingDirection = readF32(payload, 20, 0)
	pfd.JoystickX = readF32(payload, 24, 0)
	pfd.JoystickY = readF32(payload, 28, 0)
	pfd.CstickX = readF32(payload, 32, 0)
	pfd.CstickY = readF32(payload, 36, 0)
	pfd.Trigger = readF32(payload, 40, 0)
	pfd.Buttons = readU32(payload, 44, 0)
	pfd.PhysicalButtons = readU16(payload, 48, 0)
	pfd.LTrigger = readF32(payload, 50, 0)
	pfd.RTrigger = readF32(payload, 54, 0)
	pfd.JoystickXRaw = int8(readU8(payload, 58, 0))
	pfd.Percent = readF32(payload, 59, PercentUnset)
	players[port] = pfd
}

func (p *Parser) handlePostFrame(payload []byte) {
	idx := readI32(payload, 0, 0)
	port := readU8(payload, 4, 0)
	follower := readBool(payload, 5)
	internalID := readU8(payload, 6, 0)

	fd := p.frame(idx)
	players := fd.Players
	if follower {
		players = fd.Followers
	}
	pfd := players[port]
	pfd.InternalCharacterID = internalID
	if pfd.Percent == PercentUnset {
		pfd.Percent = readF32(payload, 21, PercentUnset)
	}
	pfd.ShieldSize = readF32(payload, 25, 0)
	pfd.Stocks = readU8(payload, 32, 0)
	players[port] = pfd
	fd.InputsFullyFetched = true

	if idx != FirstFrame || follower {
		return
	}

	// The game start event can't tell Sheik and Zelda apart, the first frame
	// carries the character actually in use.
	settings := &p.game.Settings
	if ps, ok := settings.Players[port]; ok {
		switch internalID {
		case internalSheik:
			ps.CharacterID = externalSheik
		case internalZelda:
			ps.CharacterID = externalZelda
		}
		settings.Players[port] = ps
	}
	if int(port) == settings.lastActivePort() {
		p.loaded = true
	}
}

// Game returns the game model. It is updated in place by Update.
func (p *Parser) Game() *Game { return p.game }

// IsProcessingComplete reports whether the whole event stream was consumed.
func (p *Parser) IsProcessingComplete() bool { return p.complete }

// AreSettingsLoaded reports whether the game settings are final.
func (p *Parser) AreSettingsLoaded() bool { return p.loaded }

// Settings returns the game settings once loaded.
func (p *Parser) Settings() (*GameSettings, bool) {
	if !p.loaded {
		return nil, false
	}
	return &p.game.Settings, true
}

func (p *Parser) DoesFrameExist(idx int32) bool {
	_, ok := p.game.Frames[idx]
	return ok
}

func (p *Parser) Frame(idx int32) (*FrameData, bool) {
	fd, ok := p.game.Frames[idx]
	return fd, ok
}

// LatestIndex returns the highest frame index seen so far.
func (p *Parser) LatestIndex() int32 { return p.game.LatestFrame }

// IsFrameFullyFetched reports whether all data for the frame is available
// and can't be rewritten by a later rollback.
func (p *Parser) IsFrameFullyFetched(idx int32) bool {
	fd, ok := p.game.Frames[idx]
	if !ok || !fd.InputsFullyFetched {
		return false
	}
	if !p.game.Version.AtLeast(3, 7, 0) {
		return true
	}
	return p.game.LatestFinalizedFrame >= idx
}

// Version returns the replay format version.
func (p *Parser) Version() Version { return p.game.Version }
