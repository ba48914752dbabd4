package exi

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"rollnet/emu/log"
	"rollnet/playback"
	"rollnet/replay"
)

// Replay playback: the game asks for a replay to be ready, then reads it one
// frame at a time, each read telling it whether to play the frame, wait for
// more data, fast-forward or stop.

const (
	playerInfoOffset = 24
	playerInfoStride = 9

	externalZelda = 0x12
	externalSheik = 0x13

	// Real time mirroring fast-forwards past these distances to the latest
	// frame received.
	farBehind     = 2
	veryFarBehind = 25
)

type playbackState struct {
	comm   *Comm
	status *playback.Status

	game *replay.Parser
	src  *replay.FileSource

	// Frame requested and frame served to the game during the current
	// emulated frame.
	requested bool
	served    bool
	servedAt  int32
	lastRead  int32
}

func (ps *playbackState) init(commFile string, status *playback.Status) {
	ps.comm = NewComm(commFile)
	ps.status = status
	ps.lastRead = math.MinInt32
	status.OnSeek(ps.comm.AdjustBounds)
}

func (ps *playbackState) close() {
	if ps.status != nil {
		ps.status.Reset()
	}
	ps.closeGame()
}

func (ps *playbackState) closeGame() {
	if ps.src != nil {
		ps.src.Close()
	}
	ps.game, ps.src = nil, nil
}

// isFileReady loads the requested replay, if a new one was requested.
func (ps *playbackState) isFileReady(resp []byte) []byte {
	if ps.comm == nil {
		return append(resp, 0)
	}
	if !ps.comm.IsNewReplay() {
		ps.comm.NextReplay()
		return append(resp, 0)
	}

	game, src, err := ps.comm.LoadGame()
	if err != nil {
		log.ModExi.InfoZ("replay not ready").Error("err", err).End()
		return append(resp, 0)
	}
	ps.closeGame()
	ps.game, ps.src = game, src
	ps.lastRead = math.MinInt32
	ps.status.Reset()

	log.ModExi.InfoZ("replay loaded").String("path", ps.comm.Current().Path).Stringer("version", ps.game.Version()).End()
	return append(resp, 1)
}

// prepareReplay returns the settings of the game once they are final, and
// starts the seek controller.
func (ps *playbackState) prepareReplay(resp []byte) []byte {
	if ps.game == nil {
		return resp
	}
	settings, ok := ps.game.Settings()
	if !ok {
		return append(resp, 0)
	}
	resp = append(resp, 1)

	cs := ps.comm.Settings()
	if cs.Mode == ModeMirror && !ps.status.IsHardFFW() {
		ps.status.SetHardFFW(true)
	}
	ps.status.ResetFFW()

	resp = binary.BigEndian.AppendUint32(resp, settings.RandomSeed)

	// The header holds the character chosen at the character select screen.
	// Players transforming right away play the other form.
	header := settings.Header
	for port, pl := range settings.Players {
		if pl.CharacterID != externalZelda && pl.CharacterID != externalSheik {
			continue
		}
		pos := playerInfoOffset + playerInfoStride*int(port)
		header[pos] = header[pos]&0x00FFFFFF | uint32(pl.CharacterID)<<24
	}
	for _, w := range header {
		resp = binary.BigEndian.AppendUint32(resp, w)
	}
	for _, w := range settings.UCFToggles {
		resp = binary.BigEndian.AppendUint32(resp, w)
	}
	for port := range replay.MaxPlayers {
		pl := settings.Players[uint8(port)]
		for _, h := range pl.Nametag {
			resp = binary.BigEndian.AppendUint16(resp, h)
		}
	}

	v := ps.game.Version()
	preloadPS := v[0] > 1 || (v[0] == 1 && v[1] > 2)
	resp = append(resp,
		boolByte(settings.IsPAL),
		boolByte(preloadPS),
		boolByte(settings.IsFrozenPS),
		boolByte(cs.ShouldResync),
	)

	if cs.RollbackDisplayMethod != "off" {
		log.ModExi.WarnZ("rollback display not supported, playing final frames").String("method", cs.RollbackDisplayMethod).End()
	}

	ps.status.SetCurrentFrame(replay.FirstFrame)
	if cs.Mode == ModeNormal || cs.Mode == ModeQueue {
		ps.status.Start()
	}
	return resp
}

// readFrame returns the data of the requested frame, or tells the game to
// wait or stop.
func (ps *playbackState) readFrame(resp, payload []byte, cur *atomic.Int32) []byte {
	if ps.game == nil {
		return resp
	}
	frame := int32(binary.BigEndian.Uint32(payload))
	cur.Store(frame)
	ps.requested = true
	ps.lastRead = frame

	watch := ps.comm.Current()
	if frame > watch.EndFrame {
		log.ModExi.InfoZ("past end frame, terminating").Int32("end", watch.EndFrame).End()
		return append(resp, FrameTerminate)
	}
	if ps.comm.IsNewReplay() {
		log.ModExi.InfoZ("new replay requested, terminating").End()
		return append(resp, FrameTerminate)
	}

	if err := ps.game.Update(); err != nil {
		log.ModExi.WarnZ("cannot read replay").Error("err", err).End()
	}
	complete := ps.game.IsProcessingComplete()
	latest := ps.game.LatestIndex()
	ready := ps.game.DoesFrameExist(frame) && (complete || ps.game.IsFrameFullyFetched(frame))

	st := ps.status
	st.SetLatestFrame(latest)

	if watch.StartFrame > replay.FirstFrame {
		if frame < watch.StartFrame {
			st.SetHardFFW(true)
		} else if frame == watch.StartFrame {
			st.SetHardFFW(false)
		}
	}

	cs := ps.comm.Settings()
	if cs.Mode == ModeMirror && cs.IsRealTimeMode && latest-frame > farBehind {
		st.SetSoftFFW(true)
		// Once on, hard fast-forward goes on up to the latest frame.
		if !st.IsHardFFW() {
			st.SetHardFFW(latest-frame > veryFarBehind)
		}
	}
	if latest == frame {
		// Stop fast-forwarding on the last frame received so that it gets
		// rendered.
		st.SetSoftFFW(false)
		st.SetHardFFW(false)
	}

	if !ready {
		st.SetSoftFFW(false)
		st.SetHardFFW(false)
		if complete {
			log.ModExi.WarnZ("replay ended before frame, terminating").Int32("latest", latest).End()
			return append(resp, FrameTerminate)
		}
		return append(resp, FrameWait)
	}

	code := FrameContinue
	if st.ShouldFFWFrame(frame) {
		code = FrameFastForward
		st.MarkFFWFrame(frame)
		log.ModExi.DebugZ("fast-forwarding frame").Int32("behind", latest-frame).End()
	}
	ps.served, ps.servedAt = true, frame

	fd, _ := ps.game.Frame(frame)
	// Rollbacks are never shown: only the final version of each frame is
	// kept by the parser.
	const rollbackCode = 0
	resp = append(resp, code, rollbackCode, boolByte(fd.RandomSeedExists))
	resp = binary.BigEndian.AppendUint32(resp, fd.RandomSeed)
	for port := range uint8(replay.MaxPlayers) {
		resp = appendCharacter(resp, fd.Players, port)
		resp = appendCharacter(resp, fd.Followers, port)
	}
	return resp
}

// appendCharacter appends the data of the character at port, or zeroes if
// there's none.
func appendCharacter(resp []byte, chars map[uint8]replay.PlayerFrameData, port uint8) []byte {
	c, ok := chars[port]
	if !ok {
		return append(resp, make([]byte, CharacterDataSize)...)
	}
	resp = binary.BigEndian.AppendUint32(resp, c.RandomSeed)
	resp = appendF32(resp, c.JoystickX)
	resp = appendF32(resp, c.JoystickY)
	resp = appendF32(resp, c.CstickX)
	resp = appendF32(resp, c.CstickY)
	resp = appendF32(resp, c.Trigger)
	resp = binary.BigEndian.AppendUint32(resp, c.Buttons)
	resp = appendF32(resp, c.LocationX)
	resp = appendF32(resp, c.LocationY)
	resp = appendF32(resp, c.FacingDirection)
	resp = binary.BigEndian.AppendUint32(resp, uint32(c.Animation))
	resp = append(resp, uint8(c.JoystickXRaw))
	return appendF32(resp, c.Percent)
}

func appendF32(b []byte, f float32) []byte {
	return binary.BigEndian.AppendUint32(b, math.Float32bits(f))
}

// isStockSteal reports whether the player at port is present in a frame.
func (ps *playbackState) isStockSteal(resp, payload []byte) []byte {
	if ps.game == nil {
		return resp
	}
	frame := int32(binary.BigEndian.Uint32(payload))
	port := payload[4]

	fd, ok := ps.game.Frame(frame)
	if !ok {
		return append(resp, 0)
	}
	_, present := fd.Players[port]
	return append(resp, boolByte(present))
}

// bufferedFrames returns the number of frames available past the last one
// requested.
func (ps *playbackState) bufferedFrames(resp []byte) []byte {
	var n int32
	if ps.game != nil {
		last := ps.lastRead
		if last == math.MinInt32 {
			last = replay.FirstFrame - 1
		}
		n = max(0, ps.game.LatestIndex()-last)
	}
	return binary.BigEndian.AppendUint32(resp, uint32(n))
}

// endFrame reports the frame played to the seek controller. While the game
// waits for data, the current frame is reported again so that pending
// seeks can proceed.
func (ps *playbackState) endFrame() {
	if ps.game == nil || !ps.requested {
		return
	}
	frame := ps.status.CurrentFrame()
	if ps.served {
		frame = ps.servedAt
	}
	ps.requested, ps.served = false, false
	ps.status.OnFrame(frame)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
