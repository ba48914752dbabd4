// Package exi implements the device through which the game talks to the
// emulator. The game writes commands to the device, possibly several in a
// single transfer, then reads back the response of the last one.
//
// Commands fall in three groups: replay events, recorded to a replay file
// and broadcast to spectators; playback commands, which feed the game with
// the frames of a replay being played; and online commands, which exchange
// inputs with remote players through netplay.
package exi

import (
	"errors"
	"math"
	"sync/atomic"

	"rollnet/emu/log"
	"rollnet/matchmaking"
	"rollnet/playback"
	"rollnet/replay"
	"rollnet/replaydb"
	"rollnet/spectate"
)

type Config struct {
	// CommFile is the path of the replay comm file. Playback commands
	// report that no replay is ready without it.
	CommFile string
	// Playback is the seek controller of the emulator, required for
	// playback.
	Playback *playback.Status

	// Recorder writes the games played to replay files. Nil disables
	// recording.
	Recorder *replay.Recorder
	// Spectator broadcasts the games played. Optional.
	Spectator *spectate.Server
	// Index is updated with every replay recorded. Optional.
	Index *replaydb.DB

	// Matchmaking enables online play.
	Matchmaking *matchmaking.Config
	User        matchmaking.User
	// OnlineDelay is the number of frames of input delay of online games.
	OnlineDelay uint8
}

// Device is the device of one emulation session. It owns the state shared
// by the commands: the replay being played, the recording in progress and
// the online connection.
//
// DMAWrite, DMARead and EndFrame are called by the emulation loop, from a
// single goroutine.
type Device struct {
	cfg   Config
	sizes replay.PayloadSizes
	resp  []byte

	// frame is the last frame requested by the game, stamped on every log
	// line.
	frame     atomic.Int32
	removeCtx func()

	rec *recording
	pb  playbackState
	on  onlineState
}

const noFrame = math.MinInt32

// New returns the device configured by cfg. Close releases it.
func New(cfg Config) (*Device, error) {
	if cfg.CommFile != "" && cfg.Playback == nil {
		return nil, errors.New("exi: playback requires a seek controller")
	}
	d := &Device{
		cfg:   cfg,
		sizes: defaultSizes(),
	}
	d.frame.Store(noFrame)
	if cfg.Recorder != nil || cfg.Spectator != nil {
		d.rec = startRecording(cfg.Recorder, cfg.Spectator, cfg.Index)
	}
	if cfg.CommFile != "" {
		d.pb.init(cfg.CommFile, cfg.Playback)
	}
	d.on.init(cfg)
	d.removeCtx = log.AddContext(d)
	return d, nil
}

// AddLogContext implements log.LogContextAdder.
func (d *Device) AddLogContext(z *log.EntryZ) {
	if f := d.frame.Load(); f != noFrame {
		z.Int32("frame", f)
	}
}

// Close ends the session: the recording in progress is finalized, the
// online connection closed and playback stopped.
func (d *Device) Close() {
	if d.rec != nil {
		d.rec.close()
	}
	d.on.disconnect()
	d.pb.close()
	d.removeCtx()
}

// DMAWrite processes the commands held in buf.
func (d *Device) DMAWrite(buf []byte) {
	if len(buf) == 0 {
		return
	}

	i := 0
	switch buf[0] {
	case replay.CmdPayloadSizes:
		// The game sends its own sizes table at the start of every game.
		if len(buf) < 2 {
			log.ModExi.ErrorZ("truncated payload sizes event").End()
			return
		}
		n := min(len(buf), int(buf[1])+1)
		d.sizes = defaultSizes()
		d.sizes.Merge(buf[1:n])
		if d.rec != nil {
			d.rec.begin(buf[:n])
			d.rec.setNames(d.on.names())
		}
		i = n
	case replay.CmdMenuFrame:
		// Menu frames are neither recorded nor parsed.
		return
	}

	for i < len(buf) {
		cmd := buf[i]
		size, ok := d.sizes.Get(cmd)
		if !ok {
			log.ModExi.ErrorZ("invalid command").Hex8("cmd", cmd).Int("offset", i).End()
			return
		}
		end := i + 1 + size
		if end > len(buf) {
			log.ModExi.ErrorZ("truncated command").String("cmd", cmdName(cmd)).Int("size", size).Int("left", len(buf)-i-1).End()
			return
		}
		d.dispatch(cmd, buf[i:end])
		i = end
	}
}

// dispatch runs the command held in msg, command byte included.
func (d *Device) dispatch(cmd uint8, msg []byte) {
	payload := msg[1:]
	switch cmd {
	case replay.CmdGameEnd:
		if d.rec != nil {
			d.rec.end(msg)
		}
	case CmdPrepareReplay:
		d.resp = d.pb.prepareReplay(d.resp[:0])
	case CmdReadFrame:
		d.resp = d.pb.readFrame(d.resp[:0], payload, &d.frame)
	case CmdIsFileReady:
		d.resp = d.pb.isFileReady(d.resp[:0])
	case CmdIsStockSteal:
		d.resp = d.pb.isStockSteal(d.resp[:0], payload)
	case CmdGetFrameCount:
		d.resp = d.pb.bufferedFrames(d.resp[:0])
	case CmdOnlineInputs:
		d.resp = d.on.onlineInputs(d.resp[:0], payload, &d.frame)
	case CmdGetMatchState:
		d.resp = d.on.matchState(d.resp[:0])
	case CmdFindOpponent:
		d.on.findOpponent(payload)
	case CmdSetMatchSelections:
		d.on.setMatchSelections(payload)
	case CmdCleanupConnection:
		d.on.cleanup()
	case CmdSendChatMessage:
		d.on.sendChat(payload)
	case CmdGetOnlineDelay:
		d.resp = append(d.resp[:0], d.cfg.OnlineDelay)
	default:
		if isReplayEvent(cmd) {
			if d.rec != nil {
				d.rec.write(msg)
			}
			return
		}
		log.ModExi.WarnZ("unhandled command").Hex8("cmd", cmd).End()
	}
}

// DMARead returns the response of the last command, zero padded to n
// bytes.
func (d *Device) DMARead(n int) []byte {
	if len(d.resp) == 0 {
		log.ModExi.DebugZ("read with no pending response").Int("size", n).End()
	}
	out := make([]byte, n)
	copy(out, d.resp)
	return out
}

// EndFrame must be called by the emulation loop once a frame was emulated,
// outside of the emulator lock. It reports the frame played to the seek
// controller, which may block until a snapshot or a seek completes.
func (d *Device) EndFrame() {
	d.pb.endFrame()
}
