package exi

import (
	"encoding/binary"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rollnet/netplay"
	"rollnet/playback"
	"rollnet/replay"
	"rollnet/replaydb"
	"rollnet/tests"
)

var (
	fox   = tests.Player{Port: 0, CharID: 0x02, InternalID: 0x01, Color: 1}
	sheik = tests.Player{Port: 1, CharID: externalZelda, InternalID: 0x07}
)

// nullCore is an emulator that never plays.
type nullCore struct {
	mu     sync.Mutex
	paused bool
	speed  float64
}

func (c *nullCore) SaveState() ([]byte, error) { return make([]byte, 64), nil }
func (c *nullCore) LoadState([]byte) error     { return nil }

func (c *nullCore) SetPause(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

func (c *nullCore) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *nullCore) SetSpeedOverride(factor float64) {
	c.mu.Lock()
	c.speed = factor
	c.mu.Unlock()
}

func writeReplay(t *testing.T, name string, last int32) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, replay.WriteContainer(f, tests.Game(last, fox, sheik).Bytes()))
	require.NoError(t, f.Close())
	return path
}

func writeComm(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func cmd(c uint8, payload ...byte) []byte { return append([]byte{c}, payload...) }

func frameCmd(c uint8, frame int32, extra ...byte) []byte {
	b := binary.BigEndian.AppendUint32([]byte{c}, uint32(frame))
	return append(b, extra...)
}

func TestParseCommSettings(t *testing.T) {
	cs, err := ParseCommSettings([]byte(`{"replay": "a.slp"}`))
	require.NoError(t, err)
	require.Equal(t, CommSettings{
		Replay:                "a.slp",
		Mode:                  ModeNormal,
		StartFrame:            replay.FirstFrame,
		EndFrame:              math.MaxInt32,
		RollbackDisplayMethod: "off",
		ShouldResync:          true,
	}, cs)

	cs, err = ParseCommSettings([]byte(`{
		"mode": "queue",
		"commandId": "42",
		"isRealTimeMode": false,
		"shouldResync": false,
		"unknown": {"nested": [1, 2]},
		"queue": [
			{"path": "a.slp", "startFrame": 100},
			{"path": "b.slp", "endFrame": 600, "gameStartAt": "ignored"}
		]
	}`))
	require.NoError(t, err)
	require.Equal(t, ModeQueue, cs.Mode)
	require.Equal(t, "42", cs.CommandID)
	require.False(t, cs.ShouldResync)
	require.Equal(t, []WatchSettings{
		{Path: "a.slp", StartFrame: 100, EndFrame: math.MaxInt32},
		{Path: "b.slp", StartFrame: replay.FirstFrame, EndFrame: 600},
	}, cs.Queue)

	_, err = ParseCommSettings([]byte(`{"mode": "shuffle"}`))
	require.Error(t, err)
	_, err = ParseCommSettings([]byte(`{"startFrame": "soon"}`))
	require.Error(t, err)
}

func TestCommNewReplay(t *testing.T) {
	path := writeReplay(t, "game.slp", 10)
	commFile := filepath.Join(t.TempDir(), "comm.json")
	c := NewComm(commFile)

	require.False(t, c.IsNewReplay(), "no comm file")

	writeComm(t, commFile, `{"replay": "`+path+`", "commandId": "1"}`)
	require.True(t, c.IsNewReplay())
	p, src, err := c.LoadGame()
	require.NoError(t, err)
	defer src.Close()
	require.True(t, p.AreSettingsLoaded())
	require.False(t, c.IsNewReplay())

	// Malformed files leave the previous settings in place.
	writeComm(t, commFile, `{"replay": `)
	require.False(t, c.IsNewReplay())

	// Same replay, new command.
	writeComm(t, commFile, `{"replay": "`+path+`", "commandId": "2"}`)
	require.True(t, c.IsNewReplay())
}

func TestCommQueue(t *testing.T) {
	a := writeReplay(t, "a.slp", 10)
	b := writeReplay(t, "b.slp", 10)
	commFile := filepath.Join(t.TempDir(), "comm.json")
	writeComm(t, commFile, `{"mode": "queue", "commandId": "q1", "queue": [
		{"path": "`+a+`", "endFrame": 5},
		{"path": "`+b+`"}
	]}`)
	c := NewComm(commFile)

	require.True(t, c.IsNewReplay())
	_, src, err := c.LoadGame()
	require.NoError(t, err)
	src.Close()
	require.Equal(t, WatchSettings{Path: a, StartFrame: replay.FirstFrame, EndFrame: 5}, c.Current())
	require.False(t, c.IsNewReplay())

	c.NextReplay()
	require.True(t, c.IsNewReplay())
	_, src, err = c.LoadGame()
	require.NoError(t, err)
	src.Close()
	require.Equal(t, b, c.Current().Path)

	c.NextReplay()
	require.False(t, c.IsNewReplay(), "queue exhausted")
}

func TestCommAdjustBounds(t *testing.T) {
	path := writeReplay(t, "game.slp", 10)
	commFile := filepath.Join(t.TempDir(), "comm.json")
	writeComm(t, commFile, `{"replay": "`+path+`", "startFrame": 0, "endFrame": 5}`)
	c := NewComm(commFile)
	require.True(t, c.IsNewReplay())
	_, src, err := c.LoadGame()
	require.NoError(t, err)
	defer src.Close()

	c.AdjustBounds(3)
	require.Equal(t, WatchSettings{Path: path, StartFrame: 0, EndFrame: 5}, c.Current())
	c.AdjustBounds(-50)
	require.Equal(t, int32(-50), c.Current().StartFrame)
	c.AdjustBounds(8)
	require.Equal(t, int32(math.MaxInt32), c.Current().EndFrame)
}

func newPlaybackDevice(t *testing.T, replayPath string) *Device {
	t.Helper()

	st, err := playback.New(new(nullCore), playback.Options{})
	require.NoError(t, err)
	commFile := filepath.Join(t.TempDir(), "comm.json")
	writeComm(t, commFile, `{"replay": "`+replayPath+`"}`)

	d, err := New(Config{CommFile: commFile, Playback: st})
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Close()
		st.Close()
	})
	return d
}

func TestPlayback(t *testing.T) {
	d := newPlaybackDevice(t, writeReplay(t, "game.slp", 20))

	d.DMAWrite(cmd(CmdIsFileReady))
	require.Equal(t, []byte{1}, d.DMARead(1))
	d.DMAWrite(cmd(CmdIsFileReady))
	require.Equal(t, []byte{0}, d.DMARead(1), "same replay again")

	d.DMAWrite(cmd(CmdPrepareReplay))
	resp := d.DMARead(1024)
	require.Equal(t, uint8(1), resp[0])
	require.Equal(t, uint32(0xC0FFEE), binary.BigEndian.Uint32(resp[1:]))
	header := func(i int) uint32 { return binary.BigEndian.Uint32(resp[5+4*i:]) }
	require.Equal(t, uint32(31), header(3), "stage")
	require.Equal(t, uint32(fox.CharID)<<24|uint32(fox.Color), header(24))
	require.Equal(t, uint32(externalSheik)<<24, header(33), "transformed character")

	d.DMAWrite(frameCmd(CmdReadFrame, 10))
	resp = d.DMARead(ReadFrameResponseSize)
	require.Equal(t, FrameContinue, resp[0])
	require.Equal(t, uint8(0), resp[1], "rollback code")
	require.Equal(t, uint8(1), resp[2], "random seed exists")
	// Player data starts after the frame seed, each port holding the
	// character then its follower.
	p0 := resp[7:]
	require.Equal(t, float32(10), math.Float32frombits(binary.BigEndian.Uint32(p0[45:])), "percent")
	p1 := resp[7+2*CharacterDataSize:]
	require.Equal(t, float32(10), math.Float32frombits(binary.BigEndian.Uint32(p1[45:])))
	require.Equal(t, make([]byte, CharacterDataSize), resp[7+4*CharacterDataSize:7+5*CharacterDataSize], "empty port")
	require.Equal(t, int32(10), d.frame.Load())

	d.DMAWrite(cmd(CmdGetFrameCount))
	require.Equal(t, uint32(10), binary.BigEndian.Uint32(d.DMARead(4)))

	d.DMAWrite(frameCmd(CmdIsStockSteal, 10, 1))
	require.Equal(t, []byte{1}, d.DMARead(1))
	d.DMAWrite(frameCmd(CmdIsStockSteal, 10, 3))
	require.Equal(t, []byte{0}, d.DMARead(1))

	d.DMAWrite(frameCmd(CmdReadFrame, 21))
	require.Equal(t, FrameTerminate, d.DMARead(1)[0], "past the end of a complete replay")
}

func TestPlaybackEndFrame(t *testing.T) {
	path := writeReplay(t, "game.slp", 20)
	d := newPlaybackDevice(t, path)

	d.DMAWrite(cmd(CmdIsFileReady))
	require.Equal(t, []byte{1}, d.DMARead(1))
	commFile := d.pb.comm.path
	writeComm(t, commFile, `{"replay": "`+path+`", "commandId": "2", "endFrame": 5}`)

	d.DMAWrite(cmd(CmdIsFileReady))
	require.Equal(t, []byte{1}, d.DMARead(1), "new end frame")
	d.DMAWrite(cmd(CmdPrepareReplay))
	require.Equal(t, uint8(1), d.DMARead(1)[0])

	d.DMAWrite(frameCmd(CmdReadFrame, 5))
	require.Equal(t, FrameContinue, d.DMARead(1)[0])
	d.DMAWrite(frameCmd(CmdReadFrame, 6))
	require.Equal(t, FrameTerminate, d.DMARead(1)[0])
}

func TestPlaybackWaitsForData(t *testing.T) {
	// A bare event stream, as written while a game is recorded, is never
	// known to be final.
	path := tests.WriteFile(t, "live.slp", tests.Game(10, fox, sheik).Bytes())
	d := newPlaybackDevice(t, path)

	d.DMAWrite(cmd(CmdIsFileReady))
	require.Equal(t, []byte{1}, d.DMARead(1))
	d.DMAWrite(cmd(CmdPrepareReplay))
	require.Equal(t, uint8(1), d.DMARead(1)[0])

	d.DMAWrite(frameCmd(CmdReadFrame, 12))
	require.Equal(t, FrameWait, d.DMARead(1)[0])
}

func TestRecording(t *testing.T) {
	dir := t.TempDir()
	index, err := replaydb.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	defer index.Close()

	d, err := New(Config{
		Recorder: &replay.Recorder{Dir: dir},
		Index:    index,
	})
	require.NoError(t, err)

	events := tests.Game(20, fox, sheik).Bytes()
	// Menu frames are dropped.
	d.DMAWrite(cmd(replay.CmdMenuFrame, 1, 2, 3))
	d.DMAWrite(events)
	d.Close()

	files, err := filepath.Glob(filepath.Join(dir, "*.slp"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	require.Equal(t, uint32(len(events)), binary.BigEndian.Uint32(data[11:]))
	require.Equal(t, events, data[replay.ContainerHeaderSize:replay.ContainerHeaderSize+len(events)])

	entries, err := index.List(replaydb.Query{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, files[0], entries[0].Path)
	require.Equal(t, int32(20), entries[0].LastFrame)
}

func TestRecordingClosedMidGame(t *testing.T) {
	dir := t.TempDir()
	d, err := New(Config{Recorder: &replay.Recorder{Dir: dir}})
	require.NoError(t, err)

	events := tests.Game(20, fox, sheik).Bytes()
	// Drop the game end.
	events = events[:len(events)-3]
	d.DMAWrite(events)
	d.Close()

	files, err := filepath.Glob(filepath.Join(dir, "*.slp"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	require.Equal(t, uint32(len(events)), binary.BigEndian.Uint32(data[11:]))
}

func TestRecordingQueueFull(t *testing.T) {
	dir := t.TempDir()
	rec := &replay.Recorder{Dir: dir}
	r := &recording{
		rec:  rec,
		msgs: make(chan recordMsg, 3),
		done: make(chan struct{}),
	}

	sizes := new(tests.Events).PayloadSizes().Bytes()
	f1 := new(tests.Events).Frame(replay.FirstFrame, fox, sheik).Bytes()
	f2 := new(tests.Events).Frame(replay.FirstFrame+1, fox, sheik).Bytes()
	f3 := new(tests.Events).Frame(replay.FirstFrame+2, fox, sheik).Bytes()

	// Nothing reads the queue yet: the sends must not block.
	r.begin(sizes)
	r.write(f1)
	r.write(f2)
	r.write(f3)
	r.end(new(tests.Events).GameEnd(2, -1).Bytes())
	require.Equal(t, uint64(4), r.droppedAt.Load())
	require.Len(t, r.msgs, 3)

	go r.loop()
	r.close()
	require.False(t, rec.Recording())
	require.True(t, r.disabled)

	files, err := filepath.Glob(filepath.Join(dir, "*.slp"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	want := append(append(append([]byte(nil), sizes...), f1...), f2...)
	require.Equal(t, uint32(len(want)), binary.BigEndian.Uint32(data[11:]))
	require.Equal(t, want, data[replay.ContainerHeaderSize:replay.ContainerHeaderSize+len(want)])
}

func TestInvalidCommandStopsProcessing(t *testing.T) {
	d, err := New(Config{OnlineDelay: 2})
	require.NoError(t, err)
	defer d.Close()

	d.DMAWrite([]byte{0xFF, CmdGetOnlineDelay})
	require.Equal(t, []byte{0}, d.DMARead(1))
	d.DMAWrite([]byte{CmdGetOnlineDelay})
	require.Equal(t, []byte{2}, d.DMARead(1))
}

func TestDecodeConnectCode(t *testing.T) {
	code := []byte{
		0x82, 0x60, 0x82, 0x61, 0x82, 0x62, // ABC
		0x81, 0x94, // #
		0x82, 0x50, 0x82, 0x51, 0x82, 0x52, // 123
		0, 0, 0, 0,
	}
	require.Equal(t, "ABC#123", decodeConnectCode(code))
	require.Equal(t, "XY#9", decodeConnectCode([]byte("XY#9\x00\x00junk")))
	require.Equal(t, "A", decodeConnectCode([]byte{0x82, 0x60, 0x82}))
}

func TestSetMatchSelections(t *testing.T) {
	d, err := New(Config{})
	require.NoError(t, err)
	defer d.Close()

	d.DMAWrite(cmd(CmdSetMatchSelections, 0, 0x14, 2, 1, 0, 0x1C, 1, 0))
	require.Equal(t, uint8(0x14), d.on.localSel.CharacterID)
	require.True(t, d.on.localSel.IsCharacterSelected)
	require.True(t, d.on.localSel.IsStageSelected)
	require.Equal(t, uint16(0x1C), d.on.localSel.StageID)

	// Random stage.
	d.DMAWrite(cmd(CmdSetMatchSelections, 0, 0, 0, 0, 0, 0, 3, 0))
	require.Contains(t, legalStages, d.on.localSel.StageID)
	require.Equal(t, uint8(0x14), d.on.localSel.CharacterID, "character kept")
	require.Less(t, d.on.localSel.RngOffset, uint32(0xFFFF))
}

func TestMatchStateOffline(t *testing.T) {
	d, err := New(Config{OnlineDelay: 3})
	require.NoError(t, err)
	defer d.Close()

	d.DMAWrite(cmd(CmdFindOpponent, make([]byte, 19)...))
	d.DMAWrite(cmd(CmdGetMatchState))
	resp := d.DMARead(1024)
	require.Equal(t, uint8(5), resp[0], "error encountered")
	require.Equal(t, uint8(3), resp[9], "delay")
	require.Equal(t, uint16(defaultStage), binary.BigEndian.Uint16(resp[13:]))
	msg := resp[31 : 31+errorMessageSize]
	require.Contains(t, string(msg), "not configured")

	d.DMAWrite(cmd(CmdCleanupConnection))
	d.DMAWrite(cmd(CmdGetMatchState))
	require.Equal(t, uint8(0), d.DMARead(1)[0], "idle after cleanup")

	d.DMAWrite(frameCmd(CmdOnlineInputs, 1, make([]byte, 13)...))
	require.Equal(t, []byte{OnlineDisconnected}, d.DMARead(1))
}

// connectedPair returns two devices whose netplay clients are connected to
// each other, on ports 0 and 1.
func connectedPair(t *testing.T) (*Device, *Device) {
	t.Helper()

	ca, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	cb, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := func(local uint8, remote net.Addr) netplay.Config {
		return netplay.Config{
			LocalPlayerIdx: local,
			Remotes:        []string{remote.String()},
			ConnectTimeout: 5 * time.Second,
			PollTimeout:    5 * time.Millisecond,
			ResendInterval: 20 * time.Millisecond,
		}
	}
	a, err := netplay.New(cfg(0, cb.LocalAddr()), ca)
	require.NoError(t, err)
	b, err := netplay.New(cfg(1, ca.LocalAddr()), cb)
	require.NoError(t, err)
	a.Start()
	b.Start()
	require.Eventually(t, func() bool {
		return a.Status() == netplay.StatusConnected && b.Status() == netplay.StatusConnected
	}, 5*time.Second, 2*time.Millisecond)

	da, err := New(Config{})
	require.NoError(t, err)
	db, err := New(Config{})
	require.NoError(t, err)
	da.on.client, da.on.localIdx, da.on.remoteIdx, da.on.isHost = a, 0, 1, true
	db.on.client, db.on.localIdx, db.on.remoteIdx = b, 1, 0
	t.Cleanup(func() {
		da.Close()
		db.Close()
	})
	return da, db
}

func padPayload(frame int32, fill byte) []byte {
	p := make([]byte, 13)
	p[0] = 0 // no input delay
	for i := 1; i < len(p); i++ {
		p[i] = fill + byte(frame)
	}
	return p
}

func TestOnlineInputs(t *testing.T) {
	da, db := connectedPair(t)

	// Local inputs up to the rollback limit go through without remote
	// inputs.
	for f := int32(1); f < netplay.RollbackMaxFrames; f++ {
		da.DMAWrite(frameCmd(CmdOnlineInputs, f, padPayload(f, 0x10)...))
		resp := da.DMARead(2)
		require.Equal(t, []byte{OnlineContinue, 1}, resp, "frame %d", f)
	}
	da.DMAWrite(frameCmd(CmdOnlineInputs, netplay.RollbackMaxFrames, padPayload(netplay.RollbackMaxFrames, 0x10)...))
	require.Equal(t, []byte{OnlineSkip}, da.DMARead(1), "rollback limit")

	for f := int32(1); f <= 3; f++ {
		db.DMAWrite(frameCmd(CmdOnlineInputs, f, padPayload(f, 0x40)...))
		require.Equal(t, OnlineContinue, db.DMARead(1)[0])
	}
	require.Eventually(t, func() bool {
		return da.on.client.LatestRemoteFrame() == 3
	}, 5*time.Second, 2*time.Millisecond)

	da.DMAWrite(frameCmd(CmdOnlineInputs, netplay.RollbackMaxFrames, padPayload(netplay.RollbackMaxFrames, 0x10)...))
	resp := da.DMARead(2 + 4*maxRemotes + maxRemotes*remoteWindow)
	require.Equal(t, []byte{OnlineContinue, 1}, resp[:2])
	require.Equal(t, int32(3), int32(binary.BigEndian.Uint32(resp[2:])), "latest remote frame")
	require.Equal(t, int32(netplay.RollbackMaxFrames), int32(binary.BigEndian.Uint32(resp[6:])), "unused slot")

	// Newest first, only the data sent over the network is kept.
	window := resp[2+4*maxRemotes:]
	for i, f := range []int32{3, 2, 1} {
		pad := window[i*netplay.PadFullSize : (i+1)*netplay.PadFullSize]
		want := make([]byte, netplay.PadFullSize)
		copy(want[:netplay.PadDataSize], padPayload(f, 0x40)[1:])
		require.Equal(t, want, pad, "frame %d", f)
	}
	require.Equal(t, make([]byte, remoteWindow-3*netplay.PadFullSize), window[3*netplay.PadFullSize:remoteWindow])
}

func TestOnlineSelectionsAndChat(t *testing.T) {
	da, db := connectedPair(t)

	da.DMAWrite(cmd(CmdSetMatchSelections, 0, 0x02, 0, 1, 0, 0x20, 1, 0))
	db.DMAWrite(cmd(CmdSetMatchSelections, 0, 0x09, 1, 1, 0, 0x08, 1, 0))
	require.Eventually(t, func() bool {
		_, remotes := da.on.client.MatchSelections()
		return remotes[0].IsCharacterSelected
	}, 5*time.Second, 2*time.Millisecond)

	db.DMAWrite(cmd(CmdSendChatMessage, 0x18, 0))
	require.Eventually(t, func() bool {
		_, _, ok := da.on.client.TakeRemoteChat()
		return ok
	}, 5*time.Second, 2*time.Millisecond)
	db.DMAWrite(cmd(CmdSendChatMessage, 0x18, 0))

	// The local matchmaker is idle: readiness is reported from the
	// selections, the match settings only once connected through a search.
	da.DMAWrite(cmd(CmdGetMatchState))
	resp := da.DMARead(31 + errorMessageSize)
	require.Equal(t, uint8(1), resp[1], "local ready")

	db.DMAWrite(cmd(CmdGetMatchState))
	resp = db.DMARead(31 + errorMessageSize)
	require.Equal(t, uint8(0x18), resp[10], "sent chat")
	require.Equal(t, uint8(0x18), resp[11], "chat message")
	require.Equal(t, uint8(1), resp[12], "chat port")
}
