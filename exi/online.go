package exi

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/google/uuid"

	"rollnet/emu/log"
	"rollnet/matchmaking"
	"rollnet/netplay"
	"rollnet/replay"
)

const (
	// maxRemotes is the number of remote players a response has room for.
	maxRemotes = 3

	remoteWindow = netplay.RollbackMaxFrames * netplay.PadFullSize

	// Time sync runs every timeSyncFrames frames and skips frames when
	// ahead of the remote players by more than timeSyncThresholdUs.
	timeSyncFrames      = 30
	timeSyncThresholdUs = 10000
	// More frames may be skipped at once during the first seconds of a
	// match.
	earlyFrames  = 120
	maxEarlySkip = 5

	// maxStallFrames is the number of frames spent waiting for remote
	// inputs before the connection is reported lost.
	maxStallFrames = 60 * 7

	connectCodeSize  = 18
	errorMessageSize = 120

	// Characters past the cast of the base game are not allowed in fixed
	// rules modes.
	maxCharacterID = 26
	defaultStage   = 0x1F
)

var legalStages = []uint16{0x2, 0x3, 0x8, 0x1C, 0x1F, 0x20}

func randomStage() uint16 { return legalStages[rand.N(len(legalStages))] }

// onlineState holds the connection with the remote players, from the search
// of an opponent to the end of the matches played with them.
type onlineState struct {
	mmCfg *matchmaking.Config
	user  matchmaking.User
	delay uint8

	mm     *matchmaking.Matchmaker
	search matchmaking.SearchSettings
	client *netplay.Client

	isHost    bool
	localIdx  uint8
	remoteIdx uint8
	localSel  netplay.PlayerSelections
	sentChat  uint8
	// forcedError overrides the state of the matchmaker.
	forcedError string

	stalled     bool
	stallFrames int
	skipping    bool
	toSkip      int
}

func (o *onlineState) init(cfg Config) {
	o.mmCfg = cfg.Matchmaking
	o.user = cfg.User
	if o.user.UID == "" {
		o.user.UID = uuid.NewString()
	}
	o.delay = cfg.OnlineDelay
	o.remoteIdx = 1
	if o.mmCfg != nil {
		o.mm = matchmaking.New(*o.mmCfg, o.user)
	}
}

// names returns the names of the players known locally.
func (o *onlineState) names() map[uint8]replay.PlayerNames {
	if o.client == nil {
		return nil
	}
	return map[uint8]replay.PlayerNames{
		o.localIdx: {Netplay: o.user.DisplayName, Code: o.user.ConnectCode},
	}
}

// disconnect closes the connection with the remote players and stops the
// search in progress.
func (o *onlineState) disconnect() {
	if o.client != nil {
		o.client.EndGame()
		if err := o.client.Close(); err != nil {
			log.ModNetplay.DebugZ("closing netplay client").Error("err", err).End()
		}
		o.client = nil
	}
	if o.mm != nil {
		o.mm.Stop()
		if c := o.mm.TakeClient(); c != nil {
			c.Close()
		}
	}
}

// cleanup ends the online session and gets ready for a new search.
func (o *onlineState) cleanup() {
	log.ModNetplay.InfoZ("connection cleanup").End()
	o.disconnect()
	if o.mmCfg != nil {
		o.mm = matchmaking.New(*o.mmCfg, o.user)
	}
	o.search = matchmaking.SearchSettings{}
	o.isHost = false
	o.localIdx, o.remoteIdx = 0, 1
	o.localSel.Reset()
	o.sentChat = 0
	o.forcedError = ""
	o.stalled, o.stallFrames = false, 0
	o.skipping, o.toSkip = false, 0
}

// findOpponent starts the search of an opponent. The payload holds the mode
// and the connect code of the opponent, in Shift JIS.
func (o *onlineState) findOpponent(payload []byte) {
	if o.mm == nil {
		log.ModNetplay.WarnZ("online play is not configured").End()
		o.forcedError = "Online play is not configured"
		return
	}
	s := matchmaking.SearchSettings{
		Mode:        matchmaking.Mode(payload[0]),
		ConnectCode: decodeConnectCode(payload[1 : 1+connectCodeSize]),
	}

	// Report disallowed choices before queuing, so that no opponent gets
	// matched for nothing.
	if (s.Mode == matchmaking.Ranked || s.Mode == matchmaking.Unranked || s.Mode == matchmaking.Teams) &&
		o.localSel.CharacterID >= maxCharacterID {
		o.forcedError = "The character you selected is not allowed in this mode"
		return
	}
	if o.mm.IsSearching() && s == o.search {
		return
	}
	o.search = s
	o.forcedError = ""
	o.mm.FindMatch(s)
}

// decodeConnectCode converts a connect code typed in game to ASCII. The
// game encodes letters, digits and the hash sign as full width Shift JIS
// characters.
func decodeConnectCode(b []byte) string {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case c == 0:
			return string(out)
		case c < 0x80:
			out = append(out, c)
			continue
		case i+1 == len(b):
			return string(out)
		}
		i++
		lo := b[i]
		switch {
		case c == 0x81 && lo == 0x94:
			out = append(out, '#')
		case c == 0x82 && lo >= 0x4F && lo <= 0x58:
			out = append(out, '0'+lo-0x4F)
		case c == 0x82 && lo >= 0x60 && lo <= 0x79:
			out = append(out, 'A'+lo-0x60)
		case c == 0x82 && lo >= 0x81 && lo <= 0x9A:
			out = append(out, 'a'+lo-0x81)
		default:
			out = append(out, '?')
		}
	}
	return string(out)
}

// setMatchSelections records the choices of the local player and sends them
// to the remote players.
func (o *onlineState) setMatchSelections(payload []byte) {
	s := netplay.PlayerSelections{
		TeamID:              payload[0],
		CharacterID:         payload[1],
		CharacterColor:      payload[2],
		IsCharacterSelected: payload[3] != 0,
		StageID:             binary.BigEndian.Uint16(payload[4:]),
		RngOffset:           rand.Uint32N(0xFFFF),
	}
	switch payload[6] {
	case 1:
		s.IsStageSelected = true
	case 3:
		s.IsStageSelected = true
		s.StageID = randomStage()
	}

	o.localSel.Merge(s)
	log.ModNetplay.DebugZ("local selections").
		Hex8("char", o.localSel.CharacterID).
		Hex32("stage", uint32(o.localSel.StageID)).
		Bool("ready", o.localSel.IsCharacterSelected).
		End()
	if o.client != nil {
		o.client.SetMatchSelections(o.localSel)
	}
}

func (o *onlineState) sendChat(payload []byte) {
	if o.client == nil || o.client.Status() != netplay.StatusConnected {
		return
	}
	o.sentChat = payload[0]
	o.client.SendChat(uint16(payload[0]))
}

// matchState reports the progress of the search and, once connected, the
// choices of all players.
func (o *onlineState) matchState(resp []byte) []byte {
	state := matchmaking.Idle
	if o.mm != nil {
		state = o.mm.State()
	}
	if o.forcedError != "" {
		state = matchmaking.ErrorEncountered
	}

	var players [replay.MaxPlayers]netplay.PlayerSelections
	localReady := o.localSel.IsCharacterSelected
	remoteReady := false

	if state == matchmaking.ConnectionSuccess {
		if o.client == nil && !o.connected() {
			return o.matchState(resp)
		}
		if o.client.Status() != netplay.StatusConnected {
			log.ModNetplay.WarnZ("connection lost before the match").Stringer("status", o.client.Status()).End()
			o.cleanup()
			return o.matchState(resp)
		}

		local, remotes := o.client.MatchSelections()
		players[local.PlayerIdx%replay.MaxPlayers] = local
		remoteReady = len(remotes) > 0
		for _, r := range remotes {
			players[r.PlayerIdx%replay.MaxPlayers] = r
			remoteReady = remoteReady && r.IsCharacterSelected
		}

		if (o.search.Mode == matchmaking.Ranked || o.search.Mode == matchmaking.Unranked) &&
			localReady && local.CharacterID >= maxCharacterID {
			o.cleanup()
			o.forcedError = "The character you selected is not allowed in this mode"
			return o.matchState(resp)
		}
	}

	var rngOffset uint32
	stage := uint16(defaultStage)
	if localReady && remoteReady {
		for _, p := range players {
			if p.IsStageSelected {
				stage = p.StageID
				break
			}
		}
		local, remotes := o.client.MatchSelections()
		rngOffset = local.RngOffset
		if !o.isHost {
			rngOffset = remotes[0].RngOffset
		}
	}

	sent := o.sentChat
	o.sentChat = 0
	var chatID uint16
	var chatPort uint8
	switch {
	case sent != 0:
		chatID, chatPort = uint16(sent), o.localIdx
	case o.client != nil:
		if port, id, ok := o.client.TakeRemoteChat(); ok {
			chatID, chatPort = id, port
		}
	}

	resp = append(resp, uint8(state), boolByte(localReady), boolByte(remoteReady), o.localIdx, o.remoteIdx)
	resp = binary.BigEndian.AppendUint32(resp, rngOffset)
	resp = append(resp, o.delay, sent, uint8(chatID), chatPort)
	resp = binary.BigEndian.AppendUint16(resp, stage)
	for _, p := range players {
		resp = append(resp, p.CharacterID, p.CharacterColor, p.TeamID, boolByte(p.IsCharacterSelected))
	}

	msg := o.forcedError
	if msg == "" && o.mm != nil && state == matchmaking.ErrorEncountered {
		msg = o.mm.ErrorMessage()
	}
	errBuf := make([]byte, errorMessageSize)
	copy(errBuf[:errorMessageSize-1], msg)
	return append(resp, errBuf...)
}

// connected takes the client of a successful search. It reports false if
// the session had to be reset.
func (o *onlineState) connected() bool {
	c := o.mm.TakeClient()
	if c == nil {
		log.ModNetplay.ErrorZ("search succeeded without a client").End()
		o.cleanup()
		return false
	}
	o.client = c
	o.isHost = o.mm.IsHost()
	o.localIdx = o.mm.LocalPlayerIdx()
	if c.RemotePlayerCount() > 0 {
		o.remoteIdx = c.RemotePlayerIdx(0)
	}

	// Until a stage is picked, the match happens on a random legal stage.
	o.localSel.PlayerIdx = o.localIdx
	o.localSel.StageID = randomStage()
	c.SetMatchSelections(o.localSel)

	log.ModNetplay.InfoZ("connected to opponent").
		Uint("local", uint64(o.localIdx)).
		Bool("host", o.isHost).
		Int("remotes", c.RemotePlayerCount()).
		End()
	return true
}

// onlineInputs sends the inputs of the local player for a frame and returns
// the inputs received from the remote players.
func (o *onlineState) onlineInputs(resp, payload []byte, cur *atomic.Int32) []byte {
	frame := int32(binary.BigEndian.Uint32(payload))
	delay := payload[4]
	cur.Store(frame)

	if frame == 1 {
		o.stalled, o.stallFrames = false, 0
		o.skipping, o.toSkip = false, 0
		o.localSel.Reset()
		if o.client != nil {
			o.client.StartGame(1)
		}
	}

	if o.client == nil || o.client.Status() != netplay.StatusConnected {
		return append(resp, OnlineDisconnected)
	}
	if o.shouldSkip(frame) {
		return append(resp, OnlineSkip)
	}

	if !o.stalled {
		if frame == 1 {
			// Frames covered by the delay are played with neutral inputs.
			for f := int32(1); f <= int32(delay); f++ {
				o.client.SendPad(netplay.NewPad(f, nil))
			}
		}
		o.client.SendPad(netplay.NewPad(frame+int32(delay), payload[5:5+netplay.PadFullSize]))
	}
	return o.remoteInputs(resp, frame)
}

// shouldSkip reports whether the game must wait before playing frame, either
// because the remote inputs are too far behind for rollback, or because the
// local game runs ahead of the remote players.
func (o *onlineState) shouldSkip(frame int32) bool {
	if o.stalled {
		return false
	}

	if frame-o.client.LatestRemoteFrame() >= netplay.RollbackMaxFrames {
		o.stallFrames++
		if o.stallFrames > maxStallFrames {
			log.ModNetplay.ErrorZ("no remote inputs for too long, disconnecting").End()
			o.stalled = true
		}
		log.ModNetplay.DebugZ("rollback limit reached, waiting").Int32("remote", o.client.LatestRemoteFrame()).End()
		return true
	}
	o.stallFrames = 0

	if frame%timeSyncFrames == 0 && !o.skipping {
		if off := o.client.CalcTimeOffsetUs(); off > timeSyncThresholdUs {
			maxSkip := 1
			if frame <= earlyFrames {
				maxSkip = maxEarlySkip
			}
			o.skipping = true
			o.toSkip = min(int((off-timeSyncThresholdUs)/netplay.FrameDurationUs)+1, maxSkip)
			log.ModNetplay.InfoZ("ahead of remote players, skipping frames").Int64("offset_us", off).Int("frames", o.toSkip).End()
		}
	}
	if o.toSkip > 0 {
		o.toSkip--
		return true
	}
	o.skipping = false
	return false
}

// remoteInputs appends the result of a frame and the remote inputs the game
// needs to play it, the frame first, then up to the rollback window before
// it.
func (o *onlineState) remoteInputs(resp []byte, frame int32) []byte {
	result := OnlineContinue
	if o.client.Status() != netplay.StatusConnected || o.stalled {
		result = OnlineDisconnected
	}
	n := o.client.RemotePlayerCount()
	resp = append(resp, result, uint8(n))

	var windows [maxRemotes][remoteWindow]byte
	oldest := int32(math.MaxInt32)
	for i := range maxRemotes {
		latest := frame
		if i < n {
			rp := o.client.RemotePads(i, math.MaxInt32)
			latest = min(rp.LatestFrame, frame)
			// Pads are consecutive, newest first: skip the ones past frame.
			skip := min(max(0, int(rp.LatestFrame-frame)), len(rp.Pads))
			w := windows[i][:0]
			for _, p := range rp.Pads[skip:] {
				if len(w) == remoteWindow {
					break
				}
				w = append(w, p.Buf[:]...)
			}
			oldest = min(oldest, latest)
		}
		resp = binary.BigEndian.AppendUint32(resp, uint32(latest))
	}
	for i := range windows {
		resp = append(resp, windows[i][:]...)
	}

	if oldest != math.MaxInt32 {
		o.client.DropOldRemoteInputs(oldest)
	}
	return resp
}
