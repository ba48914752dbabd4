package exi

import (
	"fmt"

	"rollnet/replay"
)

// Command codes sent by the game. Replay events (0x35 to 0x3C) are listed in
// package replay.
const (
	CmdPrepareReplay      uint8 = 0x75
	CmdReadFrame          uint8 = 0x76
	CmdIsFileReady        uint8 = 0x88
	CmdIsStockSteal       uint8 = 0x89
	CmdGetFrameCount      uint8 = 0x90
	CmdOnlineInputs       uint8 = 0xB0
	CmdGetMatchState      uint8 = 0xB3
	CmdFindOpponent       uint8 = 0xB4
	CmdSetMatchSelections uint8 = 0xB5
	CmdCleanupConnection  uint8 = 0xBA
	CmdSendChatMessage    uint8 = 0xBB
	CmdGetOnlineDelay     uint8 = 0xD5

	// Replay events are the commands from replay.CmdPayloadSizes up to
	// this one excluded.
	cmdReplayEventsEndMark uint8 = 0x3F
)

// Payload sizes of the device commands, excluding the command byte.
var commandSizes = map[uint8]uint16{
	CmdPrepareReplay:      0,
	CmdReadFrame:          4,
	CmdIsFileReady:        0,
	CmdIsStockSteal:       5,
	CmdGetFrameCount:      0,
	CmdOnlineInputs:       17,
	CmdGetMatchState:      0,
	CmdFindOpponent:       19,
	CmdSetMatchSelections: 8,
	CmdCleanupConnection:  0,
	CmdSendChatMessage:    2,
	CmdGetOnlineDelay:     0,
}

// Read frame response codes.
const (
	FrameWait        uint8 = 0
	FrameContinue    uint8 = 1
	FrameTerminate   uint8 = 2
	FrameFastForward uint8 = 3
)

// Online inputs response codes.
const (
	OnlineContinue     uint8 = 1
	OnlineSkip         uint8 = 2
	OnlineDisconnected uint8 = 3
)

// CharacterDataSize is the size of the data of one character in a read
// frame response.
const CharacterDataSize = 49

// PrepareReplayResponseSize is the size of a prepare replay response once
// the settings are known.
const PrepareReplayResponseSize = 1 + 4 + 4*replay.GameInfoHeaderSize + 4*replay.UCFToggleSize +
	2*replay.MaxPlayers*replay.NametagSize + 4

// ReadFrameResponseSize is the size of a read frame response for a frame
// ready to be played.
const ReadFrameResponseSize = 1 + 1 + 1 + 4 + 2*replay.MaxPlayers*CharacterDataSize

// defaultSizes returns the command size table in effect before the game
// sent its own payload sizes event.
func defaultSizes() replay.PayloadSizes {
	ps := replay.CurrentPayloadSizes()
	for cmd, size := range commandSizes {
		ps.Set(cmd, size)
	}
	return ps
}

// isReplayEvent reports whether cmd is part of the event stream recorded
// in replay files.
func isReplayEvent(cmd uint8) bool {
	return cmd >= replay.CmdPayloadSizes && cmd < cmdReplayEventsEndMark
}

func cmdName(cmd uint8) string {
	switch cmd {
	case replay.CmdPayloadSizes:
		return "payload-sizes"
	case replay.CmdGameStart:
		return "game-start"
	case replay.CmdPreFrameUpdate:
		return "pre-frame"
	case replay.CmdPostFrameUpdate:
		return "post-frame"
	case replay.CmdGameEnd:
		return "game-end"
	case replay.CmdFrameBookend:
		return "frame-bookend"
	case replay.CmdMenuFrame:
		return "menu-frame"
	case CmdPrepareReplay:
		return "prepare-replay"
	case CmdReadFrame:
		return "read-frame"
	case CmdIsFileReady:
		return "is-file-ready"
	case CmdIsStockSteal:
		return "is-stock-steal"
	case CmdGetFrameCount:
		return "get-frame-count"
	case CmdOnlineInputs:
		return "online-inputs"
	case CmdGetMatchState:
		return "get-match-state"
	case CmdFindOpponent:
		return "find-opponent"
	case CmdSetMatchSelections:
		return "set-match-selections"
	case CmdCleanupConnection:
		return "cleanup-connection"
	case CmdSendChatMessage:
		return "send-chat-message"
	case CmdGetOnlineDelay:
		return "get-online-delay"
	}
	return fmt.Sprintf("cmd(%02x)", cmd)
}
