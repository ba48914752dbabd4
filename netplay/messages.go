package netplay

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageID is the first byte of every datagram.
type MessageID uint8

const (
	MsgConnect    MessageID = 0x01
	MsgConnectAck MessageID = 0x02
	MsgCloseLink  MessageID = 0x03
	MsgDisconnect MessageID = 0x04
	MsgKeepalive  MessageID = 0x05

	MsgPad             MessageID = 0x80
	MsgPadAck          MessageID = 0x81
	MsgMatchSelections MessageID = 0x82
	MsgConnSelected    MessageID = 0x83
	MsgChatMessage     MessageID = 0x84
)

func (id MessageID) String() string {
	switch id {
	case MsgConnect:
		return "connect"
	case MsgConnectAck:
		return "connect-ack"
	case MsgCloseLink:
		return "close-link"
	case MsgDisconnect:
		return "disconnect"
	case MsgKeepalive:
		return "keepalive"
	case MsgPad:
		return "pad"
	case MsgPadAck:
		return "pad-ack"
	case MsgMatchSelections:
		return "match-selections"
	case MsgConnSelected:
		return "conn-selected"
	case MsgChatMessage:
		return "chat-message"
	}
	return fmt.Sprintf("MessageID(%#02x)", uint8(id))
}

var errShortMessage = errors.New("netplay: short message")

// padHeaderSize is the size of a pad message before the pads.
const padHeaderSize = 1 + 4 + 1 + 4 + 4

// encodePad encodes the pads of a player, newest first. pads holds the
// queue oldest first.
func encodePad(buf []byte, slot uint8, pads []Pad) []byte {
	head := pads[len(pads)-1]
	buf = append(buf, byte(MsgPad))
	buf = binary.BigEndian.AppendUint32(buf, uint32(head.Frame))
	buf = append(buf, slot)
	buf = binary.BigEndian.AppendUint32(buf, uint32(head.ChecksumFrame))
	buf = binary.BigEndian.AppendUint32(buf, head.Checksum)
	for i := len(pads) - 1; i >= 0; i-- {
		buf = append(buf, pads[i].Data()...)
	}
	return buf
}

type padMessage struct {
	frame         int32
	slot          uint8
	checksumFrame int32
	checksum      uint32
	data          []byte // PadDataSize bytes per frame, newest first
}

func (m *padMessage) count() int { return len(m.data) / PadDataSize }

// pad returns the i-th pad of the message, 0 being the newest.
func (m *padMessage) pad(i int) Pad {
	return NewPad(m.frame-int32(i), m.data[i*PadDataSize:])
}

func decodePad(b []byte) (padMessage, error) {
	if len(b) < padHeaderSize {
		return padMessage{}, errShortMessage
	}
	m := padMessage{
		frame:         int32(binary.BigEndian.Uint32(b[1:])),
		slot:          b[5],
		checksumFrame: int32(binary.BigEndian.Uint32(b[6:])),
		checksum:      binary.BigEndian.Uint32(b[10:]),
		data:          b[padHeaderSize:],
	}
	if len(m.data)%PadDataSize != 0 {
		return padMessage{}, fmt.Errorf("netplay: pad message of %d bytes", len(b))
	}
	return m, nil
}

func encodeFrameMsg(id MessageID, frame int32, slot uint8) []byte {
	buf := make([]byte, 0, 6)
	buf = append(buf, byte(id))
	buf = binary.BigEndian.AppendUint32(buf, uint32(frame))
	return append(buf, slot)
}

func decodeFrameMsg(b []byte) (frame int32, slot uint8, err error) {
	if len(b) < 6 {
		return 0, 0, errShortMessage
	}
	return int32(binary.BigEndian.Uint32(b[1:])), b[5], nil
}

func encodeSelections(s PlayerSelections) []byte {
	buf := make([]byte, 0, 13)
	buf = append(buf, byte(MsgMatchSelections), s.CharacterID, s.CharacterColor, boolByte(s.IsCharacterSelected), s.PlayerIdx)
	buf = binary.BigEndian.AppendUint16(buf, s.StageID)
	buf = append(buf, boolByte(s.IsStageSelected))
	buf = binary.BigEndian.AppendUint32(buf, s.RngOffset)
	return append(buf, s.TeamID)
}

func decodeSelections(b []byte) (PlayerSelections, error) {
	if len(b) < 13 {
		return PlayerSelections{}, errShortMessage
	}
	return PlayerSelections{
		CharacterID:         b[1],
		CharacterColor:      b[2],
		IsCharacterSelected: b[3] != 0,
		PlayerIdx:           b[4],
		StageID:             binary.BigEndian.Uint16(b[5:]),
		IsStageSelected:     b[7] != 0,
		RngOffset:           binary.BigEndian.Uint32(b[8:]),
		TeamID:              b[12],
	}, nil
}

func encodeChat(id uint16, slot uint8) []byte {
	buf := []byte{byte(MsgChatMessage)}
	buf = binary.BigEndian.AppendUint16(buf, id)
	return append(buf, slot)
}

func decodeChat(b []byte) (id uint16, slot uint8, err error) {
	if len(b) < 4 {
		return 0, 0, errShortMessage
	}
	return binary.BigEndian.Uint16(b[1:]), b[3], nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
