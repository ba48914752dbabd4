package netplay

import "encoding/binary"

const (
	// PadDataSize is the size of the controller data exchanged for a frame.
	PadDataSize = 8
	// PadFullSize is the size of the controller data handed to the game,
	// zero padded past PadDataSize.
	PadFullSize = 12

	// RollbackMaxFrames is how far the game may run ahead of the last frame
	// received from its remote players.
	RollbackMaxFrames = 7
)

// Pad is the controller input of a player for a frame.
type Pad struct {
	Frame         int32
	ChecksumFrame int32
	Checksum      uint32
	Buf           [PadFullSize]byte
}

// NewPad returns the pad for frame, holding data. Only the first PadDataSize
// bytes of data are used, the rest of the pad is zeroed.
func NewPad(frame int32, data []byte) Pad {
	p := Pad{Frame: frame}
	copy(p.Buf[:PadDataSize], data)
	return p
}

// Data returns the part of the pad sent over the network.
func (p *Pad) Data() []byte { return p.Buf[:PadDataSize] }

// Buttons of a GameCube controller.
const (
	ButtonLeft  uint16 = 0x0001
	ButtonRight uint16 = 0x0002
	ButtonDown  uint16 = 0x0004
	ButtonUp    uint16 = 0x0008
	ButtonZ     uint16 = 0x0010
	ButtonR     uint16 = 0x0020
	ButtonL     uint16 = 0x0040
	ButtonA     uint16 = 0x0100
	ButtonB     uint16 = 0x0200
	ButtonX     uint16 = 0x0400
	ButtonY     uint16 = 0x0800
	ButtonStart uint16 = 0x1000
)

// PadStatus is the decoded state of a GameCube controller.
type PadStatus struct {
	Buttons            uint16
	StickX, StickY     uint8
	SubstickX          uint8
	SubstickY          uint8
	TriggerL, TriggerR uint8
}

// Neutral is the controller state with no input.
var Neutral = PadStatus{StickX: 0x80, StickY: 0x80, SubstickX: 0x80, SubstickY: 0x80}

// Pad encodes st as the pad for frame.
func (st PadStatus) Pad(frame int32) Pad {
	p := Pad{Frame: frame}
	binary.BigEndian.PutUint16(p.Buf[0:], st.Buttons)
	p.Buf[2] = st.StickX
	p.Buf[3] = st.StickY
	p.Buf[4] = st.SubstickX
	p.Buf[5] = st.SubstickY
	p.Buf[6] = st.TriggerL
	p.Buf[7] = st.TriggerR
	return p
}

// Status decodes the controller state held by p.
func (p *Pad) Status() PadStatus {
	return PadStatus{
		Buttons:   binary.BigEndian.Uint16(p.Buf[0:]),
		StickX:    p.Buf[2],
		StickY:    p.Buf[3],
		SubstickX: p.Buf[4],
		SubstickY: p.Buf[5],
		TriggerL:  p.Buf[6],
		TriggerR:  p.Buf[7],
	}
}

// RemotePads is a copy of the inputs received from a remote player, newest
// first.
type RemotePads struct {
	PlayerIdx   uint8
	LatestFrame int32
	Pads        []Pad
}
