package replay

import "fmt"

// PercentUnset is the percent of players in replays predating the field.
const PercentUnset float32 = -1

// Version is the replay format version: major, minor, build, revision.
type Version [4]uint8

// AtLeast reports whether v is at least major.minor.build.
func (v Version) AtLeast(major, minor, build uint8) bool {
	switch {
	case v[0] != major:
		return v[0] > major
	case v[1] != minor:
		return v[1] > minor
	}
	return v[2] >= build
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// PlayerSettings describes a player occupying a port.
type PlayerSettings struct {
	Index          uint8
	CharacterID    uint8 // external id
	PlayerType     uint8
	CharacterColor uint8
	Nametag        [NametagSize]uint16
}

// GameSettings are decoded from the game start event.
type GameSettings struct {
	StageID    uint16
	RandomSeed uint32
	Header     [GameInfoHeaderSize]uint32
	UCFToggles [UCFToggleSize]uint32
	IsPAL      bool
	IsFrozenPS bool

	// Players maps port indexes to the players occupying them. Empty ports
	// are absent.
	Players map[uint8]PlayerSettings
}

// PlayerFrameData is the state of one character for one frame. Pre-frame
// fields are the inputs fed to the game, post-frame fields its results.
type PlayerFrameData struct {
	RandomSeed      uint32
	Animation       uint16
	LocationX       float32
	LocationY       float32
	FacingDirection float32
	JoystickX       float32
	JoystickY       float32
	CstickX         float32
	CstickY         float32
	Trigger         float32
	Buttons         uint32
	PhysicalButtons uint16
	LTrigger        float32
	RTrigger        float32
	JoystickXRaw    int8
	Percent         float32

	InternalCharacterID uint8
	ShieldSize          float32
	Stocks              uint8
}

// FrameData holds every character's data for a frame.
type FrameData struct {
	Frame              int32
	RandomSeed         uint32
	RandomSeedExists   bool
	InputsFullyFetched bool

	Players   map[uint8]PlayerFrameData
	Followers map[uint8]PlayerFrameData
}

func newFrameData(frame int32) *FrameData {
	return &FrameData{
		Frame:     frame,
		Players:   make(map[uint8]PlayerFrameData, MaxPlayers),
		Followers: make(map[uint8]PlayerFrameData),
	}
}

// Game is the model built from a replay event stream.
type Game struct {
	Version  Version
	Settings GameSettings

	Frames map[int32]*FrameData
	// LatestFrame is the highest frame index seen so far, FirstFrame-1 when
	// no frame has been seen.
	LatestFrame int32
	// LatestFinalizedFrame is the last frame that may no longer be rolled
	// back, as told by frame bookends.
	LatestFinalizedFrame int32

	Ended         bool
	WinCondition  uint8
	LRASInitiator int8
}

func newGame() *Game {
	return &Game{
		Frames:               make(map[int32]*FrameData),
		LatestFrame:          FirstFrame - 1,
		LatestFinalizedFrame: FirstFrame - 1,
		LRASInitiator:        -1,
	}
}

// lastActivePort returns the highest port occupied by a player, or -1.
func (s *GameSettings) lastActivePort() int {
	last := -1
	for idx := range s.Players {
		last = max(last, int(idx))
	}
	return last
}
