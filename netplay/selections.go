package netplay

// PlayerSelections are the choices made by a player before a match.
type PlayerSelections struct {
	PlayerIdx uint8

	CharacterID         uint8
	CharacterColor      uint8
	TeamID              uint8
	IsCharacterSelected bool

	StageID         uint16
	IsStageSelected bool

	RngOffset uint32
	MessageID int
}

// Merge overwrites the choices in s that are marked selected in other. The
// random offset always follows other.
func (s *PlayerSelections) Merge(other PlayerSelections) {
	s.RngOffset = other.RngOffset

	if other.IsStageSelected {
		s.StageID = other.StageID
		s.IsStageSelected = true
	}

	if other.IsCharacterSelected {
		s.CharacterID = other.CharacterID
		s.CharacterColor = other.CharacterColor
		s.TeamID = other.TeamID
		s.IsCharacterSelected = true
	}
}

// Reset clears all choices but the player index.
func (s *PlayerSelections) Reset() {
	*s = PlayerSelections{PlayerIdx: s.PlayerIdx}
}
