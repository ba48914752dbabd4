package replay

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rollnet/tests"
)

var (
	fox   = tests.Player{Port: 0, CharID: 0x02, InternalID: 0x01, Color: 1}
	sheik = tests.Player{Port: 1, CharID: 0x12, InternalID: internalSheik, Color: 0}
)

func parseAll(t *testing.T, data []byte) *Parser {
	t.Helper()

	buf := NewBuffer(append([]byte(nil), data...))
	buf.Close()
	p := NewParser(buf)
	if err := p.Update(); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParserChunkedMatchesWhole(t *testing.T) {
	data := tests.Game(30, fox, sheik).Bytes()
	want := parseAll(t, data).Game()

	for _, chunk := range []int{1, 2, 7, 64, 333, 4096} {
		t.Run("", func(t *testing.T) {
			buf := NewBuffer(nil)
			p := NewParser(buf)
			for off := 0; off < len(data); off += chunk {
				buf.Write(data[off:min(off+chunk, len(data))])
				if err := p.Update(); err != nil {
					t.Fatal(err)
				}
				if p.IsProcessingComplete() {
					t.Fatalf("processing complete at offset %d, before the end of the stream", off)
				}
			}
			buf.Close()
			if err := p.Update(); err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(want, p.Game()); diff != "" {
				t.Fatalf("chunk size %d: game mismatch (-want +got):\n%s", chunk, diff)
			}
		})
	}
}

func TestParserGameModel(t *testing.T) {
	p := parseAll(t, tests.Game(10, fox, sheik).Bytes())

	if !p.IsProcessingComplete() {
		t.Errorf("processing not complete")
	}
	settings, ok := p.Settings()
	if !ok {
		t.Fatalf("settings not loaded")
	}

	wantPlayers := map[uint8]PlayerSettings{
		0: {Index: 0, CharacterID: 0x02, CharacterColor: 1},
		// Sheik is reported as Zelda by the game start event.
		1: {Index: 1, CharacterID: externalSheik},
	}
	if diff := cmp.Diff(wantPlayers, settings.Players); diff != "" {
		t.Errorf("players mismatch (-want +got):\n%s", diff)
	}
	if settings.StageID != 31 {
		t.Errorf("stage = %d, want 31", settings.StageID)
	}
	if settings.RandomSeed != 0xC0FFEE {
		t.Errorf("seed = %#x, want 0xc0ffee", settings.RandomSeed)
	}

	if got := p.LatestIndex(); got != 10 {
		t.Errorf("LatestIndex() = %d, want 10", got)
	}
	for f := FirstFrame; f <= 10; f++ {
		if !p.DoesFrameExist(f) {
			t.Fatalf("frame %d missing", f)
		}
		if !p.IsFrameFullyFetched(f) {
			t.Fatalf("frame %d not fully fetched", f)
		}
	}
	if p.DoesFrameExist(11) {
		t.Errorf("frame 11 exists")
	}

	fd, _ := p.Frame(5)
	want := PlayerFrameData{
		RandomSeed:          35,
		JoystickX:           0.05,
		Buttons:             5,
		Percent:             5,
		InternalCharacterID: internalSheik,
		Stocks:              4,
	}
	if diff := cmp.Diff(want, fd.Players[1]); diff != "" {
		t.Errorf("frame 5 port 1 mismatch (-want +got):\n%s", diff)
	}

	g := p.Game()
	if !g.Ended || g.WinCondition != 2 || g.LRASInitiator != -1 {
		t.Errorf("game end = %t/%d/%d, want true/2/-1", g.Ended, g.WinCondition, g.LRASInitiator)
	}
}

func TestParserSettingsLoadedOnFirstFrame(t *testing.T) {
	p2 := tests.Player{Port: 2, CharID: 0x09, InternalID: 0x10}

	ev := new(tests.Events).PayloadSizes().GameStart([4]uint8{1, 0, 0, 0}, 8, 1, fox, p2)
	buf := NewBuffer(ev.Bytes())
	p := NewParser(buf)

	step := func(events *tests.Events, wantLoaded bool) {
		t.Helper()
		buf.Write(events.Bytes())
		if err := p.Update(); err != nil {
			t.Fatal(err)
		}
		if got := p.AreSettingsLoaded(); got != wantLoaded {
			t.Fatalf("AreSettingsLoaded() = %t, want %t", got, wantLoaded)
		}
	}

	step(new(tests.Events), false)
	step(new(tests.Events).PreFrame(FirstFrame, 0, 1, 0).PostFrame(FirstFrame, 0, 0x01, 4), false)
	step(new(tests.Events).PreFrame(FirstFrame, 2, 1, 0), false)
	step(new(tests.Events).PostFrame(FirstFrame, 2, 0x10, 4), true)
}

func TestParserLegacyPayloadDefaults(t *testing.T) {
	start := new(tests.Events).GameStart([4]uint8{0, 2, 0, 0}, 3, 42, fox).Bytes()
	pre := new(tests.Events).PreFrame(FirstFrame, 0, 9, 12).Bytes()

	// Legacy emitters don't send payload sizes and have shorter payloads.
	var data []byte
	data = append(data, start[:1+320]...)
	data = append(data, pre[:1+58]...)

	buf := NewBuffer(data)
	p := NewParser(buf)
	if err := p.Update(); err != nil {
		t.Fatal(err)
	}

	g := p.Game()
	if g.Settings.RandomSeed != 42 {
		t.Errorf("seed = %d, want 42", g.Settings.RandomSeed)
	}
	if g.Settings.UCFToggles != [UCFToggleSize]uint32{} {
		t.Errorf("ucf toggles = %v, want zeroes", g.Settings.UCFToggles)
	}
	fd, ok := p.Frame(FirstFrame)
	if !ok {
		t.Fatalf("first frame missing")
	}
	if got := fd.Players[0].Percent; got != PercentUnset {
		t.Errorf("percent = %v, want unset", got)
	}
	if p.IsFrameFullyFetched(FirstFrame) {
		t.Errorf("frame fully fetched without post frame update")
	}
	if p.IsProcessingComplete() {
		t.Errorf("processing complete on a growing source")
	}
}

func TestParserFinalizedFrames(t *testing.T) {
	ev := new(tests.Events).PayloadSizes().GameStart([4]uint8{3, 7, 0, 0}, 3, 1, fox)
	ev.PreFrame(FirstFrame, 0, 1, 0).PostFrame(FirstFrame, 0, 1, 4).Bookend(FirstFrame, FirstFrame-1)
	ev.PreFrame(FirstFrame+1, 0, 1, 0).PostFrame(FirstFrame+1, 0, 1, 4).Bookend(FirstFrame+1, FirstFrame)

	p := NewParser(NewBuffer(ev.Bytes()))
	if err := p.Update(); err != nil {
		t.Fatal(err)
	}
	if !p.IsFrameFullyFetched(FirstFrame) {
		t.Errorf("frame %d: want fully fetched", FirstFrame)
	}
	if p.IsFrameFullyFetched(FirstFrame + 1) {
		t.Errorf("frame %d: not finalized yet", FirstFrame+1)
	}
}

func TestParserStopConditions(t *testing.T) {
	game := tests.Game(2, fox).Bytes()

	var container bytes.Buffer
	if err := WriteContainer(&container, game); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name         string
		data         []byte
		wantComplete bool
		wantLatest   int32
	}{
		{"bare stream", game, false, 2},
		{"metadata marker", append(append([]byte(nil), game...), 'U', 8), true, 2},
		{"container", container.Bytes(), true, 2},
		{"unknown event", append(append([]byte(nil), game[:17]...), 0xF0, 0x36), true, FirstFrame - 1},
		{"partial event", game[:len(game)-1], false, 2},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(NewBuffer(tt.data))
			if err := p.Update(); err != nil {
				t.Fatal(err)
			}
			if got := p.IsProcessingComplete(); got != tt.wantComplete {
				t.Errorf("IsProcessingComplete() = %t, want %t", got, tt.wantComplete)
			}
			if got := p.LatestIndex(); got != tt.wantLatest {
				t.Errorf("LatestIndex() = %d, want %d", got, tt.wantLatest)
			}
		})
	}
}

func TestParserFileSource(t *testing.T) {
	var container bytes.Buffer
	if err := WriteContainer(&container, tests.Game(5, fox).Bytes()); err != nil {
		t.Fatal(err)
	}

	src, err := OpenFile(tests.WriteFile(t, "game.slp", container.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	p := NewParser(src)
	if err := p.Update(); err != nil {
		t.Fatal(err)
	}
	if !p.IsProcessingComplete() || p.LatestIndex() != 5 {
		t.Errorf("complete=%t latest=%d, want true, 5", p.IsProcessingComplete(), p.LatestIndex())
	}
}

func TestReadDefaults(t *testing.T) {
	p := []byte{0x01, 0x02, 0x03, 0x04}

	if got := readU32(p, 0, 7); got != 0x01020304 {
		t.Errorf("readU32 at end = %#x, want 0x01020304", got)
	}
	if got := readU32(p, 1, 7); got != 7 {
		t.Errorf("readU32 past end = %d, want default", got)
	}
	if got := readU16(p, 2, 9); got != 0x0304 {
		t.Errorf("readU16 = %#x, want 0x0304", got)
	}
	if got := readI32(nil, 0, -1); got != -1 {
		t.Errorf("readI32(nil) = %d, want -1", got)
	}
	if got := readF32(p, 4, PercentUnset); got != PercentUnset {
		t.Errorf("readF32 past end = %v, want default", got)
	}
}
