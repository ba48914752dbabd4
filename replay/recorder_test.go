package replay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rollnet/tests"
)

func TestRecorderBackpatchesLength(t *testing.T) {
	events := tests.Game(20, fox, sheik).Bytes()
	sizesLen := int(events[1]) + 1
	endLen := 1 + GameEndSize

	dir := t.TempDir()
	start := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	r := Recorder{
		Dir:          dir,
		MonthFolders: true,
		Now:          func() time.Time { return start },
	}

	if err := r.Begin(events[:sizesLen]); err != nil {
		t.Fatal(err)
	}
	r.SetNames(1, PlayerNames{Netplay: "marth main", Code: "ABC#123"})
	if err := r.Write(events[sizesLen : len(events)-endLen]); err != nil {
		t.Fatal(err)
	}
	sum, err := r.End(events[len(events)-endLen:])
	if err != nil {
		t.Fatal(err)
	}
	if r.Recording() {
		t.Errorf("still recording after End")
	}

	wantPath := filepath.Join(dir, "2026-03", "Game_20260314T150926.slp")
	if sum.Path != wantPath {
		t.Errorf("path = %q, want %q", sum.Path, wantPath)
	}

	data, err := os.ReadFile(sum.Path)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(data)) != sum.Size {
		t.Errorf("file size = %d, summary says %d", len(data), sum.Size)
	}
	if got := binary.BigEndian.Uint32(data[rawLengthOffset:]); got != uint32(len(events)) {
		t.Errorf("raw length = %d, want %d", got, len(events))
	}
	raw := data[ContainerHeaderSize : ContainerHeaderSize+len(events)]
	if !bytes.Equal(raw, events) {
		t.Errorf("raw events differ from the recorded stream")
	}
	if meta := data[ContainerHeaderSize+len(events):]; !bytes.HasPrefix(meta, []byte("U\x08metadata{U\x07startAtSU")) {
		t.Errorf("unexpected metadata prefix %q", meta[:min(len(meta), 24)])
	}
	if !bytes.Contains(data, []byte("marth main")) {
		t.Errorf("player names missing from metadata")
	}

	if sum.LastFrame != 20 {
		t.Errorf("last frame = %d, want 20", sum.LastFrame)
	}
	wantChars := map[uint8]map[uint8]uint32{
		0: {fox.InternalID: 144},
		1: {sheik.InternalID: 144},
	}
	if diff := cmp.Diff(wantChars, sum.Characters); diff != "" {
		t.Errorf("character usage mismatch (-want +got):\n%s", diff)
	}

	// The recorded file parses to the same game as the stream.
	src, err := OpenFile(sum.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	p := NewParser(src)
	if err := p.Update(); err != nil {
		t.Fatal(err)
	}
	if !p.IsProcessingComplete() {
		t.Errorf("recorded replay not complete")
	}
	if diff := cmp.Diff(parseAll(t, events).Game(), p.Game()); diff != "" {
		t.Errorf("game mismatch (-want +got):\n%s", diff)
	}
}

func TestRecorderInterruptedFileIsReadable(t *testing.T) {
	events := tests.Game(3, fox).Bytes()
	sizesLen := int(events[1]) + 1

	r := Recorder{Dir: t.TempDir()}
	if err := r.Begin(events[:sizesLen]); err != nil {
		t.Fatal(err)
	}
	// Stop before the game end, without finalizing.
	if err := r.Write(events[sizesLen : len(events)-3]); err != nil {
		t.Fatal(err)
	}
	path := r.summary.Path

	src, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	p := NewParser(src)
	if err := p.Update(); err != nil {
		t.Fatal(err)
	}
	if p.LatestIndex() != 3 {
		t.Errorf("LatestIndex() = %d, want 3", p.LatestIndex())
	}
	if p.IsProcessingComplete() {
		t.Errorf("processing complete on a file still being written")
	}

	if _, err := r.End(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.End(nil); !errors.Is(err, ErrNotRecording) {
		t.Errorf("End() twice: err = %v, want ErrNotRecording", err)
	}
}

func TestRecorderSameSecondGames(t *testing.T) {
	events := tests.Game(20, fox, sheik).Bytes()
	sizesLen := int(events[1]) + 1

	dir := t.TempDir()
	start := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	r := Recorder{Dir: dir, Now: func() time.Time { return start }}

	var paths []string
	for range 3 {
		if err := r.Begin(events[:sizesLen]); err != nil {
			t.Fatal(err)
		}
		if err := r.Write(events[sizesLen:]); err != nil {
			t.Fatal(err)
		}
		sum, err := r.End(nil)
		if err != nil {
			t.Fatal(err)
		}
		paths = append(paths, sum.Path)
	}

	want := []string{
		filepath.Join(dir, "Game_20260314T150926.slp"),
		filepath.Join(dir, "Game_20260314T150926_1.slp"),
		filepath.Join(dir, "Game_20260314T150926_2.slp"),
	}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("replay paths mismatch (-want +got):\n%s", diff)
	}

	// No game overwrote another.
	for _, path := range want {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if got := binary.BigEndian.Uint32(data[rawLengthOffset:]); got != uint32(len(events)) {
			t.Errorf("%s: raw length = %d, want %d", path, got, len(events))
		}
	}
}
