package replaydb

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rollnet/replay"
	"rollnet/tests"
)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sub", "replays.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func summary(path string, start time.Time, code string) replay.Summary {
	return replay.Summary{
		Path:      path,
		StartAt:   start,
		LastFrame: 1000,
		Size:      4096,
		Characters: map[uint8]map[uint8]uint32{
			0: {0x02: 1124},
			1: {0x07: 600, 0x13: 524},
		},
		Names: map[uint8]replay.PlayerNames{
			1: {Netplay: "sheik main", Code: code},
		},
	}
}

func TestAddGet(t *testing.T) {
	db := openDB(t)
	start := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

	want := summary("/replays/a.slp", start, "SHK#1")
	id, err := db.Add(want)
	require.NoError(t, err)

	got, err := db.Get("/replays/a.slp")
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.True(t, got.StartAt.Equal(start))
	got.StartAt = want.StartAt
	require.Equal(t, want, got.Summary)

	_, err = db.Get("/replays/missing.slp")
	require.ErrorIs(t, err, ErrNotFound)

	// Adding the same path again replaces the entry.
	want.LastFrame = 2000
	want.Names = nil
	_, err = db.Add(want)
	require.NoError(t, err)
	got, err = db.Get("/replays/a.slp")
	require.NoError(t, err)
	require.Equal(t, int32(2000), got.LastFrame)
	require.Nil(t, got.Names)

	all, err := db.List(Query{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestList(t *testing.T) {
	db := openDB(t)
	base := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

	for i, code := range []string{"AAA#1", "BBB#2", "AAA#1", "CCC#3"} {
		path := filepath.Join("/replays", string(rune('a'+i))+".slp")
		_, err := db.Add(summary(path, base.Add(time.Duration(i)*time.Hour), code))
		require.NoError(t, err)
	}

	paths := func(entries []Entry) []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.Path)
		}
		return out
	}

	all, err := db.List(Query{})
	require.NoError(t, err)
	require.Equal(t, []string{"/replays/d.slp", "/replays/c.slp", "/replays/b.slp", "/replays/a.slp"}, paths(all))

	byCode, err := db.List(Query{Code: "AAA#1"})
	require.NoError(t, err)
	require.Equal(t, []string{"/replays/c.slp", "/replays/a.slp"}, paths(byCode))

	recent, err := db.List(Query{Since: base.Add(90 * time.Minute), Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"/replays/d.slp"}, paths(recent))

	require.NoError(t, db.Remove("/replays/d.slp"))
	require.ErrorIs(t, db.Remove("/replays/d.slp"), ErrNotFound)
	all, err = db.List(Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestIndexDir(t *testing.T) {
	db := openDB(t)
	dir := t.TempDir()

	fox := tests.Player{Port: 0, CharID: 0x02, InternalID: 0x01}
	marth := tests.Player{Port: 3, CharID: 0x09, InternalID: 0x12}

	var buf bytes.Buffer
	require.NoError(t, replay.WriteContainer(&buf, tests.Game(10, fox, marth).Bytes()))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2026-05"), 0o755))
	good := filepath.Join(dir, "2026-05", "Game_1.slp")
	require.NoError(t, os.WriteFile(good, buf.Bytes(), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.slp"), nil, 0o644))

	n, err := db.IndexDir(dir)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	e, err := db.Get(good)
	require.NoError(t, err)
	require.Equal(t, int32(10), e.LastFrame)
	require.Equal(t, int64(buf.Len()), e.Size)
	require.Equal(t, map[uint8]map[uint8]uint32{
		0: {0x01: 134},
		3: {0x12: 134},
	}, e.Characters)

	// Already indexed files are skipped.
	n, err = db.IndexDir(dir)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
