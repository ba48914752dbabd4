// Package replaydb indexes recorded replays in a SQLite database, so they
// can be listed and searched without parsing every file.
package replaydb

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"rollnet/emu/log"
	"rollnet/replay"
)

var modDB = log.NewModule("db")

var ErrNotFound = errors.New("replaydb: replay not found")

// DB is the replay index.
type DB struct {
	db *sql.DB
}

// Entry is an indexed replay.
type Entry struct {
	ID int64
	replay.Summary
}

// Query selects replays in List.
type Query struct {
	// Code only selects replays where a player had this connect code.
	Code string
	// Since only selects replays started at or after this time.
	Since time.Time
	// Limit is the maximum number of replays returned, 0 for no limit.
	Limit int
}

// Open creates or opens the index at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("replaydb: cannot create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("replaydb: cannot open database: %w", err)
	}
	// A single connection serializes writers, sqlite would return
	// SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("replaydb: cannot connect to database: %w", err)
	}

	rdb := &DB{db: db}
	if err := rdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("replaydb: migration failed: %w", err)
	}
	return rdb, nil
}

func (d *DB) migrate() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS replays (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			start_at INTEGER NOT NULL,
			last_frame INTEGER NOT NULL,
			size INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_replays_start ON replays(start_at DESC);

		CREATE TABLE IF NOT EXISTS players (
			replay_id INTEGER NOT NULL,
			port INTEGER NOT NULL,
			netplay_name TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (replay_id, port)
		);
		CREATE INDEX IF NOT EXISTS idx_players_code ON players(code);

		CREATE TABLE IF NOT EXISTS characters (
			replay_id INTEGER NOT NULL,
			port INTEGER NOT NULL,
			character INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			PRIMARY KEY (replay_id, port, character)
		);
	`
	_, err := d.db.Exec(schema)
	return err
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Add indexes the replay described by sum, replacing any previous entry for
// the same path.
func (d *DB) Add(sum replay.Summary) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("replaydb: cannot add replay: %w", err)
	}
	defer tx.Rollback()

	if _, err := deleteReplay(tx, sum.Path); err != nil {
		return 0, fmt.Errorf("replaydb: cannot add replay: %w", err)
	}
	res, err := tx.Exec(
		"INSERT INTO replays (path, start_at, last_frame, size) VALUES (?, ?, ?, ?)",
		sum.Path, sum.StartAt.Unix(), sum.LastFrame, sum.Size,
	)
	if err != nil {
		return 0, fmt.Errorf("replaydb: cannot add replay: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("replaydb: cannot add replay: %w", err)
	}

	ports := make(map[uint8]bool)
	for port := range sum.Characters {
		ports[port] = true
	}
	for port := range sum.Names {
		ports[port] = true
	}
	for port := range ports {
		names := sum.Names[port]
		if _, err := tx.Exec(
			"INSERT INTO players (replay_id, port, netplay_name, code) VALUES (?, ?, ?, ?)",
			id, port, names.Netplay, names.Code,
		); err != nil {
			return 0, fmt.Errorf("replaydb: cannot add player: %w", err)
		}
		for char, frames := range sum.Characters[port] {
			if _, err := tx.Exec(
				"INSERT INTO characters (replay_id, port, character, frames) VALUES (?, ?, ?, ?)",
				id, port, char, frames,
			); err != nil {
				return 0, fmt.Errorf("replaydb: cannot add character: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("replaydb: cannot add replay: %w", err)
	}
	modDB.DebugZ("replay indexed").String("path", sum.Path).Int64("id", id).End()
	return id, nil
}

// Get returns the entry of the replay at path.
func (d *DB) Get(path string) (Entry, error) {
	entries, err := d.query("WHERE r.path = ?", []any{path}, 0)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrNotFound
	}
	return entries[0], nil
}

// List returns the replays matching q, most recent first.
func (d *DB) List(q Query) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	if q.Code != "" {
		conds = append(conds, "r.id IN (SELECT replay_id FROM players WHERE code = ?)")
		args = append(args, q.Code)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "r.start_at >= ?")
		args = append(args, q.Since.Unix())
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	return d.query(where, args, q.Limit)
}

func (d *DB) query(where string, args []any, limit int) ([]Entry, error) {
	stmt := "SELECT r.id, r.path, r.start_at, r.last_frame, r.size FROM replays r " + where +
		" ORDER BY r.start_at DESC, r.id DESC"
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := d.db.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("replaydb: cannot list replays: %w", err)
	}
	var entries []Entry
	for rows.Next() {
		var (
			e     Entry
			start int64
		)
		if err := rows.Scan(&e.ID, &e.Path, &start, &e.LastFrame, &e.Size); err != nil {
			rows.Close()
			return nil, fmt.Errorf("replaydb: cannot scan replay: %w", err)
		}
		e.StartAt = time.Unix(start, 0)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replaydb: cannot list replays: %w", err)
	}

	for i := range entries {
		if err := d.loadPlayers(&entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (d *DB) loadPlayers(e *Entry) error {
	rows, err := d.db.Query("SELECT port, netplay_name, code FROM players WHERE replay_id = ?", e.ID)
	if err != nil {
		return fmt.Errorf("replaydb: cannot load players: %w", err)
	}
	// Rows are closed before the next query: the database has a single
	// connection.
	for rows.Next() {
		var (
			port  uint8
			names replay.PlayerNames
		)
		if err := rows.Scan(&port, &names.Netplay, &names.Code); err != nil {
			rows.Close()
			return fmt.Errorf("replaydb: cannot scan player: %w", err)
		}
		if names != (replay.PlayerNames{}) {
			if e.Names == nil {
				e.Names = make(map[uint8]replay.PlayerNames)
			}
			e.Names[port] = names
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("replaydb: cannot load players: %w", err)
	}

	crows, err := d.db.Query("SELECT port, character, frames FROM characters WHERE replay_id = ?", e.ID)
	if err != nil {
		return fmt.Errorf("replaydb: cannot load characters: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var (
			port, char uint8
			frames     uint32
		)
		if err := crows.Scan(&port, &char, &frames); err != nil {
			return fmt.Errorf("replaydb: cannot scan character: %w", err)
		}
		if e.Characters == nil {
			e.Characters = make(map[uint8]map[uint8]uint32)
		}
		if e.Characters[port] == nil {
			e.Characters[port] = make(map[uint8]uint32)
		}
		e.Characters[port][char] = frames
	}
	return crows.Err()
}

// Remove drops the replay at path from the index.
func (d *DB) Remove(path string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("replaydb: cannot remove replay: %w", err)
	}
	defer tx.Rollback()

	n, err := deleteReplay(tx, path)
	if err != nil {
		return fmt.Errorf("replaydb: cannot remove replay: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replaydb: cannot remove replay: %w", err)
	}
	return nil
}

// deleteReplay deletes the replay at path and its rows in the other tables,
// returning the number of replays deleted.
func deleteReplay(tx *sql.Tx, path string) (int64, error) {
	const sub = "(SELECT id FROM replays WHERE path = ?)"
	if _, err := tx.Exec("DELETE FROM characters WHERE replay_id IN "+sub, path); err != nil {
		return 0, err
	}
	if _, err := tx.Exec("DELETE FROM players WHERE replay_id IN "+sub, path); err != nil {
		return 0, err
	}
	res, err := tx.Exec("DELETE FROM replays WHERE path = ?", path)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IndexDir indexes the replay files found under dir that are not indexed
// yet, and returns how many were added. Unreadable files are skipped.
func (d *DB) IndexDir(dir string) (int, error) {
	added := 0
	err := filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() || filepath.Ext(path) != ".slp" {
			return nil
		}
		if _, err := d.Get(path); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		sum, err := Summarize(path)
		if err != nil {
			modDB.WarnZ("skipping unreadable replay").String("path", path).Error("err", err).End()
			return nil
		}
		if _, err := d.Add(sum); err != nil {
			return err
		}
		added++
		return nil
	})
	if err != nil {
		return added, fmt.Errorf("replaydb: cannot index %s: %w", dir, err)
	}
	modDB.InfoZ("directory indexed").String("dir", dir).Int("added", added).End()
	return added, nil
}

// Summarize parses the replay file at path. The start time is the file
// modification time.
func Summarize(path string) (replay.Summary, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return replay.Summary{}, err
	}
	src, err := replay.OpenFile(path)
	if err != nil {
		return replay.Summary{}, err
	}
	defer src.Close()

	p := replay.NewParser(src)
	if err := p.Update(); err != nil {
		return replay.Summary{}, err
	}
	if _, ok := p.Settings(); !ok {
		return replay.Summary{}, errors.New("no game settings")
	}

	sum := replay.Summary{
		Path:       path,
		StartAt:    fi.ModTime(),
		LastFrame:  p.LatestIndex(),
		Size:       fi.Size(),
		Characters: make(map[uint8]map[uint8]uint32),
	}
	for _, fd := range p.Game().Frames {
		if !fd.InputsFullyFetched {
			continue
		}
		for port, pfd := range fd.Players {
			usage := sum.Characters[port]
			if usage == nil {
				usage = make(map[uint8]uint32)
				sum.Characters[port] = usage
			}
			usage[pfd.InternalCharacterID]++
		}
	}
	return sum, nil
}
