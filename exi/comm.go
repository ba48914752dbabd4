package exi

import (
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/go-faster/jx"

	"rollnet/emu/log"
	"rollnet/replay"
)

// Playback modes of the replay comm file.
const (
	ModeNormal = "normal"
	ModeMirror = "mirror"
	ModeQueue  = "queue"
)

// WatchSettings is a replay to play and the range of frames to show.
type WatchSettings struct {
	Path       string
	StartFrame int32
	EndFrame   int32
}

func defaultWatch(path string) WatchSettings {
	return WatchSettings{Path: path, StartFrame: replay.FirstFrame, EndFrame: math.MaxInt32}
}

// CommSettings is the content of the replay comm file, written by the
// program driving playback.
type CommSettings struct {
	Replay                string
	Mode                  string
	IsRealTimeMode        bool
	StartFrame            int32
	EndFrame              int32
	CommandID             string
	Queue                 []WatchSettings
	RollbackDisplayMethod string
	ShouldResync          bool
}

// ParseCommSettings decodes a replay comm file. Missing fields get their
// default value.
func ParseCommSettings(buf []byte) (CommSettings, error) {
	cs := CommSettings{
		Mode:                  ModeNormal,
		StartFrame:            replay.FirstFrame,
		EndFrame:              math.MaxInt32,
		RollbackDisplayMethod: "off",
		ShouldResync:          true,
	}

	d := jx.DecodeBytes(buf)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "replay":
			cs.Replay, err = d.Str()
		case "mode":
			cs.Mode, err = d.Str()
		case "isRealTimeMode":
			cs.IsRealTimeMode, err = d.Bool()
		case "startFrame":
			cs.StartFrame, err = d.Int32()
		case "endFrame":
			cs.EndFrame, err = d.Int32()
		case "commandId":
			cs.CommandID, err = d.Str()
		case "rollbackDisplayMethod":
			cs.RollbackDisplayMethod, err = d.Str()
		case "shouldResync":
			cs.ShouldResync, err = d.Bool()
		case "queue":
			err = d.Arr(func(d *jx.Decoder) error {
				w, err := parseWatch(d)
				if err == nil {
					cs.Queue = append(cs.Queue, w)
				}
				return err
			})
		default:
			err = d.Skip()
		}
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return CommSettings{}, err
	}

	switch cs.Mode {
	case ModeNormal, ModeMirror, ModeQueue:
	default:
		return CommSettings{}, fmt.Errorf("unknown mode %q", cs.Mode)
	}
	return cs, nil
}

func parseWatch(d *jx.Decoder) (WatchSettings, error) {
	w := defaultWatch("")
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "path":
			w.Path, err = d.Str()
		case "startFrame":
			w.StartFrame, err = d.Int32()
		case "endFrame":
			w.EndFrame, err = d.Int32()
		default:
			err = d.Skip()
		}
		return err
	})
	return w, err
}

// Comm follows the replay comm file, telling which replay to play.
//
// A replay is new when its path or the command id changed since the last
// replay loaded, so the same replay can be played twice in a row by changing
// the command id. In queue mode the replays of the queue are played in
// order, the queue being reloaded whenever the command id changes.
type Comm struct {
	path string

	settings  CommSettings
	queue     []WatchSettings
	loadedCmd string
	loaded    string
	// frontLoaded is set once the replay at the front of the queue was
	// loaded.
	frontLoaded bool
	haveFile    bool

	// current is also adjusted by seeks, from the seek task.
	mu      sync.Mutex
	current WatchSettings
}

// NewComm returns a Comm reading the file at path.
func NewComm(path string) *Comm {
	return &Comm{path: path, current: defaultWatch("")}
}

// Settings returns the settings read last.
func (c *Comm) Settings() CommSettings { return c.settings }

// Current returns the settings of the replay being played.
func (c *Comm) Current() WatchSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// reload reads the comm file again. Unreadable or malformed files leave the
// previous settings in place.
func (c *Comm) reload() {
	buf, err := os.ReadFile(c.path)
	if err != nil {
		if c.haveFile {
			log.ModExi.WarnZ("cannot read replay comm file").String("path", c.path).Error("err", err).End()
		}
		return
	}
	cs, err := ParseCommSettings(buf)
	if err != nil {
		log.ModExi.WarnZ("malformed replay comm file").String("path", c.path).Error("err", err).End()
		return
	}

	if cs.Mode == ModeQueue && (!c.haveFile || cs.CommandID != c.settings.CommandID) {
		c.queue = append(c.queue[:0], cs.Queue...)
		c.frontLoaded = false
	}
	c.settings = cs
	c.haveFile = true
}

// IsNewReplay reads the comm file and reports whether a replay other than
// the one being played is requested.
func (c *Comm) IsNewReplay() bool {
	c.reload()
	if !c.haveFile {
		return false
	}

	if c.settings.Mode == ModeQueue {
		return len(c.queue) > 0 && !c.frontLoaded
	}
	if c.settings.Replay == "" {
		return false
	}
	return c.settings.Replay != c.loaded || c.settings.CommandID != c.loadedCmd
}

// NextReplay moves past the replay being played, in queue mode.
func (c *Comm) NextReplay() {
	if c.settings.Mode != ModeQueue || !c.frontLoaded || len(c.queue) == 0 {
		return
	}
	c.queue = c.queue[1:]
	c.frontLoaded = false
}

// next returns the replay to load.
func (c *Comm) next() WatchSettings {
	if c.settings.Mode == ModeQueue {
		if len(c.queue) == 0 {
			return defaultWatch("")
		}
		return c.queue[0]
	}
	return WatchSettings{
		Path:       c.settings.Replay,
		StartFrame: c.settings.StartFrame,
		EndFrame:   c.settings.EndFrame,
	}
}

// LoadGame opens the requested replay and returns its parser, with the data
// available so far processed. The replay stays new if the file could not
// be opened, so loading is tried again at the next request.
func (c *Comm) LoadGame() (*replay.Parser, *replay.FileSource, error) {
	w := c.next()
	if w.Path == "" {
		return nil, nil, fmt.Errorf("no replay requested")
	}
	log.ModExi.InfoZ("loading replay").String("path", w.Path).Int32("start", w.StartFrame).Int32("end", w.EndFrame).End()

	src, err := replay.OpenFile(w.Path)
	if err != nil {
		return nil, nil, err
	}
	p := replay.NewParser(src)
	if err := p.Update(); err != nil {
		src.Close()
		return nil, nil, err
	}

	c.mu.Lock()
	c.current = w
	c.mu.Unlock()
	c.loaded, c.loadedCmd = c.settings.Replay, c.settings.CommandID
	if c.settings.Mode == ModeQueue {
		c.frontLoaded = true
	}
	return p, src, nil
}

// AdjustBounds widens the frame range of the current replay so that it
// contains target, when the range was restricted.
func (c *Comm) AdjustBounds(target int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current.StartFrame == replay.FirstFrame && c.current.EndFrame == math.MaxInt32 {
		return
	}
	if target < c.current.StartFrame {
		c.current.StartFrame = target
	}
	if target > c.current.EndFrame {
		c.current.EndFrame = math.MaxInt32
	}
}
