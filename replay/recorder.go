package replay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"rollnet/emu/log"
)

const (
	ContainerHeaderSize = 15
	rawLengthOffset     = 11
)

// containerMagic opens a replay file: an UBJSON object whose "raw" field is
// an array of bytes of the length following the magic.
var containerMagic = [ContainerHeaderSize]byte{'{', 'U', 3, 'r', 'a', 'w', '[', '$', 'U', '#', 'l'}

// PlayerNames holds the names shown for a player during an online game.
type PlayerNames struct {
	Netplay string
	Code    string
}

// Summary describes a finalized recording.
type Summary struct {
	Path      string
	StartAt   time.Time
	LastFrame int32
	Size      int64

	// Characters maps player ports to internal character ids to the number of
	// frames the character was in use.
	Characters map[uint8]map[uint8]uint32
	Names      map[uint8]PlayerNames
}

// Recorder writes a replay file out of the event stream. The file is valid
// at all times: until the game end the raw length is left at zero, which
// readers take as "read until the metadata marker or end of file".
type Recorder struct {
	Dir          string
	MonthFolders bool
	PlayedOn     string
	Now          func() time.Time

	sizes   PayloadSizes
	f       *os.File
	path    string
	start   time.Time
	written uint32
	summary Summary
}

// RecordingError wraps errors writing the replay file at Path.
type RecordingError struct {
	Path string
	Err  error
}

func (e *RecordingError) Error() string { return fmt.Sprintf("replay %s: %v", e.Path, e.Err) }
func (e *RecordingError) Unwrap() error { return e.Err }

var ErrNotRecording = errors.New("replay: not recording")

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Recording reports whether a replay file is currently open.
func (r *Recorder) Recording() bool { return r.f != nil }

// Begin creates a new replay file starting with the given payload sizes
// event (command byte included). A replay still being recorded is
// finalized first.
func (r *Recorder) Begin(sizesEvent []byte) error {
	if r.f != nil {
		if _, err := r.End(nil); err != nil {
			log.ModReplay.WarnZ("failed to finalize previous replay").Error("err", err).End()
		}
	}

	r.sizes = DefaultPayloadSizes()
	if len(sizesEvent) > 1 {
		r.sizes.Merge(sizesEvent[1:])
	}
	r.start = r.now()

	dir := r.Dir
	if r.MonthFolders {
		dir = filepath.Join(dir, r.start.Format("2006-01"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &RecordingError{Path: dir, Err: err}
	}
	f, path, err := createUnique(dir, "Game_"+r.start.Format("20060102T150405"))
	if err != nil {
		return &RecordingError{Path: path, Err: err}
	}
	if _, err := f.Write(containerMagic[:]); err != nil {
		f.Close()
		return &RecordingError{Path: path, Err: err}
	}

	r.f, r.path, r.written = f, path, 0
	r.summary = Summary{
		Path:       path,
		StartAt:    r.start,
		LastFrame:  FirstFrame,
		Characters: make(map[uint8]map[uint8]uint32),
	}
	log.ModReplay.InfoZ("recording started").String("path", path).End()
	return r.Write(sizesEvent)
}

// maxNameSuffix bounds the attempts at finding a free file name.
const maxNameSuffix = 100

// createUnique creates dir/base.slp, or dir/base_N.slp with the smallest N
// free when games start within the same second. Existing files are never
// truncated.
func createUnique(dir, base string) (*os.File, string, error) {
	path := filepath.Join(dir, base+".slp")
	for n := 1; ; n++ {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) || n >= maxNameSuffix {
			return nil, path, err
		}
		path = filepath.Join(dir, base+"_"+strconv.Itoa(n)+".slp")
	}
}

// SetNames sets the names of the player at port, recorded in the metadata.
func (r *Recorder) SetNames(port uint8, names PlayerNames) {
	if r.summary.Names == nil {
		r.summary.Names = make(map[uint8]PlayerNames)
	}
	r.summary.Names[port] = names
}

// Write appends events verbatim to the replay file.
func (r *Recorder) Write(events []byte) error {
	if r.f == nil {
		return ErrNotRecording
	}
	r.track(events)
	n, err := r.f.Write(events)
	r.written += uint32(n)
	if err != nil {
		return &RecordingError{Path: r.path, Err: err}
	}
	return nil
}

// track updates the metadata from post frame updates.
func (r *Recorder) track(events []byte) {
	for i := 0; i < len(events); {
		cmd := events[i]
		var size int
		if cmd == CmdPayloadSizes {
			size = int(readU8(events, i+1, 0))
		} else {
			var ok bool
			if size, ok = r.sizes.Get(cmd); !ok {
				return
			}
		}
		payload := events[i+1 : min(len(events), i+1+size)]
		if cmd == CmdPostFrameUpdate {
			r.summary.LastFrame = readI32(payload, 0, r.summary.LastFrame)
			port, char := readU8(payload, 4, 0), readU8(payload, 6, 0)
			if readBool(payload, 5) {
				// Followers are tracked with their leader.
				char = 0xFF
			}
			if char != 0xFF {
				usage := r.summary.Characters[port]
				if usage == nil {
					usage = make(map[uint8]uint32)
					r.summary.Characters[port] = usage
				}
				usage[char]++
			}
		}
		i += 1 + size
	}
}

// End appends the last events, writes the metadata, backpatches the raw
// length and closes the file.
func (r *Recorder) End(events []byte) (Summary, error) {
	if r.f == nil {
		return Summary{}, ErrNotRecording
	}
	if len(events) > 0 {
		if err := r.Write(events); err != nil {
			r.close()
			return Summary{}, err
		}
	}

	meta := r.appendMetadata(nil)
	meta = append(meta, '}')
	if _, err := r.f.Write(meta); err != nil {
		r.close()
		return Summary{}, &RecordingError{Path: r.path, Err: err}
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], r.written)
	if _, err := r.f.WriteAt(length[:], rawLengthOffset); err != nil {
		r.close()
		return Summary{}, &RecordingError{Path: r.path, Err: err}
	}

	sum := r.summary
	sum.Size = int64(ContainerHeaderSize) + int64(r.written) + int64(len(meta))
	if err := r.close(); err != nil {
		return Summary{}, &RecordingError{Path: r.path, Err: err}
	}
	log.ModReplay.InfoZ("recording finalized").String("path", sum.Path).Int32("last_frame", sum.LastFrame).End()
	return sum, nil
}

func (r *Recorder) close() error {
	err := r.f.Close()
	r.f = nil
	return err
}

// appendMetadata appends the UBJSON metadata object.
func (r *Recorder) appendMetadata(buf []byte) []byte {
	playedOn := r.PlayedOn
	if playedOn == "" {
		playedOn = "rollnet"
	}

	buf = ubjKey(buf, "metadata")
	buf = append(buf, '{')

	buf = ubjKey(buf, "startAt")
	buf = ubjString(buf, r.start.UTC().Format(time.RFC3339))

	buf = ubjKey(buf, "lastFrame")
	buf = append(buf, 'l')
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.summary.LastFrame))

	buf = ubjKey(buf, "players")
	buf = append(buf, '{')
	ports := slices.Sorted(maps.Keys(r.summary.Characters))
	for _, port := range ports {
		buf = ubjKey(buf, strconv.Itoa(int(port)))
		buf = append(buf, '{')

		if names, ok := r.summary.Names[port]; ok {
			buf = ubjKey(buf, "names")
			buf = append(buf, '{')
			buf = ubjKey(buf, "netplay")
			buf = ubjString(buf, names.Netplay)
			buf = ubjKey(buf, "code")
			buf = ubjString(buf, names.Code)
			buf = append(buf, '}')
		}

		buf = ubjKey(buf, "characters")
		buf = append(buf, '{')
		usage := r.summary.Characters[port]
		for _, char := range slices.Sorted(maps.Keys(usage)) {
			buf = ubjKey(buf, strconv.Itoa(int(char)))
			buf = append(buf, 'l')
			buf = binary.BigEndian.AppendUint32(buf, usage[char])
		}
		buf = append(buf, '}', '}')
	}
	buf = append(buf, '}')

	buf = ubjKey(buf, "playedOn")
	buf = ubjString(buf, playedOn)
	return append(buf, '}')
}

// ubjKey appends an UBJSON object key, which has no type marker.
func ubjKey(buf []byte, key string) []byte {
	buf = append(buf, 'U', uint8(len(key)))
	return append(buf, key...)
}

func ubjString(buf []byte, s string) []byte {
	s = s[:min(len(s), 255)]
	buf = append(buf, 'S', 'U', uint8(len(s)))
	return append(buf, s...)
}

// WriteContainer writes events as a complete replay file to w, with an empty
// metadata object.
func WriteContainer(w io.Writer, events []byte) error {
	hdr := containerMagic
	binary.BigEndian.PutUint32(hdr[rawLengthOffset:], uint32(len(events)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(events); err != nil {
		return err
	}
	_, err := w.Write([]byte{'U', 8, 'm', 'e', 't', 'a', 'd', 'a', 't', 'a', '{', '}', '}'})
	return err
}
