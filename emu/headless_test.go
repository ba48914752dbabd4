package emu

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rollnet/exi"
	"rollnet/playback"
	"rollnet/replay"
	"rollnet/tests"
)

var (
	falco = tests.Player{Port: 0, CharID: 0x14, InternalID: 0x16, Color: 2}
	marth = tests.Player{Port: 3, CharID: 0x09, InternalID: 0x12}
)

const lastFrame = 40

// session is a headless machine playing a replay through a device.
type session struct {
	h   *Headless
	emu *Emulator
	st  *playback.Status
	dev *exi.Device
}

func newSession(t *testing.T) *session {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "game.slp")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := replay.WriteContainer(f, tests.Game(lastFrame, falco, marth).Bytes()); err != nil {
		t.Fatal(err)
	}
	f.Close()
	comm := filepath.Join(dir, "comm.json")
	if err := os.WriteFile(comm, []byte(`{"replay": "`+path+`"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := &session{h: new(Headless)}
	s.emu = New(s.h, EmulationConfig{Unthrottled: true})
	s.st, err = playback.New(s.emu, playback.Options{Seekbar: true})
	if err != nil {
		t.Fatal(err)
	}
	s.dev, err = exi.New(exi.Config{CommFile: comm, Playback: s.st})
	if err != nil {
		t.Fatal(err)
	}
	s.h.PlugBus(s.dev)
	s.emu.OnFrameEnd(s.dev.EndFrame)
	t.Cleanup(func() {
		s.dev.Close()
		s.st.Close()
	})
	return s
}

// playToEnd runs frames until the game being played ends.
func (s *session) playToEnd(t *testing.T) HeadlessStatus {
	t.Helper()
	for range 1000 {
		if err := s.h.RunFrame(); err != nil {
			t.Fatal(err)
		}
		if st := s.h.Status(); st.Games > 0 && !st.InGame {
			return st
		}
	}
	t.Fatal("game did not end")
	return HeadlessStatus{}
}

func TestHeadlessPlaysReplay(t *testing.T) {
	s := newSession(t)

	got := s.playToEnd(t)
	want := HeadlessStatus{
		Seed:   0xC0FFEE,
		Frame:  lastFrame + 1,
		Played: uint32(lastFrame - replay.FirstFrame + 1),
		Hash:   got.Hash,
		Games:  1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if got.Hash == fnvOffset64 {
		t.Errorf("frame data not hashed")
	}

	// The replay isn't played again.
	for range 10 {
		s.h.RunFrame()
	}
	if st := s.h.Status(); st.InGame || st.Games != 1 {
		t.Errorf("replay played again: %+v", st)
	}
}

func TestHeadlessStateRestore(t *testing.T) {
	s := newSession(t)

	var saved []byte
	for saved == nil {
		if err := s.h.RunFrame(); err != nil {
			t.Fatal(err)
		}
		if st := s.h.Status(); st.InGame && st.Frame == 0 {
			var err error
			if saved, err = s.h.SaveState(); err != nil {
				t.Fatal(err)
			}
		}
	}
	want := s.playToEnd(t)

	if err := s.h.LoadState(saved); err != nil {
		t.Fatal(err)
	}
	if st := s.h.Status(); st.Frame != 0 || !st.InGame {
		t.Fatalf("restored status = %+v", st)
	}
	got := s.playToEnd(t)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replaying from a restored state mismatch (-want +got):\n%s", diff)
	}

	saved[len(saved)-1] ^= 0xFF
	if err := s.h.LoadState(saved); err == nil {
		t.Errorf("corrupted state loaded")
	}
	if err := s.h.LoadState([]byte("garbage")); err == nil {
		t.Errorf("invalid state loaded")
	}
}

func TestEmulatorPlaysReplay(t *testing.T) {
	want := newSession(t).playToEnd(t)

	s := newSession(t)
	done := make(chan error)
	go func() { done <- s.emu.Run(context.Background()) }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		if st := s.h.Status(); st.Games > 0 && !st.InGame {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, status: %+v", s.h.Status())
		}
		time.Sleep(time.Millisecond)
	}
	s.emu.Stop()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, s.h.Status()); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	// The baseline snapshot was taken through the emulator.
	if info := s.st.Info(); !info.InPlayback {
		t.Errorf("playback info = %+v, want in playback", info)
	}
}
