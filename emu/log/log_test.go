package log

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"gopkg.in/Sirupsen/logrus.v0"
)

type frameContext struct{ frame int }

func (c *frameContext) AddLogContext(z *EntryZ) { z.Int("frame", c.frame) }

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logrus.SetOutput(&buf)
	logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	t.Cleanup(func() { logrus.SetOutput(os.Stderr) })
	return &buf
}

func TestModules(t *testing.T) {
	mod := NewModule("logtest")
	got, ok := ModuleByName("logtest")
	if !ok || got != mod {
		t.Fatalf("ModuleByName(logtest) = %v, %t, want %v", got, ok, mod)
	}
	if _, ok := ModuleByName("nope"); ok {
		t.Errorf("found unregistered module")
	}
	if mod.String() != "logtest" {
		t.Errorf("String() = %q", mod.String())
	}

	if mod.Enabled(DebugLevel) {
		t.Errorf("debug enabled by default")
	}
	if !mod.Enabled(WarnLevel) {
		t.Errorf("warnings disabled")
	}
	EnableDebugModules(mod.Mask())
	defer DisableDebugModules(mod.Mask())
	if !mod.Enabled(DebugLevel) {
		t.Errorf("debug not enabled")
	}
	if ModNetplay.Enabled(DebugLevel) {
		t.Errorf("debug enabled for another module")
	}
}

func TestEntryZ(t *testing.T) {
	buf := captureOutput(t)
	mod := NewModule("entrytest")

	mod.InfoZ("hidden").Int("n", 1).End()
	if buf.Len() != 0 {
		t.Fatalf("disabled module logged %q", buf.String())
	}

	remove := AddContext(&frameContext{frame: 12})
	defer remove()

	mod.WarnZ("stall").Int32("latest", -3).Hex8("cmd", 0x76).Bool("ok", true).End()
	out := buf.String()
	for _, want := range []string{"msg=stall", "_mod=entrytest", "latest=-3", "cmd=76", "ok=true", "frame=12"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q lacks %q", out, want)
		}
	}

	remove()
	buf.Reset()
	mod.WarnZ("again").End()
	if strings.Contains(buf.String(), "frame=") {
		t.Errorf("removed context still logged: %q", buf.String())
	}
}

type portName uint8

func (p portName) String() string { return "P" + string('1'+rune(p)) }

func TestFieldValues(t *testing.T) {
	tests := []struct {
		f    ZField
		want string
	}{
		{ZField{Type: FieldTypeBool, Bool: true}, "true"},
		{ZField{Type: FieldTypeString, Str: "ABC#123"}, "ABC#123"},
		{ZField{Type: FieldTypeStringer, Stringer: portName(2)}, "P3"},
		{ZField{Type: FieldTypeStringer}, "<nil>"},
		{ZField{Type: FieldTypeInt, Int: -123}, "-123"},
		{ZField{Type: FieldTypeUint, Uint: 1 << 40}, "1099511627776"},
		{ZField{Type: FieldTypeHex8, Uint: 0x76}, "76"},
		{ZField{Type: FieldTypeHex32, Uint: 0xc0ffee}, "00c0ffee"},
		{ZField{Type: FieldTypeError, Err: errors.New("boom")}, "boom"},
		{ZField{Type: FieldTypeError}, "<nil>"},
		{ZField{Type: FieldTypeDuration, Duration: 1500 * time.Millisecond}, "1.5s"},
		{ZField{}, ""},
	}
	for _, tt := range tests {
		if got := tt.f.Value(); got != tt.want {
			t.Errorf("Value(%+v) = %q, want %q", tt.f, got, tt.want)
		}
	}

	// Negative values survive the chained setters.
	z := NewEntryZ().Int32("frame", -123).Int64("offset", -5)
	if got := z.zfbuf[0].Value(); got != "-123" {
		t.Errorf("Int32 field = %q, want -123", got)
	}
	if got := z.zfbuf[1].Value(); got != "-5" {
		t.Errorf("Int64 field = %q, want -5", got)
	}
}
