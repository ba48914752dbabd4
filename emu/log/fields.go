package log

import (
	"fmt"
	"strconv"
	"time"
)

type FieldType uint8

const (
	FieldTypeBool FieldType = iota + 1
	FieldTypeString
	FieldTypeStringer
	FieldTypeInt
	FieldTypeUint
	FieldTypeHex8  // command bytes
	FieldTypeHex32 // seeds and checksums
	FieldTypeError
	FieldTypeDuration
)

// ZField is a single key/value of an EntryZ. Type tells which of the value
// fields is set. Integers of every width share Int, or Uint for the unsigned
// and hexadecimal ones.
type ZField struct {
	Type FieldType
	Key  string

	Str      string
	Stringer fmt.Stringer
	Int      int64
	Uint     uint64
	Bool     bool
	Err      error
	Duration time.Duration
}

// Value formats the field for the text and json formatters.
func (f *ZField) Value() string {
	switch f.Type {
	case FieldTypeBool:
		return strconv.FormatBool(f.Bool)
	case FieldTypeString:
		return f.Str
	case FieldTypeStringer:
		if f.Stringer == nil {
			return "<nil>"
		}
		return f.Stringer.String()
	case FieldTypeInt:
		return strconv.FormatInt(f.Int, 10)
	case FieldTypeUint:
		return strconv.FormatUint(f.Uint, 10)
	case FieldTypeHex8:
		return fmt.Sprintf("%02x", uint8(f.Uint))
	case FieldTypeHex32:
		return fmt.Sprintf("%08x", uint32(f.Uint))
	case FieldTypeError:
		if f.Err == nil {
			return "<nil>"
		}
		return f.Err.Error()
	case FieldTypeDuration:
		return f.Duration.String()
	}
	return ""
}
