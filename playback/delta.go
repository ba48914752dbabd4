package playback

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// deltaCodec encodes emulator states as compressed differences against a
// baseline state. A delta is the length of the target state as a big-endian
// uint32 followed by the zstd frame of target XOR baseline. Bytes of the
// target past the end of the baseline are XOR'ed against zero.
//
// The zstd encoder and decoder are used through EncodeAll/DecodeAll and are
// safe for concurrent use by the delta workers.
type deltaCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newDeltaCodec() (*deltaCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("delta encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("delta decoder: %w", err)
	}
	return &deltaCodec{enc: enc, dec: dec}, nil
}

func (c *deltaCodec) encode(base, target []byte) []byte {
	x := make([]byte, len(target))
	xorInto(x, target, base)

	out := make([]byte, 4, 4+len(target)/4)
	binary.BigEndian.PutUint32(out, uint32(len(target)))
	return c.enc.EncodeAll(x, out)
}

func (c *deltaCodec) decode(base, delta []byte) ([]byte, error) {
	if len(delta) < 4 {
		return nil, fmt.Errorf("delta of %d bytes", len(delta))
	}
	n := binary.BigEndian.Uint32(delta)
	x, err := c.dec.DecodeAll(delta[4:], make([]byte, 0, n))
	if err != nil {
		return nil, fmt.Errorf("delta: %w", err)
	}
	if uint32(len(x)) != n {
		return nil, fmt.Errorf("delta: decoded %d bytes, want %d", len(x), n)
	}
	xorInto(x, x, base)
	return x, nil
}

func (c *deltaCodec) close() {
	c.enc.Close()
	c.dec.Close()
}

// xorInto sets dst[i] = a[i] ^ b[i], b being zero extended.
func xorInto(dst, a, b []byte) {
	n := min(len(a), len(b))
	for i := range n {
		dst[i] = a[i] ^ b[i]
	}
	copy(dst[n:], a[n:])
}
