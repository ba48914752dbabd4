package playback

import (
	"bytes"
	"math/rand/v2"
	"testing"
)

func TestDeltaRoundTrip(t *testing.T) {
	codec, err := newDeltaCodec()
	if err != nil {
		t.Fatal(err)
	}
	defer codec.close()

	rng := rand.New(rand.NewPCG(1, 2))
	base := make([]byte, 64*1024)
	for i := range base {
		base[i] = byte(rng.Uint32())
	}

	mutate := func(n int, changes int) []byte {
		b := make([]byte, n)
		copy(b, base)
		for range changes {
			b[rng.IntN(n)] ^= 0xFF
		}
		return b
	}

	tests := []struct {
		name   string
		target []byte
	}{
		{"identical", bytes.Clone(base)},
		{"few changes", mutate(len(base), 10)},
		{"many changes", mutate(len(base), 10000)},
		{"shorter", mutate(len(base)/2, 100)},
		{"longer", append(mutate(len(base), 100), 1, 2, 3, 4, 5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta := codec.encode(base, tt.target)
			for range 2 {
				got, err := codec.decode(base, delta)
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(got, tt.target) {
					t.Fatalf("decoded state differs from the target (%d vs %d bytes)", len(got), len(tt.target))
				}
			}
		})
	}

	if d := codec.encode(base, bytes.Clone(base)); len(d) > 1024 {
		t.Errorf("delta of an identical state is %d bytes", len(d))
	}
}

func TestDeltaCorrupted(t *testing.T) {
	codec, err := newDeltaCodec()
	if err != nil {
		t.Fatal(err)
	}
	defer codec.close()

	base := bytes.Repeat([]byte{0xAB}, 1000)
	delta := codec.encode(base, bytes.Repeat([]byte{0xCD}, 1000))

	if _, err := codec.decode(base, delta[:3]); err == nil {
		t.Errorf("decoded a 3 bytes delta")
	}

	wrongLen := bytes.Clone(delta)
	wrongLen[3]++
	if _, err := codec.decode(base, wrongLen); err == nil {
		t.Errorf("decoded a delta with a wrong length")
	}

	if _, err := codec.decode(base, delta[:len(delta)-2]); err == nil {
		t.Errorf("decoded a truncated delta")
	}
}
