package netplay

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// newFourPlayers returns an unstarted client on port 1 of a four player game.
// Its peers are the players on ports 0, 2 and 3.
func newFourPlayers(t *testing.T) *Client {
	t.Helper()
	conn := listenLocal(t)
	t.Cleanup(func() { conn.Close() })
	c, err := New(Config{
		LocalPlayerIdx: 1,
		Remotes:        []string{"127.0.0.1:7001", "127.0.0.1:7002", "127.0.0.1:7003"},
	}, conn)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestLocalPadsKeptUntilAllAcked(t *testing.T) {
	c := newFourPlayers(t)
	c.StartGame(0)
	c.padMu.Lock()
	for f := range int32(20) {
		c.localPads = append(c.localPads, Pad{Frame: f})
	}
	c.padMu.Unlock()

	tests := []struct {
		peer       int
		ack        int32
		wantOldest int32
		wantCount  int
	}{
		{peer: 0, ack: 19, wantOldest: 0, wantCount: 20},
		{peer: 1, ack: 10, wantOldest: 0, wantCount: 20},
		{peer: 2, ack: 12, wantOldest: 10, wantCount: 10},
		// Stale ack.
		{peer: 1, ack: 5, wantOldest: 10, wantCount: 10},
		{peer: 1, ack: 15, wantOldest: 12, wantCount: 8},
		// Duplicate ack.
		{peer: 2, ack: 12, wantOldest: 12, wantCount: 8},
		{peer: 2, ack: 19, wantOldest: 15, wantCount: 5},
	}
	now := time.Unix(0, 0)
	for i, tt := range tests {
		p := c.peers[tt.peer]
		if err := c.handlePadAck(p, encodeFrameMsg(MsgPadAck, tt.ack, p.idx), now); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}

		minAck := c.peers[0].lastAcked
		for _, p := range c.peers {
			minAck = min(minAck, p.lastAcked)
		}
		oldest, ok := c.OldestLocalPad()
		if !ok {
			t.Fatalf("step %d: no local pad left", i)
		}
		if oldest < minAck {
			t.Errorf("step %d: oldest pad %d < lowest ack %d", i, oldest, minAck)
		}
		if oldest != tt.wantOldest || c.LocalPadCount() != tt.wantCount {
			t.Errorf("step %d: oldest, count = %d, %d, want %d, %d", i, oldest, c.LocalPadCount(), tt.wantOldest, tt.wantCount)
		}
	}
}

func TestCalcTimeOffsetAcrossPeers(t *testing.T) {
	tests := []struct {
		name    string
		samples [3][]int64
		want    int64
	}{
		{name: "no samples", want: 0},
		{
			name:    "too few samples",
			samples: [3][]int64{{9000, 9000}, {-4000}},
			want:    0,
		},
		{
			name:    "peer without enough samples left out",
			samples: [3][]int64{{9000, 9000}, {-4000, -4000, -4000}},
			want:    -4000,
		},
		{
			name:    "furthest behind",
			samples: [3][]int64{{1000, 1000, 1000}, {-4000, -4000, -4000}, {6000, 6000, 6000}},
			want:    6000,
		},
		{
			name:    "all behind",
			samples: [3][]int64{{-1000, -1000, -1000}, {-4000, -4000, -4000}, {-2000, -2000, -2000}},
			want:    -1000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFourPlayers(t)
			for i, samples := range tt.samples {
				for _, s := range samples {
					c.peers[i].offsets.push(s)
				}
			}
			if got := c.CalcTimeOffsetUs(); got != tt.want {
				t.Errorf("CalcTimeOffsetUs() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDropOldRemoteInputsAcrossPeers(t *testing.T) {
	c := newFourPlayers(t)
	c.StartGame(0)

	heads := []int32{20, 15, 18}
	c.remoteMu.Lock()
	for i, p := range c.peers {
		for f := int32(0); f <= heads[i]; f++ {
			p.pads = append(p.pads, Pad{Frame: f})
		}
		p.head = heads[i]
	}
	c.remoteMu.Unlock()

	oldest := func() []int32 {
		c.remoteMu.Lock()
		defer c.remoteMu.Unlock()
		var out []int32
		for _, p := range c.peers {
			out = append(out, p.pads[0].Frame)
		}
		return out
	}

	c.DropOldRemoteInputs(8)
	if diff := cmp.Diff([]int32{8, 8, 8}, oldest()); diff != "" {
		t.Errorf("oldest remote pads after drop(8) mismatch (-want +got):\n%s", diff)
	}

	// The slowest peer sets the low-water mark for everyone.
	c.DropOldRemoteInputs(17)
	if diff := cmp.Diff([]int32{15, 15, 15}, oldest()); diff != "" {
		t.Errorf("oldest remote pads after drop(17) mismatch (-want +got):\n%s", diff)
	}

	// Going backward drops nothing.
	c.DropOldRemoteInputs(3)
	if diff := cmp.Diff([]int32{15, 15, 15}, oldest()); diff != "" {
		t.Errorf("oldest remote pads after drop(3) mismatch (-want +got):\n%s", diff)
	}

	rp := c.RemotePads(1, 5)
	if len(rp.Pads) != 1 || rp.Pads[0].Frame != 15 || rp.LatestFrame != 15 {
		t.Errorf("RemotePads(1) = %+v, want only frame 15", rp)
	}
}
