// Package netplay implements the peer to peer transport of online games:
// connection setup between 2 to 4 players, exchange of controller inputs and
// match selections, and the latency estimation used to keep players in sync.
package netplay

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"rollnet/emu/log"
)

// Status is the state of the connection with remote players.
type Status int32

const (
	StatusUnset Status = iota
	StatusInitiated
	StatusConnected
	StatusFailed
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusUnset:
		return "unset"
	case StatusInitiated:
		return "initiated"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	case StatusDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

type Config struct {
	// LocalPlayerIdx is the port of the local player.
	LocalPlayerIdx uint8
	// Remotes are the addresses of the remote players, ordered by port, the
	// local port being skipped.
	Remotes []string

	ConnectTimeout    time.Duration
	PollTimeout       time.Duration
	ResendInterval    time.Duration
	DisconnectTimeout time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 250 * time.Millisecond
	}
	if cfg.ResendInterval == 0 {
		cfg.ResendInterval = 100 * time.Millisecond
	}
	if cfg.DisconnectTimeout == 0 {
		cfg.DisconnectTimeout = 7 * time.Second
	}
}

// A link is one established connection with a peer. Both sides may
// establish one, leading to a duplicate link.
type linkID struct {
	addr      string
	initiator uint8
}

type peer struct {
	idx uint8

	// Guarded by Client.connMu.
	addr     net.Addr
	links    []linkID
	lastRecv time.Time
	selected bool

	// Guarded by Client.remoteMu.
	pads          []Pad // oldest first
	head          int32 // most recent frame received
	offsets       offsetRing
	ping          time.Duration
	checksumFrame int32
	checksum      uint32
	selections    PlayerSelections
	chat          uint16
	hasChat       bool

	// Guarded by Client.padMu.
	lastAcked int32

	// Guarded by Client.ackMu.
	timers ackTimers
}

type outMsg struct {
	addr net.Addr
	data []byte
}

// Client is the transport of an online game. A single goroutine polls the
// socket; the emulation loop pushes inputs through SendPad and reads the
// remote ones with RemotePads.
type Client struct {
	cfg   Config
	conn  net.PacketConn
	peers []*peer
	now   func() time.Time

	status    atomic.Int32
	connMu    sync.Mutex
	failed    []uint8
	startedAt time.Time

	padMu      sync.Mutex
	localPads  []Pad // oldest first
	lastTiming frameTiming
	inGame     atomic.Bool

	remoteMu sync.Mutex
	localSel PlayerSelections

	ackMu sync.Mutex

	outbox  chan outMsg
	started atomic.Bool
	closing atomic.Bool
	done    chan struct{}

	// only accessed by the transport goroutine.
	lastResend time.Time
}

// Listen opens an UDP socket on port and returns a client using it.
func Listen(cfg Config, port int) (*Client, error) {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("netplay: listen: %w", err)
	}
	c, err := New(cfg, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New returns a client sending and receiving datagrams through conn. Call
// Start to begin connecting to the remote players.
func New(cfg Config, conn net.PacketConn) (*Client, error) {
	cfg.setDefaults()
	if len(cfg.Remotes) == 0 || len(cfg.Remotes) > 3 {
		return nil, fmt.Errorf("netplay: %d remote players, want 1 to 3", len(cfg.Remotes))
	}
	if int(cfg.LocalPlayerIdx) > len(cfg.Remotes) {
		return nil, fmt.Errorf("netplay: local port %d out of range", cfg.LocalPlayerIdx)
	}

	c := &Client{
		cfg:      cfg,
		conn:     conn,
		now:      time.Now,
		outbox:   make(chan outMsg, 256),
		done:     make(chan struct{}),
		localSel: PlayerSelections{PlayerIdx: cfg.LocalPlayerIdx},
	}

	idx := uint8(0)
	for _, remote := range cfg.Remotes {
		if idx == cfg.LocalPlayerIdx {
			idx++
		}
		addr, err := net.ResolveUDPAddr("udp", remote)
		if err != nil {
			return nil, fmt.Errorf("netplay: remote %q: %w", remote, err)
		}
		c.peers = append(c.peers, &peer{
			idx:        idx,
			addr:       addr,
			selections: PlayerSelections{PlayerIdx: idx},
		})
		idx++
	}
	return c, nil
}

// Start launches the transport goroutine and starts connecting.
func (c *Client) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.connMu.Lock()
	c.startedAt = c.now()
	c.connMu.Unlock()
	c.status.Store(int32(StatusInitiated))

	log.ModNetplay.InfoZ("connecting").Stringer("local", c.conn.LocalAddr()).Int("remotes", len(c.peers)).End()
	go c.run()
}

// Close disconnects from all remote players and releases the socket.
func (c *Client) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	c.connMu.Lock()
	for _, p := range c.peers {
		if len(p.links) > 0 {
			c.writeTo(p.addr, []byte{byte(MsgDisconnect), c.cfg.LocalPlayerIdx})
		}
	}
	c.connMu.Unlock()

	if c.started.Load() {
		c.conn.SetReadDeadline(time.Now())
		select {
		case <-c.done:
		case <-time.After(time.Second):
			log.ModNetplay.WarnZ("transport goroutine didn't stop in time").End()
		}
	}
	return c.conn.Close()
}

func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *Client) Status() Status { return Status(c.status.Load()) }

// FailedPeers returns the ports of the players that couldn't be reached
// before the connection timeout.
func (c *Client) FailedPeers() []uint8 {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return slices.Clone(c.failed)
}

// RemotePlayerCount returns the number of remote players.
func (c *Client) RemotePlayerCount() int { return len(c.peers) }

// RemotePlayerIdx returns the port of the i-th remote player.
func (c *Client) RemotePlayerIdx(i int) uint8 { return c.peers[i].idx }

// IsConnectionSelected reports whether every remote player confirmed it
// settled on a link with us.
func (c *Client) IsConnectionSelected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	for _, p := range c.peers {
		if !p.selected {
			return false
		}
	}
	return true
}

// Ping returns the last round trip time measured with the i-th remote player.
func (c *Client) Ping(i int) time.Duration {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	return c.peers[i].ping
}

func (c *Client) run() {
	defer close(c.done)

	buf := make([]byte, 64*1024)
	for !c.closing.Load() {
		c.flush()
		c.tick(c.now())

		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PollTimeout))
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if c.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.ModNetplay.WarnZ("read failed").Error("err", err).End()
			continue
		}
		c.handlePacket(addr, buf[:n], c.now())
	}
}

// send queues msg for p and wakes the transport goroutine up.
func (c *Client) send(p *peer, msg []byte) {
	c.connMu.Lock()
	addr := p.addr
	c.connMu.Unlock()

	select {
	case c.outbox <- outMsg{addr: addr, data: msg}:
	default:
		log.ModNetplay.WarnZ("outbox full, message dropped").Stringer("msg", MessageID(msg[0])).End()
	}
	c.conn.SetReadDeadline(time.Now())
}

func (c *Client) canSend() bool {
	st := c.Status()
	return st != StatusFailed && st != StatusDisconnected
}

func (c *Client) flush() {
	for {
		select {
		case m := <-c.outbox:
			if c.canSend() {
				c.writeTo(m.addr, m.data)
			}
		default:
			return
		}
	}
}

func (c *Client) writeTo(addr net.Addr, msg []byte) {
	if _, err := c.conn.WriteTo(msg, addr); err != nil && !c.closing.Load() {
		log.ModNetplay.WarnZ("write failed").Stringer("msg", MessageID(msg[0])).Error("err", err).End()
	}
}

// tick runs the periodic connection tasks.
func (c *Client) tick(now time.Time) {
	if now.Sub(c.lastResend) < c.cfg.ResendInterval {
		return
	}
	c.lastResend = now

	switch c.Status() {
	case StatusInitiated:
		c.connMu.Lock()
		defer c.connMu.Unlock()

		if now.Sub(c.startedAt) > c.cfg.ConnectTimeout {
			c.failed = c.failed[:0]
			for _, p := range c.peers {
				if len(p.links) == 0 {
					c.failed = append(c.failed, p.idx)
				}
			}
			c.status.Store(int32(StatusFailed))
			log.ModNetplay.WarnZ("connection timed out").Int("failed", len(c.failed)).End()
			return
		}
		for _, p := range c.peers {
			if len(p.links) == 0 {
				c.writeTo(p.addr, []byte{byte(MsgConnect), c.cfg.LocalPlayerIdx})
			}
		}

	case StatusConnected:
		c.connMu.Lock()
		var lost []*peer
		for _, p := range c.peers {
			if now.Sub(p.lastRecv) > c.cfg.DisconnectTimeout {
				lost = append(lost, p)
				continue
			}
			if len(p.links) == 0 {
				c.writeTo(p.addr, []byte{byte(MsgConnect), c.cfg.LocalPlayerIdx})
				continue
			}
			c.writeTo(p.addr, []byte{byte(MsgKeepalive), c.cfg.LocalPlayerIdx})
			if !c.inGame.Load() {
				c.writeTo(p.addr, []byte{byte(MsgConnSelected), c.cfg.LocalPlayerIdx})
			}
		}
		for _, p := range lost {
			log.ModNetplay.WarnZ("remote player timed out").Int("port", int(p.idx)).End()
			p.links = nil
			c.peerLost(p)
		}
		c.connMu.Unlock()

		if !c.inGame.Load() {
			c.remoteMu.Lock()
			sel := c.localSel
			c.remoteMu.Unlock()
			if sel.IsCharacterSelected || sel.IsStageSelected {
				msg := encodeSelections(sel)
				for _, p := range c.peers {
					c.send(p, msg)
				}
			}
		}
	}
}

func (c *Client) peerByIdx(idx uint8) *peer {
	for _, p := range c.peers {
		if p.idx == idx {
			return p
		}
	}
	return nil
}

// peerByAddr returns the peer with an established link from addr.
func (c *Client) peerByAddr(addr net.Addr) *peer {
	key := addr.String()
	for _, p := range c.peers {
		for _, l := range p.links {
			if l.addr == key {
				return p
			}
		}
	}
	return nil
}

// addLink adds a link with p, reporting whether the link is in use. It must
// be called with connMu held.
func (c *Client) addLink(p *peer, id linkID, addr net.Addr, now time.Time) bool {
	p.lastRecv = now
	if slices.Contains(p.links, id) {
		return true
	}

	if len(p.links) > 0 && c.cfg.LocalPlayerIdx < p.idx {
		// Keep using the current link, the remote drops the new one.
		log.ModNetplay.DebugZ("closing duplicate link").Int("port", int(p.idx)).Int("initiator", int(id.initiator)).End()
		c.writeTo(addr, []byte{byte(MsgCloseLink), id.initiator})
		return false
	}

	p.addr = addr
	p.links = append(p.links, id)
	log.ModNetplay.InfoZ("link established").Int("port", int(p.idx)).Stringer("addr", addr).Int("links", len(p.links)).End()

	if c.Status() != StatusInitiated {
		return true
	}
	for _, p := range c.peers {
		if len(p.links) == 0 {
			return true
		}
	}
	if c.status.CompareAndSwap(int32(StatusInitiated), int32(StatusConnected)) {
		log.ModNetplay.InfoZ("connected to all remote players").End()
	}
	return true
}

// removeLink drops a duplicate link closed by the remote. The link the
// remote kept may not be acknowledged yet, in which case the connection is
// requested again on the next tick. It must be called with connMu held.
func (c *Client) removeLink(p *peer, id linkID) {
	i := slices.Index(p.links, id)
	if i < 0 {
		return
	}
	p.links = slices.Delete(p.links, i, i+1)
}

// peerLost must be called with connMu held.
func (c *Client) peerLost(p *peer) {
	if c.status.CompareAndSwap(int32(StatusConnected), int32(StatusDisconnected)) {
		log.ModNetplay.WarnZ("remote player disconnected").Int("port", int(p.idx)).End()
	}
}

func (c *Client) handlePacket(addr net.Addr, b []byte, now time.Time) {
	if len(b) == 0 {
		return
	}
	id := MessageID(b[0])

	c.connMu.Lock()
	switch id {
	case MsgConnect, MsgConnectAck:
		if len(b) < 2 || (id == MsgConnectAck && len(b) < 3) {
			c.connMu.Unlock()
			return
		}
		p := c.peerByIdx(b[1])
		st := c.Status()
		if p == nil || st == StatusFailed || st == StatusDisconnected {
			c.connMu.Unlock()
			log.ModNetplay.DebugZ("ignoring connection request").Stringer("addr", addr).Int("port", int(b[1])).End()
			return
		}
		if id == MsgConnect {
			if c.addLink(p, linkID{addr: addr.String(), initiator: b[1]}, addr, now) {
				c.writeTo(addr, []byte{byte(MsgConnectAck), c.cfg.LocalPlayerIdx, b[1]})
			}
		} else {
			c.addLink(p, linkID{addr: addr.String(), initiator: b[2]}, addr, now)
		}
		c.connMu.Unlock()
		return

	case MsgCloseLink:
		if p := c.peerByAddr(addr); p != nil && len(b) >= 2 {
			c.removeLink(p, linkID{addr: addr.String(), initiator: b[1]})
		}
		c.connMu.Unlock()
		return

	case MsgDisconnect:
		if p := c.peerByAddr(addr); p != nil {
			p.links = nil
			c.peerLost(p)
		}
		c.connMu.Unlock()
		return
	}

	p := c.peerByAddr(addr)
	if p == nil {
		c.connMu.Unlock()
		log.ModNetplay.DebugZ("message from unknown address").Stringer("addr", addr).Stringer("msg", id).End()
		return
	}
	p.lastRecv = now
	if id == MsgConnSelected {
		p.selected = true
	}
	c.connMu.Unlock()

	var err error
	switch id {
	case MsgPad:
		err = c.handlePad(p, addr, b, now)
	case MsgPadAck:
		err = c.handlePadAck(p, b, now)
	case MsgMatchSelections:
		var s PlayerSelections
		if s, err = decodeSelections(b); err == nil {
			c.remoteMu.Lock()
			p.selections.Merge(s)
			c.remoteMu.Unlock()
		}
	case MsgChatMessage:
		var msgID uint16
		if msgID, _, err = decodeChat(b); err == nil {
			c.remoteMu.Lock()
			p.chat, p.hasChat = msgID, true
			c.remoteMu.Unlock()
		}
	}
	if err != nil {
		log.ModNetplay.WarnZ("bad message").Stringer("msg", id).Int("port", int(p.idx)).Error("err", err).End()
	}
}

func (c *Client) handlePad(p *peer, addr net.Addr, b []byte, now time.Time) error {
	if !c.inGame.Load() {
		return nil
	}
	m, err := decodePad(b)
	if err != nil {
		return err
	}
	if m.count() == 0 {
		return nil
	}

	c.remoteMu.Lock()
	need := m.frame - p.head
	if int(need) > m.count() {
		head := p.head
		c.remoteMu.Unlock()
		return fmt.Errorf("input gap: have frame %d, message starts at frame %d", head, m.frame-int32(m.count())+1)
	}
	for i := int(need) - 1; i >= 0; i-- {
		p.pads = append(p.pads, m.pad(i))
	}
	if need > 0 {
		p.head = m.frame
		p.checksumFrame, p.checksum = m.checksumFrame, m.checksum
	}
	ping := p.ping
	c.remoteMu.Unlock()

	if need > 0 {
		c.padMu.Lock()
		last := c.lastTiming
		c.padMu.Unlock()

		if !last.time.IsZero() {
			off := timeOffsetUs(now, m.frame, ping, last)
			c.remoteMu.Lock()
			p.offsets.push(off)
			c.remoteMu.Unlock()
		}
	}

	c.writeTo(addr, encodeFrameMsg(MsgPadAck, m.frame, c.cfg.LocalPlayerIdx))
	return nil
}

func (c *Client) handlePadAck(p *peer, b []byte, now time.Time) error {
	frame, _, err := decodeFrameMsg(b)
	if err != nil {
		return err
	}

	c.padMu.Lock()
	p.lastAcked = max(p.lastAcked, frame)
	minAck := p.lastAcked
	for _, other := range c.peers {
		minAck = min(minAck, other.lastAcked)
	}
	i := 0
	for i < len(c.localPads) && c.localPads[i].Frame < minAck {
		i++
	}
	c.localPads = c.localPads[i:]
	c.padMu.Unlock()

	c.ackMu.Lock()
	rtt, ok := p.timers.ack(frame, now)
	c.ackMu.Unlock()

	if ok {
		c.remoteMu.Lock()
		p.ping = rtt
		c.remoteMu.Unlock()
	}
	return nil
}
