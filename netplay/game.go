package netplay

import (
	"math"

	"rollnet/emu/log"
)

// StartGame resets the input queues for a game whose first frame is
// firstFrame. Inputs must then be sent for every frame, in order.
func (c *Client) StartGame(firstFrame int32) {
	c.padMu.Lock()
	c.localPads = c.localPads[:0]
	c.lastTiming = frameTiming{}
	for _, p := range c.peers {
		p.lastAcked = firstFrame - 1
	}
	c.padMu.Unlock()

	c.remoteMu.Lock()
	for _, p := range c.peers {
		p.pads = p.pads[:0]
		p.head = firstFrame - 1
		p.offsets.reset()
		p.hasChat = false
	}
	c.remoteMu.Unlock()

	c.ackMu.Lock()
	for _, p := range c.peers {
		p.timers.reset()
	}
	c.ackMu.Unlock()

	c.inGame.Store(true)
	log.ModNetplay.InfoZ("game started").Int32("first_frame", firstFrame).End()
}

// EndGame stops the exchange of inputs.
func (c *Client) EndGame() {
	c.inGame.Store(false)

	c.remoteMu.Lock()
	c.localSel.Reset()
	for _, p := range c.peers {
		p.selections.Reset()
	}
	c.remoteMu.Unlock()
}

// SendPad sends the local input for the frame following the last one sent.
// All local inputs not yet acknowledged by every remote player are sent
// along.
func (c *Client) SendPad(pad Pad) {
	if !c.inGame.Load() || !c.canSend() {
		return
	}
	now := c.now()

	c.padMu.Lock()
	if n := len(c.localPads); n > 0 && c.localPads[n-1].Frame+1 != pad.Frame {
		c.padMu.Unlock()
		log.ModNetplay.ErrorZ("non consecutive local input").Int32("frame", pad.Frame).End()
		return
	}
	c.localPads = append(c.localPads, pad)
	c.lastTiming = frameTiming{frame: pad.Frame, time: now}
	msg := encodePad(nil, c.cfg.LocalPlayerIdx, c.localPads)
	c.padMu.Unlock()

	c.ackMu.Lock()
	for _, p := range c.peers {
		p.timers.push(pad.Frame, now)
	}
	c.ackMu.Unlock()

	for _, p := range c.peers {
		c.send(p, msg)
	}
}

// LocalPadCount returns the number of local inputs waiting for an
// acknowledgement.
func (c *Client) LocalPadCount() int {
	c.padMu.Lock()
	defer c.padMu.Unlock()
	return len(c.localPads)
}

// OldestLocalPad returns the frame of the oldest local input waiting for an
// acknowledgement, and false if there's none.
func (c *Client) OldestLocalPad() (int32, bool) {
	c.padMu.Lock()
	defer c.padMu.Unlock()
	if len(c.localPads) == 0 {
		return 0, false
	}
	return c.localPads[0].Frame, true
}

// RemotePads returns up to count inputs received from the i-th remote
// player, newest first. The oldest inputs are returned so that none the
// game may still need is left out.
func (c *Client) RemotePads(i, count int) RemotePads {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()

	p := c.peers[i]
	out := RemotePads{PlayerIdx: p.idx, LatestFrame: p.head}
	n := min(len(p.pads), count)
	out.Pads = make([]Pad, 0, n)
	for j := n - 1; j >= 0; j-- {
		out.Pads = append(out.Pads, p.pads[j])
	}
	return out
}

// LatestRemoteFrame returns the most recent frame for which the inputs of
// all remote players are known.
func (c *Client) LatestRemoteFrame() int32 {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()

	latest := int32(math.MaxInt32)
	for _, p := range c.peers {
		latest = min(latest, p.head)
	}
	return latest
}

// DropOldRemoteInputs discards the remote inputs older than both frame and
// the most recent frame received from every remote player. The most recent
// input of each player is always kept.
func (c *Client) DropOldRemoteInputs(frame int32) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()

	lowest := frame
	for _, p := range c.peers {
		lowest = min(lowest, p.head)
	}
	for _, p := range c.peers {
		i := 0
		for len(p.pads)-i > 1 && p.pads[i].Frame < lowest {
			i++
		}
		p.pads = p.pads[i:]
	}
}

// CalcTimeOffsetUs returns by how many microseconds the local game is ahead
// of the furthest behind remote player. Players with too few samples are
// left out, and it returns 0 when none has enough.
func (c *Client) CalcTimeOffsetUs() int64 {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()

	var (
		offset int64
		found  bool
	)
	for _, p := range c.peers {
		if !p.offsets.ready() {
			continue
		}
		if avg := p.offsets.average(); !found || avg > offset {
			offset, found = avg, true
		}
	}
	return offset
}

// RemoteChecksum returns the last game state checksum reported by the i-th
// remote player and the frame it was computed on.
func (c *Client) RemoteChecksum(i int) (frame int32, checksum uint32) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	return c.peers[i].checksumFrame, c.peers[i].checksum
}

// SetMatchSelections merges s into the local selections and sends them to
// the remote players.
func (c *Client) SetMatchSelections(s PlayerSelections) {
	c.remoteMu.Lock()
	c.localSel.Merge(s)
	c.localSel.PlayerIdx = c.cfg.LocalPlayerIdx
	msg := encodeSelections(c.localSel)
	c.remoteMu.Unlock()

	for _, p := range c.peers {
		c.send(p, msg)
	}
}

// MatchSelections returns the local selections followed by those of every
// remote player.
func (c *Client) MatchSelections() (local PlayerSelections, remotes []PlayerSelections) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()

	for _, p := range c.peers {
		remotes = append(remotes, p.selections)
	}
	return c.localSel, remotes
}

// SendChat sends a predefined chat message to all remote players.
func (c *Client) SendChat(msgID uint16) {
	msg := encodeChat(msgID, c.cfg.LocalPlayerIdx)
	for _, p := range c.peers {
		c.send(p, msg)
	}
}

// TakeRemoteChat returns and clears the pending chat message of a remote
// player, if any.
func (c *Client) TakeRemoteChat() (port uint8, msgID uint16, ok bool) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()

	for _, p := range c.peers {
		if p.hasChat {
			p.hasChat = false
			return p.idx, p.chat, true
		}
	}
	return 0, 0, false
}
