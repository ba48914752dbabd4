package spectate

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gorilla/websocket"
)

// Message is a message received from a spectator server.
type Message struct {
	Kind       uint8
	GameNumber uint32 // MsgGameStart only
	Events     []byte // MsgEvents only
}

// Client receives the games broadcast by a spectator server.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the spectator server at url, such as
// "ws://host:port/spectate".
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("spectate: dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Next blocks until the next message is received.
func (c *Client) Next() (Message, error) {
	for {
		typ, b, err := c.conn.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		if typ != websocket.BinaryMessage || len(b) == 0 {
			continue
		}

		msg := Message{Kind: b[0]}
		switch msg.Kind {
		case MsgGameStart:
			if len(b) < 5 {
				return Message{}, fmt.Errorf("spectate: short game start message (%d bytes)", len(b))
			}
			msg.GameNumber = binary.BigEndian.Uint32(b[1:])
		case MsgEvents:
			msg.Events = b[1:]
		case MsgGameEnd:
		default:
			modSpectate.DebugZ("unknown message").Hex8("kind", msg.Kind).End()
			continue
		}
		return msg, nil
	}
}

func (c *Client) Close() error {
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
