// Package spectate broadcasts the event stream of the game being played to
// spectators connected over websocket.
//
// Every websocket message is binary and starts with its kind:
//
//	0x01 game start   gameNumber:u32
//	0x02 events       raw replay events, as recorded
//	0x03 game end
//
// A spectator joining during a game first receives the game start and all
// the events of the game so far, in a single events message.
package spectate

import (
	"encoding/binary"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rollnet/emu/log"
)

var modSpectate = log.NewModule("spectate")

// Message kinds.
const (
	MsgGameStart uint8 = 0x01
	MsgEvents    uint8 = 0x02
	MsgGameEnd   uint8 = 0x03
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 512

	Path = "/spectate"
)

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// writeLoop sends queued messages until the queue is closed or a write
// fails.
func (s *subscriber) writeLoop() {
	defer s.conn.Close()
	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			modSpectate.DebugZ("spectator write failed").Error("err", err).End()
			return
		}
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Server is the spectator broadcast server.
type Server struct {
	ln  net.Listener
	srv *http.Server

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	inGame bool
	gameNo uint32
	events []byte
	closed bool
}

// Listen starts a spectator server on addr.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		ln:   ln,
		subs: make(map[*subscriber]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWebsocket)
	s.srv = &http.Server{Handler: mux}

	go func() {
		modSpectate.InfoZ("spectator server listening").Stringer("addr", ln.Addr()).End()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			modSpectate.ErrorZ("spectator server stopped").Error("err", err).End()
		}
	}()
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		modSpectate.WarnZ("websocket handshake failed").Error("err", err).End()
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if s.inGame {
		sub.send <- gameStartMsg(s.gameNo)
		if len(s.events) > 0 {
			sub.send <- eventsMsg(s.events)
		}
	}
	s.subs[sub] = struct{}{}
	n := len(s.subs)
	s.mu.Unlock()

	modSpectate.InfoZ("spectator joined").String("remote", r.RemoteAddr).Int("spectators", n).End()
	go sub.writeLoop()
	go s.readLoop(sub)
}

// readLoop discards what spectators send and unregisters them once their
// connection is closed.
func (s *Server) readLoop(sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			break
		}
	}
	s.mu.Lock()
	s.drop(sub)
	s.mu.Unlock()
}

// drop must be called with mu held.
func (s *Server) drop(sub *subscriber) {
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	sub.close()
	modSpectate.InfoZ("spectator left").Int("spectators", len(s.subs)).End()
}

// broadcast must be called with mu held. Spectators too slow to keep up
// are disconnected.
func (s *Server) broadcast(msg []byte) {
	for sub := range s.subs {
		select {
		case sub.send <- msg:
		default:
			modSpectate.WarnZ("spectator too slow, dropping").End()
			s.drop(sub)
		}
	}
}

// Spectators returns the number of connected spectators.
func (s *Server) Spectators() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// StartGame starts broadcasting a new game.
func (s *Server) StartGame() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gameNo++
	s.inGame = true
	s.events = s.events[:0]
	s.broadcast(gameStartMsg(s.gameNo))
}

// Write broadcasts events of the game in progress.
func (s *Server) Write(events []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inGame {
		return 0, errors.New("spectate: no game in progress")
	}
	s.events = append(s.events, events...)
	s.broadcast(eventsMsg(events))
	return len(events), nil
}

// EndGame ends the game in progress.
func (s *Server) EndGame() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inGame {
		return
	}
	s.inGame = false
	s.broadcast([]byte{MsgGameEnd})
}

// Close disconnects all spectators and stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for sub := range s.subs {
		s.drop(sub)
	}
	s.mu.Unlock()
	return s.srv.Close()
}

func gameStartMsg(n uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{MsgGameStart}, n)
}

func eventsMsg(events []byte) []byte {
	msg := make([]byte, 1+len(events))
	msg[0] = MsgEvents
	copy(msg[1:], events)
	return msg
}
