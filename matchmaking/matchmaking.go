// Package matchmaking finds an opponent through the ticket endpoint of a
// matchmaking service, then establishes the netplay connection with it.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rollnet/emu/log"
	"rollnet/netplay"
)

var modMM = log.NewModule("mm")

// State is the state of a matchmaking process.
type State int32

const (
	Idle State = iota
	Initializing
	Matchmaking
	OpponentConnecting
	ConnectionSuccess
	ErrorEncountered
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Matchmaking:
		return "matchmaking"
	case OpponentConnecting:
		return "opponent-connecting"
	case ConnectionSuccess:
		return "connection-success"
	case ErrorEncountered:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Searching reports whether the matchmaking process is still running in s.
func (s State) Searching() bool {
	return s == Initializing || s == Matchmaking || s == OpponentConnecting
}

// Mode is the kind of match searched.
type Mode uint8

const (
	Ranked Mode = iota
	Unranked
	Direct
	Teams
)

func (m Mode) String() string {
	switch m {
	case Ranked:
		return "ranked"
	case Unranked:
		return "unranked"
	case Direct:
		return "direct"
	case Teams:
		return "teams"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// SearchSettings describe the match searched.
type SearchSettings struct {
	Mode Mode
	// ConnectCode is the code of the opponent in direct mode.
	ConnectCode string
}

// User identifies the local player to the matchmaking service.
type User struct {
	UID         string
	ConnectCode string
	DisplayName string
}

type Config struct {
	// BaseURL is the address of the matchmaking service.
	BaseURL string
	// Port is the local UDP port used for netplay. 0 picks a random port in
	// [41000, 51000).
	Port int
	// PollInterval is the delay between 2 polls of a ticket.
	PollInterval time.Duration
	// ConnectPoll is the delay between 2 checks of the netplay connection
	// with the opponent.
	ConnectPoll time.Duration
	// Netplay holds the timeouts of the netplay client.
	Netplay netplay.Config

	HTTPClient *http.Client
}

func (cfg *Config) setDefaults() {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConnectPoll == 0 {
		cfg.ConnectPoll = 500 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
}

const (
	portBase     = 41000
	portRange    = 10000
	bindAttempts = 15
)

// Matchmaker runs one matchmaking process at a time, in the background.
type Matchmaker struct {
	cfg     Config
	user    User
	tickets ticketClient

	state atomic.Int32

	mu       sync.Mutex
	errMsg   string
	client   *netplay.Client
	isHost   bool
	localIdx uint8
	ticketID string
	cancel   context.CancelFunc
	done     chan struct{}
}

// New returns a matchmaker for user. A user without UID gets a random one.
func New(cfg Config, user User) *Matchmaker {
	cfg.setDefaults()
	if user.UID == "" {
		user.UID = uuid.NewString()
	}
	return &Matchmaker{
		cfg:     cfg,
		user:    user,
		tickets: ticketClient{base: strings.TrimSuffix(cfg.BaseURL, "/"), http: cfg.HTTPClient},
	}
}

// FindMatch starts searching for a match, stopping any search in progress.
func (m *Matchmaker) FindMatch(settings SearchSettings) {
	m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.errMsg = ""
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()
	m.setState(Initializing)

	modMM.InfoZ("starting matchmaking").Stringer("mode", settings.Mode).End()
	go func() {
		defer close(done)
		m.run(ctx, settings)
	}()
}

// Stop stops the search in progress, if any, and waits for it to end.
func (m *Matchmaker) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if m.State().Searching() {
		m.fail("matchmaking stopped")
	}
}

func (m *Matchmaker) State() State { return State(m.state.Load()) }

func (m *Matchmaker) setState(s State) {
	if old := State(m.state.Swap(int32(s))); old != s {
		modMM.DebugZ("state changed").Stringer("from", old).Stringer("to", s).End()
	}
}

// IsSearching reports whether a search is in progress.
func (m *Matchmaker) IsSearching() bool { return m.State().Searching() }

// ErrorMessage returns the reason of the last failure.
func (m *Matchmaker) ErrorMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errMsg
}

// TakeClient returns the netplay client connected to the opponent once the
// state is ConnectionSuccess. The caller owns the client; further calls
// return nil.
func (m *Matchmaker) TakeClient() *netplay.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.client
	m.client = nil
	return c
}

// IsHost reports whether the local player decides the match settings.
func (m *Matchmaker) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

// LocalPlayerIdx returns the port of the local player in the match.
func (m *Matchmaker) LocalPlayerIdx() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localIdx
}

// TicketID returns the id of the last ticket created.
func (m *Matchmaker) TicketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticketID
}

func (m *Matchmaker) fail(msg string) {
	modMM.WarnZ("matchmaking failed").String("reason", msg).End()
	m.mu.Lock()
	m.errMsg = msg
	m.mu.Unlock()
	m.setState(ErrorEncountered)
}

func (m *Matchmaker) run(ctx context.Context, settings SearchSettings) {
	var (
		conn   net.PacketConn
		port   int
		ticket string
		match  assignment
	)
	defer func() {
		if conn != nil {
			conn.Close()
		}
		if ticket != "" {
			m.deleteTicket(ticket)
		}
	}()

	for ctx.Err() == nil && m.State().Searching() {
		switch m.State() {
		case Initializing:
			var err error
			if conn, port, err = m.bind(); err != nil {
				m.fail(fmt.Sprintf("failed to create netplay socket: %v", err))
				return
			}
			if ticket, err = m.createTicket(ctx, settings, port); err != nil {
				if ctx.Err() == nil {
					m.fail(fmt.Sprintf("failed to join matchmaking queue: %v", err))
				}
				return
			}
			m.setState(Matchmaking)

		case Matchmaking:
			a, err := m.tickets.poll(ctx, ticket)
			switch {
			case errors.Is(err, errNotAssigned):
				modMM.DebugZ("no opponent yet").String("ticket", ticket).End()
				sleepCtx(ctx, m.cfg.PollInterval)
				continue
			case err != nil:
				if ctx.Err() == nil {
					m.fail(fmt.Sprintf("failed to get matchmaking status: %v", err))
				}
				return
			}
			m.deleteTicket(ticket)
			ticket = ""
			match = a
			modMM.InfoZ("opponent found").String("addr", a.Addr).Bool("host", a.IsHost).End()
			m.setState(OpponentConnecting)

		case OpponentConnecting:
			c, err := m.connect(ctx, conn, match, settings)
			conn = nil // owned by the netplay client, closed with it
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if settings.Mode == Teams {
					m.fail(err.Error())
					return
				}
				modMM.WarnZ("connection failed, looking for someone else").Error("err", err).End()
				m.setState(Initializing)
				continue
			}
			m.mu.Lock()
			m.client = c
			m.mu.Unlock()
			m.setState(ConnectionSuccess)
		}
	}
}

// bind opens the UDP socket used for netplay, advertised to the
// matchmaking service.
func (m *Matchmaker) bind() (net.PacketConn, int, error) {
	var lastErr error
	for range bindAttempts {
		port := m.cfg.Port
		if port == 0 {
			port = portBase + rand.IntN(portRange)
		}
		conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
		if err == nil {
			modMM.DebugZ("netplay socket bound").Int("port", port).End()
			return conn, port, nil
		}
		lastErr = err
		if m.cfg.Port != 0 {
			break
		}
	}
	return nil, 0, lastErr
}

func (m *Matchmaker) createTicket(ctx context.Context, settings SearchSettings, port int) (string, error) {
	id, err := m.tickets.create(ctx, ticketRequest{
		UserID:      m.user.UID,
		ConnectCode: m.user.ConnectCode,
		DisplayName: m.user.DisplayName,
		Mode:        settings.Mode,
		SearchCode:  settings.ConnectCode,
		LocalPort:   port,
	})
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.ticketID = id
	m.mu.Unlock()
	modMM.InfoZ("ticket created").String("ticket", id).Int("port", port).End()
	return id, nil
}

func (m *Matchmaker) deleteTicket(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.tickets.delete(ctx, id); err != nil {
		modMM.WarnZ("failed to delete ticket").String("ticket", id).Error("err", err).End()
	}
}

// connect establishes the netplay connection with the opponent. The host
// plays on port 0.
func (m *Matchmaker) connect(ctx context.Context, conn net.PacketConn, a assignment, settings SearchSettings) (*netplay.Client, error) {
	cfg := m.cfg.Netplay
	cfg.Remotes = []string{a.Addr}
	cfg.LocalPlayerIdx = 1
	if a.IsHost {
		cfg.LocalPlayerIdx = 0
	}

	c, err := netplay.New(cfg, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.Start()

	for {
		switch c.Status() {
		case netplay.StatusConnected:
			m.mu.Lock()
			m.isHost, m.localIdx = a.IsHost, cfg.LocalPlayerIdx
			m.mu.Unlock()
			modMM.InfoZ("connected to opponent").String("addr", a.Addr).End()
			return c, nil

		case netplay.StatusFailed, netplay.StatusDisconnected:
			failed := c.FailedPeers()
			c.Close()
			if settings.Mode == Teams && len(failed) > 0 {
				return nil, fmt.Errorf("could not connect to players on ports %v", failed)
			}
			return nil, fmt.Errorf("timed out connecting to %s", a.Addr)
		}

		if !sleepCtx(ctx, m.cfg.ConnectPoll) {
			c.Close()
			return nil, ctx.Err()
		}
	}
}

// sleepCtx sleeps for d, reporting false if ctx was cancelled meanwhile.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
