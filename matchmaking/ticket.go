package matchmaking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/jx"
	"github.com/google/uuid"
)

// errNotAssigned is returned by pollTicket while no opponent is assigned to
// the ticket.
var errNotAssigned = errors.New("ticket not yet assigned")

const notYet = "not yet"

type ticketRequest struct {
	UserID      string
	ConnectCode string
	DisplayName string
	Mode        Mode
	SearchCode  string
	LocalPort   int
}

func (r *ticketRequest) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("userId")
	e.Str(r.UserID)
	e.FieldStart("connectCode")
	e.Str(r.ConnectCode)
	e.FieldStart("displayName")
	e.Str(r.DisplayName)
	e.FieldStart("mode")
	e.Str(r.Mode.String())
	if r.SearchCode != "" {
		e.FieldStart("searchCode")
		e.Str(r.SearchCode)
	}
	e.FieldStart("localPort")
	e.Int(r.LocalPort)
	e.ObjEnd()
}

// assignment is the opponent assigned to a ticket.
type assignment struct {
	Addr   string
	IsHost bool
}

// parseAssignment parses the body of a ticket poll: "not yet" or the
// address of the opponent and whether we host, separated by a tab.
func parseAssignment(body string) (assignment, error) {
	body = strings.TrimSpace(body)
	if body == notYet {
		return assignment{}, errNotAssigned
	}
	addr, host, ok := strings.Cut(body, "\t")
	if !ok || addr == "" {
		return assignment{}, fmt.Errorf("malformed ticket assignment %q", body)
	}
	switch strings.ToLower(host) {
	case "1", "true":
		return assignment{Addr: addr, IsHost: true}, nil
	case "0", "false":
		return assignment{Addr: addr}, nil
	}
	return assignment{}, fmt.Errorf("malformed ticket assignment %q", body)
}

// ticketClient talks to the ticket endpoint of the matchmaking service.
type ticketClient struct {
	base string
	http *http.Client
}

func (c *ticketClient) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, bytes.TrimSpace(msg))
	}
	return resp, nil
}

// create creates a ticket and returns its id.
func (c *ticketClient) create(ctx context.Context, r ticketRequest) (string, error) {
	var e jx.Encoder
	r.encode(&e)

	resp, err := c.do(ctx, http.MethodPost, c.base+"/tickets", e.Bytes())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var id, srvErr string
	d := jx.DecodeBytes(buf)
	err = d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			id, err = d.Str()
		case "error":
			srvErr, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	switch {
	case err != nil:
		return "", fmt.Errorf("create ticket response: %w", err)
	case srvErr != "":
		return "", errors.New(srvErr)
	case id == "":
		return "", errors.New("create ticket response: missing id")
	}
	return id, nil
}

func (c *ticketClient) poll(ctx context.Context, id string) (assignment, error) {
	resp, err := c.do(ctx, http.MethodGet, c.base+"/tickets/"+id, nil)
	if err != nil {
		return assignment{}, err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return assignment{}, err
	}
	return parseAssignment(string(buf))
}

func (c *ticketClient) delete(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.base+"/tickets/"+id, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
