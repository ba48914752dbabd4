package rpc

import (
	"fmt"
	"net/rpc"
	"time"

	"rollnet/playback"
)

type Client struct {
	client *rpc.Client
}

// NewClient connects to the server at addr, retrying a few times while it
// starts.
func NewClient(addr string) (*Client, error) {
	var (
		client *rpc.Client
		err    error
	)
	const maxretries = 5
	for i := range maxretries {
		if client, err = rpc.DialHTTP("tcp", addr); err == nil {
			return &Client{client: client}, nil
		}
		modRPC.WarnZ("dial tcp failed").Error("err", err).Int("retry", i).End()
		time.Sleep(250 * time.Millisecond)
	}
	return nil, fmt.Errorf("dial failed max retries: %v", err)
}

func (c *Client) Close() error {
	modRPC.DebugZ("closing rpc client").End()
	return c.client.Close()
}

func (c *Client) SeekTo(frame int32) error  { return call(c.client, "playback.SeekTo", frame) }
func (c *Client) JumpForward() error        { return call(c.client, "playback.JumpForward", nil) }
func (c *Client) JumpBack() error           { return call(c.client, "playback.JumpBack", nil) }
func (c *Client) SetPause(pause bool) error { return call(c.client, "playback.SetPause", pause) }
func (c *Client) Stop() error               { return call(c.client, "playback.Stop", nil) }
func (c *Client) Info() (playback.Info, error) {
	return request[playback.Info](c.client, "playback.Info", nil)
}

func call(client *rpc.Client, funcname string, args any) error {
	_, err := request[struct{}](client, funcname, args)
	return err
}

func request[T any](client *rpc.Client, funcname string, args any) (T, error) {
	if args == nil {
		args = &struct{}{}
	}
	var reply T
	if err := client.Call(funcname, args, &reply); err != nil {
		return reply, fmt.Errorf("rpc %s: %w", funcname, err)
	}
	return reply, nil
}
