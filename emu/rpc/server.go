package rpc

import (
	"errors"
	"net"
	"net/http"
	"net/rpc"

	"rollnet/playback"
)

// Controller is what the server controls: the seek controller of the
// emulator and its loop.
type Controller interface {
	Info() playback.Info
	SeekTo(frame int32)
	JumpForward()
	JumpBack()

	SetPause(pause bool)
	Stop()
}

type controlProxy struct {
	ctrl Controller
}

func (cp *controlProxy) SeekTo(frame int32, _ *struct{}) error  { cp.ctrl.SeekTo(frame); return nil }
func (cp *controlProxy) JumpForward(_, _ *struct{}) error       { cp.ctrl.JumpForward(); return nil }
func (cp *controlProxy) JumpBack(_, _ *struct{}) error          { cp.ctrl.JumpBack(); return nil }
func (cp *controlProxy) SetPause(pause bool, _ *struct{}) error { cp.ctrl.SetPause(pause); return nil }
func (cp *controlProxy) Stop(_, _ *struct{}) error              { cp.ctrl.Stop(); return nil }
func (cp *controlProxy) Info(_ *struct{}, reply *playback.Info) error {
	*reply = cp.ctrl.Info()
	return nil
}

type Server struct {
	ln  net.Listener
	srv *http.Server
}

// NewServer starts serving ctrl on addr.
func NewServer(addr string, ctrl Controller) (*Server, error) {
	rs := rpc.NewServer()
	if err := rs.RegisterName("playback", &controlProxy{ctrl: ctrl}); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, rs)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{ln: l, srv: &http.Server{Handler: mux}}
	modRPC.InfoZ("rpc server listening").String("addr", l.Addr().String()).End()
	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			modRPC.WarnZ("rpc server stopped").Error("err", err).End()
		}
	}()
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) Close() error { return s.srv.Close() }
