// Package rpc exposes the playback controls of a running emulator, so that
// seeks can be requested from another process.
package rpc

import (
	"net"

	"rollnet/emu/log"
)

var modRPC = log.NewModule("rpc")

// UnusedPort returns a TCP port that was free when it was called.
func UnusedPort() int {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		panic("pickUnusedPort failed: " + err.Error())
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		panic("pickUnusedPort failed: " + err.Error())
	}
	return port
}
