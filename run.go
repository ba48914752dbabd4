package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"

	"rollnet/emu"
	"rollnet/emu/rpc"
	"rollnet/exi"
	"rollnet/playback"
	"rollnet/replay"
	"rollnet/replaydb"
	"rollnet/spectate"
)

// controller is the playback control exposed by the rpc server.
type controller struct {
	*playback.Status
	*emu.Emulator
}

// playbackMain plays the replays requested through the comm file until
// interrupted.
func playbackMain(args Playback, cfg emu.Config) {
	if args.CommFile != "" {
		cfg.Playback.CommFile = args.CommFile
	}
	if args.Port != 0 {
		cfg.Playback.RPCPort = args.Port
	}
	if cfg.Playback.CommFile == "" {
		fatalf("no comm file, use --comm or set playback.comm_file in the configuration")
	}
	cfg.Emulation.Unthrottled = !args.Throttle

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	h := new(emu.Headless)
	emulator := emu.New(h, cfg.Emulation)
	status, err := playback.New(emulator, cfg.Playback.Options())
	checkf(err, "failed to create seek controller")
	defer status.Close()

	devcfg := exi.Config{
		CommFile: cfg.Playback.CommFile,
		Playback: status,
	}
	closeOutputs := openOutputs(&devcfg, cfg)
	defer closeOutputs()

	dev, err := exi.New(devcfg)
	checkf(err, "failed to create device")
	defer dev.Close()
	h.PlugBus(dev)
	emulator.OnFrameEnd(dev.EndFrame)

	if args.CPUProfile != "" {
		f, err := os.Create(args.CPUProfile)
		checkf(err, "failed to create cpu profile file")
		checkf(pprof.StartCPUProfile(f), "failed to start cpu profile")
		defer func() {
			pprof.StopCPUProfile()
			f.Close()
			fmt.Println("CPU profile written to", args.CPUProfile)
		}()
	}

	if cfg.Playback.RPCPort < 0 {
		cfg.Playback.RPCPort = rpc.UnusedPort()
	}
	if cfg.Playback.RPCPort != 0 {
		addr := net.JoinHostPort("localhost", strconv.Itoa(cfg.Playback.RPCPort))
		server, err := rpc.NewServer(addr, controller{status, emulator})
		checkf(err, "failed to start rpc server")
		defer server.Close()
		fmt.Println("playback control listening on", server.Addr())
	}

	if err := emulator.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "emulation error: %v\n", err)
	}
	st := h.Status()
	fmt.Printf("%d games played, %d frames\n", st.Games, emulator.Frames())
}

// openOutputs sets the recorder, replay index and spectator server of
// devcfg, as configured. The returned function releases them.
func openOutputs(devcfg *exi.Config, cfg emu.Config) (closeAll func()) {
	var closers []func() error
	if cfg.Recording.Enabled {
		devcfg.Recorder = &replay.Recorder{
			Dir:          cfg.Recording.Dir,
			MonthFolders: cfg.Recording.MonthFolders,
			PlayedOn:     cfg.Recording.PlayedOn,
		}
		if cfg.Recording.Index != "" {
			db, err := replaydb.Open(cfg.Recording.Index)
			checkf(err, "failed to open replay index")
			devcfg.Index = db
			closers = append(closers, db.Close)
		}
	}
	if cfg.Spectator.Enabled {
		srv, err := spectate.Listen(cfg.Spectator.Addr)
		checkf(err, "failed to start spectator server")
		fmt.Printf("spectator server listening on ws://%s/spectate\n", srv.Addr())
		devcfg.Spectator = srv
		closers = append(closers, srv.Close)
	}
	return func() {
		for _, c := range closers {
			c()
		}
	}
}

// seekMain sends a command to the playback control server.
func seekMain(args Seek) {
	client, err := rpc.NewClient(args.Addr)
	checkf(err, "failed to connect to %s", args.Addr)
	defer client.Close()

	switch args.Action {
	case "to":
		err = client.SeekTo(args.Frame)
	case "forward":
		err = client.JumpForward()
	case "back":
		err = client.JumpBack()
	case "pause":
		err = client.SetPause(true)
	case "resume":
		err = client.SetPause(false)
	case "stop":
		err = client.Stop()
	}
	checkf(err, "%s failed", args.Action)

	info, err := client.Info()
	checkf(err, "failed to get playback infos")
	if !info.InPlayback {
		fmt.Println("not in playback")
		return
	}
	fmt.Printf("frame:     %d/%d\n", info.Current, info.Latest)
	fmt.Printf("snapshots: %d\n", info.Snapshots)
	fmt.Printf("seeking:   %t\n", info.Seeking)
	fmt.Printf("hard ffw:  %t\n", info.HardFFW)
}
