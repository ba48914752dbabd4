package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"

	"rollnet/emu"
	"rollnet/exi"
	"rollnet/replay"
	"rollnet/replaydb"
	"rollnet/spectate"
)

// replayInfoMain prints the settings and length of a replay file.
func replayInfoMain(args ReplayInfo) {
	src, err := replay.OpenFile(args.Path)
	checkf(err, "failed to open replay")
	defer src.Close()

	p := replay.NewParser(src)
	checkf(p.Update(), "failed to read replay")
	settings, ok := p.Settings()
	if !ok {
		fatalf("%s has no game settings", args.Path)
	}

	g := p.Game()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "version:\t%s\n", g.Version)
	fmt.Fprintf(w, "stage:\t%d\n", settings.StageID)
	fmt.Fprintf(w, "seed:\t0x%08x\n", settings.RandomSeed)
	fmt.Fprintf(w, "pal:\t%t\n", settings.IsPAL)
	fmt.Fprintf(w, "frozen ps:\t%t\n", settings.IsFrozenPS)
	fmt.Fprintf(w, "frames:\t%d..%d\n", replay.FirstFrame, g.LatestFrame)
	fmt.Fprintf(w, "duration:\t%v\n", time.Duration(g.LatestFrame-replay.FirstFrame+1)*emu.FrameDuration)
	if g.Ended {
		fmt.Fprintf(w, "end:\twin condition %d\n", g.WinCondition)
		if g.LRASInitiator >= 0 {
			fmt.Fprintf(w, "lras:\tport %d\n", g.LRASInitiator+1)
		}
	}
	for _, port := range slices.Sorted(maps.Keys(settings.Players)) {
		ps := settings.Players[port]
		fmt.Fprintf(w, "port %d:\tcharacter 0x%02x, color %d, type %d\n", port+1, ps.CharacterID, ps.CharacterColor, ps.PlayerType)
	}
	w.Flush()

	if args.Frames != nil {
		defer args.Frames.Close()
		checkf(writeFrames(args.Frames, g), "failed to write frames")
	}
}

func writeFrames(out io.Writer, g *replay.Game) error {
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	fmt.Fprintln(w, "frame\tport\tchar\tx\ty\tpercent\tstocks\tbuttons")
	for _, idx := range slices.Sorted(maps.Keys(g.Frames)) {
		fd := g.Frames[idx]
		for _, port := range slices.Sorted(maps.Keys(fd.Players)) {
			pfd := fd.Players[port]
			fmt.Fprintf(w, "%d\t%d\t0x%02x\t%.2f\t%.2f\t%.1f\t%d\t0x%08x\n",
				idx, port+1, pfd.InternalCharacterID, pfd.LocationX, pfd.LocationY, pfd.Percent, pfd.Stocks, pfd.Buttons)
		}
	}
	return w.Flush()
}

// replaysMain lists the replays of the index, after indexing args.Scan.
func replaysMain(args Replays, cfg emu.Config) {
	if cfg.Recording.Index == "" {
		fatalf("no replay index, set recording.index in the configuration")
	}
	db, err := replaydb.Open(cfg.Recording.Index)
	checkf(err, "failed to open replay index")
	defer db.Close()

	if args.Scan != "" {
		n, err := db.IndexDir(args.Scan)
		checkf(err, "failed to index %s", args.Scan)
		fmt.Printf("%d replays added\n", n)
	}

	q := replaydb.Query{Code: args.Code, Limit: args.Limit}
	if args.Since != "" {
		q.Since, err = time.ParseInLocation(time.DateOnly, args.Since, time.Local)
		checkf(err, "invalid date %q", args.Since)
	}
	entries, err := db.List(q)
	checkf(err, "failed to list replays")

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTART\tDURATION\tPLAYERS\tPATH")
	for _, e := range entries {
		dur := time.Duration(e.LastFrame-replay.FirstFrame+1) * emu.FrameDuration
		fmt.Fprintf(w, "%d\t%s\t%v\t%s\t%s\n", e.ID, e.StartAt.Format(time.DateTime), dur.Round(time.Second), players(e.Summary), e.Path)
	}
	w.Flush()
}

// players formats the players of a replay: their connect code when known,
// otherwise their port.
func players(sum replay.Summary) string {
	var s string
	for _, port := range slices.Sorted(maps.Keys(sum.Characters)) {
		if s != "" {
			s += " vs "
		}
		if n, ok := sum.Names[port]; ok && n.Code != "" {
			s += n.Code
		} else {
			s += fmt.Sprintf("P%d", port+1)
		}
	}
	return s
}

// spectateMain records and indexes the games broadcast by a spectator
// server, until the server closes the connection.
func spectateMain(args Spectate, cfg emu.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg.Recording.Enabled = true
	cfg.Spectator.Enabled = false
	var devcfg exi.Config
	closeOutputs := openOutputs(&devcfg, cfg)
	defer closeOutputs()

	dev, err := exi.New(devcfg)
	checkf(err, "failed to create device")
	defer dev.Close()

	client, err := spectate.Dial(ctx, args.URL)
	checkf(err, "failed to join spectator server")
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	fmt.Println("recording games to", cfg.Recording.Dir)
	for {
		msg, err := client.Next()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				fmt.Fprintf(os.Stderr, "spectator connection lost: %v\n", err)
			}
			return
		}
		switch msg.Kind {
		case spectate.MsgGameStart:
			fmt.Println("game", msg.GameNumber, "started")
		case spectate.MsgEvents:
			dev.DMAWrite(msg.Events)
		case spectate.MsgGameEnd:
			fmt.Println("game ended")
		}
	}
}
