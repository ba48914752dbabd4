package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"rollnet/emu"
	"rollnet/matchmaking"
	"rollnet/netplay"
	"rollnet/replay"
)

// netcheckMain connects to remote players and shows the link quality until
// args.For elapsed.
func netcheckMain(args Netcheck, cfg emu.Config) {
	if len(args.Remotes) == 0 || len(args.Remotes) >= replay.MaxPlayers {
		fatalf("between 1 and %d remote players are required", replay.MaxPlayers-1)
	}
	if int(args.Index) > len(args.Remotes) {
		fatalf("local port %d out of range with %d remote players", args.Index, len(args.Remotes))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	npcfg := cfg.Netplay.Client()
	npcfg.LocalPlayerIdx = args.Index
	npcfg.Remotes = args.Remotes
	client, err := netplay.Listen(npcfg, args.Port)
	checkf(err, "failed to create netplay client")
	defer client.Close()

	fmt.Println("listening on", client.LocalAddr())
	client.Start()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.After(args.For)
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
		}

		st := client.Status()
		fmt.Printf("status: %s", st)
		if st == netplay.StatusConnected {
			for i := range client.RemotePlayerCount() {
				fmt.Printf("  port %d: %v", client.RemotePlayerIdx(i)+1, client.Ping(i).Round(100*time.Microsecond))
			}
		}
		fmt.Println()
		if st == netplay.StatusFailed || st == netplay.StatusDisconnected {
			fatalf("connection %s, failed ports: %v", st, client.FailedPeers())
		}
	}
}

var modes = map[string]matchmaking.Mode{
	"ranked":   matchmaking.Ranked,
	"unranked": matchmaking.Unranked,
	"direct":   matchmaking.Direct,
	"teams":    matchmaking.Teams,
}

// findMain runs a matchmaking search and reports the opponents found.
func findMain(args Find, cfg emu.Config) {
	if !cfg.Matchmaking.Enabled() {
		fatalf("matchmaking is not configured, set matchmaking.url in the configuration")
	}
	settings := matchmaking.SearchSettings{Mode: modes[args.Mode], ConnectCode: args.Code}
	if settings.Mode == matchmaking.Direct && settings.ConnectCode == "" {
		fatalf("direct mode requires the connect code of the opponent")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, args.Timeout)
	defer cancel()

	mm := matchmaking.New(cfg.Matchmaking.Config(cfg.Netplay.Client()), cfg.Matchmaking.User())
	defer mm.Stop()
	mm.FindMatch(settings)

	last := matchmaking.Idle
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fatalf("search aborted: %v", context.Cause(ctx))
		case <-ticker.C:
		}

		st := mm.State()
		if st != last {
			fmt.Println("state:", st)
			last = st
		}
		switch st {
		case matchmaking.ErrorEncountered:
			fatalf("matchmaking failed: %s", mm.ErrorMessage())
		case matchmaking.ConnectionSuccess:
			client := mm.TakeClient()
			if client == nil {
				fatalf("connection lost")
			}
			defer client.Close()
			fmt.Printf("connected as port %d (host: %t)\n", mm.LocalPlayerIdx()+1, mm.IsHost())
			for i := range client.RemotePlayerCount() {
				fmt.Printf("  opponent on port %d, ping %v\n", client.RemotePlayerIdx(i)+1, client.Ping(i))
			}
			return
		}
	}
}
