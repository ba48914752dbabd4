package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"rollnet/emu"
)

func main() {
	args := parseArgs(os.Args[1:])

	switch args.mode {
	case versionMode:
		printVersion()
		return
	case replayInfoMode:
		replayInfoMain(args.ReplayInfo)
		return
	case seekMode:
		seekMain(args.Seek)
		return
	}

	cfg := loadConfig(args.Config)
	switch args.mode {
	case playbackMode:
		playbackMain(args.Playback, cfg)
	case netcheckMode:
		netcheckMain(args.Netcheck, cfg)
	case findMode:
		findMain(args.Find, cfg)
	case replaysMode:
		replaysMain(args.Replays, cfg)
	case spectateMode:
		spectateMain(args.Spectate, cfg)
	}
}

func loadConfig(path string) emu.Config {
	if path == "" {
		return emu.LoadConfigOrDefault()
	}
	cfg, err := emu.LoadConfig(path)
	checkf(err, "failed to load configuration %s", path)
	return cfg
}

func printVersion() {
	version := "(devel)"
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		version = bi.Main.Version
	}
	fmt.Println("rollnet", version)
}
