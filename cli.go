package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"rollnet/emu/log"
)

type mode byte

const (
	playbackMode   mode = iota // Play replays, headless
	replayInfoMode             // Show replay infos
	seekMode                   // Control a running playback
	netcheckMode               // Check netplay connectivity
	findMode                   // Search an opponent
	replaysMode                // List indexed replays
	spectateMode               // Record games broadcast by a spectator server
	versionMode                // Show rollnet version
)

type (
	CLI struct {
		Playback   Playback   `cmd:"" help:"Play the replays requested through the comm file. (default command)" default:"withargs"`
		ReplayInfo ReplayInfo `cmd:"" help:"Show replay infos." name:"replay-info"`
		Seek       Seek       `cmd:"" help:"Control a running playback."`
		Netcheck   Netcheck   `cmd:"" help:"Connect to remote players and show link quality."`
		Find       Find       `cmd:"" help:"Search an opponent through the matchmaking service."`
		Replays    Replays    `cmd:"" help:"List indexed replays."`
		Spectate   Spectate   `cmd:"" help:"Record the games broadcast by a spectator server."`
		Version    Version    `cmd:"" help:"Show rollnet version."`

		Log    logModMask `help:"${log_help}" placeholder:"mod0,mod1,..."`
		Config string     `name:"config" help:"${config_help}" type:"path" placeholder:"FILE"`

		mode mode
	}

	Playback struct {
		CommFile   string `name:"comm" help:"Replay comm file, overrides the configured one." type:"path" placeholder:"FILE"`
		Port       int    `name:"port" help:"Port of the playback control server, overrides the configured one."`
		Throttle   bool   `name:"throttle" help:"Run at normal speed rather than as fast as possible."`
		CPUProfile string `name:"cpuprofile" help:"${cpuprofile_help}" type:"path"`
	}

	ReplayInfo struct {
		Path   string   `arg:"" name:"/path/to/replay" type:"existingfile"`
		Frames *outfile `name:"frames" help:"Write per-frame player data." placeholder:"FILE|stdout|stderr"`
	}

	Seek struct {
		Action string `arg:"" help:"One of: ${enum}." enum:"info,to,forward,back,pause,resume,stop" default:"info" optional:""`
		Frame  int32  `arg:"" help:"Target frame of 'to'." optional:""`
		Addr   string `name:"addr" help:"Address of the playback control server." default:"localhost:${rpc_port}"`
	}

	Netcheck struct {
		Remotes []string      `arg:"" name:"host:port" help:"Addresses of the remote players."`
		Port    int           `name:"port" help:"Local UDP port."`
		Index   uint8         `name:"index" help:"Port of the local player." default:"0"`
		For     time.Duration `name:"for" help:"How long to keep the connection up." default:"10s"`
	}

	Find struct {
		Mode    string        `name:"mode" help:"One of: ${enum}." enum:"unranked,ranked,direct,teams" default:"unranked"`
		Code    string        `name:"code" help:"Connect code of the opponent, in direct mode." placeholder:"CODE#123"`
		Timeout time.Duration `name:"timeout" help:"Give up after that long." default:"5m"`
	}

	Replays struct {
		Scan  string `name:"scan" help:"Index the replays found in a directory first." type:"existingdir" placeholder:"DIR"`
		Code  string `name:"code" help:"Only list replays with a player having this connect code."`
		Since string `name:"since" help:"Only list replays played since that day." placeholder:"YYYY-MM-DD"`
		Limit int    `name:"limit" help:"Maximum number of replays listed, 0 for all." default:"20"`
	}

	Spectate struct {
		URL string `arg:"" name:"url" help:"Spectator server, like ws://host:51441/spectate."`
	}

	Version struct{}
)

var vars = kong.Vars{
	"cpuprofile_help": "Write CPU profile to file.",
	"log_help":        "Enable logging for specified modules.",
	"config_help":     "Configuration file. (defaults to config.toml in the rollnet config directory)",
	"rpc_port":        "51442",
}

func parseArgs(args []string) CLI {
	var cfg CLI
	parser, err := kong.New(&cfg,
		kong.Name("rollnet"),
		kong.Description("Replay playback, seeking and rollback netplay."),
		kong.UsageOnError(),
		kong.Help(printHelp),
		vars)
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args)
	checkf(err, "failed to parse command line")
	checkf(ctx.Error, "failed to parse command line")

	cmd, _, _ := strings.Cut(ctx.Command(), " ")
	switch cmd {
	case "replay-info":
		cfg.mode = replayInfoMode
	case "seek":
		cfg.mode = seekMode
	case "netcheck":
		cfg.mode = netcheckMode
	case "find":
		cfg.mode = findMode
	case "replays":
		cfg.mode = replaysMode
	case "spectate":
		cfg.mode = spectateMode
	case "version":
		cfg.mode = versionMode
	default:
		cfg.mode = playbackMode
	}
	return cfg
}

func printHelp(options kong.HelpOptions, ctx *kong.Context) error {
	if err := kong.DefaultHelpPrinter(options, ctx); err != nil {
		return err
	}
	if ctx.Command() == "" || strings.HasPrefix(ctx.Command(), "playback") {
		loggingHelp := `
Log modules:
  The --log flag accepts a comma-separated list of modules.

  Valid log modules are:
%s

  As a special case, the following values are accepted:
    - no                     Disable all logging.
    - all                    Enable all logs.
`
		var strs []string
		for _, m := range log.ModuleNames() {
			strs = append(strs, "    - "+m)
		}

		fmt.Fprintf(os.Stderr, loggingHelp, strings.Join(strs, "\n"))
	}

	return nil
}

type logModMask log.ModuleMask

// Decode decodes a comma-separated list of module names into a module mask.
//
// Implements kong.MapperValue interface.
func (lm logModMask) Decode(ctx *kong.DecodeContext) error {
	nolog := false
	allLogs := false

	tok := ctx.Scan.Pop()
	for _, v := range strings.Split(tok.Value.(string), ",") {
		switch v {
		case "all":
			allLogs = true
		case "no":
			nolog = true
		default:
			mod, ok := log.ModuleByName(v)
			if !ok {
				return fmt.Errorf("unknown log module %s", v)
			}
			lm |= logModMask(mod.Mask())
		}
	}

	if nolog {
		if allLogs {
			return fmt.Errorf("cannot use 'all' and 'no' together")
		}
		if lm != 0 {
			return fmt.Errorf("cannot combine 'no' with other log modules")
		}
		log.Disable()
		return nil
	}

	if allLogs {
		lm = logModMask(log.ModuleMaskAll)
	}

	log.EnableDebugModules(log.ModuleMask(lm))
	return nil
}

type outfile struct {
	w     io.Writer
	name  string
	close func() error
}

// Decode decodes FILE|stdout|stderr into an io.WriteCloser
// that writes to that file.
//
// Implements kong.MapperValue interface.
func (f *outfile) Decode(ctx *kong.DecodeContext) error {
	tok := ctx.Scan.Pop()
	f.name = tok.Value.(string)
	f.close = func() error { return nil }

	switch f.name {
	case "stdout":
		f.w = os.Stdout
	case "stderr":
		f.w = os.Stderr
	default:
		fd, err := os.Create(f.name)
		if err != nil {
			return err
		}
		f.w = fd
		f.close = fd.Close
	}
	return nil
}

func (f *outfile) String() string              { return f.name }
func (f *outfile) Write(p []byte) (int, error) { return f.w.Write(p) }
func (f *outfile) Close() error                { return f.close() }

func checkf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	fatalf(format+".\n"+err.Error(), args...)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal error:")
	fmt.Fprintf(os.Stderr, "\n\t%s\n", fmt.Sprintf(format, args...))
	os.Exit(1)
}
