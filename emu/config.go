package emu

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rollnet/emu/log"
	"rollnet/matchmaking"
	"rollnet/netplay"
	"rollnet/playback"

	"github.com/BurntSushi/toml"
	"github.com/kirsle/configdir"
)

type Config struct {
	Emulation   EmulationConfig   `toml:"emulation"`
	Netplay     NetplayConfig     `toml:"netplay"`
	Playback    PlaybackConfig    `toml:"playback"`
	Recording   RecordingConfig   `toml:"recording"`
	Matchmaking MatchmakingConfig `toml:"matchmaking"`
	Spectator   SpectatorConfig   `toml:"spectator"`
}

type EmulationConfig struct {
	// Unthrottled runs frames as fast as possible.
	Unthrottled bool `toml:"unthrottled"`
}

type NetplayConfig struct {
	// Delay is the number of frames of input delay of online games.
	Delay             uint8    `toml:"delay"`
	ConnectTimeout    Duration `toml:"connect_timeout"`
	DisconnectTimeout Duration `toml:"disconnect_timeout"`
	ResendInterval    Duration `toml:"resend_interval"`
}

// Client returns the configuration of netplay clients. Unset timeouts get
// their default value.
func (nc NetplayConfig) Client() netplay.Config {
	return netplay.Config{
		ConnectTimeout:    nc.ConnectTimeout.Duration,
		DisconnectTimeout: nc.DisconnectTimeout.Duration,
		ResendInterval:    nc.ResendInterval.Duration,
	}
}

type PlaybackConfig struct {
	// CommFile is the replay comm file followed by the playback device.
	CommFile string `toml:"comm_file"`
	// Seekbar enables snapshots, thus seeking.
	Seekbar     bool     `toml:"seekbar"`
	JoinTimeout Duration `toml:"join_timeout"`
	// RPCPort is the port of the playback control server, 0 disables it
	// and a negative port picks an unused one.
	RPCPort int `toml:"rpc_port"`
}

func (pc PlaybackConfig) Options() playback.Options {
	return playback.Options{Seekbar: pc.Seekbar, JoinTimeout: pc.JoinTimeout.Duration}
}

type RecordingConfig struct {
	Enabled      bool   `toml:"enabled"`
	Dir          string `toml:"dir"`
	MonthFolders bool   `toml:"month_folders"`
	PlayedOn     string `toml:"played_on"`
	// Index is the path of the replay index database, empty to disable
	// indexing.
	Index string `toml:"index"`
}

type MatchmakingConfig struct {
	URL          string   `toml:"url"`
	Port         int      `toml:"port"`
	PollInterval Duration `toml:"poll_interval"`

	UID         string `toml:"uid"`
	ConnectCode string `toml:"connect_code"`
	DisplayName string `toml:"display_name"`
}

// Enabled reports whether online play is configured.
func (mc MatchmakingConfig) Enabled() bool { return mc.URL != "" }

// Config returns the configuration of the matchmaker, netplay clients using
// np.
func (mc MatchmakingConfig) Config(np netplay.Config) matchmaking.Config {
	return matchmaking.Config{
		BaseURL:      mc.URL,
		Port:         mc.Port,
		PollInterval: mc.PollInterval.Duration,
		Netplay:      np,
	}
}

func (mc MatchmakingConfig) User() matchmaking.User {
	return matchmaking.User{UID: mc.UID, ConnectCode: mc.ConnectCode, DisplayName: mc.DisplayName}
}

type SpectatorConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Duration is a time.Duration written as text, like "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

var ConfigDir = sync.OnceValue(func() string {
	dir := configdir.LocalConfig("rollnet")
	if err := configdir.MakePath(dir); err != nil {
		log.ModEmu.Fatalf("failed to create directory %s: %v", dir, err)
	}
	return dir
})

const cfgFilename = "config.toml"

// ConfigPath returns the path of the configuration file in the rollnet
// config directory.
func ConfigPath() string { return filepath.Join(ConfigDir(), cfgFilename) }

// DefaultConfig returns the configuration used when there's no
// configuration file. Replays are recorded in dir.
func DefaultConfig(dir string) Config {
	return Config{
		Netplay: NetplayConfig{Delay: 2},
		Playback: PlaybackConfig{
			Seekbar: true,
		},
		Recording: RecordingConfig{
			Enabled:      true,
			Dir:          filepath.Join(dir, "replays"),
			MonthFolders: true,
			PlayedOn:     "rollnet",
			Index:        filepath.Join(dir, "replays.db"),
		},
		Spectator: SpectatorConfig{Addr: "localhost:51441"},
	}
}

// LoadConfig reads the configuration file at path over the default
// configuration. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig(filepath.Dir(path))
	md, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, err
	}
	for _, key := range md.Undecoded() {
		log.ModEmu.WarnZ("unknown configuration key").String("key", key.String()).String("path", path).End()
	}
	return cfg, nil
}

// LoadConfigOrDefault loads the configuration from the rollnet config
// directory, or provides the default one.
func LoadConfigOrDefault() Config {
	path := ConfigPath()
	cfg, err := LoadConfig(path)
	if err != nil {
		log.ModEmu.WarnZ("invalid configuration, using defaults").String("path", path).Error("err", err).End()
		return DefaultConfig(ConfigDir())
	}
	return cfg
}

// SaveConfig writes cfg to path.
func SaveConfig(path string, cfg Config) error {
	buf, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0644)
}
