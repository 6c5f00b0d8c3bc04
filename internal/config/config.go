package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/peercall/internal/adapters/rtc"
)

const envPrefix = "PEERCALL"

type StoreConfig struct {
	Backend     string        `mapstructure:"backend"`
	MongoURI    string        `mapstructure:"mongo_uri"`
	MongoDB     string        `mapstructure:"mongo_db"`
	ExpireAfter time.Duration `mapstructure:"expire_after"`
}

// Server configures cmd/server.
type Server struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
	Store      StoreConfig   `mapstructure:"store"`
	LogLevel   string        `mapstructure:"log_level"`

	v *viper.Viper
}

// Peer configures cmd/peer.
type Peer struct {
	ServerURL            string        `mapstructure:"server_url"`
	ICEServers           []string      `mapstructure:"ice_servers"`
	ICECandidatePoolSize uint8         `mapstructure:"ice_candidate_pool_size"`
	IncludeLoopback      bool          `mapstructure:"include_loopback"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	LogLevel             string        `mapstructure:"log_level"`

	v *viper.Viper
}

// RTCSettings maps the peer config onto connection settings.
func (p *Peer) RTCSettings() rtc.Settings {
	return rtc.Settings{
		ICEServers:        p.ICEServers,
		CandidatePoolSize: p.ICECandidatePoolSize,
		IncludeLoopback:   p.IncludeLoopback,
	}
}

// defaultFile resolves config/<name>.<CONFIG_ENV>.yaml, CONFIG_ENV defaulting to dev.
func defaultFile(name string) string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/%s.%s.yaml", name, env)
}

func newViper(file string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(file)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// read loads file when present. A missing file falls back to defaults.
func read(v *viper.Viper, file string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("module", "config").Str("file", file).Msg("config file not found, using defaults")
			return nil
		}
		return fmt.Errorf("read config %s: %w", file, err)
	}
	log.Info().Str("module", "config").Str("file", file).Msg("loaded config")
	return nil
}

// LoadServer reads the server config from path, or from the default file when
// path is empty.
func LoadServer(path string) (*Server, error) {
	if path == "" {
		path = defaultFile("config")
	}
	v := newViper(path)
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("rate_limit", 120)
	v.SetDefault("rate_window", "10s")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017/?replicaSet=rs0")
	v.SetDefault("store.mongo_db", "peercall")
	v.SetDefault("store.expire_after", "24h")
	v.SetDefault("log_level", "info")

	if err := read(v, path); err != nil {
		return nil, err
	}

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	switch cfg.Store.Backend {
	case "memory", "mongo":
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Secret == "" {
		log.Warn().Str("module", "config").Msg("secret not set, session cookies use an ephemeral key")
	}
	cfg.v = v
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("store", cfg.Store.Backend).
		Msg("server config")
	return &cfg, nil
}

// LoadPeer reads the peer config from path, or from the default file when
// path is empty.
func LoadPeer(path string) (*Peer, error) {
	if path == "" {
		path = defaultFile("peer")
	}
	v := newViper(path)
	v.SetDefault("server_url", "ws://localhost:8080/api/ws/store")
	v.SetDefault("ice_servers", rtc.DefaultICEServers)
	v.SetDefault("ice_candidate_pool_size", rtc.DefaultCandidatePoolSize)
	v.SetDefault("include_loopback", false)
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("log_level", "info")

	if err := read(v, path); err != nil {
		return nil, err
	}

	var cfg Peer
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("server_url is required")
	}
	cfg.v = v
	return &cfg, nil
}

// ApplyLogLevel sets the global zerolog level.
func ApplyLogLevel(level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// OverrideLogLevel pins log_level to level, above the file and env, so later
// reloads keep it.
func (p *Peer) OverrideLogLevel(level string) {
	p.LogLevel = level
	if p.v != nil {
		p.v.Set("log_level", level)
	}
}

func (c *Server) Watch() { watch(c.v) }
func (p *Peer) Watch()   { watch(p.v) }

// watch re-applies log_level whenever the config file changes. Everything else
// requires a restart.
func watch(v *viper.Viper) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := v.GetString("log_level")
		if err := ApplyLogLevel(level); err != nil {
			log.Error().Err(err).Str("module", "config").Str("log_level", level).Msg("bad log level")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("log_level", level).Msg("config reloaded")
	})
	v.WatchConfig()
}
