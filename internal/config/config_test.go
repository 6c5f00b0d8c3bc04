package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/adapters/rtc"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 120, cfg.RateLimit)
}

func TestLoadServerFileAndEnv(t *testing.T) {
	path := writeFile(t, `
mode: debug
port: 9000
rate_window: 1s
store:
  backend: mongo
  mongo_db: calls_test
`)
	t.Setenv("PEERCALL_PORT", "9100")
	t.Setenv("PEERCALL_STORE_MONGO_URI", "mongodb://db:27017")

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port, "env overrides file")
	assert.Equal(t, time.Second, cfg.RateWindow)
	assert.Equal(t, "mongo", cfg.Store.Backend)
	assert.Equal(t, "calls_test", cfg.Store.MongoDB)
	assert.Equal(t, "mongodb://db:27017", cfg.Store.MongoURI)
}

func TestLoadServerRejectsUnknownBackend(t *testing.T) {
	path := writeFile(t, "store:\n  backend: etcd\n")
	_, err := LoadServer(path)
	assert.Error(t, err)
}

func TestLoadPeer(t *testing.T) {
	cfg, err := LoadPeer(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, rtc.DefaultICEServers, cfg.ICEServers)
	assert.Equal(t, rtc.DefaultCandidatePoolSize, cfg.ICECandidatePoolSize)

	path := writeFile(t, `
server_url: ws://calls.example:8080/api/ws/store
ice_servers: ["stun:stun.example.org:3478"]
include_loopback: true
`)
	cfg, err = LoadPeer(path)
	require.NoError(t, err)
	s := cfg.RTCSettings()
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, s.ICEServers)
	assert.True(t, s.IncludeLoopback)
	assert.Equal(t, "ws://calls.example:8080/api/ws/store", cfg.ServerURL)
}

func TestApplyLogLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	require.NoError(t, ApplyLogLevel("debug"))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	assert.Error(t, ApplyLogLevel("loud"))
}

func TestWatchReappliesLogLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	path := writeFile(t, "log_level: info\n")
	cfg, err := LoadServer(path)
	require.NoError(t, err)
	require.NoError(t, ApplyLogLevel(cfg.LogLevel))
	cfg.Watch()

	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o600))
	require.Eventually(t, func() bool {
		return zerolog.GlobalLevel() == zerolog.WarnLevel
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchKeepsLogLevelOverride(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	path := writeFile(t, "server_url: ws://example.test/ws\nlog_level: info\n")
	cfg, err := LoadPeer(path)
	require.NoError(t, err)
	cfg.OverrideLogLevel("debug")
	assert.Equal(t, "debug", cfg.LogLevel)
	require.NoError(t, ApplyLogLevel(cfg.LogLevel))

	cfg.Watch()

	require.NoError(t, os.WriteFile(path, []byte("server_url: ws://example.test/ws\nlog_level: warn\n"), 0o600))
	assert.Never(t, func() bool {
		return zerolog.GlobalLevel() != zerolog.DebugLevel
	}, 500*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, "debug", cfg.v.GetString("log_level"))
}
