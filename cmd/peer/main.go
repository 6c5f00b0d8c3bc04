package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/peercall/internal/adapters/media"
	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/adapters/store/remote"
	"github.com/dkeye/peercall/internal/app/call"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var (
	configPath string
	serverURL  string
	logLevel   string
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	root := &cobra.Command{
		Use:           "peer",
		Short:         "Place or answer a PeerCall using a synthetic camera and microphone",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "peer config file (default config/peer.<CONFIG_ENV>.yaml)")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "signaling store URL, overrides server_url")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides log_level")

	root.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create a call and wait for someone to join",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), func(ctx context.Context, m *call.Manager) error {
				id, err := m.CreateCall(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("call id: %s\n", id)
				return nil
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "join <call-id>",
		Short: "Join an existing call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseCallID(args[0])
			if err != nil {
				return err
			}
			return run(cmd.Context(), func(ctx context.Context, m *call.Manager) error {
				return m.JoinCall(ctx, id)
			})
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("peer")
		os.Exit(1)
	}
}

// run captures local media, runs start and then holds the call until it
// fails or the process is interrupted.
func run(ctx context.Context, start func(context.Context, *call.Manager) error) error {
	cfg, err := config.LoadPeer(configPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel != "" {
		cfg.OverrideLogLevel(logLevel)
	}
	if err := config.ApplyLogLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	cfg.Watch()

	store, err := remote.Dial(ctx, cfg.ServerURL, remote.WithRequestTimeout(cfg.RequestTimeout))
	if err != nil {
		return err
	}
	defer store.Close()

	factory, err := rtc.NewFactory(cfg.RTCSettings())
	if err != nil {
		return err
	}
	m, err := call.NewManager(store, media.NewSyntheticDevice(), factory)
	if err != nil {
		return err
	}
	defer m.HangUp()

	failed := make(chan struct{})
	var failOnce sync.Once
	m.OnStateChange(func(s core.ConnectionState) {
		log.Info().Str("module", "peer").Str("state", s.String()).Msg("state changed")
		if s == core.StateFailed {
			failOnce.Do(func() { close(failed) })
		}
	})
	m.OnRemoteTrack(func(t core.RemoteTrack) {
		log.Info().
			Str("module", "peer").
			Str("kind", t.Kind().String()).
			Str("track", t.ID()).
			Str("stream", t.StreamID()).
			Msg("remote track")
	})

	if _, err := m.StartLocalCapture(ctx); err != nil {
		return err
	}
	if err := start(ctx, m); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		log.Info().Str("module", "peer").Str("call", string(m.CallID())).Msg("hanging up")
		return nil
	case <-failed:
		return fmt.Errorf("call %s failed", m.CallID())
	}
}
