package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/peercall/internal/adapters/http"
	wsignal "github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/adapters/store/memory"
	"github.com/dkeye/peercall/internal/adapters/store/mongostore"
	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	handlers "github.com/dkeye/peercall/internal/transport/http"
)

func openStore(ctx context.Context, cfg config.StoreConfig) (core.DocumentStore, error) {
	switch cfg.Backend {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := mongostore.Connect(connectCtx, cfg.MongoURI, cfg.MongoDB, mongostore.WithExpireAfter(cfg.ExpireAfter))
		if err != nil {
			return nil, err
		}
		if err := s.EnsureIndexes(connectCtx, domain.CallsCollection, domain.OfferCandidates, domain.AnswerCandidates); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return memory.New(), nil
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadServer(os.Getenv("PEERCALL_CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := config.ApplyLogLevel(cfg.LogLevel); err != nil {
		log.Warn().Err(err).Str("log_level", cfg.LogLevel).Msg("bad log level, keeping info")
	}
	cfg.Watch()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("store close")
		}
	}()

	reg := app.NewRegistry()
	limiter := wsignal.NewRateLimiter(cfg.RateLimit, cfg.RateWindow)
	ctl := wsignal.NewStoreWSController(store, reg, app.SimplePolicy{}, limiter, wsignal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
	})
	h := &handlers.Handlers{Store: store, Sessions: reg, Backend: cfg.Store.Backend}

	r := router.SetupRouter(ctx, cfg, ctl, h)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("store", cfg.Store.Backend).Msg("PeerCall signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	for _, sid := range reg.SessionIDs() {
		reg.Cancel(sid)
	}
	log.Info().Msg("Server exited gracefully")
}
