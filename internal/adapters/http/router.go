package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/config"
	handlers "github.com/dkeye/peercall/internal/transport/http"
)

const (
	sessionName    = "PeerCallSessions"
	clientTokenKey = "ct"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a stable client token in the session cookie, so
// rate limits follow a client across reconnects.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Server, ctl *signal.StoreWSController, h *handlers.Handlers) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = []byte(uuid.NewString())
	}
	store := cookie.NewStore(secret)
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	api := r.Group("/api")
	api.GET("/ws/store", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws store endpoint hit")
		ctl.HandleStore(ctx, c)
	})
	h.Register(api)

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
