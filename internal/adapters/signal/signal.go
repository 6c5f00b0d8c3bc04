package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
)

var ErrConnClosed = errors.New("connection closed")

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	WriteWait  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	return o
}

func (o Options) pongWait() time.Duration { return o.PingPeriod * 10 / 9 }

// StoreWSController serves the document store protocol over WebSocket.
type StoreWSController struct {
	Store    core.DocumentStore
	Registry *app.Registry
	Policy   app.Policy
	Limiter  *RateLimiter
	Opts     Options
}

func NewStoreWSController(store core.DocumentStore, reg *app.Registry, policy app.Policy, limiter *RateLimiter, opts Options) *StoreWSController {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &StoreWSController{
		Store:    store,
		Registry: reg,
		Policy:   policy,
		Limiter:  limiter,
		Opts:     opts.withDefaults(),
	}
}

type WsStoreConn struct {
	conn   *websocket.Conn
	send   chan []byte
	client string

	mu     sync.RWMutex
	closed bool
}

func (c *WsStoreConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsStoreConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *StoreWSController) HandleStore(ctx context.Context, c *gin.Context) {
	client := c.GetString("client_token")
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("client", client).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsStoreConn{
		conn:   ws,
		send:   make(chan []byte, ctl.Opts.SendBuffer),
		client: client,
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.Bind(sid, client, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
