package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoiceBridge/internal/app/orch"
	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/infrastructure/metrics"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Options tune one signaling connection.
type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	// MessageRate is the sustained per-connection message rate; zero disables limiting.
	MessageRate  float64
	MessageBurst int
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:    65536,
		PingPeriod:   54 * time.Second,
		PongWait:     60 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   64,
		MessageRate:  50,
		MessageBurst: 100,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	return o
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	opts     Options
	limiter  *RateLimiter
	validate *validator.Validate
	handlers map[string]handlerFunc
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	opts = opts.withDefaults()
	ctl := &SignalWSController{
		Orch:     o,
		opts:     opts,
		limiter:  NewRateLimiter(opts.MessageRate, opts.MessageBurst),
		validate: validator.New(),
	}
	ctl.handlers = map[string]handlerFunc{
		"authenticate":         ctl.handleAuthenticate,
		"get-rtp-capabilities": ctl.handleGetRtpCapabilities,
		"create-transport":     ctl.handleCreateTransport,
		"transport-connect":    ctl.handleTransportConnect,
		"transport-produce":    ctl.handleProduce,
		"consume":              ctl.handleConsume,
		"consumer-resume":      ctl.handleConsumerResume,
		"producer-close":       ctl.handleProducerClose,
		"join-call":            ctl.handleJoinCall,
		"leave-call":           ctl.handleLeaveCall,
		"ping":                 ctl.handlePing,
	}
	return ctl
}

type outbound struct {
	data core.Frame
	// done receives the write result when the sender waits for it.
	done chan error
}

// WsSignalConn implements core.SignalConnection over a gorilla websocket.
// All writes go through writePump; frames are sent in enqueue order.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan outbound

	mu     sync.RWMutex
	closed bool

	gone     chan struct{}
	goneOnce sync.Once
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func NewWsSignalConn(conn *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		conn: conn,
		send: make(chan outbound, buffer),
		gone: make(chan struct{}),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- outbound{data: f}:
		return nil
	default:
		return ErrBackpressure
	}
}

// SendSync queues f and waits until writePump has written it.
func (c *WsSignalConn) SendSync(ctx context.Context, f core.Frame) error {
	done := make(chan error, 1)
	if err := c.enqueue(ctx, outbound{data: f, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-c.gone:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WsSignalConn) enqueue(ctx context.Context, o outbound) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- o:
		return nil
	case <-c.gone:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WsSignalConn) Close() {
	// gone first so blocked enqueues release the read lock.
	c.goneOnce.Do(func() { close(c.gone) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleSignal upgrades the request and runs the connection until the client goes away.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	clientToken := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade failed")
		return
	}

	sid := core.SessionID(uuid.NewString())
	conn := NewWsSignalConn(ws, ctl.opts.SendBuffer)
	sessionCtx := ctl.Orch.Registry.BindSignal(ctx, sid, clientToken, conn)
	metrics.ActiveConnections.Inc()

	log.Info().
		Str("module", "signal").
		Str("sid", string(sid)).
		Str("remote", c.Request.RemoteAddr).
		Msg("signal connected")

	go ctl.writePump(sessionCtx, sid, conn)
	go ctl.readPump(sid, conn)
}
