package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewfs/pkg/protocol"
)

// State is the lifecycle state of a Conn.
type State int

// Conn moves Disconnected → Connecting → Connected → Disconnected. A dropped
// connection goes back to Connecting until the reconnect attempts run out.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNotConnected is returned by Send while no connection is up.
	ErrNotConnected = errors.New("not connected")
	// ErrDisposed is returned by Connect after Dispose.
	ErrDisposed = errors.New("connection disposed")
)

// ConnConfig holds subscriber connection settings.
type ConnConfig struct {
	URL string
	// Handler receives every inbound message on the read goroutine.
	Handler func(protocol.Message)
	// OnState is called after every state transition, outside any lock.
	OnState func(State)
	// Reconnect bounds the dial attempts of one connect or reconnect.
	Reconnect    RetryConfig
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	Logger       *zap.Logger
}

// Conn is a subscriber connection that reconnects with bounded exponential
// backoff. It is explicitly owned: Connect starts it, Dispose ends it.
type Conn struct {
	cfg ConnConfig

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	disposed bool
	cancel   context.CancelFunc
	done     chan struct{}

	writeMu sync.Mutex
}

// NewConn creates a disconnected Conn.
func NewConn(cfg ConnConfig) *Conn {
	if cfg.Handler == nil {
		cfg.Handler = func(protocol.Message) {}
	}
	if cfg.Reconnect.Attempts == 0 {
		cfg.Reconnect = RetryConfig{Attempts: 5, Delay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Conn{cfg: cfg}
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server and starts receiving. ctx bounds the initial dial
// only; the connection then lives until Dispose or until reconnecting gives
// up, after which Connect may be called again. Calling Connect on a running
// Conn is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	dialCtx, stop := context.WithCancel(ctx)
	defer stop()
	unwatch := context.AfterFunc(runCtx, stop)
	defer unwatch()

	ws, err := c.dial(dialCtx)
	if err == nil && !c.setConnected(ws) {
		err = ErrDisposed
	}
	if err != nil {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		close(done)
		c.setState(StateDisconnected)
		return err
	}

	go c.run(runCtx, cancel, ws, done)
	return nil
}

// Dispose closes the connection, stops reconnecting and waits for the read
// goroutine to exit. The Conn cannot be reused.
func (c *Conn) Dispose() {
	c.mu.Lock()
	c.disposed = true
	cancel, ws, done := c.cancel, c.ws, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close()
	}
	if done != nil {
		<-done
	}
}

// Send writes one control message.
func (c *Conn) Send(msgType string, data any) error {
	payload, err := protocol.Encode(msgType, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()
	if state != StateConnected || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

func (c *Conn) run(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		close(done)
	}()
	for {
		c.read(ws)
		ws.Close()

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}
		c.cfg.Logger.Info("connection lost, reconnecting", zap.String("url", c.cfg.URL))

		var err error
		ws, err = c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() == nil {
				c.cfg.Logger.Error("reconnect failed, giving up", zap.Error(err))
			}
			return
		}
		if !c.setConnected(ws) {
			c.setState(StateDisconnected)
			return
		}
	}
}

func (c *Conn) read(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.cfg.Logger.Debug("read failed", zap.Error(err))
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.cfg.Logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		c.cfg.Handler(msg)
	}
}

// dial moves to Connecting and retries with exponential backoff.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	c.setState(StateConnecting)

	var ws *websocket.Conn
	err := retry.Do(func() error {
		conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.Unrecoverable(fmt.Errorf("dial %s: %w", c.cfg.URL, err))
			}
			return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
		}
		ws = conn
		return nil
	}, append(c.cfg.Reconnect.options(ctx), retry.OnRetry(func(n uint, err error) {
		c.cfg.Logger.Debug("dial failed, backing off", zap.Uint("attempt", n+1), zap.Error(err))
	}))...)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// setConnected installs ws unless the Conn was disposed meanwhile.
func (c *Conn) setConnected(ws *websocket.Conn) bool {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		ws.Close()
		return false
	}
	c.ws = ws
	c.mu.Unlock()
	c.setState(StateConnected)
	return true
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.cfg.Logger.Debug("connection state", zap.Stringer("state", s))
		if c.cfg.OnState != nil {
			c.cfg.OnState(s)
		}
	}
}
