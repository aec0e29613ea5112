package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/1ureka/telecall/internal/protocol"
	"github.com/1ureka/telecall/internal/util"
)

// WSConfig configures a WSClient.
type WSConfig struct {
	URL     string
	Token   string
	Backoff Backoff
	Clock   clock.Clock
	Dialer  *websocket.Dialer
}

// WSClient connects to a relay Server and keeps reconnecting with bounded
// exponential backoff until closed. Subscriptions are replayed after every
// reconnect.
type WSClient struct {
	cfg  WSConfig
	subs *registry

	state *stateBox

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Client = (*WSClient)(nil)

// DialWS starts connecting in the background and returns immediately.
func DialWS(ctx context.Context, cfg WSConfig) *WSClient {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	cctx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		cfg:    cfg,
		subs:   newRegistry(),
		state:  &stateBox{backend: "ws", cur: StateConnecting},
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *WSClient) run() {
	defer close(c.done)

	attempt := 0
	for {
		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			attempt++
			c.state.set(c.cfg.Backoff.failure(attempt))
			delay := c.cfg.Backoff.Delay(attempt)
			util.LogDebug("relay: dial %s failed (attempt %d, retry in %s): %v", c.cfg.URL, attempt, delay, err)

			timer := c.cfg.Clock.Timer(delay)
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
				return
			}
			continue
		}

		attempt = 0
		if err := c.attach(conn); err != nil {
			util.LogWarning("relay: resubscribe failed: %v", err)
			c.detach(conn)
			continue
		}
		c.state.set(StateConnected)
		util.LogDebug("relay: connected to %s", c.cfg.URL)

		c.readLoop(conn)
		c.detach(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.state.set(StateDisconnected)
		util.LogWarning("relay: connection to %s lost, reconnecting", c.cfg.URL)
	}
}

func (c *WSClient) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.cfg.Dialer.DialContext(c.ctx, c.cfg.URL, header)
	if err != nil {
		return nil, err
	}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	return conn, nil
}

// attach installs conn and replays every subscription on it.
func (c *WSClient) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	for _, topic := range c.subs.list() {
		if err := c.writeLocked(&protocol.Frame{Op: protocol.OpSub, Topic: topic}); err != nil {
			return err
		}
	}
	return nil
}

func (c *WSClient) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := protocol.Decode(raw)
		if err != nil {
			util.LogWarning("relay: dropping frame: %v", err)
			continue
		}
		switch f.Op {
		case protocol.OpMsg:
			c.subs.dispatch(f.Topic, f.Data)
		case protocol.OpErr:
			util.LogWarning("relay: hub refused %q: %s", f.Topic, f.Error)
		}
	}
}

func (c *WSClient) writeLocked(f *protocol.Frame) error {
	if c.conn == nil {
		return ErrDisconnected
	}
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *WSClient) write(f *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(f)
}

func (c *WSClient) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.State() == StateClosed {
		return ErrClosed
	}
	return c.write(&protocol.Frame{Op: protocol.OpPub, Topic: topic, Data: data})
}

func (c *WSClient) Subscribe(topic string, fn Handler) (func(), error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	id, first := c.subs.add(topic, fn)
	if first {
		// A failure here is repaired by the replay in attach.
		if err := c.write(&protocol.Frame{Op: protocol.OpSub, Topic: topic}); err != nil && !errors.Is(err, ErrDisconnected) {
			util.LogDebug("relay: subscribe %s deferred: %v", topic, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if c.subs.remove(topic, id) {
				_ = c.write(&protocol.Frame{Op: protocol.OpUnsub, Topic: topic})
			}
		})
	}, nil
}

func (c *WSClient) State() State { return c.state.get() }
func (c *WSClient) OnState(fn func(State)) { c.state.on(fn) }

// Close stops reconnecting and closes the current connection.
func (c *WSClient) Close() error {
	c.state.set(StateClosed)
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	return nil
}
