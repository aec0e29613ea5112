package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/1ureka/telecall/internal/util"
)

// RedisConfig controls the redis client. Zero fields take the defaults in
// withDefaults.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// RedisClient relays over Redis pub/sub. go-redis reconnects the pub/sub
// connection on its own; a ping loop on the backoff schedule tracks
// connectivity for State.
type RedisClient struct {
	rdb     *redis.Client
	ps      *redis.PubSub
	subs    *registry
	state   *stateBox
	clock   clock.Clock
	backoff Backoff

	mu     sync.Mutex // serializes SUBSCRIBE/UNSUBSCRIBE
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

var _ Client = (*RedisClient)(nil)

// NewRedis starts the receive and health loops on rdb.
func NewRedis(ctx context.Context, rdb *redis.Client, backoff Backoff, clk clock.Clock) *RedisClient {
	if clk == nil {
		clk = clock.New()
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &RedisClient{
		rdb:     rdb,
		ps:      rdb.Subscribe(cctx),
		subs:    newRegistry(),
		state:   &stateBox{backend: "redis", cur: StateConnecting},
		clock:   clk,
		backoff: backoff.withDefaults(),
		ctx:     cctx,
		cancel:  cancel,
	}

	c.wg.Add(2)
	go c.receiveLoop()
	go c.healthLoop()
	return c
}

func (c *RedisClient) receiveLoop() {
	defer c.wg.Done()
	ch := c.ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.subs.dispatch(msg.Channel, []byte(msg.Payload))
		case <-c.ctx.Done():
			return
		}
	}
}

// healthLoop pings on the backoff schedule: at Min while healthy, growing
// towards Max while failing.
func (c *RedisClient) healthLoop() {
	defer c.wg.Done()

	failures := 0
	for {
		pingCtx, cancel := context.WithTimeout(c.ctx, c.backoff.Max)
		err := c.rdb.Ping(pingCtx).Err()
		cancel()
		if c.ctx.Err() != nil {
			return
		}

		wait := c.backoff.Min
		if err != nil {
			failures++
			c.state.set(c.backoff.failure(failures))
			wait = c.backoff.Delay(failures)
			util.LogDebug("relay: redis ping failed (attempt %d): %v", failures, err)
		} else {
			if failures > 0 {
				util.LogInfo("relay: redis reachable again")
			}
			failures = 0
			c.state.set(StateConnected)
		}

		timer := c.clock.Timer(wait)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (c *RedisClient) Publish(ctx context.Context, topic string, data []byte) error {
	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateDisconnected, StateDown:
		return ErrDisconnected
	}
	if err := c.rdb.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *RedisClient) Subscribe(topic string, fn Handler) (func(), error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}

	c.mu.Lock()
	id, first := c.subs.add(topic, fn)
	if first {
		if err := c.ps.Subscribe(c.ctx, topic); err != nil {
			c.subs.remove(topic, id)
			c.mu.Unlock()
			return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
		}
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.subs.remove(topic, id) {
				_ = c.ps.Unsubscribe(c.ctx, topic)
			}
		})
	}, nil
}

func (c *RedisClient) State() State { return c.state.get() }

func (c *RedisClient) OnState(fn func(State)) { c.state.on(fn) }

// Close stops both loops and closes the pub/sub connection. The redis
// client itself belongs to the caller.
func (c *RedisClient) Close() error {
	c.closeOnce.Do(func() {
		c.state.set(StateClosed)
		c.cancel()
		c.closeErr = c.ps.Close()
		c.wg.Wait()
	})
	return c.closeErr
}
