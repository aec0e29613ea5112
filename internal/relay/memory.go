package relay

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

const memoryQueueSize = 1024

// MemoryHub is an in-process relay. Every MemoryClient attached to the same
// hub sees the others' publishes. With jitter enabled each delivery is
// delayed by a random amount, so deliveries may be reordered.
type MemoryHub struct {
	mu      sync.RWMutex
	clients map[*MemoryClient]struct{}
	jitter  time.Duration
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{clients: make(map[*MemoryClient]struct{})}
}

// SetJitter makes every delivery wait a random duration in [0, max).
func (h *MemoryHub) SetJitter(max time.Duration) {
	h.mu.Lock()
	h.jitter = max
	h.mu.Unlock()
}

// Connect attaches a new online client.
func (h *MemoryHub) Connect() *MemoryClient {
	c := &MemoryClient{
		hub:   h,
		subs:  newRegistry(),
		state: &stateBox{backend: "memory", cur: StateConnected},
		queue: make(chan delivery, memoryQueueSize),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.deliverLoop()
	return c
}

func (h *MemoryHub) publish(topic string, data []byte) {
	h.mu.RLock()
	jitter := h.jitter
	targets := make([]*MemoryClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.State() != StateConnected || !c.subs.has(topic) {
			continue
		}
		d := delivery{topic: topic, data: append([]byte(nil), data...)}
		if jitter <= 0 {
			c.enqueue(d)
			continue
		}
		delay := rand.N(jitter)
		go func() {
			time.Sleep(delay)
			c.enqueue(d)
		}()
	}
}

func (h *MemoryHub) detach(c *MemoryClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

type delivery struct {
	topic string
	data  []byte
}

// MemoryClient is a Client attached to a MemoryHub.
type MemoryClient struct {
	hub   *MemoryHub
	subs  *registry
	state *stateBox

	queue     chan delivery
	done      chan struct{}
	closeOnce sync.Once
}

var _ Client = (*MemoryClient)(nil)

func (c *MemoryClient) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch c.State() {
	case StateConnected:
	case StateClosed:
		return ErrClosed
	default:
		return ErrDisconnected
	}
	c.hub.publish(topic, data)
	return nil
}

func (c *MemoryClient) Subscribe(topic string, fn Handler) (func(), error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	id, _ := c.subs.add(topic, fn)
	var once sync.Once
	return func() { once.Do(func() { c.subs.remove(topic, id) }) }, nil
}

func (c *MemoryClient) State() State { return c.state.get() }
func (c *MemoryClient) OnState(fn func(State)) { c.state.on(fn) }

// SetOnline simulates losing or regaining the relay connection. Payloads
// published while offline are not delivered to this client.
func (c *MemoryClient) SetOnline(online bool) {
	if online {
		c.state.set(StateConnected)
	} else {
		c.state.set(StateDisconnected)
	}
}

// SetDown simulates an exhausted reconnect budget.
func (c *MemoryClient) SetDown() { c.state.set(StateDown) }

func (c *MemoryClient) Close() error {
	c.closeOnce.Do(func() {
		c.state.set(StateClosed)
		c.hub.detach(c)
		close(c.done)
	})
	return nil
}

func (c *MemoryClient) enqueue(d delivery) {
	select {
	case c.queue <- d:
	case <-c.done:
	}
}

func (c *MemoryClient) deliverLoop() {
	for {
		select {
		case d := <-c.queue:
			c.subs.dispatch(d.topic, d.data)
		case <-c.done:
			return
		}
	}
}
