package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/telecall/internal/metrics"
	"github.com/1ureka/telecall/internal/protocol"
	"github.com/1ureka/telecall/internal/relay"
	"github.com/1ureka/telecall/internal/util"
)

// Transport sends and receives Messages over a relay.Client.
//
// Send is fire and forget. While the relay is disconnected at most one
// message per (call id, kind) is held back, a newer one replacing the
// older, and the held messages are flushed in order on reconnect.
type Transport struct {
	client relay.Client

	mu      sync.Mutex
	handle  *Handle
	order   []pendingKey
	pending map[pendingKey]Message
	downFns []func()
}

type pendingKey struct {
	callID string
	kind   Kind
}

// New wires a Transport to client's connection state.
func New(client relay.Client) *Transport {
	t := &Transport{client: client, pending: make(map[pendingKey]Message)}
	client.OnState(t.onState)
	return t
}

// Handle is a live subscription. Release is idempotent.
type Handle struct {
	t      *Transport
	party  string
	cancel func()
	once   sync.Once
}

func (h *Handle) Release() {
	h.once.Do(func() {
		h.cancel()
		h.t.mu.Lock()
		if h.t.handle == h {
			h.t.handle = nil
		}
		h.t.mu.Unlock()
	})
}

// Subscribe delivers every valid message addressed to party to onMessage.
// A Transport holds one subscription at a time; subscribing again
// releases the previous handle.
func (t *Transport) Subscribe(party string, onMessage func(Message)) (*Handle, error) {
	cancel, err := t.client.Subscribe(protocol.SignalTopic(party), func(data []byte) {
		msg, err := decode(data)
		if err != nil {
			metrics.SignalsDiscardedTotal.WithLabelValues("malformed").Inc()
			util.LogWarning("signaling: dropping message: %v", err)
			return
		}
		if msg.To != party {
			metrics.SignalsDiscardedTotal.WithLabelValues("misaddressed").Inc()
			return
		}
		onMessage(msg)
	})
	if err != nil {
		return nil, err
	}

	h := &Handle{t: t, party: party, cancel: cancel}
	t.mu.Lock()
	prev := t.handle
	t.handle = h
	t.mu.Unlock()

	if prev != nil {
		prev.Release()
	}
	return h, nil
}

// Send publishes msg, or queues it while the relay is disconnected. Only
// an invalid message or a closed relay is reported as an error.
func (t *Transport) Send(ctx context.Context, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}

	if t.client.State() == relay.StateConnected && t.Pending() == 0 {
		err = t.client.Publish(ctx, protocol.SignalTopic(msg.To), data)
		if err == nil {
			metrics.SignalsSentTotal.WithLabelValues(string(msg.Kind)).Inc()
			return nil
		}
		if !errors.Is(err, relay.ErrDisconnected) {
			return err
		}
	}
	if t.client.State() == relay.StateClosed {
		return relay.ErrClosed
	}

	t.enqueue(msg)
	// The relay may have come back between the state check and enqueue.
	if t.client.State() == relay.StateConnected {
		t.flush()
	}
	return nil
}

func (t *Transport) enqueue(msg Message) {
	key := pendingKey{callID: msg.CallID, kind: msg.Kind}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[key]; ok {
		metrics.SignalsSupersededTotal.WithLabelValues(string(msg.Kind)).Inc()
		for i, k := range t.order {
			if k == key {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	t.pending[key] = msg
	t.order = append(t.order, key)
	metrics.SignalsQueuedTotal.WithLabelValues(string(msg.Kind)).Inc()
}

// Pending returns the number of messages waiting for the relay.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// OnDown registers fn to run when the relay reports its retry budget spent.
func (t *Transport) OnDown(fn func()) {
	t.mu.Lock()
	t.downFns = append(t.downFns, fn)
	t.mu.Unlock()
}

func (t *Transport) onState(s relay.State) {
	switch s {
	case relay.StateConnected:
		t.flush()
	case relay.StateDown:
		t.mu.Lock()
		fns := append([]func(){}, t.downFns...)
		t.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

// flush publishes the queue in order. On failure the unsent remainder stays
// queued for the next reconnect.
func (t *Transport) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.order) > 0 {
		key := t.order[0]
		msg := t.pending[key]
		data, err := encode(msg)
		if err == nil {
			err = t.client.Publish(context.Background(), protocol.SignalTopic(msg.To), data)
		}
		if errors.Is(err, relay.ErrDisconnected) {
			return
		}
		if err != nil {
			util.LogWarning("signaling: dropping queued %s for %s: %v", msg.Kind, util.ShortID(msg.CallID), err)
		} else {
			metrics.SignalsSentTotal.WithLabelValues(string(msg.Kind)).Inc()
		}
		t.order = t.order[1:]
		delete(t.pending, key)
	}
}
