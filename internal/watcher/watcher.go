// Package watcher turns call record notifications on the relay into
// incoming-call prompts and record updates for live sessions.
package watcher

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/telecall/internal/directory"
	"github.com/1ureka/telecall/internal/protocol"
	"github.com/1ureka/telecall/internal/relay"
	"github.com/1ureka/telecall/internal/util"
)

// seenTTL bounds how long a prompted call id is remembered.
const seenTTL = 10 * time.Minute

// Handler receives what the Watcher observes. *call.Manager satisfies it.
type Handler interface {
	Incoming(rec directory.Record)
	RecordChanged(rec directory.Record)
}

type Config struct {
	Self string
	// Staleness is how old an initiated record may be and still ring.
	Staleness time.Duration
	Clock     clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Staleness <= 0 {
		c.Staleness = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Watcher listens on the local party's record topic.
type Watcher struct {
	cfg     Config
	client  relay.Client
	handler Handler

	mu     sync.Mutex
	seen   map[string]time.Time
	cancel func()
}

func New(cfg Config, client relay.Client, h Handler) *Watcher {
	return &Watcher{
		cfg:     cfg.withDefaults(),
		client:  client,
		handler: h,
		seen:    make(map[string]time.Time),
	}
}

func (w *Watcher) Start() error {
	if w.cfg.Self == "" {
		return errors.New("watcher: party id is required")
	}
	cancel, err := w.client.Subscribe(protocol.CallsTopic(w.cfg.Self), w.handle)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Watcher) handle(data []byte) {
	var rec directory.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		util.LogWarning("watcher: bad record: %v", err)
		return
	}
	if rec.ID == "" || !rec.Involves(w.cfg.Self) {
		return
	}

	if rec.ReceiverID == w.cfg.Self && rec.Status == directory.StatusInitiated {
		if w.shouldRing(rec) {
			w.handler.Incoming(rec)
		}
		return
	}
	w.handler.RecordChanged(rec)
}

// shouldRing reports whether rec is fresh and not yet prompted. Either way
// the id is remembered so a redelivery never rings.
func (w *Watcher) shouldRing(rec directory.Record) bool {
	now := w.cfg.Clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for id, at := range w.seen {
		if now.Sub(at) > seenTTL {
			delete(w.seen, id)
		}
	}
	if _, ok := w.seen[rec.ID]; ok {
		return false
	}
	w.seen[rec.ID] = now

	if age := now.Sub(rec.CreatedAt); age > w.cfg.Staleness {
		util.LogDebug("watcher: ignoring stale call %s (%s old)", util.ShortID(rec.ID), age.Round(time.Millisecond))
		return false
	}
	return true
}
