package watcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/telecall/internal/directory"
	"github.com/1ureka/telecall/internal/protocol"
	"github.com/1ureka/telecall/internal/relay"
)

type recorder struct {
	mu       sync.Mutex
	incoming []directory.Record
	changed  []directory.Record
}

func (r *recorder) Incoming(rec directory.Record) {
	r.mu.Lock()
	r.incoming = append(r.incoming, rec)
	r.mu.Unlock()
}

func (r *recorder) RecordChanged(rec directory.Record) {
	r.mu.Lock()
	r.changed = append(r.changed, rec)
	r.mu.Unlock()
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.incoming), len(r.changed)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	clock *clock.Mock
	pub   *relay.MemoryClient
	rec   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := relay.NewMemoryHub()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	sub := hub.Connect()
	pub := hub.Connect()
	t.Cleanup(func() { sub.Close(); pub.Close() })

	f := &fixture{clock: clk, pub: pub, rec: &recorder{}}
	w := New(Config{Self: "bob", Clock: clk}, sub, f.rec)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)
	return f
}

func (f *fixture) publish(t *testing.T, rec directory.Record) {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.pub.Publish(context.Background(), protocol.CallsTopic("bob"), data); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) record(id string, status directory.Status, age time.Duration) directory.Record {
	created := f.clock.Now().Add(-age)
	return directory.Record{
		ID:         id,
		CallerID:   "alice",
		ReceiverID: "bob",
		Type:       directory.CallAudio,
		Status:     status,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestFreshInitiatedRecordRingsOnce(t *testing.T) {
	f := newFixture(t)

	rec := f.record("c1", directory.StatusInitiated, 500*time.Millisecond)
	f.publish(t, rec)
	f.publish(t, rec)
	// A marker afterwards proves both copies were handled.
	f.publish(t, f.record("c1", directory.StatusRinging, 0))

	waitFor(t, "marker", func() bool { _, c := f.rec.counts(); return c == 1 })
	if in, _ := f.rec.counts(); in != 1 {
		t.Fatalf("incoming = %d, want 1", in)
	}
}

func TestStaleRecordDoesNotRing(t *testing.T) {
	f := newFixture(t)

	f.publish(t, f.record("old", directory.StatusInitiated, 31*time.Second))
	f.publish(t, f.record("edge", directory.StatusInitiated, 2*time.Second))
	f.publish(t, f.record("marker", directory.StatusEnded, 0))

	waitFor(t, "marker", func() bool { _, c := f.rec.counts(); return c == 1 })
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if len(f.rec.incoming) != 1 || f.rec.incoming[0].ID != "edge" {
		t.Fatalf("incoming = %+v, want only the 2s old call", f.rec.incoming)
	}
}

func TestTerminalUpdatesAreForwarded(t *testing.T) {
	f := newFixture(t)

	f.publish(t, f.record("c1", directory.StatusInitiated, 0))
	f.publish(t, f.record("c1", directory.StatusRejected, 0))

	waitFor(t, "forwarded update", func() bool { in, c := f.rec.counts(); return in == 1 && c == 1 })
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if f.rec.changed[0].Status != directory.StatusRejected {
		t.Fatalf("changed = %+v", f.rec.changed[0])
	}
}

func TestOutgoingAndForeignRecordsDoNotRing(t *testing.T) {
	f := newFixture(t)

	outgoing := f.record("out", directory.StatusInitiated, 0)
	outgoing.CallerID, outgoing.ReceiverID = "bob", "carol"
	foreign := f.record("foreign", directory.StatusInitiated, 0)
	foreign.CallerID, foreign.ReceiverID = "carol", "dave"

	f.publish(t, outgoing)
	f.publish(t, foreign)
	f.publish(t, f.record("marker", directory.StatusEnded, 0))

	waitFor(t, "marker", func() bool { _, c := f.rec.counts(); return c == 2 })
	if in, _ := f.rec.counts(); in != 0 {
		t.Fatalf("incoming = %d, want 0", in)
	}
}

func TestMalformedPayloadIgnored(t *testing.T) {
	f := newFixture(t)
	if err := f.pub.Publish(context.Background(), protocol.CallsTopic("bob"), []byte("{nope")); err != nil {
		t.Fatal(err)
	}
	f.publish(t, f.record("marker", directory.StatusEnded, 0))

	waitFor(t, "marker", func() bool { _, c := f.rec.counts(); return c == 1 })
	if in, _ := f.rec.counts(); in != 0 {
		t.Fatal("malformed payload produced a prompt")
	}
}
