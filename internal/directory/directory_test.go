package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type factory func(t *testing.T, clk clock.Clock) Directory

func newMemory(_ *testing.T, clk clock.Clock) Directory { return NewMemory(clk) }

func newSQLite(t *testing.T, clk clock.Clock) Directory {
	t.Helper()
	ctx := context.Background()
	db, err := OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dir := NewSQL(db, SQLite, clk)
	if err := dir.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return dir
}

func forEachDirectory(t *testing.T, fn func(t *testing.T, dir Directory, clk *clock.Mock)) {
	for name, newDir := range map[string]factory{"memory": newMemory, "sqlite": newSQLite} {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewMock()
			clk.Set(epoch)
			fn(t, newDir(t, clk), clk)
		})
	}
}

func TestCreateEnforcesOneActiveCallPerParty(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, dir Directory, _ *clock.Mock) {
		ctx := context.Background()
		if _, err := dir.Create(ctx, NewCall{CallerID: "alice", ReceiverID: "bob", Type: CallAudio}); err != nil {
			t.Fatalf("first Create: %v", err)
		}

		if _, err := dir.Create(ctx, NewCall{CallerID: "alice", ReceiverID: "carol", Type: CallAudio}); !errors.Is(err, ErrAlreadyInCall) {
			t.Fatalf("caller engaged: got %v, want ErrAlreadyInCall", err)
		}
		if _, err := dir.Create(ctx, NewCall{CallerID: "carol", ReceiverID: "bob", Type: CallVideo}); !errors.Is(err, ErrPeerBusy) {
			t.Fatalf("receiver engaged: got %v, want ErrPeerBusy", err)
		}
		if _, err := dir.Create(ctx, NewCall{CallerID: "bob", ReceiverID: "alice", Type: CallAudio}); !errors.Is(err, ErrAlreadyInCall) {
			t.Fatalf("reverse direction: got %v, want ErrAlreadyInCall", err)
		}
	})
}

func TestCreateValidatesInput(t *testing.T) {
	dir := NewMemory(nil)
	cases := []NewCall{
		{CallerID: "", ReceiverID: "bob", Type: CallAudio},
		{CallerID: "alice", ReceiverID: "alice", Type: CallAudio},
		{CallerID: "alice", ReceiverID: "bob", Type: "hologram"},
	}
	for _, c := range cases {
		if _, err := dir.Create(context.Background(), c); err == nil {
			t.Errorf("Create(%+v) succeeded, want error", c)
		}
	}
}

func TestHappyPathTimestamps(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, dir Directory, clk *clock.Mock) {
		ctx := context.Background()
		rec, err := dir.Create(ctx, NewCall{CallerID: "alice", ReceiverID: "bob", Type: CallVideo})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if rec.Status != StatusInitiated || !rec.CreatedAt.Equal(epoch) {
			t.Fatalf("unexpected new record: %+v", rec)
		}

		clk.Add(2 * time.Second)
		if _, err := dir.Transition(ctx, rec.ID, StatusRinging); err != nil {
			t.Fatalf("ringing: %v", err)
		}
		clk.Add(3 * time.Second)
		connected, err := dir.Transition(ctx, rec.ID, StatusConnected)
		if err != nil {
			t.Fatalf("connected: %v", err)
		}
		if connected.StartedAt == nil || !connected.StartedAt.Equal(epoch.Add(5*time.Second)) {
			t.Fatalf("startedAt = %v", connected.StartedAt)
		}

		// The second party reporting connectivity does not move startedAt.
		clk.Add(time.Second)
		again, err := dir.Transition(ctx, rec.ID, StatusConnected)
		if err != nil {
			t.Fatalf("repeat connected: %v", err)
		}
		if !again.StartedAt.Equal(*connected.StartedAt) {
			t.Fatalf("startedAt moved to %v", again.StartedAt)
		}

		clk.Add(41*time.Second + 600*time.Millisecond)
		ended, err := dir.Transition(ctx, rec.ID, StatusEnded)
		if err != nil {
			t.Fatalf("ended: %v", err)
		}
		if ended.DurationSeconds == nil || *ended.DurationSeconds != 43 {
			t.Fatalf("duration = %v, want 43", ended.DurationSeconds)
		}

		got, err := dir.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if diff := cmp.Diff(ended, got); diff != "" {
			t.Fatalf("stored record mismatch (-returned +stored):\n%s", diff)
		}
		if _, err := dir.ActiveFor(ctx, "alice"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("ActiveFor after end: %v", err)
		}
	})
}

func TestTerminalRecordsAreImmutable(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, dir Directory, _ *clock.Mock) {
		ctx := context.Background()
		rec, _ := dir.Create(ctx, NewCall{CallerID: "alice", ReceiverID: "bob", Type: CallAudio})
		if _, err := dir.Transition(ctx, rec.ID, StatusMissed); err != nil {
			t.Fatalf("missed: %v", err)
		}

		for _, next := range []Status{StatusConnected, StatusEnded, StatusRejected, StatusMissed} {
			got, err := dir.Transition(ctx, rec.ID, next)
			if !errors.Is(err, ErrTerminal) {
				t.Fatalf("%s after missed: got %v, want ErrTerminal", next, err)
			}
			if got.Status != StatusMissed {
				t.Fatalf("returned status %s, want missed", got.Status)
			}
		}
	})
}

func TestStatusNeverRegresses(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, dir Directory, _ *clock.Mock) {
		ctx := context.Background()
		rec, _ := dir.Create(ctx, NewCall{CallerID: "alice", ReceiverID: "bob", Type: CallAudio})
		if _, err := dir.Transition(ctx, rec.ID, StatusConnected); err != nil {
			t.Fatalf("connected: %v", err)
		}

		for _, next := range []Status{StatusRinging, StatusInitiated, StatusMissed, StatusRejected} {
			if _, err := dir.Transition(ctx, rec.ID, next); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s after connected: got %v, want ErrInvalidTransition", next, err)
			}
		}
	})
}

func TestTransitionUnknownRecord(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, dir Directory, _ *clock.Mock) {
		if _, err := dir.Transition(context.Background(), "nope", StatusEnded); !errors.Is(err, ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	})
}

// Both parties hanging up at once must leave exactly one terminal write.
func TestConcurrentHangupSingleWinner(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, dir Directory, _ *clock.Mock) {
		ctx := context.Background()
		rec, _ := dir.Create(ctx, NewCall{CallerID: "alice", ReceiverID: "bob", Type: CallAudio})
		_, _ = dir.Transition(ctx, rec.ID, StatusConnected)

		var wg sync.WaitGroup
		results := make(chan error, 2)
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := dir.Transition(ctx, rec.ID, StatusEnded)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		var ok, terminal int
		for err := range results {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrTerminal):
				terminal++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || terminal != 1 {
			t.Fatalf("ok=%d terminal=%d, want 1 and 1", ok, terminal)
		}
	})
}

func TestAdoptForeignRecord(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, dir Directory, clk *clock.Mock) {
		ctx := context.Background()
		callerSide := NewMemory(clk)
		rec, err := callerSide.Create(ctx, NewCall{CallerID: "alice", ReceiverID: "bob", Type: CallVideo})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := dir.Adopt(ctx, rec)
		if err != nil {
			t.Fatalf("Adopt: %v", err)
		}
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Fatalf("adopted record (-want +got):\n%s", diff)
		}

		clk.Add(2 * time.Second)
		if _, err := dir.Transition(ctx, rec.ID, StatusConnected); err != nil {
			t.Fatalf("connected: %v", err)
		}
		clk.Add(42 * time.Second)
		ended, err := dir.Transition(ctx, rec.ID, StatusEnded)
		if err != nil {
			t.Fatalf("ended: %v", err)
		}
		if ended.DurationSeconds == nil || *ended.DurationSeconds != 42 {
			t.Fatalf("duration = %v, want 42", ended.DurationSeconds)
		}

		again, err := dir.Adopt(ctx, rec)
		if err != nil {
			t.Fatalf("repeat Adopt: %v", err)
		}
		if again.Status != StatusEnded {
			t.Fatalf("repeat Adopt overwrote the stored record: %s", again.Status)
		}

		hist, err := dir.History(ctx, "bob", 5)
		if err != nil || len(hist) != 1 || hist[0].ID != rec.ID {
			t.Fatalf("bob history = %+v, %v", hist, err)
		}
	})
}

func TestAdoptKeepsOneActiveCallPerParty(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, dir Directory, clk *clock.Mock) {
		ctx := context.Background()
		if _, err := dir.Create(ctx, NewCall{CallerID: "bob", ReceiverID: "carol", Type: CallAudio}); err != nil {
			t.Fatalf("Create: %v", err)
		}

		callerSide := NewMemory(clk)
		rec, err := callerSide.Create(ctx, NewCall{CallerID: "alice", ReceiverID: "bob", Type: CallAudio})
		if err != nil {
			t.Fatalf("foreign Create: %v", err)
		}
		if _, err := dir.Adopt(ctx, rec); !errors.Is(err, ErrPeerBusy) {
			t.Fatalf("Adopt while bob is engaged: got %v, want ErrPeerBusy", err)
		}

		missed, err := callerSide.Transition(ctx, rec.ID, StatusMissed)
		if err != nil {
			t.Fatalf("missed: %v", err)
		}
		if _, err := dir.Adopt(ctx, missed); err != nil {
			t.Fatalf("terminal Adopt while engaged: %v", err)
		}

		if _, err := dir.Adopt(ctx, Record{CallerID: "alice", ReceiverID: "bob", Type: CallAudio, Status: StatusInitiated}); err == nil {
			t.Fatal("Adopt accepted a record without id")
		}
	})
}

func TestHistoryNewestFirst(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, dir Directory, clk *clock.Mock) {
		ctx := context.Background()
		var ids []string
		for _, peer := range []string{"bob", "carol", "dave", "erin", "frank", "grace"} {
			rec, err := dir.Create(ctx, NewCall{CallerID: "alice", ReceiverID: peer, Type: CallAudio})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if _, err := dir.Transition(ctx, rec.ID, StatusMissed); err != nil {
				t.Fatalf("missed: %v", err)
			}
			ids = append(ids, rec.ID)
			clk.Add(time.Minute)
		}

		got, err := dir.History(ctx, "alice", 0)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(got) != 5 {
			t.Fatalf("len = %d, want default limit 5", len(got))
		}
		if got[0].ID != ids[5] || got[4].ID != ids[1] {
			t.Fatalf("unexpected order: first=%s last=%s", got[0].ID, got[4].ID)
		}

		bob, _ := dir.History(ctx, "bob", 10)
		if len(bob) != 1 || bob[0].ID != ids[0] {
			t.Fatalf("bob history = %+v", bob)
		}
	})
}

func TestCanTransitionTo(t *testing.T) {
	testCases := []struct {
		from, to Status
		want     bool
	}{
		{StatusInitiated, StatusRinging, true},
		{StatusInitiated, StatusConnected, true},
		{StatusInitiated, StatusMissed, true},
		{StatusRinging, StatusRejected, true},
		{StatusRinging, StatusInitiated, false},
		{StatusConnected, StatusEnded, true},
		{StatusConnected, StatusMissed, false},
		{StatusEnded, StatusConnected, false},
		{StatusRejected, StatusEnded, false},
		{StatusInitiated, "bogus", false},
	}
	for _, tc := range testCases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
