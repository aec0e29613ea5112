package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/telecall/internal/directory"
)

type slowLookup struct{}

func (slowLookup) DisplayName(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type failingLookup struct{}

func (failingLookup) DisplayName(context.Context, string) (string, error) {
	return "", errors.New("backend down")
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	names := Static{"dr-lee": "Dr. Lee", "blank": "  "}

	testCases := []struct {
		name   string
		lookup Lookup
		party  string
		want   string
	}{
		{"known", names, "dr-lee", "Dr. Lee"},
		{"unknown", names, "nobody", Placeholder},
		{"blank name", names, "blank", Placeholder},
		{"failure", failingLookup{}, "dr-lee", Placeholder},
		{"timeout", slowLookup{}, "dr-lee", Placeholder},
		{"no lookup", nil, "dr-lee", Placeholder},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resolve(ctx, tc.lookup, tc.party, 20*time.Millisecond); got != tc.want {
				t.Fatalf("Resolve = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSQLLookup(t *testing.T) {
	ctx := context.Background()
	db, err := directory.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	p := NewSQL(db)
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := p.Upsert(ctx, "pat-1", "Alex Kim"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := p.Upsert(ctx, "pat-1", "Alex J. Kim"); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	name, err := p.DisplayName(ctx, "pat-1")
	if err != nil || name != "Alex J. Kim" {
		t.Fatalf("DisplayName = %q, %v", name, err)
	}
	if _, err := p.DisplayName(ctx, "pat-2"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("missing profile: %v", err)
	}
}
