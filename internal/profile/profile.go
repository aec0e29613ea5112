// Package profile resolves party ids to display names for call prompts.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/1ureka/telecall/internal/util"
)

// Placeholder labels a party whose name could not be resolved.
const Placeholder = "Someone"

var ErrUnknown = errors.New("unknown party")

// Lookup is the identity collaborator.
type Lookup interface {
	DisplayName(ctx context.Context, party string) (string, error)
}

// Static serves names from a fixed map.
type Static map[string]string

func (s Static) DisplayName(_ context.Context, party string) (string, error) {
	if name, ok := s[party]; ok {
		return name, nil
	}
	return "", ErrUnknown
}

// SQL reads profiles.full_name.
type SQL struct {
	db *sql.DB
}

func NewSQL(db *sql.DB) *SQL { return &SQL{db: db} }

// Migrate creates the profiles table if it does not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS profiles (
		id        TEXT PRIMARY KEY,
		full_name TEXT
	)`)
	if err != nil {
		return fmt.Errorf("migrate profiles: %w", err)
	}
	return nil
}

// Upsert stores a profile. Used to seed local setups.
func (s *SQL) Upsert(ctx context.Context, party, fullName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, full_name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET full_name = excluded.full_name`,
		party, fullName,
	)
	return err
}

func (s *SQL) DisplayName(ctx context.Context, party string) (string, error) {
	var name sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT full_name FROM profiles WHERE id = $1`, party).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknown
	}
	if err != nil {
		return "", err
	}
	return name.String, nil
}

// Resolve returns the display name of party, or Placeholder when the lookup
// fails, returns nothing, or takes longer than timeout.
func Resolve(ctx context.Context, l Lookup, party string, timeout time.Duration) string {
	if l == nil {
		return Placeholder
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		name string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		name, err := l.DisplayName(ctx, party)
		done <- result{name, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			util.LogDebug("profile: lookup %s failed: %v", party, r.err)
			return Placeholder
		}
		if name := strings.TrimSpace(r.name); name != "" {
			return name
		}
		return Placeholder
	case <-ctx.Done():
		util.LogDebug("profile: lookup %s timed out", party)
		return Placeholder
	}
}
