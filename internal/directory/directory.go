package directory

import "context"

// Directory stores call records. Implementations enforce that each party
// holds at most one non-terminal record and that status only moves forward.
type Directory interface {
	// Create persists a new initiated record. It fails with ErrAlreadyInCall
	// when the caller is engaged and ErrPeerBusy when the receiver is.
	Create(ctx context.Context, call NewCall) (Record, error)

	// Transition moves a record to status. Writing the current status again
	// is a no-op. A write to a terminal record fails with ErrTerminal and a
	// regression with ErrInvalidTransition; both return the stored record.
	Transition(ctx context.Context, id string, status Status) (Record, error)

	// Adopt stores a record created by another directory, typically the
	// caller's, so the local party can write its own transitions and list
	// the call in its history. A record already present is returned as
	// stored. A non-terminal record is refused like Create when either
	// party is engaged in another call.
	Adopt(ctx context.Context, rec Record) (Record, error)

	Get(ctx context.Context, id string) (Record, error)

	// ActiveFor returns the non-terminal record of party, or ErrNotFound.
	ActiveFor(ctx context.Context, party string) (Record, error)

	// History returns up to limit records involving party, newest first.
	History(ctx context.Context, party string, limit int) ([]Record, error)
}

const defaultHistoryLimit = 5

func historyLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}
