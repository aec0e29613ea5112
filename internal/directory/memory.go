package directory

import (
	"context"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Memory is an in-process Directory used for local mode and tests.
type Memory struct {
	clock clock.Clock

	mu      sync.Mutex
	records map[string]Record
}

// NewMemory returns an empty Memory directory. A nil clk uses wall time.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{clock: clk, records: make(map[string]Record)}
}

func (m *Memory) Create(_ context.Context, call NewCall) (Record, error) {
	if err := call.validate(); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.activeLocked(call.CallerID); ok {
		return Record{}, ErrAlreadyInCall
	}
	if _, ok := m.activeLocked(call.ReceiverID); ok {
		return Record{}, ErrPeerBusy
	}

	now := m.clock.Now().UTC()
	rec := Record{
		ID:         uuid.NewString(),
		CallerID:   call.CallerID,
		ReceiverID: call.ReceiverID,
		Type:       call.Type,
		Status:     StatusInitiated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.records[rec.ID] = rec
	return rec, nil
}

func (m *Memory) Transition(_ context.Context, id string, status Status) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	next, err := cur.Advance(status, m.clock.Now().UTC())
	if err != nil {
		return cur, err
	}
	m.records[id] = next
	return next, nil
}

func (m *Memory) Adopt(_ context.Context, rec Record) (Record, error) {
	if err := rec.validate(); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.records[rec.ID]; ok {
		return cur, nil
	}
	if !rec.Status.Terminal() {
		if _, ok := m.activeLocked(rec.CallerID); ok {
			return Record{}, ErrAlreadyInCall
		}
		if _, ok := m.activeLocked(rec.ReceiverID); ok {
			return Record{}, ErrPeerBusy
		}
	}
	m.records[rec.ID] = rec
	return rec, nil
}

func (m *Memory) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) ActiveFor(_ context.Context, party string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.activeLocked(party)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) History(_ context.Context, party string, limit int) ([]Record, error) {
	m.mu.Lock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if rec.Involves(party) {
			out = append(out, rec)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Record) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if n := historyLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) activeLocked(party string) (Record, bool) {
	for _, rec := range m.records {
		if rec.Involves(party) && !rec.Status.Terminal() {
			return rec, true
		}
	}
	return Record{}, false
}
