package settlement

import (
	"context"
	"sync"
	"time"
)

// Status is the terminal disposition stored on a settlement record.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusDuplicate  Status = "duplicate"
	StatusFailed     Status = "failed"
)

// Event is the per-external-reference settlement record. At most one row
// exists per reference; the unique constraint on ExternalReference is the
// idempotency arbiter for concurrent deliveries.
type Event struct {
	ID                string
	ExternalReference string
	EventType         string
	AmountMinor       int64
	Channel           string
	Status            Status
	Note              string
	RawPayload        []byte
	CreatedAt         time.Time
}

// Delivery is one observed webhook delivery that lost the idempotency race.
// Unlike Event there is no uniqueness on the reference, so every redelivery
// leaves its own duplicate row.
type Delivery struct {
	ID                string
	ExternalReference string
	Status            Status
	CreatedAt         time.Time
}

// EventRepository persists settlement records.
//
// Insert must be insert-first: attempt the write and report whether this call
// created the row. Implementations must not pre-read to decide, so that two
// concurrent deliveries of the same reference resolve to exactly one true.
type EventRepository interface {
	Insert(ctx context.Context, e Event) (bool, error)
	SetStatus(ctx context.Context, externalReference string, status Status, note string) error
	RecordDuplicate(ctx context.Context, d Delivery) error
	Duplicates(ctx context.Context, externalReference string) ([]Delivery, error)
}

// MemoryEventRepository is the in-memory EventRepository used by tests.
type MemoryEventRepository struct {
	mu         sync.Mutex
	events     map[string]Event
	deliveries []Delivery
}

func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{events: make(map[string]Event)}
}

func (r *MemoryEventRepository) Insert(ctx context.Context, e Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.events[e.ExternalReference]; exists {
		return false, nil
	}
	r.events[e.ExternalReference] = e
	return true, nil
}

func (r *MemoryEventRepository) SetStatus(ctx context.Context, externalReference string, status Status, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[externalReference]
	if !ok {
		return nil
	}
	e.Status = status
	if note != "" {
		e.Note = note
	}
	r.events[externalReference] = e
	return nil
}

func (r *MemoryEventRepository) RecordDuplicate(ctx context.Context, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return nil
}

func (r *MemoryEventRepository) Duplicates(ctx context.Context, externalReference string) ([]Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Delivery
	for _, d := range r.deliveries {
		if d.ExternalReference == externalReference {
			out = append(out, d)
		}
	}
	return out, nil
}

// Get returns the stored record for a reference, for tests.
func (r *MemoryEventRepository) Get(externalReference string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[externalReference]
	return e, ok
}
