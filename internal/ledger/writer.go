package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for ledger entries.
//
// It MUST be append-only; there are no Update or Delete methods.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	ListByChama(ctx context.Context, chamaID string) ([]Entry, error)
}

// Writer stamps and appends ledger entries.
//
// Unlike operational logging, ledger writes are not best-effort: a failed
// append fails the surrounding money transaction, because a balance change
// without its ledger entry breaks replayability.
type Writer struct {
	repo  Repository
	clock func() time.Time
}

func NewWriter(repo Repository) *Writer {
	return &Writer{repo: repo, clock: time.Now}
}

var ErrInvalidEntry = errors.New("ledger: invalid entry")

func (w *Writer) Append(ctx context.Context, e Entry) (Entry, error) {
	if w.repo == nil {
		return Entry{}, errors.New("ledger: repository not configured")
	}
	if e.ChamaID == "" {
		return Entry{}, ErrInvalidEntry
	}
	if e.Action == "" {
		return Entry{}, ErrInvalidEntry
	}
	if e.AmountMinor < 0 {
		return Entry{}, ErrInvalidEntry
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = w.clock().UTC()
	}
	if err := w.repo.Append(ctx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (w *Writer) History(ctx context.Context, chamaID string) ([]Entry, error) {
	if chamaID == "" {
		return nil, ErrInvalidEntry
	}
	return w.repo.ListByChama(ctx, chamaID)
}
