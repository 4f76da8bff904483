// Package notify emits notification payloads for the external notification
// component to render and deliver. This core never composes user-facing copy
// beyond a short message; templating and channel choice live outside.
package notify

import (
	"context"
	"time"
)

type EventType string

const (
	EventFundsReceived      EventType = "funds_received"
	EventWithdrawalUnlocked EventType = "withdrawal_unlocked"
	EventPaymentSuccess     EventType = "payment_success"
	EventPaymentFailed      EventType = "payment_failed"
	EventChamaPurchased     EventType = "chama_purchased"
)

type Event struct {
	Type        EventType `json:"type"`
	ChamaID     string    `json:"chama_id"`
	MemberID    string    `json:"member_id"`
	AmountMinor int64     `json:"amount_minor,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Emitter publishes events. Emission is best-effort: a failed emit must never
// fail or roll back the money operation that produced it.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}
