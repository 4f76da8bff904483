// Package payout abstracts the external money-out rails behind one
// provider-agnostic interface.
//
// Rules:
// - No provider SDK or HTTP details outside this package.
// - Requests carry the internal transaction reference so provider callbacks
//   can be reconciled later.
// - Dispatch calls are fallible with a bounded wait; callers own the
//   compensating reversal when dispatch fails.
package payout

import (
	"context"
	"errors"
)

// Rail identifies an external money-out channel.
type Rail string

const (
	RailMpesa       Rail = "mpesa"
	RailAirtelMoney Rail = "airtel_money"
	RailBank        Rail = "bank"
)

func ValidRail(r Rail) bool {
	switch r {
	case RailMpesa, RailAirtelMoney, RailBank:
		return true
	default:
		return false
	}
}

var (
	// ErrConfiguration means provider credentials are missing; surfaced at
	// construction, never mid-payout.
	ErrConfiguration = errors.New("payout: provider configuration missing")

	// ErrDispatchFailed wraps any synchronous provider rejection.
	ErrDispatchFailed = errors.New("payout: dispatch failed")
)

// DispatchStatus is the provider's synchronous answer. Terminal settlement
// arrives later on the webhook path.
type DispatchStatus string

const (
	// DispatchAccepted means the provider settled synchronously.
	DispatchAccepted DispatchStatus = "accepted"
	// DispatchPending means the provider queued the payout; a settlement
	// callback will follow.
	DispatchPending DispatchStatus = "pending"
)

type PayoutRequest struct {
	Rail        Rail   `json:"rail"`
	AmountMinor int64  `json:"amount_minor"`
	Destination string `json:"destination"`
	Description string `json:"description,omitempty"`

	// Reference is the internal transaction reference; the provider echoes it
	// back on settlement callbacks.
	Reference string `json:"reference"`
}

type PayoutResult struct {
	// ProviderRef is the provider's identifier for this payout.
	ProviderRef string         `json:"provider_ref"`
	Status      DispatchStatus `json:"status"`
}

// Dispatcher initiates a payout on an external rail.
type Dispatcher interface {
	InitiatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error)
}
