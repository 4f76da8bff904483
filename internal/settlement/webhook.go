package settlement

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Provider event types delivered on the payments webhook.
const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
)

var ErrInvalidEvent = errors.New("settlement: invalid provider event")

// ProviderEvent is a parsed payment-provider callback. Raw keeps the exact
// bytes received so the stored record can be audited against the provider.
type ProviderEvent struct {
	Event       string
	Reference   string
	AmountMinor int64
	Channel     string
	Customer    string
	PaidAt      time.Time
	Message     string
	Metadata    map[string]string
	Raw         []byte
}

type providerPayload struct {
	Event     string            `json:"event"`
	Reference string            `json:"reference"`
	Amount    int64             `json:"amount"`
	Channel   string            `json:"channel"`
	Customer  string            `json:"customer"`
	PaidAt    string            `json:"paid_at"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata"`
}

// ParseProviderEvent decodes a webhook body. Unknown event types and missing
// references are rejected here so the reconciler only ever sees well-formed
// events.
func ParseProviderEvent(raw []byte) (ProviderEvent, error) {
	var p providerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ProviderEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if p.Event != EventChargeSuccess && p.Event != EventChargeFailed {
		return ProviderEvent{}, fmt.Errorf("%w: unsupported event %q", ErrInvalidEvent, p.Event)
	}
	if p.Reference == "" {
		return ProviderEvent{}, fmt.Errorf("%w: missing reference", ErrInvalidEvent)
	}
	if p.Amount < 0 {
		return ProviderEvent{}, fmt.Errorf("%w: negative amount", ErrInvalidEvent)
	}

	ev := ProviderEvent{
		Event:       p.Event,
		Reference:   p.Reference,
		AmountMinor: p.Amount,
		Channel:     p.Channel,
		Customer:    p.Customer,
		Message:     p.Message,
		Metadata:    p.Metadata,
		Raw:         raw,
	}
	if p.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, p.PaidAt); err == nil {
			ev.PaidAt = t.UTC()
		}
	}
	return ev, nil
}

// VerifySignature checks the provider's HMAC-SHA512 signature over the raw
// request body. The hex comparison is constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

var reportedBalancePattern = regexp.MustCompile(`(?i)available balance is\s*(?:[A-Z]{3}\s*)?([0-9]+(?:\.[0-9]{1,2})?)`)

// ReportedBalance extracts the available-balance figure some rails embed in
// their failure messages. The second return is false when the message carries
// no such figure; callers must not invent one.
func ReportedBalance(message string) (string, bool) {
	m := reportedBalancePattern.FindStringSubmatch(message)
	if m == nil {
		return "", false
	}
	return m[1], true
}
