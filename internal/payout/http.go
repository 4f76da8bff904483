package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chama-platform/internal/config"
)

// HTTPDispatcher talks to the payment provider's transfer API.
// Mobile-money rails and bank transfers use different endpoints but share the
// request envelope.
type HTTPDispatcher struct {
	baseURL string
	secret  string
	client  *http.Client
}

func NewHTTPDispatcher(cfg config.PaymentsConfig) (*HTTPDispatcher, error) {
	if cfg.BaseURL == "" || cfg.SecretKey == "" {
		return nil, ErrConfiguration
	}
	timeout := cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPDispatcher{
		baseURL: cfg.BaseURL,
		secret:  cfg.SecretKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type providerTransferRequest struct {
	Channel   string `json:"channel"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason,omitempty"`
	Reference string `json:"reference"`
}

type providerTransferResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"data"`
}

func (d *HTTPDispatcher) InitiatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	if !ValidRail(req.Rail) {
		return PayoutResult{}, fmt.Errorf("%w: unknown rail %q", ErrDispatchFailed, req.Rail)
	}
	if req.AmountMinor <= 0 || req.Destination == "" || req.Reference == "" {
		return PayoutResult{}, fmt.Errorf("%w: invalid payout request", ErrDispatchFailed)
	}

	path := "/transfer"
	if req.Rail == RailBank {
		path = "/bank_transfer"
	}

	body, err := json.Marshal(providerTransferRequest{
		Channel:   string(req.Rail),
		Amount:    req.AmountMinor,
		Recipient: req.Destination,
		Reason:    req.Description,
		Reference: req.Reference,
	})
	if err != nil {
		return PayoutResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return PayoutResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+d.secret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return PayoutResult{}, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	defer resp.Body.Close()

	var out providerTransferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PayoutResult{}, fmt.Errorf("%w: malformed provider response: %v", ErrDispatchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !out.Status {
		// Keep the provider's own words; callers surface them to the member.
		return PayoutResult{}, fmt.Errorf("%w: %s", ErrDispatchFailed, out.Message)
	}

	status := DispatchPending
	if out.Data.Status == "success" {
		status = DispatchAccepted
	}
	return PayoutResult{ProviderRef: out.Data.Reference, Status: status}, nil
}
