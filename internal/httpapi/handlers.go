package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"chama-platform/internal/auth"
	"chama-platform/internal/config"
	"chama-platform/internal/fees"
	"chama-platform/internal/ledger"
	"chama-platform/internal/payout"
	"chama-platform/internal/settlement"
	"chama-platform/internal/transfer"
	"chama-platform/internal/wallet"
	"chama-platform/pkg/logger"
	"chama-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth       *auth.Manager
	Engine     *transfer.Engine
	Reconciler *settlement.Reconciler
	Wallets    wallet.Store
	Ledger     *ledger.Writer
	FeePolicy  fees.Policy
	Payments   config.PaymentsConfig

	// Redis backs the first-delivery fast path on the webhook. Optional; the
	// settlement record's unique constraint remains the durable arbiter.
	Redis *redis.Client
}

const firstDeliveryTTL = 24 * time.Hour

// --- Error mapping ---

// writeError translates internal errors to the wire taxonomy. The detail is
// the error's own message so provider reasons reach the member verbatim.
func writeError(c *gin.Context, err error) {
	kind, status := classify(err)
	c.AbortWithStatusJSON(status, gin.H{"error_kind": kind, "detail": err.Error()})
}

func classify(err error) (string, int) {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return "insufficient_funds", http.StatusUnprocessableEntity
	case errors.Is(err, transfer.ErrWithdrawalLocked):
		return "withdrawal_locked", http.StatusForbidden
	case errors.Is(err, transfer.ErrUnauthorized):
		return "unauthorized", http.StatusForbidden
	case errors.Is(err, transfer.ErrRecipientNotFound):
		return "recipient_not_found", http.StatusNotFound
	case errors.Is(err, wallet.ErrNotFound):
		return "recipient_not_found", http.StatusNotFound
	case errors.Is(err, payout.ErrDispatchFailed):
		return "external_dispatch_failed", http.StatusBadGateway
	case errors.Is(err, payout.ErrConfiguration):
		return "configuration_error", http.StatusInternalServerError
	case errors.Is(err, transfer.ErrInvalidArgument), errors.Is(err, wallet.ErrInvalidArgument):
		return "invalid_argument", http.StatusBadRequest
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

func identityFrom(c *gin.Context) (transfer.Identity, bool) {
	ctx := c.Request.Context()
	memberID, err := auth.MemberID(ctx)
	if err != nil || memberID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error_kind": "unauthorized", "detail": "member identity required"})
		return transfer.Identity{}, false
	}
	chamaID, err := auth.ChamaID(ctx)
	if err != nil || chamaID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error_kind": "unauthorized", "detail": "chama membership required"})
		return transfer.Identity{}, false
	}
	role, _ := auth.Role(ctx)
	return transfer.Identity{MemberID: memberID, ChamaID: chamaID, Role: role}, true
}

// --- Auth ---

type loginRequest struct {
	MemberID string `json:"member_id"`
	ChamaID  string `json:"chama_id"`
	Role     string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.MemberID == "" || req.ChamaID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "member_id, chama_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.MemberID, req.ChamaID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Wallets ---

// CreateWallet opens the caller's wallet with zero balances, called once when
// a member joins a chama.
func (h Handlers) CreateWallet(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		return
	}
	w, err := h.Wallets.CreateWallet(c.Request.Context(), id.ChamaID, id.MemberID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"chama_id":           w.ChamaID,
		"member_id":          w.MemberID,
		"savings_minor":      w.SavingsMinor,
		"disbursement_minor": w.DisbursementMinor,
	})
}

func (h Handlers) GetMyWallet(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		return
	}
	w, err := h.Wallets.GetWallet(c.Request.Context(), id.ChamaID, id.MemberID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chama_id":           w.ChamaID,
		"member_id":          w.MemberID,
		"savings_minor":      w.SavingsMinor,
		"disbursement_minor": w.DisbursementMinor,
		"withdrawal_locked":  w.WithdrawalLocked,
	})
}

// --- Transfers ---

type topUpRequest struct {
	AmountMinor int64 `json:"amount_minor"`
}

func (h Handlers) TopUp(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		return
	}
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_argument", "detail": "invalid json"})
		return
	}
	res, err := h.Engine.TopUp(c.Request.Context(), id, req.AmountMinor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type withdrawRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Method      string `json:"method"`
	Destination string `json:"destination,omitempty"`
}

func (h Handlers) Withdraw(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_argument", "detail": "invalid json"})
		return
	}
	res, err := h.Engine.Withdraw(c.Request.Context(), id, req.AmountMinor, transfer.Method(req.Method), req.Destination)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type sendRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Recipient   string `json:"recipient"`
	Method      string `json:"method"`
}

func (h Handlers) Send(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_argument", "detail": "invalid json"})
		return
	}
	res, err := h.Engine.Send(c.Request.Context(), id, req.AmountMinor, req.Recipient, transfer.Method(req.Method))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type chargeRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Purpose     string `json:"purpose"`
	Method      string `json:"method"`
}

// CreateCharge registers an inbound provider charge so the settlement webhook
// can later match its reference.
func (h Handlers) CreateCharge(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		return
	}
	var req chargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_argument", "detail": "invalid json"})
		return
	}
	res, err := h.Engine.CreatePendingCharge(c.Request.Context(), id, req.AmountMinor, transfer.Purpose(req.Purpose), transfer.Method(req.Method))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// --- Lock / Unlock ---

func (h Handlers) LockMember(c *gin.Context) {
	h.setLock(c, true)
}

func (h Handlers) UnlockMember(c *gin.Context) {
	h.setLock(c, false)
}

func (h Handlers) setLock(c *gin.Context, locked bool) {
	id, ok := identityFrom(c)
	if !ok {
		return
	}
	target := c.Param("member_id")
	if target == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_argument", "detail": "member_id required"})
		return
	}
	var (
		res transfer.Result
		err error
	)
	if locked {
		res, err = h.Engine.Lock(c.Request.Context(), id, target)
	} else {
		res, err = h.Engine.Unlock(c.Request.Context(), id, target)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Fees ---

// FeePreview shows the split a gross amount would settle at. Backed by the
// same computation the reconciler applies, so the preview can never drift.
func (h Handlers) FeePreview(c *gin.Context) {
	raw := c.Query("amount_minor")
	gross, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || gross <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_argument", "detail": "amount_minor must be a positive integer"})
		return
	}
	net, fee := h.FeePolicy.Split(gross)
	c.JSON(http.StatusOK, gin.H{"gross_minor": gross, "net_minor": net, "fee_minor": fee})
}

// --- Ledger ---

func (h Handlers) LedgerHistory(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		return
	}
	entries, err := h.Ledger.History(c.Request.Context(), id.ChamaID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// --- Webhooks ---

// PaymentsWebhook ingests provider settlement callbacks.
//
// Duplicates are acknowledged with 200 like first deliveries; the provider
// must never retry because we already processed. Only infrastructure failures
// return 5xx so the provider retries later.
func (h Handlers) PaymentsWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_argument", "detail": "unreadable body"})
		return
	}

	signature := c.GetHeader("X-Webhook-Signature")
	if !settlement.VerifySignature(h.Payments.WebhookSecret, body, signature) {
		if h.Payments.EnforceSignature {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error_kind": "unauthorized", "detail": "invalid signature"})
			return
		}
		logger.From(ctx).Warn("webhook signature missing or mismatched, processing anyway",
			"path", c.FullPath(),
			"signed", signature != "",
		)
	}

	ev, err := settlement.ParseProviderEvent(body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_argument", "detail": err.Error()})
		return
	}

	dedupKey := "settlement:" + ev.Reference
	if h.Redis != nil {
		first, err := utils.FirstDelivery(ctx, h.Redis, dedupKey, firstDeliveryTTL)
		if err != nil {
			logger.From(ctx).Warn("first-delivery check unavailable", "reference", ev.Reference, "err", err)
		} else if !first {
			c.JSON(http.StatusOK, h.Reconciler.NoteDuplicate(ctx, ev.Reference))
			return
		}
	}

	rec, err := h.Reconciler.Process(ctx, ev)
	if err != nil {
		// Release the advisory claim so the provider's retry is not swallowed
		// before the durable record exists.
		if h.Redis != nil {
			if ferr := utils.ForgetDelivery(ctx, h.Redis, dedupKey); ferr != nil {
				logger.From(ctx).Error("first-delivery release failed", "reference", ev.Reference, "err", ferr)
			}
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
