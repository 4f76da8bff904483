package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chama-platform/internal/ledger"
	"chama-platform/internal/notify"
	"chama-platform/internal/payout"
	"chama-platform/internal/rbac"
	"chama-platform/internal/wallet"
	"chama-platform/pkg/logger"

	"github.com/google/uuid"
)

var (
	ErrWithdrawalLocked  = errors.New("withdrawals are locked for this member")
	ErrUnauthorized      = errors.New("caller is not permitted to perform this action")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// Identity is the authenticated caller, supplied by the auth layer.
type Identity struct {
	MemberID string
	ChamaID  string
	Role     string
}

func (id Identity) valid() bool {
	return id.MemberID != "" && id.ChamaID != ""
}

// Balances is the caller-visible wallet snapshot returned by operations.
type Balances struct {
	SavingsMinor      int64 `json:"savings_minor"`
	DisbursementMinor int64 `json:"disbursement_minor"`
}

// Result is the outcome of a transfer operation.
type Result struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Reference string    `json:"reference,omitempty"`
	Status    Status    `json:"status"`
	Balances  *Balances `json:"balances,omitempty"`
}

// Engine is the money-movement state machine.
//
// Discipline shared by every operation:
// - Validation failures return before any mutation; no ledger entry, no
//   balance change.
// - For external dispatch, the debit commits durably first and no wallet lock
//   is held across the provider call; a dispatch failure triggers one shared
//   compensating reversal, so the member is never left short.
// - Every committed mutation writes a ledger entry with before/after balances.
type Engine struct {
	store      wallet.Store
	ledger     *ledger.Writer
	txs        TransactionRepository
	dispatcher payout.Dispatcher
	emitter    notify.Emitter

	dispatchTimeout time.Duration
	clock           func() time.Time
}

func NewEngine(store wallet.Store, lw *ledger.Writer, txs TransactionRepository, d payout.Dispatcher, em notify.Emitter, dispatchTimeout time.Duration) *Engine {
	if dispatchTimeout <= 0 {
		dispatchTimeout = 15 * time.Second
	}
	return &Engine{
		store:           store,
		ledger:          lw,
		txs:             txs,
		dispatcher:      d,
		emitter:         em,
		dispatchTimeout: dispatchTimeout,
		clock:           time.Now,
	}
}

/* ===================== TOP-UP ===================== */

// TopUp moves amount from the caller's savings balance into their
// disbursement (MGR) balance. Purely internal; terminates synchronously.
func (e *Engine) TopUp(ctx context.Context, caller Identity, amountMinor int64) (Result, error) {
	if !caller.valid() || amountMinor <= 0 {
		return Result{}, ErrInvalidArgument
	}

	applied, err := e.store.Apply(ctx,
		wallet.Leg{Account: wallet.SavingsAccount(caller.ChamaID, caller.MemberID), DeltaMinor: -amountMinor},
		wallet.Leg{Account: wallet.DisbursementAccount(caller.ChamaID, caller.MemberID), DeltaMinor: amountMinor},
	)
	if err != nil {
		return Result{}, err
	}

	reference := uuid.NewString()
	if err := e.appendEntry(ctx, ledger.Entry{
		ChamaID:     caller.ChamaID,
		ActorID:     caller.MemberID,
		Action:      ledger.ActionTopUpMGRWallet,
		AmountMinor: amountMinor,
		Details: ledger.Details{
			Method:    string(MethodInternal),
			Reference: reference,
			Outcome:   string(StatusCompleted),
			Legs:      ledger.LegsFromApplied(applied),
		},
	}, applied); err != nil {
		return Result{}, err
	}

	return Result{
		Success:   true,
		Message:   "Top-up successful",
		Reference: reference,
		Status:    StatusCompleted,
		Balances:  e.balancesOf(ctx, caller.ChamaID, caller.MemberID),
	}, nil
}

/* ===================== WITHDRAW ===================== */

// Withdraw moves amount out of the caller's disbursement balance, either into
// the platform central wallet (method internal) or to an external rail.
func (e *Engine) Withdraw(ctx context.Context, caller Identity, amountMinor int64, method Method, destination string) (Result, error) {
	if !caller.valid() || amountMinor <= 0 || !ValidMethod(method) {
		return Result{}, ErrInvalidArgument
	}
	if method.External() && destination == "" {
		return Result{}, fmt.Errorf("%w: destination required for %s", ErrInvalidArgument, method)
	}

	w, err := e.store.GetWallet(ctx, caller.ChamaID, caller.MemberID)
	if err != nil {
		return Result{}, err
	}
	if w.WithdrawalLocked {
		return Result{}, ErrWithdrawalLocked
	}
	if w.DisbursementMinor < amountMinor {
		return Result{}, &wallet.InsufficientFundsError{
			Account:        wallet.DisbursementAccount(caller.ChamaID, caller.MemberID),
			RequestedMinor: amountMinor,
			AvailableMinor: w.DisbursementMinor,
		}
	}

	reference := uuid.NewString()

	if method == MethodInternal {
		// Debit and central credit commit as one atomic unit; no partial
		// state is ever observable.
		applied, err := e.store.Apply(ctx,
			wallet.Leg{Account: wallet.DisbursementAccount(caller.ChamaID, caller.MemberID), DeltaMinor: -amountMinor},
			wallet.Leg{Account: wallet.CentralAccount(), DeltaMinor: amountMinor},
		)
		if err != nil {
			return Result{}, err
		}
		if err := e.appendEntry(ctx, ledger.Entry{
			ChamaID:     caller.ChamaID,
			ActorID:     caller.MemberID,
			Action:      ledger.ActionWithdrawMGRWallet,
			AmountMinor: amountMinor,
			Details: ledger.Details{
				Method:    string(method),
				Reference: reference,
				Outcome:   string(StatusCompleted),
				Legs:      ledger.LegsFromApplied(applied),
			},
		}, applied); err != nil {
			return Result{}, err
		}
		return Result{
			Success:   true,
			Message:   "Withdrawal successful",
			Reference: reference,
			Status:    StatusCompleted,
			Balances:  e.balancesOf(ctx, caller.ChamaID, caller.MemberID),
		}, nil
	}

	return e.dispatchExternal(ctx, caller, externalRequest{
		action:      ledger.ActionWithdrawMGRWallet,
		purpose:     PurposeWithdrawal,
		method:      method,
		amountMinor: amountMinor,
		destination: destination,
		reference:   reference,
		description: "wallet withdrawal",
		successMsg:  "Withdrawal initiated",
	})
}

/* ===================== SEND ===================== */

// Send moves amount from the caller to another member (method internal) or to
// an external destination. The sender's debit always commits first.
func (e *Engine) Send(ctx context.Context, caller Identity, amountMinor int64, recipient string, method Method) (Result, error) {
	if !caller.valid() || amountMinor <= 0 || recipient == "" || !ValidMethod(method) {
		return Result{}, ErrInvalidArgument
	}

	w, err := e.store.GetWallet(ctx, caller.ChamaID, caller.MemberID)
	if err != nil {
		return Result{}, err
	}
	// The lock gates money leaving the platform; member-to-member moves stay
	// inside it.
	if method.External() && w.WithdrawalLocked {
		return Result{}, ErrWithdrawalLocked
	}
	if w.DisbursementMinor < amountMinor {
		return Result{}, &wallet.InsufficientFundsError{
			Account:        wallet.DisbursementAccount(caller.ChamaID, caller.MemberID),
			RequestedMinor: amountMinor,
			AvailableMinor: w.DisbursementMinor,
		}
	}

	reference := uuid.NewString()

	if method == MethodInternal {
		return e.sendInternal(ctx, caller, amountMinor, recipient, reference)
	}

	return e.dispatchExternal(ctx, caller, externalRequest{
		action:      ledger.ActionSendFunds,
		purpose:     PurposePeerSend,
		method:      method,
		amountMinor: amountMinor,
		destination: recipient,
		reference:   reference,
		description: "peer transfer",
		successMsg:  "Transfer initiated",
	})
}

func (e *Engine) sendInternal(ctx context.Context, caller Identity, amountMinor int64, recipientID, reference string) (Result, error) {
	debit, err := e.store.Apply(ctx,
		wallet.Leg{Account: wallet.DisbursementAccount(caller.ChamaID, caller.MemberID), DeltaMinor: -amountMinor},
	)
	if err != nil {
		return Result{}, err
	}
	if err := e.appendEntry(ctx, ledger.Entry{
		ChamaID:        caller.ChamaID,
		ActorID:        caller.MemberID,
		Action:         ledger.ActionSendFunds,
		AmountMinor:    amountMinor,
		TargetMemberID: recipientID,
		Details: ledger.Details{
			Method:    string(MethodInternal),
			Reference: reference,
			Outcome:   string(StatusProcessing),
			Legs:      ledger.LegsFromApplied(debit),
		},
	}, debit); err != nil {
		return Result{}, err
	}

	credit, err := e.store.Apply(ctx,
		wallet.Leg{Account: wallet.DisbursementAccount(caller.ChamaID, recipientID), DeltaMinor: amountMinor},
	)
	if err != nil {
		// Recipient missing (or any credit failure): reverse the committed
		// debit so no money vanishes.
		if revErr := e.reverseDebit(ctx, caller, ledger.ActionSendFunds, amountMinor, reference, "recipient credit failed"); revErr != nil {
			return Result{}, revErr
		}
		if errors.Is(err, wallet.ErrNotFound) {
			return Result{}, ErrRecipientNotFound
		}
		return Result{}, err
	}

	if err := e.appendEntry(ctx, ledger.Entry{
		ChamaID:        caller.ChamaID,
		ActorID:        caller.MemberID,
		Action:         ledger.ActionSendFunds,
		AmountMinor:    amountMinor,
		TargetMemberID: recipientID,
		Details: ledger.Details{
			Method:    string(MethodInternal),
			Reference: reference,
			Outcome:   string(StatusCompleted),
			Legs:      ledger.LegsFromApplied(credit),
		},
	}, credit); err != nil {
		return Result{}, err
	}

	e.emit(ctx, notify.Event{
		Type:        notify.EventFundsReceived,
		ChamaID:     caller.ChamaID,
		MemberID:    recipientID,
		AmountMinor: amountMinor,
		Reference:   reference,
		Message:     "You have received funds",
	})

	return Result{
		Success:   true,
		Message:   "Funds sent",
		Reference: reference,
		Status:    StatusCompleted,
		Balances:  e.balancesOf(ctx, caller.ChamaID, caller.MemberID),
	}, nil
}

/* ===================== EXTERNAL DISPATCH ===================== */

type externalRequest struct {
	action      ledger.Action
	purpose     Purpose
	method      Method
	amountMinor int64
	destination string
	reference   string
	description string
	successMsg  string
}

// dispatchExternal implements the debit-first discipline for all external
// rails: commit the debit, record it, release every lock, then call the
// provider with a bounded wait. Failure takes the single compensating
// reversal path.
func (e *Engine) dispatchExternal(ctx context.Context, caller Identity, req externalRequest) (Result, error) {
	now := e.clock().UTC()
	if err := e.txs.Create(ctx, Transaction{
		ID:          uuid.NewString(),
		Reference:   req.reference,
		ChamaID:     caller.ChamaID,
		MemberID:    caller.MemberID,
		Purpose:     req.purpose,
		Method:      req.method,
		AmountMinor: req.amountMinor,
		Destination: req.destination,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return Result{}, err
	}

	debit, err := e.store.Apply(ctx,
		wallet.Leg{Account: wallet.DisbursementAccount(caller.ChamaID, caller.MemberID), DeltaMinor: -req.amountMinor},
	)
	if err != nil {
		// A concurrent debit can still win the race after the precheck.
		if updErr := e.txs.UpdateStatus(ctx, req.reference, StatusFailed, "debit failed", ""); updErr != nil {
			logger.From(ctx).Error("transaction status update failed", "reference", req.reference, "err", updErr)
		}
		return Result{}, err
	}
	if err := e.appendEntry(ctx, ledger.Entry{
		ChamaID:     caller.ChamaID,
		ActorID:     caller.MemberID,
		Action:      req.action,
		AmountMinor: req.amountMinor,
		Details: ledger.Details{
			Method:    string(req.method),
			Reference: req.reference,
			Outcome:   string(StatusProcessing),
			Legs:      ledger.LegsFromApplied(debit),
		},
	}, debit); err != nil {
		return Result{}, err
	}

	rail, _ := req.method.Rail()
	dispatchCtx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
	defer cancel()

	res, dispatchErr := e.dispatcher.InitiatePayout(dispatchCtx, payout.PayoutRequest{
		Rail:        rail,
		AmountMinor: req.amountMinor,
		Destination: req.destination,
		Description: req.description,
		Reference:   req.reference,
	})
	if dispatchErr != nil {
		reason := providerReason(dispatchErr)
		if revErr := e.reverseDebit(ctx, caller, req.action, req.amountMinor, req.reference, reason); revErr != nil {
			return Result{}, revErr
		}
		if err := e.txs.UpdateStatus(ctx, req.reference, StatusFailed, reason, ""); err != nil {
			logger.From(ctx).Error("transaction status update failed", "reference", req.reference, "err", err)
		}
		e.emit(ctx, notify.Event{
			Type:        notify.EventPaymentFailed,
			ChamaID:     caller.ChamaID,
			MemberID:    caller.MemberID,
			AmountMinor: req.amountMinor,
			Reference:   req.reference,
			Message:     reason,
		})
		return Result{}, dispatchErr
	}

	status := StatusProcessing
	if res.Status == payout.DispatchAccepted {
		status = StatusCompleted
	}
	if err := e.txs.UpdateStatus(ctx, req.reference, status, "", res.ProviderRef); err != nil {
		logger.From(ctx).Error("transaction status update failed", "reference", req.reference, "err", err)
	}

	return Result{
		Success:   true,
		Message:   req.successMsg,
		Reference: req.reference,
		Status:    status,
		Balances:  e.balancesOf(ctx, caller.ChamaID, caller.MemberID),
	}, nil
}

/* ===================== LOCK / UNLOCK ===================== */

// Lock sets the target member's withdrawal gate. Admin or chairman only;
// unauthorized callers cause no ledger entry and no state change.
func (e *Engine) Lock(ctx context.Context, caller Identity, targetMemberID string) (Result, error) {
	return e.setLock(ctx, caller, targetMemberID, true)
}

// Unlock clears the gate and notifies the member.
func (e *Engine) Unlock(ctx context.Context, caller Identity, targetMemberID string) (Result, error) {
	return e.setLock(ctx, caller, targetMemberID, false)
}

func (e *Engine) setLock(ctx context.Context, caller Identity, targetMemberID string, locked bool) (Result, error) {
	if !caller.valid() || targetMemberID == "" {
		return Result{}, ErrInvalidArgument
	}
	if !rbac.CanManageWithdrawals(caller.Role) {
		return Result{}, ErrUnauthorized
	}

	if _, err := e.store.SetWithdrawalLock(ctx, caller.ChamaID, targetMemberID, locked); err != nil {
		return Result{}, err
	}

	action := ledger.ActionLockWithdrawal
	message := "Withdrawals locked"
	if !locked {
		action = ledger.ActionUnlockWithdrawal
		message = "Withdrawals unlocked"
	}

	if _, err := e.ledger.Append(ctx, ledger.Entry{
		ChamaID:        caller.ChamaID,
		ActorID:        caller.MemberID,
		Action:         action,
		TargetMemberID: targetMemberID,
		Details: ledger.Details{
			Outcome: string(StatusCompleted),
			Note:    "actor role: " + caller.Role,
		},
	}); err != nil {
		return Result{}, err
	}

	if !locked {
		e.emit(ctx, notify.Event{
			Type:     notify.EventWithdrawalUnlocked,
			ChamaID:  caller.ChamaID,
			MemberID: targetMemberID,
			Message:  "Your withdrawals have been unlocked",
		})
	}

	return Result{Success: true, Message: message, Status: StatusCompleted}, nil
}

/* ===================== PENDING CHARGES ===================== */

// CreatePendingCharge registers an inbound provider charge (wallet top-up or
// chama purchase) so the Settlement Reconciler can match its callback by
// reference. No balance moves until settlement confirms.
func (e *Engine) CreatePendingCharge(ctx context.Context, caller Identity, amountMinor int64, purpose Purpose, method Method) (Result, error) {
	if !caller.valid() || amountMinor <= 0 || !method.External() {
		return Result{}, ErrInvalidArgument
	}
	if purpose != PurposeWalletTopUp && purpose != PurposeChamaPurchase {
		return Result{}, fmt.Errorf("%w: purpose %q cannot be charged", ErrInvalidArgument, purpose)
	}

	now := e.clock().UTC()
	reference := uuid.NewString()
	t := Transaction{
		ID:          uuid.NewString(),
		Reference:   reference,
		ChamaID:     caller.ChamaID,
		MemberID:    caller.MemberID,
		Purpose:     purpose,
		Method:      method,
		AmountMinor: amountMinor,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if purpose == PurposeChamaPurchase {
		t.ExpectedMinor = amountMinor
	}
	if err := e.txs.Create(ctx, t); err != nil {
		return Result{}, err
	}
	return Result{
		Success:   true,
		Message:   "Charge registered",
		Reference: reference,
		Status:    StatusPending,
	}, nil
}

/* ===================== INTERNAL ===================== */

// reverseDebit is the single compensating-transaction primitive: credit the
// debited amount back and write the reversal entry. After it returns nil the
// post-operation balance equals the pre-operation balance exactly.
func (e *Engine) reverseDebit(ctx context.Context, caller Identity, original ledger.Action, amountMinor int64, reference, reason string) error {
	applied, err := e.store.Apply(ctx,
		wallet.Leg{Account: wallet.DisbursementAccount(caller.ChamaID, caller.MemberID), DeltaMinor: amountMinor},
	)
	if err != nil {
		// Money is committed out of the wallet with no reversal. This must
		// never be silent.
		logger.From(ctx).Error("compensating reversal failed",
			"chama_id", caller.ChamaID,
			"member_id", caller.MemberID,
			"reference", reference,
			"amount_minor", amountMinor,
			"err", err,
		)
		return fmt.Errorf("compensating reversal failed: %w", err)
	}
	if _, err := e.ledger.Append(ctx, ledger.Entry{
		ChamaID:     caller.ChamaID,
		ActorID:     caller.MemberID,
		Action:      ledger.ActionSettlementReversal,
		AmountMinor: amountMinor,
		Details: ledger.Details{
			Reference: reference,
			Outcome:   string(StatusReversed),
			Note:      reason + " (reversal of " + string(original) + ")",
			Legs:      ledger.LegsFromApplied(applied),
		},
	}); err != nil {
		logger.From(ctx).Error("reversal ledger append failed", "reference", reference, "err", err)
		return err
	}
	return nil
}

// appendEntry writes the ledger entry for committed legs. If the append
// fails, the legs are unwound so the books and the balances cannot diverge.
func (e *Engine) appendEntry(ctx context.Context, entry ledger.Entry, applied []wallet.AppliedLeg) error {
	if _, err := e.ledger.Append(ctx, entry); err != nil {
		undo := make([]wallet.Leg, len(applied))
		for i, a := range applied {
			undo[i] = wallet.Leg{Account: a.Account, DeltaMinor: a.BeforeMinor - a.AfterMinor}
		}
		if _, undoErr := e.store.Apply(ctx, undo...); undoErr != nil {
			logger.From(ctx).Error("ledger append and unwind both failed", "err", err, "undo_err", undoErr)
		}
		return err
	}
	return nil
}

func (e *Engine) balancesOf(ctx context.Context, chamaID, memberID string) *Balances {
	w, err := e.store.GetWallet(ctx, chamaID, memberID)
	if err != nil {
		return nil
	}
	return &Balances{SavingsMinor: w.SavingsMinor, DisbursementMinor: w.DisbursementMinor}
}

func (e *Engine) emit(ctx context.Context, ev notify.Event) {
	if e.emitter == nil {
		return
	}
	if err := e.emitter.Emit(ctx, ev); err != nil {
		logger.From(ctx).Error("notification emit failed", "type", string(ev.Type), "err", err)
	}
}

// providerReason strips the sentinel prefix so members see the provider's own
// words.
func providerReason(err error) string {
	msg := err.Error()
	const prefix = "payout: dispatch failed: "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}
