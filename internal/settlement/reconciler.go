package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chama-platform/internal/fees"
	"chama-platform/internal/ledger"
	"chama-platform/internal/notify"
	"chama-platform/internal/transfer"
	"chama-platform/internal/wallet"
	"chama-platform/pkg/logger"

	"github.com/google/uuid"
)

// Disposition is what the reconciler did with one delivery.
type Disposition string

const (
	DispositionApplied   Disposition = "applied"
	DispositionDuplicate Disposition = "duplicate"
	DispositionSkipped   Disposition = "skipped"
	DispositionFailed    Disposition = "failed"
)

// Receipt reports the outcome of processing one delivery. Business failures
// (amount mismatch, unknown reference) land in the Receipt, not in the error:
// the provider is acknowledged either way.
type Receipt struct {
	Disposition Disposition `json:"disposition"`
	Reference   string      `json:"reference"`
	Reason      string      `json:"reason,omitempty"`
}

// Reconciler applies provider settlement events to wallets, exactly once per
// external reference.
type Reconciler struct {
	events    EventRepository
	txs       transfer.TransactionRepository
	store     wallet.Store
	ledger    *ledger.Writer
	ownership OwnershipRepository
	emitter   notify.Emitter

	feePolicy      fees.Policy
	toleranceMinor int64
	clock          func() time.Time
}

func NewReconciler(
	events EventRepository,
	txs transfer.TransactionRepository,
	store wallet.Store,
	lw *ledger.Writer,
	ownership OwnershipRepository,
	emitter notify.Emitter,
	feePolicy fees.Policy,
	toleranceMinor int64,
) *Reconciler {
	if toleranceMinor < 0 {
		toleranceMinor = 0
	}
	return &Reconciler{
		events:         events,
		txs:            txs,
		store:          store,
		ledger:         lw,
		ownership:      ownership,
		emitter:        emitter,
		feePolicy:      feePolicy,
		toleranceMinor: toleranceMinor,
		clock:          time.Now,
	}
}

// Process handles one delivery. The Insert on the settlement record is the
// idempotency gate: whichever delivery creates the row owns the balance
// effect, every other delivery of the same reference is recorded as a
// duplicate and changes nothing.
func (r *Reconciler) Process(ctx context.Context, ev ProviderEvent) (Receipt, error) {
	if ev.Reference == "" || (ev.Event != EventChargeSuccess && ev.Event != EventChargeFailed) {
		return Receipt{}, ErrInvalidEvent
	}

	now := r.clock().UTC()
	first, err := r.events.Insert(ctx, Event{
		ID:                uuid.NewString(),
		ExternalReference: ev.Reference,
		EventType:         ev.Event,
		AmountMinor:       ev.AmountMinor,
		Channel:           ev.Channel,
		Status:            StatusProcessing,
		RawPayload:        ev.Raw,
		CreatedAt:         now,
	})
	if err != nil {
		return Receipt{}, err
	}
	if !first {
		if err := r.events.RecordDuplicate(ctx, Delivery{
			ID:                uuid.NewString(),
			ExternalReference: ev.Reference,
			Status:            StatusDuplicate,
			CreatedAt:         now,
		}); err != nil {
			logger.From(ctx).Error("duplicate delivery record failed", "reference", ev.Reference, "err", err)
		}
		return Receipt{Disposition: DispositionDuplicate, Reference: ev.Reference}, nil
	}

	tx, err := r.txs.FindByReference(ctx, ev.Reference)
	if errors.Is(err, transfer.ErrTransactionNotFound) {
		// Never guess intent for a reference this platform did not issue.
		logger.From(ctx).Warn("settlement for unknown reference",
			"reference", ev.Reference,
			"event", ev.Event,
			"amount_minor", ev.AmountMinor,
		)
		r.finish(ctx, ev.Reference, StatusFailed, "no originating transaction")
		return Receipt{Disposition: DispositionSkipped, Reference: ev.Reference, Reason: "no originating transaction"}, nil
	}
	if err != nil {
		return Receipt{}, err
	}

	if ev.Event == EventChargeFailed {
		return r.applyFailure(ctx, ev, tx)
	}

	switch tx.Purpose {
	case transfer.PurposeWalletTopUp:
		return r.applyTopUp(ctx, ev, tx)
	case transfer.PurposeChamaPurchase:
		return r.applyPurchase(ctx, ev, tx)
	default:
		return r.applyPayoutConfirmation(ctx, ev, tx)
	}
}

// applyTopUp credits the member for the net amount and books the platform fee
// in the same atomic Apply. Net and fee come from one Split of the same
// gross, so they sum back to it exactly. The pool leg tracks the chama's
// cumulative confirmed contributions.
func (r *Reconciler) applyTopUp(ctx context.Context, ev ProviderEvent, tx transfer.Transaction) (Receipt, error) {
	net, fee := r.feePolicy.Split(ev.AmountMinor)

	legs := []wallet.Leg{
		{Account: wallet.SavingsAccount(tx.ChamaID, tx.MemberID), DeltaMinor: net},
		{Account: wallet.PoolAccount(tx.ChamaID), DeltaMinor: net},
	}
	if fee > 0 {
		legs = append(legs, wallet.Leg{Account: wallet.CentralAccount(), DeltaMinor: fee})
	}
	applied, err := r.store.Apply(ctx, legs...)
	if err != nil {
		r.finish(ctx, ev.Reference, StatusFailed, "credit failed: "+err.Error())
		return Receipt{}, err
	}
	// The member/pool credit and the fee are one committed unit, so a failed
	// first append unwinds all legs including the fee.
	if err := r.appendOrUnwind(ctx, ledger.Entry{
		ChamaID:     tx.ChamaID,
		ActorID:     tx.MemberID,
		Action:      ledger.ActionSettlementCredit,
		AmountMinor: net,
		Details: ledger.Details{
			Method:    string(tx.Method),
			Reference: ev.Reference,
			Outcome:   string(StatusCompleted),
			Legs:      ledger.LegsFromApplied(applied[:2]),
		},
	}, applied); err != nil {
		r.finish(ctx, ev.Reference, StatusFailed, "ledger append failed: "+err.Error())
		return Receipt{}, err
	}

	note := ""
	if fee > 0 {
		// The credit entry above is already immutable, so only the fee leg is
		// unwound if its own entry cannot be written.
		if err := r.appendOrUnwind(ctx, ledger.Entry{
			ChamaID:     tx.ChamaID,
			ActorID:     tx.MemberID,
			Action:      ledger.ActionPlatformFee,
			AmountMinor: fee,
			Details: ledger.Details{
				Reference: ev.Reference,
				Outcome:   string(StatusCompleted),
				Note:      fmt.Sprintf("gross %d, net %d", ev.AmountMinor, net),
				Legs:      ledger.LegsFromApplied(applied[2:]),
			},
		}, applied[2:]); err != nil {
			logger.From(ctx).Error("platform fee not booked", "reference", ev.Reference, "fee_minor", fee, "err", err)
			note = "platform fee not booked"
		}
	}

	r.updateTransaction(ctx, ev.Reference, transfer.StatusCompleted, "")
	r.finish(ctx, ev.Reference, StatusCompleted, note)
	r.emit(ctx, notify.Event{
		Type:        notify.EventPaymentSuccess,
		ChamaID:     tx.ChamaID,
		MemberID:    tx.MemberID,
		AmountMinor: net,
		Reference:   ev.Reference,
		Message:     "Your wallet has been credited",
	})
	return Receipt{Disposition: DispositionApplied, Reference: ev.Reference}, nil
}

// applyPurchase verifies the paid amount against the expected amount before
// granting chama ownership. A mismatch is recorded for follow-up and never
// grants; the grant itself is at-most-once even across redeliveries.
func (r *Reconciler) applyPurchase(ctx context.Context, ev ProviderEvent, tx transfer.Transaction) (Receipt, error) {
	diff := ev.AmountMinor - tx.ExpectedMinor
	if diff < 0 {
		diff = -diff
	}
	if diff > r.toleranceMinor {
		reason := fmt.Sprintf("amount mismatch: expected %d, paid %d", tx.ExpectedMinor, ev.AmountMinor)
		r.updateTransaction(ctx, ev.Reference, transfer.StatusFailed, reason)
		r.finish(ctx, ev.Reference, StatusFailed, reason)
		if _, err := r.ledger.Append(ctx, ledger.Entry{
			ChamaID:     tx.ChamaID,
			ActorID:     tx.MemberID,
			Action:      ledger.ActionSettlementCredit,
			AmountMinor: ev.AmountMinor,
			Details: ledger.Details{
				Method:    string(tx.Method),
				Reference: ev.Reference,
				Outcome:   string(StatusFailed),
				Note:      reason,
			},
		}); err != nil {
			logger.From(ctx).Error("settlement ledger append failed", "reference", ev.Reference, "err", err)
		}
		return Receipt{Disposition: DispositionFailed, Reference: ev.Reference, Reason: reason}, nil
	}

	granted, err := r.ownership.Grant(ctx, tx.ChamaID, tx.MemberID, ev.Reference)
	if err != nil {
		r.finish(ctx, ev.Reference, StatusFailed, "ownership grant failed: "+err.Error())
		return Receipt{}, err
	}
	note := "chama ownership granted"
	if !granted {
		note = "ownership already granted"
	}

	if _, err := r.ledger.Append(ctx, ledger.Entry{
		ChamaID:     tx.ChamaID,
		ActorID:     tx.MemberID,
		Action:      ledger.ActionSettlementCredit,
		AmountMinor: ev.AmountMinor,
		Details: ledger.Details{
			Method:    string(tx.Method),
			Reference: ev.Reference,
			Outcome:   string(StatusCompleted),
			Note:      note,
		},
	}); err != nil {
		logger.From(ctx).Error("settlement ledger append failed", "reference", ev.Reference, "err", err)
		return Receipt{}, err
	}

	r.updateTransaction(ctx, ev.Reference, transfer.StatusCompleted, "")
	r.finish(ctx, ev.Reference, StatusCompleted, note)

	// A payment for a chama whose ownership is already granted settles as a
	// recorded no-op, not a fresh purchase confirmation.
	if !granted {
		return Receipt{Disposition: DispositionSkipped, Reference: ev.Reference, Reason: note}, nil
	}

	r.emit(ctx, notify.Event{
		Type:        notify.EventChamaPurchased,
		ChamaID:     tx.ChamaID,
		MemberID:    tx.MemberID,
		AmountMinor: ev.AmountMinor,
		Reference:   ev.Reference,
		Message:     "Chama purchase confirmed",
	})
	return Receipt{Disposition: DispositionApplied, Reference: ev.Reference}, nil
}

// applyPayoutConfirmation settles an outbound transfer whose debit is already
// committed. The rail confirmed delivery, so no balance moves here.
func (r *Reconciler) applyPayoutConfirmation(ctx context.Context, ev ProviderEvent, tx transfer.Transaction) (Receipt, error) {
	if _, err := r.ledger.Append(ctx, ledger.Entry{
		ChamaID:     tx.ChamaID,
		ActorID:     tx.MemberID,
		Action:      ledger.ActionSettlementCredit,
		AmountMinor: tx.AmountMinor,
		Details: ledger.Details{
			Method:    string(tx.Method),
			Reference: ev.Reference,
			Outcome:   string(StatusCompleted),
			Note:      "payout confirmed by rail",
		},
	}); err != nil {
		logger.From(ctx).Error("settlement ledger append failed", "reference", ev.Reference, "err", err)
		return Receipt{}, err
	}

	r.updateTransaction(ctx, ev.Reference, transfer.StatusCompleted, "")
	r.finish(ctx, ev.Reference, StatusCompleted, "")
	r.emit(ctx, notify.Event{
		Type:        notify.EventPaymentSuccess,
		ChamaID:     tx.ChamaID,
		MemberID:    tx.MemberID,
		AmountMinor: tx.AmountMinor,
		Reference:   ev.Reference,
		Message:     "Your transfer has been delivered",
	})
	return Receipt{Disposition: DispositionApplied, Reference: ev.Reference}, nil
}

// applyFailure marks the originating transaction failed with the provider's
// own words. For outbound transfers the committed debit is credited back; for
// inbound charges nothing ever left the wallet, so only the records change.
func (r *Reconciler) applyFailure(ctx context.Context, ev ProviderEvent, tx transfer.Transaction) (Receipt, error) {
	reason := failureReason(ev)
	note := reason
	if bal, ok := ReportedBalance(reason); ok {
		note = reason + " (reported available balance " + bal + ")"
	}

	outbound := tx.Purpose == transfer.PurposeWithdrawal || tx.Purpose == transfer.PurposePeerSend
	if outbound && debitCommitted(tx.Status) {
		applied, err := r.store.Apply(ctx,
			wallet.Leg{Account: wallet.DisbursementAccount(tx.ChamaID, tx.MemberID), DeltaMinor: tx.AmountMinor},
		)
		if err != nil {
			logger.From(ctx).Error("settlement reversal failed",
				"reference", ev.Reference,
				"chama_id", tx.ChamaID,
				"member_id", tx.MemberID,
				"amount_minor", tx.AmountMinor,
				"err", err,
			)
			r.finish(ctx, ev.Reference, StatusFailed, "reversal failed: "+err.Error())
			return Receipt{}, err
		}
		if err := r.appendOrUnwind(ctx, ledger.Entry{
			ChamaID:     tx.ChamaID,
			ActorID:     tx.MemberID,
			Action:      ledger.ActionSettlementReversal,
			AmountMinor: tx.AmountMinor,
			Details: ledger.Details{
				Method:    string(tx.Method),
				Reference: ev.Reference,
				Outcome:   string(transfer.StatusReversed),
				Note:      note,
				Legs:      ledger.LegsFromApplied(applied),
			},
		}, applied); err != nil {
			r.finish(ctx, ev.Reference, StatusFailed, "reversal ledger append failed: "+err.Error())
			return Receipt{}, err
		}
	} else {
		if _, err := r.ledger.Append(ctx, ledger.Entry{
			ChamaID:     tx.ChamaID,
			ActorID:     tx.MemberID,
			Action:      ledger.ActionSettlementReversal,
			AmountMinor: ev.AmountMinor,
			Details: ledger.Details{
				Method:    string(tx.Method),
				Reference: ev.Reference,
				Outcome:   string(StatusFailed),
				Note:      note,
			},
		}); err != nil {
			logger.From(ctx).Error("settlement ledger append failed", "reference", ev.Reference, "err", err)
			return Receipt{}, err
		}
	}

	r.updateTransaction(ctx, ev.Reference, transfer.StatusFailed, reason)
	r.finish(ctx, ev.Reference, StatusFailed, note)
	r.emit(ctx, notify.Event{
		Type:        notify.EventPaymentFailed,
		ChamaID:     tx.ChamaID,
		MemberID:    tx.MemberID,
		AmountMinor: tx.AmountMinor,
		Reference:   ev.Reference,
		Message:     reason,
	})
	return Receipt{Disposition: DispositionFailed, Reference: ev.Reference, Reason: reason}, nil
}

// NoteDuplicate records a delivery that an upstream guard (the Redis
// first-delivery check) already identified as a duplicate, without touching
// balances or the unique settlement record.
func (r *Reconciler) NoteDuplicate(ctx context.Context, reference string) Receipt {
	if err := r.events.RecordDuplicate(ctx, Delivery{
		ID:                uuid.NewString(),
		ExternalReference: reference,
		Status:            StatusDuplicate,
		CreatedAt:         r.clock().UTC(),
	}); err != nil {
		logger.From(ctx).Error("duplicate delivery record failed", "reference", reference, "err", err)
	}
	return Receipt{Disposition: DispositionDuplicate, Reference: reference}
}

// appendOrUnwind writes the ledger entry for committed legs. If the append
// fails, the legs are unwound so balances never drift from what the ledger
// can replay.
func (r *Reconciler) appendOrUnwind(ctx context.Context, entry ledger.Entry, applied []wallet.AppliedLeg) error {
	if _, err := r.ledger.Append(ctx, entry); err != nil {
		undo := make([]wallet.Leg, len(applied))
		for i, a := range applied {
			undo[i] = wallet.Leg{Account: a.Account, DeltaMinor: a.BeforeMinor - a.AfterMinor}
		}
		if _, undoErr := r.store.Apply(ctx, undo...); undoErr != nil {
			logger.From(ctx).Error("ledger append and unwind both failed",
				"reference", entry.Details.Reference,
				"err", err,
				"undo_err", undoErr,
			)
		}
		return err
	}
	return nil
}

func (r *Reconciler) finish(ctx context.Context, reference string, status Status, note string) {
	if err := r.events.SetStatus(ctx, reference, status, note); err != nil {
		logger.From(ctx).Error("settlement status update failed", "reference", reference, "err", err)
	}
}

func (r *Reconciler) updateTransaction(ctx context.Context, reference string, status transfer.Status, reason string) {
	if err := r.txs.UpdateStatus(ctx, reference, status, reason, ""); err != nil {
		logger.From(ctx).Error("transaction status update failed", "reference", reference, "err", err)
	}
}

func (r *Reconciler) emit(ctx context.Context, ev notify.Event) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.Emit(ctx, ev); err != nil {
		logger.From(ctx).Error("notification emit failed", "type", string(ev.Type), "err", err)
	}
}

// debitCommitted reports whether an outbound transfer has money out of the
// wallet awaiting settlement.
func debitCommitted(s transfer.Status) bool {
	return s == transfer.StatusProcessing || s == transfer.StatusCompleted
}

func failureReason(ev ProviderEvent) string {
	if ev.Message != "" {
		return ev.Message
	}
	if ev.Metadata != nil {
		if m := ev.Metadata["reason"]; m != "" {
			return m
		}
		if m := ev.Metadata["gateway_response"]; m != "" {
			return m
		}
	}
	return "payment failed"
}
