package settlement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chama-platform/internal/fees"
	"chama-platform/internal/ledger"
	"chama-platform/internal/notify"
	"chama-platform/internal/transfer"
	"chama-platform/internal/wallet"

	"github.com/google/uuid"
)

type reconcilerHarness struct {
	reconciler *Reconciler
	events     *MemoryEventRepository
	txs        *transfer.MemoryTransactionRepo
	store      *wallet.MemoryStore
	ledgerRepo *ledger.MemoryRepo
	ownership  *MemoryOwnershipRepository
	emitter    *notify.MemoryEmitter
}

func newReconcilerHarness(t *testing.T) *reconcilerHarness {
	t.Helper()
	h := &reconcilerHarness{
		events:     NewMemoryEventRepository(),
		txs:        transfer.NewMemoryTransactionRepo(),
		store:      wallet.NewMemoryStore(),
		ledgerRepo: ledger.NewMemoryRepo(),
		ownership:  NewMemoryOwnershipRepository(),
		emitter:    notify.NewMemoryEmitter(),
	}
	h.reconciler = NewReconciler(
		h.events,
		h.txs,
		h.store,
		ledger.NewWriter(h.ledgerRepo),
		h.ownership,
		h.emitter,
		fees.Policy{BasisPoints: 150, CapMinor: 30000},
		100,
	)
	if _, err := h.store.CreateWallet(context.Background(), "ch1", "m1"); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return h
}

func (h *reconcilerHarness) pendingTx(t *testing.T, reference string, purpose transfer.Purpose, amount, expected int64, status transfer.Status) {
	t.Helper()
	now := time.Now().UTC()
	if err := h.txs.Create(context.Background(), transfer.Transaction{
		ID:            uuid.NewString(),
		Reference:     reference,
		ChamaID:       "ch1",
		MemberID:      "m1",
		Purpose:       purpose,
		Method:        transfer.MethodMpesa,
		AmountMinor:   amount,
		Status:        status,
		ExpectedMinor: expected,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
}

func (h *reconcilerHarness) wallet(t *testing.T) wallet.Wallet {
	t.Helper()
	w, err := h.store.GetWallet(context.Background(), "ch1", "m1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return w
}

// flakyLedgerRepo accepts a fixed number of appends, then refuses.
type flakyLedgerRepo struct {
	*ledger.MemoryRepo
	allow int
}

func (r *flakyLedgerRepo) Append(ctx context.Context, e ledger.Entry) error {
	if r.allow <= 0 {
		return errors.New("ledger unavailable")
	}
	r.allow--
	return r.MemoryRepo.Append(ctx, e)
}

func (h *reconcilerHarness) useLedger(t *testing.T, repo ledger.Repository) {
	t.Helper()
	h.reconciler = NewReconciler(
		h.events,
		h.txs,
		h.store,
		ledger.NewWriter(repo),
		h.ownership,
		h.emitter,
		fees.Policy{BasisPoints: 150, CapMinor: 30000},
		100,
	)
}

func successEvent(reference string, amount int64) ProviderEvent {
	return ProviderEvent{
		Event:       EventChargeSuccess,
		Reference:   reference,
		AmountMinor: amount,
		Channel:     "mpesa",
		Raw:         []byte(`{"event":"charge.success"}`),
	}
}

func TestProcess_TopUpCreditsNetAndBooksFee(t *testing.T) {
	h := newReconcilerHarness(t)
	h.pendingTx(t, "R1", transfer.PurposeWalletTopUp, 1000, 0, transfer.StatusPending)
	ctx := context.Background()

	rec, err := h.reconciler.Process(ctx, successEvent("R1", 1000))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rec.Disposition != DispositionApplied {
		t.Fatalf("expected applied, got %s", rec.Disposition)
	}

	// 150bps of 1000 is 15; net and fee must sum back to gross.
	if got := h.wallet(t).SavingsMinor; got != 985 {
		t.Fatalf("expected savings 985, got %d", got)
	}
	pool, err := h.store.Balance(ctx, wallet.PoolAccount("ch1"))
	if err != nil || pool != 985 {
		t.Fatalf("expected pool 985, got %d (%v)", pool, err)
	}
	central, err := h.store.Balance(ctx, wallet.CentralAccount())
	if err != nil || central != 15 {
		t.Fatalf("expected central 15, got %d (%v)", central, err)
	}

	entries := h.ledgerRepo.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected credit + fee entries, got %d", len(entries))
	}
	if entries[0].Action != ledger.ActionSettlementCredit || entries[0].AmountMinor != 985 {
		t.Fatalf("unexpected credit entry: %+v", entries[0])
	}
	if entries[1].Action != ledger.ActionPlatformFee || entries[1].AmountMinor != 15 {
		t.Fatalf("unexpected fee entry: %+v", entries[1])
	}

	tx, _ := h.txs.FindByReference(ctx, "R1")
	if tx.Status != transfer.StatusCompleted {
		t.Fatalf("expected completed transaction, got %s", tx.Status)
	}
	e, ok := h.events.Get("R1")
	if !ok || e.Status != StatusCompleted {
		t.Fatalf("expected completed settlement record, got %+v", e)
	}

	evs := h.emitter.Events()
	if len(evs) != 1 || evs[0].Type != notify.EventPaymentSuccess || evs[0].AmountMinor != 985 {
		t.Fatalf("expected payment_success for net amount, got %+v", evs)
	}
}

func TestProcess_RedeliveryIsRecordedDuplicateWithNoBalanceChange(t *testing.T) {
	h := newReconcilerHarness(t)
	h.pendingTx(t, "R1", transfer.PurposeWalletTopUp, 1000, 0, transfer.StatusPending)
	ctx := context.Background()

	const deliveries = 4
	for i := 0; i < deliveries; i++ {
		rec, err := h.reconciler.Process(ctx, successEvent("R1", 1000))
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		want := DispositionDuplicate
		if i == 0 {
			want = DispositionApplied
		}
		if rec.Disposition != want {
			t.Fatalf("delivery %d: expected %s, got %s", i, want, rec.Disposition)
		}
	}

	if got := h.wallet(t).SavingsMinor; got != 985 {
		t.Fatalf("expected exactly one credit, savings %d", got)
	}
	dups, err := h.events.Duplicates(ctx, "R1")
	if err != nil {
		t.Fatalf("duplicates: %v", err)
	}
	if len(dups) != deliveries-1 {
		t.Fatalf("expected %d duplicate records, got %d", deliveries-1, len(dups))
	}
}

func TestProcess_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	h := newReconcilerHarness(t)
	h.pendingTx(t, "R1", transfer.PurposeWalletTopUp, 1000, 0, transfer.StatusPending)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	applied := make(chan Disposition, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := h.reconciler.Process(ctx, successEvent("R1", 1000))
			if err != nil {
				t.Errorf("process: %v", err)
				return
			}
			applied <- rec.Disposition
		}()
	}
	wg.Wait()
	close(applied)

	var wins int
	for d := range applied {
		if d == DispositionApplied {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one applied delivery, got %d", wins)
	}
	if got := h.wallet(t).SavingsMinor; got != 985 {
		t.Fatalf("expected a single credit, savings %d", got)
	}
}

func TestProcess_PurchaseWithinToleranceGrantsOnce(t *testing.T) {
	h := newReconcilerHarness(t)
	h.pendingTx(t, "P1", transfer.PurposeChamaPurchase, 5000, 5000, transfer.StatusPending)
	ctx := context.Background()

	rec, err := h.reconciler.Process(ctx, successEvent("P1", 4950))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rec.Disposition != DispositionApplied {
		t.Fatalf("expected applied, got %s", rec.Disposition)
	}
	owner, ok := h.ownership.Owner("ch1")
	if !ok || owner != "m1" {
		t.Fatalf("expected m1 as owner, got %q (%v)", owner, ok)
	}

	evs := h.emitter.Events()
	if len(evs) != 1 || evs[0].Type != notify.EventChamaPurchased {
		t.Fatalf("expected chama_purchased, got %+v", evs)
	}

	// Redelivery must not re-grant or emit again.
	rec, err = h.reconciler.Process(ctx, successEvent("P1", 4950))
	if err != nil || rec.Disposition != DispositionDuplicate {
		t.Fatalf("expected duplicate, got %+v (%v)", rec, err)
	}
	if len(h.emitter.Events()) != 1 {
		t.Fatalf("duplicate delivery emitted a notification")
	}
}

func TestProcess_PurchaseAmountMismatchNeverGrants(t *testing.T) {
	h := newReconcilerHarness(t)
	h.pendingTx(t, "P1", transfer.PurposeChamaPurchase, 5000, 5000, transfer.StatusPending)
	ctx := context.Background()

	rec, err := h.reconciler.Process(ctx, successEvent("P1", 4000))
	if err != nil {
		t.Fatalf("mismatch is acknowledged, not errored: %v", err)
	}
	if rec.Disposition != DispositionFailed || !strings.Contains(rec.Reason, "amount mismatch") {
		t.Fatalf("unexpected receipt: %+v", rec)
	}
	if _, ok := h.ownership.Owner("ch1"); ok {
		t.Fatalf("mismatch must never grant ownership")
	}

	tx, _ := h.txs.FindByReference(ctx, "P1")
	if tx.Status != transfer.StatusFailed || !strings.Contains(tx.FailureReason, "amount mismatch") {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	e, _ := h.events.Get("P1")
	if e.Status != StatusFailed {
		t.Fatalf("expected failed settlement record, got %s", e.Status)
	}
}

func TestProcess_FailureReversesCommittedOutboundDebit(t *testing.T) {
	h := newReconcilerHarness(t)
	h.pendingTx(t, "W1", transfer.PurposeWithdrawal, 1000, 0, transfer.StatusProcessing)
	ctx := context.Background()

	rec, err := h.reconciler.Process(ctx, ProviderEvent{
		Event:     EventChargeFailed,
		Reference: "W1",
		Channel:   "mpesa",
		Message:   "Recipient unreachable. Available balance is 40.00",
		Raw:       []byte(`{"event":"charge.failed"}`),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rec.Disposition != DispositionFailed {
		t.Fatalf("expected failed, got %s", rec.Disposition)
	}

	if got := h.wallet(t).DisbursementMinor; got != 1000 {
		t.Fatalf("expected debit credited back, got %d", got)
	}

	entries := h.ledgerRepo.Entries()
	if len(entries) != 1 || entries[0].Action != ledger.ActionSettlementReversal {
		t.Fatalf("expected one reversal entry, got %+v", entries)
	}
	if !strings.Contains(entries[0].Details.Note, "reported available balance 40.00") {
		t.Fatalf("expected extracted balance in note, got %q", entries[0].Details.Note)
	}

	tx, _ := h.txs.FindByReference(ctx, "W1")
	if tx.Status != transfer.StatusFailed || tx.FailureReason != "Recipient unreachable. Available balance is 40.00" {
		t.Fatalf("provider reason must survive verbatim: %+v", tx)
	}

	evs := h.emitter.Events()
	if len(evs) != 1 || evs[0].Type != notify.EventPaymentFailed {
		t.Fatalf("expected payment_failed, got %+v", evs)
	}
}

func TestProcess_FailureOnInboundChargeLeavesBalancesAlone(t *testing.T) {
	h := newReconcilerHarness(t)
	h.pendingTx(t, "R1", transfer.PurposeWalletTopUp, 1000, 0, transfer.StatusPending)
	ctx := context.Background()

	rec, err := h.reconciler.Process(ctx, ProviderEvent{
		Event:     EventChargeFailed,
		Reference: "R1",
		Metadata:  map[string]string{"reason": "card declined"},
		Raw:       []byte(`{"event":"charge.failed"}`),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rec.Disposition != DispositionFailed || rec.Reason != "card declined" {
		t.Fatalf("unexpected receipt: %+v", rec)
	}

	w := h.wallet(t)
	if w.SavingsMinor != 0 || w.DisbursementMinor != 0 {
		t.Fatalf("inbound failure must not move money: %+v", w)
	}
	tx, _ := h.txs.FindByReference(ctx, "R1")
	if tx.Status != transfer.StatusFailed || tx.FailureReason != "card declined" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
}

func TestProcess_LedgerOutageUnwindsSettlementCredit(t *testing.T) {
	h := newReconcilerHarness(t)
	h.useLedger(t, &flakyLedgerRepo{MemoryRepo: h.ledgerRepo, allow: 0})
	h.pendingTx(t, "R1", transfer.PurposeWalletTopUp, 1000, 0, transfer.StatusPending)
	ctx := context.Background()

	if _, err := h.reconciler.Process(ctx, successEvent("R1", 1000)); err == nil {
		t.Fatalf("expected error when the ledger refuses the entry")
	}

	// Every balance the credit touched must be back where it started so the
	// ledger still replays to the books.
	w := h.wallet(t)
	if w.SavingsMinor != 0 {
		t.Fatalf("expected savings unwound to 0, got %d", w.SavingsMinor)
	}
	pool, _ := h.store.Balance(ctx, wallet.PoolAccount("ch1"))
	if pool != 0 {
		t.Fatalf("expected pool unwound to 0, got %d", pool)
	}
	central, _ := h.store.Balance(ctx, wallet.CentralAccount())
	if central != 0 {
		t.Fatalf("expected central unwound to 0, got %d", central)
	}
	if len(h.ledgerRepo.Entries()) != 0 {
		t.Fatalf("expected no ledger entries, got %d", len(h.ledgerRepo.Entries()))
	}
	e, _ := h.events.Get("R1")
	if e.Status != StatusFailed {
		t.Fatalf("expected failed settlement record, got %s", e.Status)
	}
	if len(h.emitter.Events()) != 0 {
		t.Fatalf("unwound settlement must not notify success")
	}
}

func TestProcess_FeeEntryFailureUnwindsOnlyFeeLeg(t *testing.T) {
	h := newReconcilerHarness(t)
	h.useLedger(t, &flakyLedgerRepo{MemoryRepo: h.ledgerRepo, allow: 1})
	h.pendingTx(t, "R1", transfer.PurposeWalletTopUp, 1000, 0, transfer.StatusPending)
	ctx := context.Background()

	rec, err := h.reconciler.Process(ctx, successEvent("R1", 1000))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rec.Disposition != DispositionApplied {
		t.Fatalf("expected applied, got %s", rec.Disposition)
	}

	// The member's credit is already on the ledger; only the unrecorded fee
	// gives way.
	w := h.wallet(t)
	if w.SavingsMinor != 985 {
		t.Fatalf("expected savings 985, got %d", w.SavingsMinor)
	}
	pool, _ := h.store.Balance(ctx, wallet.PoolAccount("ch1"))
	if pool != 985 {
		t.Fatalf("expected pool 985, got %d", pool)
	}
	central, _ := h.store.Balance(ctx, wallet.CentralAccount())
	if central != 0 {
		t.Fatalf("expected uncollected fee unwound, central %d", central)
	}
	entries := h.ledgerRepo.Entries()
	if len(entries) != 1 || entries[0].Action != ledger.ActionSettlementCredit {
		t.Fatalf("expected only the credit entry, got %+v", entries)
	}
	e, _ := h.events.Get("R1")
	if e.Status != StatusCompleted || !strings.Contains(e.Note, "platform fee not booked") {
		t.Fatalf("expected completed record noting the missing fee, got %+v", e)
	}
}

func TestProcess_LedgerOutageUnwindsFailureReversal(t *testing.T) {
	h := newReconcilerHarness(t)
	h.useLedger(t, &flakyLedgerRepo{MemoryRepo: h.ledgerRepo, allow: 0})
	h.pendingTx(t, "W1", transfer.PurposeWithdrawal, 1000, 0, transfer.StatusProcessing)
	ctx := context.Background()

	_, err := h.reconciler.Process(ctx, ProviderEvent{
		Event:     EventChargeFailed,
		Reference: "W1",
		Message:   "Recipient unreachable",
		Raw:       []byte(`{"event":"charge.failed"}`),
	})
	if err == nil {
		t.Fatalf("expected error when the reversal entry cannot be written")
	}
	if got := h.wallet(t).DisbursementMinor; got != 0 {
		t.Fatalf("expected reversal credit unwound, got %d", got)
	}
	if len(h.ledgerRepo.Entries()) != 0 {
		t.Fatalf("expected no ledger entries, got %d", len(h.ledgerRepo.Entries()))
	}
	e, _ := h.events.Get("W1")
	if e.Status != StatusFailed {
		t.Fatalf("expected failed settlement record, got %s", e.Status)
	}
}

func TestProcess_PurchaseForOwnedChamaIsRecordedNoOp(t *testing.T) {
	h := newReconcilerHarness(t)
	h.pendingTx(t, "P1", transfer.PurposeChamaPurchase, 5000, 5000, transfer.StatusPending)
	h.pendingTx(t, "P2", transfer.PurposeChamaPurchase, 5000, 5000, transfer.StatusPending)
	ctx := context.Background()

	if _, err := h.reconciler.Process(ctx, successEvent("P1", 5000)); err != nil {
		t.Fatalf("first purchase: %v", err)
	}

	// A second settled payment with its own reference arrives after ownership
	// is already granted.
	rec, err := h.reconciler.Process(ctx, successEvent("P2", 5000))
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	if rec.Disposition != DispositionSkipped || !strings.Contains(rec.Reason, "already granted") {
		t.Fatalf("expected recorded no-op, got %+v", rec)
	}
	owner, ok := h.ownership.Owner("ch1")
	if !ok || owner != "m1" {
		t.Fatalf("ownership must be untouched, got %q (%v)", owner, ok)
	}

	var purchased int
	for _, ev := range h.emitter.Events() {
		if ev.Type == notify.EventChamaPurchased {
			purchased++
		}
	}
	if purchased != 1 {
		t.Fatalf("expected a single chama_purchased notification, got %d", purchased)
	}

	// The money did settle, so the second payment still completes on record.
	tx, _ := h.txs.FindByReference(ctx, "P2")
	if tx.Status != transfer.StatusCompleted {
		t.Fatalf("expected completed transaction, got %s", tx.Status)
	}
	e, _ := h.events.Get("P2")
	if e.Status != StatusCompleted {
		t.Fatalf("expected completed settlement record, got %s", e.Status)
	}
}

func TestProcess_UnknownReferenceIsSkipped(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	rec, err := h.reconciler.Process(ctx, successEvent("ghost", 1000))
	if err != nil {
		t.Fatalf("unknown reference must be acknowledged: %v", err)
	}
	if rec.Disposition != DispositionSkipped {
		t.Fatalf("expected skipped, got %s", rec.Disposition)
	}
	if len(h.ledgerRepo.Entries()) != 0 {
		t.Fatalf("skip must not write ledger entries")
	}
	w := h.wallet(t)
	if w.SavingsMinor != 0 || w.DisbursementMinor != 0 {
		t.Fatalf("skip must not move money")
	}
}
