package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"chama-platform/internal/ledger"
	"chama-platform/internal/notify"
	"chama-platform/internal/payout"
	"chama-platform/internal/rbac"
	"chama-platform/internal/wallet"
)

type fakeDispatcher struct {
	res   payout.PayoutResult
	err   error
	calls int
}

func (f *fakeDispatcher) InitiatePayout(ctx context.Context, req payout.PayoutRequest) (payout.PayoutResult, error) {
	f.calls++
	if f.err != nil {
		return payout.PayoutResult{}, f.err
	}
	return f.res, nil
}

type harness struct {
	engine     *Engine
	store      *wallet.MemoryStore
	ledgerRepo *ledger.MemoryRepo
	txs        *MemoryTransactionRepo
	dispatcher *fakeDispatcher
	emitter    *notify.MemoryEmitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:      wallet.NewMemoryStore(),
		ledgerRepo: ledger.NewMemoryRepo(),
		txs:        NewMemoryTransactionRepo(),
		dispatcher: &fakeDispatcher{res: payout.PayoutResult{ProviderRef: "PR1", Status: payout.DispatchPending}},
		emitter:    notify.NewMemoryEmitter(),
	}
	h.engine = NewEngine(h.store, ledger.NewWriter(h.ledgerRepo), h.txs, h.dispatcher, h.emitter, time.Second)
	return h
}

func (h *harness) member(t *testing.T, memberID string, savings, disbursement int64) Identity {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.CreateWallet(ctx, "ch1", memberID); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	var legs []wallet.Leg
	if savings > 0 {
		legs = append(legs, wallet.Leg{Account: wallet.SavingsAccount("ch1", memberID), DeltaMinor: savings})
	}
	if disbursement > 0 {
		legs = append(legs, wallet.Leg{Account: wallet.DisbursementAccount("ch1", memberID), DeltaMinor: disbursement})
	}
	if len(legs) > 0 {
		if _, err := h.store.Apply(ctx, legs...); err != nil {
			t.Fatalf("fund wallet: %v", err)
		}
	}
	return Identity{MemberID: memberID, ChamaID: "ch1", Role: rbac.RoleMember}
}

func (h *harness) wallet(t *testing.T, memberID string) wallet.Wallet {
	t.Helper()
	w, err := h.store.GetWallet(context.Background(), "ch1", memberID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return w
}

/* ===================== TOP-UP ===================== */

func TestTopUp_MovesSavingsToDisbursement(t *testing.T) {
	h := newHarness(t)
	caller := h.member(t, "m1", 5000, 0)

	res, err := h.engine.TopUp(context.Background(), caller, 2000)
	if err != nil {
		t.Fatalf("topup: %v", err)
	}
	if !res.Success || res.Status != StatusCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Balances.SavingsMinor != 3000 || res.Balances.DisbursementMinor != 2000 {
		t.Fatalf("unexpected balances: %+v", res.Balances)
	}

	entries := h.ledgerRepo.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Action != ledger.ActionTopUpMGRWallet || e.AmountMinor != 2000 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if len(e.Details.Legs) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(e.Details.Legs))
	}
	if e.Details.Legs[0].BeforeMinor != 5000 || e.Details.Legs[0].AfterMinor != 3000 {
		t.Fatalf("savings leg mismatch: %+v", e.Details.Legs[0])
	}
	if e.Details.Legs[1].BeforeMinor != 0 || e.Details.Legs[1].AfterMinor != 2000 {
		t.Fatalf("disbursement leg mismatch: %+v", e.Details.Legs[1])
	}
}

func TestTopUp_InsufficientSavingsIsSideEffectFree(t *testing.T) {
	h := newHarness(t)
	caller := h.member(t, "m1", 500, 0)

	_, err := h.engine.TopUp(context.Background(), caller, 2000)
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(h.ledgerRepo.Entries()) != 0 {
		t.Fatalf("expected zero ledger entries")
	}
	w := h.wallet(t, "m1")
	if w.SavingsMinor != 500 || w.DisbursementMinor != 0 {
		t.Fatalf("balances mutated: %+v", w)
	}
}

/* ===================== WITHDRAW ===================== */

func TestWithdraw_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	caller := h.member(t, "m1", 0, 1000)

	_, err := h.engine.Withdraw(context.Background(), caller, 1500, MethodMpesa, "254700000000")
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if h.wallet(t, "m1").DisbursementMinor != 1000 {
		t.Fatalf("balance changed")
	}
	if len(h.ledgerRepo.Entries()) != 0 {
		t.Fatalf("expected zero ledger entries")
	}
	if h.dispatcher.calls != 0 {
		t.Fatalf("dispatcher must not be called")
	}
}

func TestWithdraw_LockedMemberIsRejected(t *testing.T) {
	h := newHarness(t)
	caller := h.member(t, "m1", 0, 1000)
	if _, err := h.store.SetWithdrawalLock(context.Background(), "ch1", "m1", true); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, err := h.engine.Withdraw(context.Background(), caller, 500, MethodMpesa, "254700000000")
	if !errors.Is(err, ErrWithdrawalLocked) {
		t.Fatalf("expected ErrWithdrawalLocked, got %v", err)
	}
	if len(h.ledgerRepo.Entries()) != 0 {
		t.Fatalf("expected zero ledger entries")
	}
}

func TestWithdraw_InternalCreditsCentralWallet(t *testing.T) {
	h := newHarness(t)
	caller := h.member(t, "m1", 0, 3000)

	res, err := h.engine.Withdraw(context.Background(), caller, 1200, MethodInternal, "")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if h.wallet(t, "m1").DisbursementMinor != 1800 {
		t.Fatalf("unexpected balance")
	}
	central, err := h.store.Balance(context.Background(), wallet.CentralAccount())
	if err != nil || central != 1200 {
		t.Fatalf("expected central 1200, got %d (%v)", central, err)
	}
	if len(h.ledgerRepo.Entries()) != 1 {
		t.Fatalf("expected one ledger entry")
	}
}

func TestWithdraw_DispatchFailureReversesDebitExactly(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = fmt.Errorf("%w: Your balance is not enough to fulfil this request. Available balance is 40.00", payout.ErrDispatchFailed)
	caller := h.member(t, "m1", 0, 3000)

	_, err := h.engine.Withdraw(context.Background(), caller, 1000, MethodMpesa, "254700000000")
	if !errors.Is(err, payout.ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}

	// Debit-then-reverse symmetry: post-operation balance equals
	// pre-operation balance exactly.
	if got := h.wallet(t, "m1").DisbursementMinor; got != 3000 {
		t.Fatalf("expected 3000 after reversal, got %d", got)
	}

	entries := h.ledgerRepo.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected debit + reversal entries, got %d", len(entries))
	}
	if entries[0].Action != ledger.ActionWithdrawMGRWallet || entries[1].Action != ledger.ActionSettlementReversal {
		t.Fatalf("unexpected actions: %s, %s", entries[0].Action, entries[1].Action)
	}
	if entries[0].Details.Reference != entries[1].Details.Reference {
		t.Fatalf("entries must share the reference")
	}

	tx, err := h.txs.FindByReference(context.Background(), entries[0].Details.Reference)
	if err != nil {
		t.Fatalf("find tx: %v", err)
	}
	if tx.Status != StatusFailed {
		t.Fatalf("expected failed transaction, got %s", tx.Status)
	}
	if tx.FailureReason == "" {
		t.Fatalf("expected provider reason on transaction")
	}

	evs := h.emitter.Events()
	if len(evs) != 1 || evs[0].Type != notify.EventPaymentFailed {
		t.Fatalf("expected payment_failed notification, got %+v", evs)
	}
}

func TestWithdraw_ExternalSuccessLeavesDebitCommitted(t *testing.T) {
	h := newHarness(t)
	caller := h.member(t, "m1", 0, 3000)

	res, err := h.engine.Withdraw(context.Background(), caller, 1000, MethodBank, "0110001122")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Status != StatusProcessing {
		t.Fatalf("expected processing, got %s", res.Status)
	}
	if h.wallet(t, "m1").DisbursementMinor != 2000 {
		t.Fatalf("debit must stay committed while settlement is pending")
	}
	tx, _ := h.txs.FindByReference(context.Background(), res.Reference)
	if tx.Status != StatusProcessing || tx.ProviderRef != "PR1" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
}

/* ===================== SEND ===================== */

func TestSend_InternalMovesBetweenMembers(t *testing.T) {
	h := newHarness(t)
	sender := h.member(t, "m1", 0, 3000)
	h.member(t, "m2", 0, 0)

	res, err := h.engine.Send(context.Background(), sender, 1000, "m2", MethodInternal)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if h.wallet(t, "m1").DisbursementMinor != 2000 {
		t.Fatalf("sender balance wrong")
	}
	if h.wallet(t, "m2").DisbursementMinor != 1000 {
		t.Fatalf("recipient balance wrong")
	}

	entries := h.ledgerRepo.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected two ledger entries, got %d", len(entries))
	}
	if entries[0].Details.Reference != res.Reference || entries[1].Details.Reference != res.Reference {
		t.Fatalf("entries must reference the same logical transfer")
	}

	evs := h.emitter.Events()
	if len(evs) != 1 || evs[0].Type != notify.EventFundsReceived || evs[0].MemberID != "m2" {
		t.Fatalf("expected funds_received for m2, got %+v", evs)
	}
}

func TestSend_RecipientNotFoundReversesDebit(t *testing.T) {
	h := newHarness(t)
	sender := h.member(t, "m1", 0, 3000)

	_, err := h.engine.Send(context.Background(), sender, 1000, "ghost", MethodInternal)
	if !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("expected ErrRecipientNotFound, got %v", err)
	}
	if h.wallet(t, "m1").DisbursementMinor != 3000 {
		t.Fatalf("sender debit not reversed")
	}
	entries := h.ledgerRepo.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected debit + reversal, got %d", len(entries))
	}
	if entries[1].Action != ledger.ActionSettlementReversal {
		t.Fatalf("expected reversal entry, got %s", entries[1].Action)
	}
}

func TestSend_LockGatesExternalOnly(t *testing.T) {
	h := newHarness(t)
	sender := h.member(t, "m1", 0, 3000)
	h.member(t, "m2", 0, 0)
	if _, err := h.store.SetWithdrawalLock(context.Background(), "ch1", "m1", true); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if _, err := h.engine.Send(context.Background(), sender, 500, "254700000000", MethodMpesa); !errors.Is(err, ErrWithdrawalLocked) {
		t.Fatalf("expected ErrWithdrawalLocked for external send, got %v", err)
	}
	// Member-to-member moves stay inside the platform and remain allowed.
	if _, err := h.engine.Send(context.Background(), sender, 500, "m2", MethodInternal); err != nil {
		t.Fatalf("internal send should be allowed while locked: %v", err)
	}
}

/* ===================== LOCK / UNLOCK ===================== */

func TestLock_RequiresAdminOrChairman(t *testing.T) {
	h := newHarness(t)
	member := h.member(t, "m1", 0, 0)
	h.member(t, "m2", 0, 0)

	_, err := h.engine.Lock(context.Background(), member, "m2")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if len(h.ledgerRepo.Entries()) != 0 {
		t.Fatalf("unauthorized lock must write no ledger entries")
	}
	if h.wallet(t, "m2").WithdrawalLocked {
		t.Fatalf("unauthorized lock must not change state")
	}
}

func TestLockUnlock_ByChairman(t *testing.T) {
	h := newHarness(t)
	chairman := h.member(t, "chair", 0, 0)
	chairman.Role = rbac.RoleChairman
	h.member(t, "m2", 0, 0)

	if _, err := h.engine.Lock(context.Background(), chairman, "m2"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !h.wallet(t, "m2").WithdrawalLocked {
		t.Fatalf("expected locked wallet")
	}

	if _, err := h.engine.Unlock(context.Background(), chairman, "m2"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if h.wallet(t, "m2").WithdrawalLocked {
		t.Fatalf("expected unlocked wallet")
	}

	entries := h.ledgerRepo.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected lock + unlock entries, got %d", len(entries))
	}
	if entries[0].Action != ledger.ActionLockWithdrawal || entries[1].Action != ledger.ActionUnlockWithdrawal {
		t.Fatalf("unexpected actions")
	}

	evs := h.emitter.Events()
	if len(evs) != 1 || evs[0].Type != notify.EventWithdrawalUnlocked || evs[0].MemberID != "m2" {
		t.Fatalf("expected withdrawal_unlocked for m2, got %+v", evs)
	}
}

/* ===================== CONSERVATION ===================== */

func TestInternalOperationsConserveTotalValue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m1 := h.member(t, "m1", 5000, 1000)
	h.member(t, "m2", 0, 2000)

	total := func() int64 {
		w1 := h.wallet(t, "m1")
		w2 := h.wallet(t, "m2")
		central, _ := h.store.Balance(ctx, wallet.CentralAccount())
		return w1.SavingsMinor + w1.DisbursementMinor + w2.SavingsMinor + w2.DisbursementMinor + central
	}

	before := total()
	if _, err := h.engine.TopUp(ctx, m1, 3000); err != nil {
		t.Fatalf("topup: %v", err)
	}
	if _, err := h.engine.Send(ctx, m1, 1500, "m2", MethodInternal); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := h.engine.Withdraw(ctx, m1, 800, MethodInternal, ""); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if after := total(); after != before {
		t.Fatalf("value not conserved: before %d after %d", before, after)
	}
}

/* ===================== PENDING CHARGES ===================== */

func TestCreatePendingCharge(t *testing.T) {
	h := newHarness(t)
	caller := h.member(t, "m1", 0, 0)

	res, err := h.engine.CreatePendingCharge(context.Background(), caller, 5000, PurposeChamaPurchase, MethodMpesa)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	tx, err := h.txs.FindByReference(context.Background(), res.Reference)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if tx.Status != StatusPending || tx.ExpectedMinor != 5000 {
		t.Fatalf("unexpected transaction: %+v", tx)
	}

	if _, err := h.engine.CreatePendingCharge(context.Background(), caller, 5000, PurposeWithdrawal, MethodMpesa); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for non-chargeable purpose, got %v", err)
	}
	if _, err := h.engine.CreatePendingCharge(context.Background(), caller, 5000, PurposeWalletTopUp, MethodInternal); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for internal method, got %v", err)
	}
}
