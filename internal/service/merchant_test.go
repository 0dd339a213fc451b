package service

import (
	"context"
	"errors"
	"testing"

	"github.com/mmeshcher/carsa-system/internal/model"
	"github.com/mmeshcher/carsa-system/internal/repository"
	"github.com/mmeshcher/carsa-system/internal/reward"
)

func int32ptr(v int32) *int32 { return &v }
func boolptr(v bool) *bool    { return &v }

func TestUpdateMerchant_Validation(t *testing.T) {
	svc := newTestService(newFakeBackend(), &stubLedger{})

	_, err := svc.UpdateMerchant(context.Background(), model.MerchantUpdateOperation{
		MerchantID:     "m1",
		IdempotencyKey: "key-1",
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("error = %v, want ErrInvalidRequest when no fields set", err)
	}

	_, err = svc.UpdateMerchant(context.Background(), model.MerchantUpdateOperation{
		MerchantID:      "m1",
		NewCashbackRate: int32ptr(10001),
		IdempotencyKey:  "key-2",
	})
	if !errors.Is(err, reward.ErrInvalidRate) {
		t.Fatalf("error = %v, want ErrInvalidRate", err)
	}
}

func TestUpdateMerchant_Success(t *testing.T) {
	backend := newFakeBackend()
	backend.merchants["m1"] = activeMerchant("m1", 500)
	lc := &stubLedger{}
	svc := newTestService(backend, lc)

	res, err := svc.UpdateMerchant(context.Background(), model.MerchantUpdateOperation{
		MerchantID:      "m1",
		NewCashbackRate: int32ptr(750),
		IsActive:        boolptr(false),
		IdempotencyKey:  "key-1",
	})
	if err != nil {
		t.Fatalf("UpdateMerchant error: %v", err)
	}
	if res.LedgerSignature == "" {
		t.Fatalf("empty ledger signature")
	}

	m := backend.merchants["m1"]
	if m.CashbackRateBps != 750 || m.IsActive {
		t.Fatalf("update not applied: %+v", m)
	}
	if backend.records["key-1"].Status != model.IdempotencyStatusCompleted {
		t.Fatalf("key not completed")
	}
}

func TestUpdateMerchant_ReactivatesInactiveMerchant(t *testing.T) {
	backend := newFakeBackend()
	m := activeMerchant("m1", 500)
	m.IsActive = false
	backend.merchants["m1"] = m
	svc := newTestService(backend, &stubLedger{})

	_, err := svc.UpdateMerchant(context.Background(), model.MerchantUpdateOperation{
		MerchantID:     "m1",
		IsActive:       boolptr(true),
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("UpdateMerchant error: %v", err)
	}
	if !backend.merchants["m1"].IsActive {
		t.Fatalf("merchant not reactivated")
	}
}

func TestUpdateMerchant_PersistenceFailureResumes(t *testing.T) {
	backend := newFakeBackend()
	backend.merchants["m1"] = activeMerchant("m1", 500)
	backend.applyUpdateErr = errStoreDown
	lc := &stubLedger{signature: "sig-upd"}
	svc := newTestService(backend, lc)

	op := model.MerchantUpdateOperation{
		MerchantID:      "m1",
		NewCashbackRate: int32ptr(900),
		IdempotencyKey:  "key-1",
	}

	_, err := svc.UpdateMerchant(context.Background(), op)
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Fatalf("error = %v, want ErrPersistenceFailure", err)
	}

	backend.applyUpdateErr = nil
	res, err := svc.UpdateMerchant(context.Background(), op)
	if err != nil {
		t.Fatalf("resume UpdateMerchant error: %v", err)
	}
	if res.LedgerSignature != "sig-upd" {
		t.Fatalf("signature = %q, want sig-upd", res.LedgerSignature)
	}
	if lc.calls() != 1 {
		t.Fatalf("ledger submits = %d, want 1", lc.calls())
	}
	if backend.merchants["m1"].CashbackRateBps != 900 {
		t.Fatalf("update not applied on resume")
	}
}

func TestRegisterMerchant_Success(t *testing.T) {
	backend := newFakeBackend()
	lc := &stubLedger{}
	svc := newTestService(backend, lc)

	res, err := svc.RegisterMerchant(context.Background(), model.MerchantRegisterOperation{
		WalletAddress:   "merchant-wallet",
		Name:            "Kopi Kenangan",
		Category:        "coffee_shop",
		CashbackRateBps: 500,
		IdempotencyKey:  "key-1",
	})
	if err != nil {
		t.Fatalf("RegisterMerchant error: %v", err)
	}
	if res.MerchantID == "" || res.LedgerSignature == "" {
		t.Fatalf("incomplete result: %+v", res)
	}

	m := backend.merchants[res.MerchantID]
	if m == nil || !m.IsActive || m.CashbackRateBps != 500 {
		t.Fatalf("merchant not persisted: %+v", m)
	}
}

func TestRegisterMerchant_ReplayKeepsMerchantID(t *testing.T) {
	backend := newFakeBackend()
	lc := &stubLedger{}
	svc := newTestService(backend, lc)

	op := model.MerchantRegisterOperation{
		WalletAddress:   "merchant-wallet",
		Name:            "Kopi Kenangan",
		Category:        "coffee_shop",
		CashbackRateBps: 500,
		IdempotencyKey:  "key-1",
	}

	first, err := svc.RegisterMerchant(context.Background(), op)
	if err != nil {
		t.Fatalf("first RegisterMerchant error: %v", err)
	}
	second, err := svc.RegisterMerchant(context.Background(), op)
	if err != nil {
		t.Fatalf("replay RegisterMerchant error: %v", err)
	}

	if first.MerchantID != second.MerchantID || first.LedgerSignature != second.LedgerSignature {
		t.Fatalf("replay result %+v differs from original %+v", second, first)
	}
	if lc.calls() != 1 {
		t.Fatalf("ledger submits = %d, want 1", lc.calls())
	}
	if len(backend.merchants) != 1 {
		t.Fatalf("merchants persisted = %d, want 1", len(backend.merchants))
	}
}

func TestRegisterMerchant_DuplicateWallet(t *testing.T) {
	backend := newFakeBackend()
	backend.merchants["m1"] = activeMerchant("m1", 500)
	lc := &stubLedger{}
	svc := newTestService(backend, lc)

	_, err := svc.RegisterMerchant(context.Background(), model.MerchantRegisterOperation{
		WalletAddress:   "merchant-wallet",
		Name:            "Another Shop",
		Category:        "retail",
		CashbackRateBps: 300,
		IdempotencyKey:  "key-1",
	})
	if !errors.Is(err, repository.ErrMerchantExists) {
		t.Fatalf("error = %v, want ErrMerchantExists", err)
	}
	if lc.calls() != 0 {
		t.Fatalf("ledger must not be called for duplicate wallet")
	}
}

func TestRegisterMerchant_PersistenceFailureResumes(t *testing.T) {
	backend := newFakeBackend()
	backend.createMerchantErr = errStoreDown
	lc := &stubLedger{signature: "sig-reg"}
	svc := newTestService(backend, lc)

	op := model.MerchantRegisterOperation{
		WalletAddress:   "merchant-wallet",
		Name:            "Kopi Kenangan",
		Category:        "coffee_shop",
		CashbackRateBps: 500,
		IdempotencyKey:  "key-1",
	}

	_, err := svc.RegisterMerchant(context.Background(), op)
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Fatalf("error = %v, want ErrPersistenceFailure", err)
	}

	backend.createMerchantErr = nil
	res, err := svc.RegisterMerchant(context.Background(), op)
	if err != nil {
		t.Fatalf("resume RegisterMerchant error: %v", err)
	}
	if res.LedgerSignature != "sig-reg" {
		t.Fatalf("signature = %q, want sig-reg", res.LedgerSignature)
	}
	if lc.calls() != 1 {
		t.Fatalf("ledger submits = %d, want 1", lc.calls())
	}
	if backend.merchants[res.MerchantID] == nil {
		t.Fatalf("merchant not persisted on resume")
	}
}

func TestOperationKindMismatchRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.merchants["m1"] = activeMerchant("m1", 500)
	svc := newTestService(backend, &stubLedger{})

	if _, err := svc.ProcessPurchase(context.Background(), model.PurchaseOperation{
		MerchantID:     "m1",
		CustomerWallet: "customer-wallet",
		FiatAmount:     100,
		IdempotencyKey: "shared-key",
	}); err != nil {
		t.Fatalf("ProcessPurchase error: %v", err)
	}

	_, err := svc.UpdateMerchant(context.Background(), model.MerchantUpdateOperation{
		MerchantID:      "m1",
		NewCashbackRate: int32ptr(100),
		IdempotencyKey:  "shared-key",
	})
	if err == nil {
		t.Fatalf("expected error for reused key with different operation")
	}
}

func TestGetTransactionsByMerchant_UnknownMerchant(t *testing.T) {
	svc := newTestService(newFakeBackend(), &stubLedger{})

	_, err := svc.GetTransactionsByMerchant(context.Background(), "missing")
	if !errors.Is(err, repository.ErrMerchantNotFound) {
		t.Fatalf("error = %v, want ErrMerchantNotFound", err)
	}
}
