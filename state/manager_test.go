package state_test

import (
	"bytes"
	"math/big"
	"testing"

	escrowpkg "escrowd/native/escrow"
	"escrowd/state"
	"escrowd/storage"
)

func newTestManager(t *testing.T) *state.Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return state.NewManager(db)
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func testEscrow(id uint64) *escrowpkg.Escrow {
	return &escrowpkg.Escrow{
		ID:             id,
		Client:         testAddr(0x01),
		Contractor:     testAddr(0x02),
		Arbitrator:     testAddr(0x03),
		TotalAmount:    big.NewInt(1_000_000),
		ReleasedAmount: big.NewInt(0),
		Status:         escrowpkg.EscrowActive,
		CreatedAt:      1_695_000_000,
		Milestones: []*escrowpkg.Milestone{
			{Description: "phase one", Amount: big.NewInt(400_000), Status: escrowpkg.MilestonePending},
			{Description: "phase two", Amount: big.NewInt(600_000), Status: escrowpkg.MilestonePending},
		},
	}
}

func TestManagerEscrowPutGet(t *testing.T) {
	mgr := newTestManager(t)
	def := testEscrow(3)
	if err := mgr.EscrowPut(def); err != nil {
		t.Fatalf("EscrowPut: %v", err)
	}

	stored, ok := mgr.EscrowGet(3)
	if !ok {
		t.Fatalf("EscrowGet: expected escrow to exist")
	}
	if stored.Client != def.Client || stored.Contractor != def.Contractor || stored.Arbitrator != def.Arbitrator {
		t.Fatalf("addresses mutated during round trip")
	}
	if stored.TotalAmount.Cmp(def.TotalAmount) != 0 {
		t.Fatalf("unexpected total: %s", stored.TotalAmount)
	}
	if stored.TotalAmount == def.TotalAmount {
		t.Fatalf("EscrowGet should not alias the stored amount pointer")
	}
	if stored.CreatedAt != def.CreatedAt {
		t.Fatalf("unexpected createdAt: %d", stored.CreatedAt)
	}
	if len(stored.Milestones) != 2 {
		t.Fatalf("expected 2 milestones, got %d", len(stored.Milestones))
	}
	if stored.Milestones[1].Description != "phase two" || stored.Milestones[1].Amount.Cmp(big.NewInt(600_000)) != 0 {
		t.Fatalf("milestone payload mutated: %+v", stored.Milestones[1])
	}

	if _, ok := mgr.EscrowGet(99); ok {
		t.Fatalf("unknown escrow should not resolve")
	}
}

func TestManagerEscrowPutRejectsInvalid(t *testing.T) {
	mgr := newTestManager(t)
	def := testEscrow(0)
	def.ReleasedAmount = big.NewInt(2_000_000)
	if err := mgr.EscrowPut(def); err == nil {
		t.Fatalf("expected put of over-released escrow to fail")
	}
}

func TestManagerCounter(t *testing.T) {
	mgr := newTestManager(t)
	next, err := mgr.EscrowCounter()
	if err != nil {
		t.Fatalf("EscrowCounter: %v", err)
	}
	if next != 0 {
		t.Fatalf("fresh counter should be 0, got %d", next)
	}
	for want := uint64(0); want < 3; want++ {
		id, err := mgr.EscrowNextID()
		if err != nil {
			t.Fatalf("EscrowNextID: %v", err)
		}
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
	}
	next, _ = mgr.EscrowCounter()
	if next != 3 {
		t.Fatalf("counter should be 3 after three allocations, got %d", next)
	}
}

func TestManagerCollateralCreditDebit(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.EscrowCredit(0, big.NewInt(1)); err == nil {
		t.Fatalf("credit on unknown escrow should fail")
	}
	if err := mgr.EscrowPut(testEscrow(0)); err != nil {
		t.Fatalf("EscrowPut: %v", err)
	}
	if err := mgr.EscrowCredit(0, big.NewInt(5)); err != nil {
		t.Fatalf("credit #1: %v", err)
	}
	if err := mgr.EscrowCredit(0, big.NewInt(7)); err != nil {
		t.Fatalf("credit #2: %v", err)
	}
	if err := mgr.EscrowDebit(0, big.NewInt(4)); err != nil {
		t.Fatalf("debit #1: %v", err)
	}
	if err := mgr.EscrowDebit(0, big.NewInt(9)); err == nil {
		t.Fatalf("expected debit to fail when exceeding balance")
	}
	balance, err := mgr.EscrowBalance(0)
	if err != nil {
		t.Fatalf("EscrowBalance: %v", err)
	}
	if balance.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("expected balance 8, got %s", balance)
	}
	if err := mgr.EscrowCredit(0, big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative credit to fail")
	}
	if err := mgr.EscrowDebit(0, big.NewInt(8)); err != nil {
		t.Fatalf("debit #2: %v", err)
	}
	if err := mgr.EscrowDebit(0, big.NewInt(1)); err == nil {
		t.Fatalf("expected debit on empty balance to fail")
	}
}

func TestManagerAccounts(t *testing.T) {
	mgr := newTestManager(t)
	addr := testAddr(0x09)
	account, err := mgr.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if account.Balance.Sign() != 0 {
		t.Fatalf("fresh account should be empty, got %s", account.Balance)
	}
	account.Balance = big.NewInt(12345)
	account.Nonce = 2
	if err := mgr.PutAccount(addr[:], account); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	stored, err := mgr.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("GetAccount #2: %v", err)
	}
	if stored.Balance.Cmp(big.NewInt(12345)) != 0 || stored.Nonce != 2 {
		t.Fatalf("account round trip mismatch: %+v", stored)
	}
}
