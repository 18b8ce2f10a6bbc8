package genesis

import (
	"math/big"
	"path/filepath"
	"testing"

	"escrowmarket/core/state"
	"escrowmarket/crypto"
	"escrowmarket/storage"
)

func testAddress(t *testing.T) crypto.Address {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address()
}

func TestApplyInitialisesEmptyContract(t *testing.T) {
	owner := testAddress(t)
	spec := Default(owner)
	manager := state.NewManager(storage.NewMemDB())
	if err := spec.Apply(manager); err != nil {
		t.Fatalf("apply: %v", err)
	}

	snap, err := manager.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Owner != owner.Array() {
		t.Fatal("owner not fixed to deploying account")
	}
	if len(snap.Rewards) != 0 || len(snap.Offered) != 0 || len(snap.UnderEscrow) != 0 || len(snap.Sold) != 0 {
		t.Fatalf("expected empty collections, got %+v", snap)
	}
	if snap.Count != 0 || snap.LastID != 0 {
		t.Fatalf("expected zero counters, got count=%d lastID=%d", snap.Count, snap.LastID)
	}
}

func TestApplySeedsAllocAndRewards(t *testing.T) {
	owner := testAddress(t)
	funded := testAddress(t)
	spec := &Spec{
		Owner: owner.String(),
		Alloc: map[string]string{funded.String(): "1000"},
		Rewards: []RewardSpec{{
			Name:           "standard",
			SlashingBps:    100,
			CommissionBps:  50,
			TransferWindow: 60,
			ConfirmWindow:  30,
		}},
	}
	manager := state.NewManager(storage.NewMemDB())
	if err := spec.Apply(manager); err != nil {
		t.Fatalf("apply: %v", err)
	}

	acc, err := manager.GetAccount(funded.Bytes())
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acc.Balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected balance 1000, got %s", acc.Balance)
	}
	policy, ok, err := manager.PolicyGet("standard")
	if err != nil || !ok {
		t.Fatalf("policy: ok=%v err=%v", ok, err)
	}
	if policy.SlashSink == "" {
		t.Fatal("slash sink not defaulted")
	}
}

func TestValidateRejectsBadSpecs(t *testing.T) {
	owner := testAddress(t)
	cases := []struct {
		name string
		spec *Spec
	}{
		{"bad owner", &Spec{Owner: "not-an-address"}},
		{"bad alloc addr", &Spec{Owner: owner.String(), Alloc: map[string]string{"nope": "1"}}},
		{"bad amount", &Spec{Owner: owner.String(), Alloc: map[string]string{owner.String(): "-5"}}},
		{"dup reward", &Spec{Owner: owner.String(), Rewards: []RewardSpec{{Name: "a"}, {Name: "a"}}}},
		{"bad reward", &Spec{Owner: owner.String(), Rewards: []RewardSpec{{Name: "a", SlashingBps: 20_000}}}},
	}
	for _, tc := range cases {
		if err := tc.spec.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	owner := testAddress(t)
	spec := Default(owner)
	path := filepath.Join(t.TempDir(), "genesis.json")
	if err := spec.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Owner != spec.Owner {
		t.Fatalf("owner mismatch: %s vs %s", loaded.Owner, spec.Owner)
	}
}
