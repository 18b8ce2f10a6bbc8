package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"escrowmarket/core/state"
	"escrowmarket/crypto"
	"escrowmarket/storage"
)

const testToken = "test-admin-token"

type testHarness struct {
	server *Server
	st     *state.Manager
	owner  crypto.Address
	seller crypto.Address
	buyer  crypto.Address
	now    int64
}

func newTestAddress(t *testing.T) crypto.Address {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address()
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	st := state.NewManager(storage.NewMemDB())
	owner := newTestAddress(t)
	seller := newTestAddress(t)
	buyer := newTestAddress(t)
	if err := st.SetOwner(owner.Array()); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	fund(t, st, buyer, 1_000)
	server := NewServer(st, testToken)
	h := &testHarness{server: server, st: st, owner: owner, seller: seller, buyer: buyer, now: 1_000}
	server.SetNowFunc(func() int64 { return h.now })
	return h
}

func fund(t *testing.T, st *state.Manager, addr crypto.Address, amount int64) {
	t.Helper()
	account, err := st.GetAccount(addr.Bytes())
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	account.Balance = big.NewInt(amount)
	if err := st.PutAccount(addr.Bytes(), account); err != nil {
		t.Fatalf("store account: %v", err)
	}
}

func (h *testHarness) call(t *testing.T, method string, params interface{}, authed bool) RPCResponse {
	t.Helper()
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: []json.RawMessage{mustRaw(t, params)}, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.server.handle(rec, req)
	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return resp
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return raw
}

func mustResult(t *testing.T, resp RPCResponse, out interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func (h *testHarness) addPolicy(t *testing.T, name string) {
	t.Helper()
	resp := h.call(t, "market_addType", rewardTypeParams{
		Caller:         h.owner.String(),
		Name:           name,
		SlashingBps:    2_000,
		CommissionBps:  500,
		TransferWindow: 100,
		ConfirmWindow:  50,
	}, true)
	if resp.Error != nil {
		t.Fatalf("addType failed: %+v", resp.Error)
	}
}

func (h *testHarness) offer(t *testing.T, name string, price int64) itemJSON {
	t.Helper()
	resp := h.call(t, "market_offer", offerParams{
		Caller:     h.seller.String(),
		RewardType: name,
		Price:      fmt.Sprintf("%d", price),
	}, false)
	var item itemJSON
	mustResult(t, resp, &item)
	return item
}

func TestMethodNotFound(t *testing.T) {
	h := newTestHarness(t)
	resp := h.call(t, "market_unknown", map[string]string{}, false)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
}

func TestAdminMethodsRequireToken(t *testing.T) {
	h := newTestHarness(t)
	params := rewardTypeParams{Caller: h.owner.String(), Name: "gold", SlashingBps: 100, CommissionBps: 100, TransferWindow: 10, ConfirmWindow: 5}
	resp := h.call(t, "market_addType", params, false)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", resp.Error)
	}
	resp = h.call(t, "market_addType", params, true)
	if resp.Error != nil {
		t.Fatalf("authorized call failed: %+v", resp.Error)
	}
}

func TestAddTypeRejectsNonOwner(t *testing.T) {
	h := newTestHarness(t)
	resp := h.call(t, "market_addType", rewardTypeParams{
		Caller:         h.seller.String(),
		Name:           "gold",
		SlashingBps:    100,
		CommissionBps:  100,
		TransferWindow: 10,
		ConfirmWindow:  5,
	}, true)
	if resp.Error == nil || resp.Error.Code != codeMarketForbidden {
		t.Fatalf("expected forbidden, got %+v", resp.Error)
	}
}

func TestOfferUnknownTypeMapsToInvalidParams(t *testing.T) {
	h := newTestHarness(t)
	resp := h.call(t, "market_offer", offerParams{
		Caller:     h.seller.String(),
		RewardType: "missing",
		Price:      "10",
	}, false)
	if resp.Error == nil || resp.Error.Code != codeMarketInvalidParams {
		t.Fatalf("expected invalid params, got %+v", resp.Error)
	}
}

func TestBidMissingItemMapsToNotFound(t *testing.T) {
	h := newTestHarness(t)
	resp := h.call(t, "market_bid", bidParams{Caller: h.buyer.String(), ID: 10, Amount: "10"}, false)
	if resp.Error == nil || resp.Error.Code != codeMarketNotFound {
		t.Fatalf("expected not found, got %+v", resp.Error)
	}
}

func TestMalformedAddressRejected(t *testing.T) {
	h := newTestHarness(t)
	resp := h.call(t, "market_offer", offerParams{Caller: "not-an-address", RewardType: "gold", Price: "10"}, false)
	if resp.Error == nil || resp.Error.Code != codeMarketInvalidParams {
		t.Fatalf("expected invalid params, got %+v", resp.Error)
	}
}

func TestLifecycleOverRPC(t *testing.T) {
	h := newTestHarness(t)
	h.addPolicy(t, "gold")
	item := h.offer(t, "gold", 200)
	if item.ID != 1 || item.Stage != "offered" {
		t.Fatalf("unexpected offered item: %+v", item)
	}

	resp := h.call(t, "market_bid", bidParams{Caller: h.buyer.String(), ID: item.ID, Amount: "200"}, false)
	var escrowed itemJSON
	mustResult(t, resp, &escrowed)
	if escrowed.Stage != "under_escrow" {
		t.Fatalf("expected escrowed stage, got %q", escrowed.Stage)
	}
	if escrowed.Deadline != h.now+100 {
		t.Fatalf("expected deadline %d, got %d", h.now+100, escrowed.Deadline)
	}

	resp = h.call(t, "market_initiateTransfer", itemActionParams{Caller: h.buyer.String(), ID: item.ID}, false)
	if resp.Error != nil {
		t.Fatalf("initiateTransfer failed: %+v", resp.Error)
	}

	resp = h.call(t, "market_confirm", itemActionParams{Caller: h.buyer.String(), ID: item.ID}, false)
	if resp.Error != nil {
		t.Fatalf("confirm failed: %+v", resp.Error)
	}

	var snap stateJSON
	mustResult(t, h.call(t, "market_getState", map[string]string{}, false), &snap)
	if len(snap.Sold) != 1 || len(snap.Offered) != 0 || len(snap.UnderEscrow) != 0 {
		t.Fatalf("unexpected snapshot buckets: %+v", snap)
	}
	if snap.Sold[0].ID != item.ID {
		t.Fatalf("expected sold item %d, got %d", item.ID, snap.Sold[0].ID)
	}

	var sellerBalance balanceJSON
	mustResult(t, h.call(t, "market_getBalance", balanceParams{Address: h.seller.String()}, false), &sellerBalance)
	if sellerBalance.Balance != "190" {
		t.Fatalf("expected seller payout 190, got %s", sellerBalance.Balance)
	}
}

func TestSweepOverRPCArchivesRecord(t *testing.T) {
	h := newTestHarness(t)
	h.addPolicy(t, "gold")
	item := h.offer(t, "gold", 200)
	resp := h.call(t, "market_bid", bidParams{Caller: h.buyer.String(), ID: item.ID, Amount: "200"}, false)
	if resp.Error != nil {
		t.Fatalf("bid failed: %+v", resp.Error)
	}

	h.now += 101
	resp = h.call(t, "market_sweep", itemActionParams{Caller: h.seller.String(), ID: item.ID}, false)
	var record slashRecordJSON
	mustResult(t, resp, &record)
	if record.Slashed != "40" || record.Refunded != "160" {
		t.Fatalf("unexpected slash split: %+v", record)
	}

	var fetched slashRecordJSON
	mustResult(t, h.call(t, "market_getSlashRecord", itemIDParams{ID: item.ID}, false), &fetched)
	if fetched.ItemID != item.ID {
		t.Fatalf("expected archived record for item %d, got %+v", item.ID, fetched)
	}

	resp = h.call(t, "market_getItem", itemIDParams{ID: item.ID}, false)
	if resp.Error == nil || resp.Error.Code != codeMarketNotFound {
		t.Fatalf("expected item removed after sweep, got %+v", resp.Error)
	}
}

func TestSweepBeforeDeadlineMapsToConflict(t *testing.T) {
	h := newTestHarness(t)
	h.addPolicy(t, "gold")
	item := h.offer(t, "gold", 200)
	if resp := h.call(t, "market_bid", bidParams{Caller: h.buyer.String(), ID: item.ID, Amount: "200"}, false); resp.Error != nil {
		t.Fatalf("bid failed: %+v", resp.Error)
	}
	resp := h.call(t, "market_sweep", itemActionParams{Caller: h.seller.String(), ID: item.ID}, false)
	if resp.Error == nil || resp.Error.Code != codeMarketConflict {
		t.Fatalf("expected conflict, got %+v", resp.Error)
	}
}

func TestRemoveTypeBlockedWhileReferenced(t *testing.T) {
	h := newTestHarness(t)
	h.addPolicy(t, "gold")
	h.offer(t, "gold", 50)
	resp := h.call(t, "market_removeType", rewardNameParams{Caller: h.owner.String(), Name: "gold"}, true)
	if resp.Error == nil || resp.Error.Code != codeMarketConflict {
		t.Fatalf("expected conflict, got %+v", resp.Error)
	}
}

func TestGetStateEmptyContract(t *testing.T) {
	h := newTestHarness(t)
	var snap stateJSON
	mustResult(t, h.call(t, "market_getState", map[string]string{}, false), &snap)
	if snap.Owner != h.owner.String() {
		t.Fatalf("expected owner %s, got %s", h.owner.String(), snap.Owner)
	}
	if len(snap.Rewards) != 0 || len(snap.Offered) != 0 || snap.Count != 0 || snap.LastID != 0 {
		t.Fatalf("expected empty contract, got %+v", snap)
	}
}

func TestVaultHoldsEscrowDuringBid(t *testing.T) {
	h := newTestHarness(t)
	h.addPolicy(t, "gold")
	item := h.offer(t, "gold", 200)
	if resp := h.call(t, "market_bid", bidParams{Caller: h.buyer.String(), ID: item.ID, Amount: "200"}, false); resp.Error != nil {
		t.Fatalf("bid failed: %+v", resp.Error)
	}
	vaultBytes := h.st.VaultAddress()
	vault := crypto.NewAddress(crypto.MarketPrefix, vaultBytes[:])
	var balance balanceJSON
	mustResult(t, h.call(t, "market_getBalance", balanceParams{Address: vault.String()}, false), &balance)
	if balance.Balance != "200" {
		t.Fatalf("expected vault balance 200, got %s", balance.Balance)
	}
}

func TestConcurrentOffersAssignDistinctIDs(t *testing.T) {
	h := newTestHarness(t)
	h.addPolicy(t, "gold")

	const workers = 32
	params := offerParams{Caller: h.seller.String(), RewardType: "gold", Price: "10"}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: "market_offer", Params: []json.RawMessage{mustRaw(t, params)}, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	results := make(chan itemJSON, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.server.handle(rec, req)
			var resp RPCResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				errs <- fmt.Errorf("decode response: %w (body %q)", err, rec.Body.String())
				return
			}
			if resp.Error != nil {
				errs <- fmt.Errorf("offer rejected: %+v", resp.Error)
				return
			}
			raw, err := json.Marshal(resp.Result)
			if err != nil {
				errs <- err
				return
			}
			var item itemJSON
			if err := json.Unmarshal(raw, &item); err != nil {
				errs <- err
				return
			}
			results <- item
		}()
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent offer: %v", err)
	}

	seen := make(map[uint64]bool, workers)
	for item := range results {
		if seen[item.ID] {
			t.Fatalf("item id %d issued more than once", item.ID)
		}
		seen[item.ID] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d distinct item ids, got %d", workers, len(seen))
	}

	var snap stateJSON
	mustResult(t, h.call(t, "market_getState", map[string]string{}, false), &snap)
	if snap.LastID != workers {
		t.Fatalf("expected last id %d, got %d", workers, snap.LastID)
	}
	if len(snap.Offered) != workers {
		t.Fatalf("expected %d offered items, got %d", workers, len(snap.Offered))
	}
}

func TestNonPostRejected(t *testing.T) {
	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.server.handle(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
