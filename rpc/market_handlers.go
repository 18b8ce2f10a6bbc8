package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"escrowmarket/core/state"
	"escrowmarket/crypto"
	"escrowmarket/native/market"
)

const (
	codeMarketInvalidParams = -32021
	codeMarketNotFound      = -32022
	codeMarketForbidden     = -32023
	codeMarketConflict      = -32024
	codeMarketInternal      = -32025
)

type rewardTypeParams struct {
	Caller         string `json:"caller"`
	Name           string `json:"name"`
	SlashingBps    uint32 `json:"slashingBps"`
	CommissionBps  uint32 `json:"commissionBps"`
	TransferWindow int64  `json:"transferWindow"`
	ConfirmWindow  int64  `json:"confirmWindow"`
	SlashSink      string `json:"slashSink,omitempty"`
	CommissionSink string `json:"commissionSink,omitempty"`
}

type rewardNameParams struct {
	Caller string `json:"caller"`
	Name   string `json:"name"`
}

type offerParams struct {
	Caller     string `json:"caller"`
	RewardType string `json:"rewardType"`
	Price      string `json:"price"`
}

type bidParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
	Amount string `json:"amount"`
}

type itemActionParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
}

type itemIDParams struct {
	ID uint64 `json:"id"`
}

type balanceParams struct {
	Address string `json:"address"`
}

type rewardPolicyJSON struct {
	Name           string `json:"name"`
	SlashingBps    uint32 `json:"slashingBps"`
	CommissionBps  uint32 `json:"commissionBps"`
	TransferWindow int64  `json:"transferWindow"`
	ConfirmWindow  int64  `json:"confirmWindow"`
	SlashSink      string `json:"slashSink"`
	CommissionSink string `json:"commissionSink"`
}

type itemJSON struct {
	ID                uint64 `json:"id"`
	RewardType        string `json:"rewardType"`
	Price             string `json:"price"`
	Seller            string `json:"seller"`
	Buyer             string `json:"buyer,omitempty"`
	Stage             string `json:"stage"`
	Escrowed          string `json:"escrowed,omitempty"`
	Deadline          int64  `json:"deadline,omitempty"`
	TransferInitiated bool   `json:"transferInitiated,omitempty"`
	CreatedAt         int64  `json:"createdAt"`
}

type slashRecordJSON struct {
	ItemID     uint64 `json:"itemId"`
	RewardType string `json:"rewardType"`
	Seller     string `json:"seller"`
	Buyer      string `json:"buyer"`
	Escrowed   string `json:"escrowed"`
	Slashed    string `json:"slashed"`
	Refunded   string `json:"refunded"`
	Sink       string `json:"sink"`
	SlashedAt  int64  `json:"slashedAt"`
}

type stateJSON struct {
	Owner       string             `json:"owner"`
	Rewards     []rewardPolicyJSON `json:"rewards"`
	Offered     []itemJSON         `json:"offeredItems"`
	UnderEscrow []itemJSON         `json:"underEscrow"`
	Sold        []itemJSON         `json:"soldItems"`
	Count       uint64             `json:"count"`
	LastID      uint64             `json:"lastId"`
}

type balanceJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func (s *Server) handleAddType(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "unauthorized"
	}
	caller, policy, ok := s.decodeRewardParams(w, req)
	if !ok {
		return "invalid_params"
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.registry.AddType(caller, policy); err != nil {
		return s.writeMarketError(w, req, err)
	}
	writeResult(w, req.ID, map[string]string{"name": strings.TrimSpace(policy.Name)})
	return "ok"
}

func (s *Server) handleChangeType(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "unauthorized"
	}
	caller, policy, ok := s.decodeRewardParams(w, req)
	if !ok {
		return "invalid_params"
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.registry.ChangeType(caller, policy); err != nil {
		return s.writeMarketError(w, req, err)
	}
	writeResult(w, req.ID, map[string]string{"name": strings.TrimSpace(policy.Name)})
	return "ok"
}

func (s *Server) handleRemoveType(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "unauthorized"
	}
	var params rewardNameParams
	if !s.decodeParams(w, req, &params) {
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.registry.RemoveType(caller, params.Name); err != nil {
		return s.writeMarketError(w, req, err)
	}
	writeResult(w, req.ID, map[string]string{"name": params.Name})
	return "ok"
}

func (s *Server) handleOffer(w http.ResponseWriter, req *RPCRequest) string {
	var params offerParams
	if !s.decodeParams(w, req, &params) {
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	price, err := parseAmount(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	item, err := s.engine.Offer(caller, params.RewardType, price, s.now())
	if err != nil {
		return s.writeMarketError(w, req, err)
	}
	writeResult(w, req.ID, itemToJSON(item))
	return "ok"
}

func (s *Server) handleBid(w http.ResponseWriter, req *RPCRequest) string {
	var params bidParams
	if !s.decodeParams(w, req, &params) {
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	item, err := s.engine.Bid(caller, params.ID, amount, s.now())
	if err != nil {
		return s.writeMarketError(w, req, err)
	}
	writeResult(w, req.ID, itemToJSON(item))
	return "ok"
}

func (s *Server) handleInitiateTransfer(w http.ResponseWriter, req *RPCRequest) string {
	caller, id, ok := s.decodeItemAction(w, req)
	if !ok {
		return "invalid_params"
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.engine.InitiateTransfer(caller, id, s.now()); err != nil {
		return s.writeMarketError(w, req, err)
	}
	writeResult(w, req.ID, map[string]uint64{"id": id})
	return "ok"
}

func (s *Server) handleConfirm(w http.ResponseWriter, req *RPCRequest) string {
	caller, id, ok := s.decodeItemAction(w, req)
	if !ok {
		return "invalid_params"
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.engine.Confirm(caller, id, s.now()); err != nil {
		return s.writeMarketError(w, req, err)
	}
	writeResult(w, req.ID, map[string]uint64{"id": id})
	return "ok"
}

func (s *Server) handleSweep(w http.ResponseWriter, req *RPCRequest) string {
	caller, id, ok := s.decodeItemAction(w, req)
	if !ok {
		return "invalid_params"
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	record, err := s.engine.Sweep(caller, id, s.now())
	if err != nil {
		return s.writeMarketError(w, req, err)
	}
	writeResult(w, req.ID, slashRecordToJSON(record))
	return "ok"
}

func (s *Server) handleGetState(w http.ResponseWriter, req *RPCRequest) string {
	snap, err := s.st.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeMarketInternal, "internal", err.Error())
		return "error"
	}
	writeResult(w, req.ID, snapshotToJSON(snap))
	return "ok"
}

func (s *Server) handleGetItem(w http.ResponseWriter, req *RPCRequest) string {
	var params itemIDParams
	if !s.decodeParams(w, req, &params) {
		return "invalid_params"
	}
	item, ok := s.engine.GetItem(params.ID)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMarketNotFound, "not_found", fmt.Sprintf("item %d not found", params.ID))
		return "not_found"
	}
	writeResult(w, req.ID, itemToJSON(item))
	return "ok"
}

func (s *Server) handleGetSlashRecord(w http.ResponseWriter, req *RPCRequest) string {
	var params itemIDParams
	if !s.decodeParams(w, req, &params) {
		return "invalid_params"
	}
	record, ok, err := s.st.SlashRecordGet(params.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeMarketInternal, "internal", err.Error())
		return "error"
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMarketNotFound, "not_found", fmt.Sprintf("no slash record for item %d", params.ID))
		return "not_found"
	}
	writeResult(w, req.ID, slashRecordToJSON(record))
	return "ok"
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) string {
	var params balanceParams
	if !s.decodeParams(w, req, &params) {
		return "invalid_params"
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(params.Address))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	account, err := s.st.GetAccount(addr.Bytes())
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeMarketInternal, "internal", err.Error())
		return "error"
	}
	writeResult(w, req.ID, balanceJSON{Address: params.Address, Balance: account.Balance.String()})
	return "ok"
}

// --- Decoding helpers ---

func (s *Server) decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func (s *Server) decodeRewardParams(w http.ResponseWriter, req *RPCRequest) ([20]byte, *market.RewardPolicy, bool) {
	var params rewardTypeParams
	if !s.decodeParams(w, req, &params) {
		return [20]byte{}, nil, false
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, nil, false
	}
	policy := &market.RewardPolicy{
		Name:           params.Name,
		SlashingBps:    params.SlashingBps,
		CommissionBps:  params.CommissionBps,
		TransferWindow: params.TransferWindow,
		ConfirmWindow:  params.ConfirmWindow,
		SlashSink:      params.SlashSink,
		CommissionSink: params.CommissionSink,
	}
	return caller, policy, true
}

func (s *Server) decodeItemAction(w http.ResponseWriter, req *RPCRequest) ([20]byte, uint64, bool) {
	var params itemActionParams
	if !s.decodeParams(w, req, &params) {
		return [20]byte{}, 0, false
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, 0, false
	}
	return caller, params.ID, true
}

func parseAddress(value string) ([20]byte, error) {
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, err
	}
	return decoded.Array(), nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative: %q", value)
	}
	return amount, nil
}

// writeMarketError maps engine and registry rejections onto stable JSON-RPC
// error codes. Every rejection keeps its sentinel name in the message so
// clients can branch without string matching the details.
func (s *Server) writeMarketError(w http.ResponseWriter, req *RPCRequest, err error) string {
	status, code, message := classifyMarketError(err)
	writeError(w, status, req.ID, code, message, err.Error())
	s.metrics.ObserveError(req.Method, strconv.Itoa(code))
	return message
}

func classifyMarketError(err error) (int, int, string) {
	switch {
	case errors.Is(err, market.ErrNotOwner), errors.Is(err, market.ErrNotParty), errors.Is(err, market.ErrSelfBid):
		return http.StatusForbidden, codeMarketForbidden, "forbidden"
	case errors.Is(err, market.ErrItemNotFound), errors.Is(err, market.ErrUnknownPolicy):
		return http.StatusNotFound, codeMarketNotFound, "not_found"
	case errors.Is(err, market.ErrDuplicatePolicy), errors.Is(err, market.ErrPolicyInUse),
		errors.Is(err, market.ErrEscrowExpired), errors.Is(err, market.ErrEscrowNotExpired),
		errors.Is(err, market.ErrItemNotOffered), errors.Is(err, market.ErrItemNotUnderEscrow):
		return http.StatusConflict, codeMarketConflict, "conflict"
	case errors.Is(err, market.ErrUnknownItemType), errors.Is(err, market.ErrZeroPrice),
		errors.Is(err, market.ErrInsufficientAmount), errors.Is(err, market.ErrInvalidPolicy),
		errors.Is(err, market.ErrInsufficientFunds):
		return http.StatusBadRequest, codeMarketInvalidParams, "invalid_params"
	default:
		return http.StatusInternalServerError, codeMarketInternal, "internal"
	}
}

// --- JSON shaping ---

func addressString(addr [20]byte) string {
	return crypto.NewAddress(crypto.MarketPrefix, addr[:]).String()
}

func itemToJSON(item *market.Item) itemJSON {
	out := itemJSON{
		ID:         item.ID,
		RewardType: item.PolicyName,
		Price:      item.Price.String(),
		Seller:     addressString(item.Seller),
		Stage:      item.Stage.String(),
		CreatedAt:  item.CreatedAt,
	}
	if item.Stage != market.StageOffered {
		out.Buyer = addressString(item.Buyer)
		out.Escrowed = item.Escrowed.String()
		out.Deadline = item.Deadline
		out.TransferInitiated = item.TransferInitiated
	}
	return out
}

func slashRecordToJSON(record *market.SlashRecord) slashRecordJSON {
	return slashRecordJSON{
		ItemID:     record.ItemID,
		RewardType: record.PolicyName,
		Seller:     addressString(record.Seller),
		Buyer:      addressString(record.Buyer),
		Escrowed:   record.Escrowed.String(),
		Slashed:    record.Slashed.String(),
		Refunded:   record.Refunded.String(),
		Sink:       record.Sink,
		SlashedAt:  record.SlashedAt,
	}
}

func snapshotToJSON(snap *state.Snapshot) stateJSON {
	out := stateJSON{
		Owner:       addressString(snap.Owner),
		Rewards:     make([]rewardPolicyJSON, 0, len(snap.Rewards)),
		Offered:     make([]itemJSON, 0, len(snap.Offered)),
		UnderEscrow: make([]itemJSON, 0, len(snap.UnderEscrow)),
		Sold:        make([]itemJSON, 0, len(snap.Sold)),
		Count:       snap.Count,
		LastID:      snap.LastID,
	}
	for i := range snap.Rewards {
		policy := snap.Rewards[i]
		out.Rewards = append(out.Rewards, rewardPolicyJSON{
			Name:           policy.Name,
			SlashingBps:    policy.SlashingBps,
			CommissionBps:  policy.CommissionBps,
			TransferWindow: policy.TransferWindow,
			ConfirmWindow:  policy.ConfirmWindow,
			SlashSink:      policy.SlashSink,
			CommissionSink: policy.CommissionSink,
		})
	}
	for i := range snap.Offered {
		item := snap.Offered[i]
		out.Offered = append(out.Offered, itemToJSON(&item))
	}
	for i := range snap.UnderEscrow {
		item := snap.UnderEscrow[i]
		out.UnderEscrow = append(out.UnderEscrow, itemToJSON(&item))
	}
	for i := range snap.Sold {
		item := snap.Sold[i]
		out.Sold = append(out.Sold, itemToJSON(&item))
	}
	return out
}
