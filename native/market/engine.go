package market

import (
	"errors"
	"fmt"
	"math/big"

	"escrowmarket/core/events"
	"escrowmarket/core/types"
)

var errNilState = errors.New("market engine: state not configured")

type engineState interface {
	OwnerView
	PolicyGet(name string) (*RewardPolicy, bool, error)
	ItemGet(id uint64) (*Item, bool, error)
	ItemPut(*Item) error
	ItemDelete(id uint64) error
	LastID() (uint64, error)
	SetLastID(uint64) error
	// OfferedCount is the total number of items ever offered. It only grows:
	// items leaving the offered stage do not decrement it, so it is not the
	// live size of the offered collection.
	OfferedCount() (uint64, error)
	SetOfferedCount(uint64) error
	SlashRecordPut(*SlashRecord) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	// VaultAddress is the module account that holds escrowed funds between
	// bid and resolution.
	VaultAddress() [20]byte
}

// Engine is the deterministic transition function of the marketplace: given
// the current contract state, the caller's identity, a requested action and
// the ambient ledger time, it produces the next state or a typed rejection.
// Every entry point validates before it mutates, so a rejected call leaves the
// state untouched.
type Engine struct {
	state   engineState
	emitter events.Emitter
}

// NewEngine creates a marketplace engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

// Offer lists a new item for sale under the named reward policy. The caller
// becomes the seller. A fresh id strictly greater than any previously issued
// id is allocated from the monotonic counter.
func (e *Engine) Offer(caller [20]byte, policyName string, price *big.Int, now int64) (*Item, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, ok, err := e.state.PolicyGet(policyName); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItemType, policyName)
	}
	amount := cloneBigInt(price)
	if amount.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	lastID, err := e.state.LastID()
	if err != nil {
		return nil, err
	}
	count, err := e.state.OfferedCount()
	if err != nil {
		return nil, err
	}
	item := &Item{
		ID:         lastID + 1,
		PolicyName: policyName,
		Price:      amount,
		Seller:     caller,
		Stage:      StageOffered,
		Escrowed:   big.NewInt(0),
		CreatedAt:  now,
	}
	if err := e.state.ItemPut(item); err != nil {
		return nil, err
	}
	if err := e.state.SetLastID(item.ID); err != nil {
		return nil, err
	}
	if err := e.state.SetOfferedCount(count + 1); err != nil {
		return nil, err
	}
	e.emit(NewItemOfferedEvent(item))
	return item.Clone(), nil
}

// Bid accepts an offered item into escrow. The caller becomes the buyer; the
// bid amount is moved from the buyer's account into the module vault and the
// transfer deadline starts counting from the supplied ledger time.
func (e *Engine) Bid(caller [20]byte, id uint64, amount *big.Int, now int64) (*Item, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	item, ok, err := e.state.ItemGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || item.Stage != StageOffered {
		return nil, fmt.Errorf("%w: %d", ErrItemNotFound, id)
	}
	bid := cloneBigInt(amount)
	if bid.Cmp(item.Price) < 0 {
		return nil, fmt.Errorf("%w: bid %s below price %s", ErrInsufficientAmount, bid, item.Price)
	}
	if caller == item.Seller {
		return nil, ErrSelfBid
	}
	policy, ok, err := e.state.PolicyGet(item.PolicyName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItemType, item.PolicyName)
	}
	if err := e.transfer(caller, e.state.VaultAddress(), bid); err != nil {
		return nil, err
	}
	item.Buyer = caller
	item.Stage = StageUnderEscrow
	item.Escrowed = bid
	item.Deadline = now + policy.TransferWindow
	item.TransferInitiated = false
	if err := e.state.ItemPut(item); err != nil {
		return nil, err
	}
	e.emit(NewEscrowOpenedEvent(item))
	return item.Clone(), nil
}

// InitiateTransfer records that the buyer has started the off-ledger transfer
// and extends the escrow deadline once by the policy's confirm window. Only
// the buyer may initiate, and only before the current deadline.
func (e *Engine) InitiateTransfer(caller [20]byte, id uint64, now int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	item, err := e.loadUnderEscrow(id)
	if err != nil {
		return err
	}
	if caller != item.Buyer {
		return ErrNotParty
	}
	if item.TransferInitiated {
		return nil
	}
	if now > item.Deadline {
		return fmt.Errorf("%w: item %d", ErrEscrowExpired, id)
	}
	policy, ok, err := e.state.PolicyGet(item.PolicyName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItemType, item.PolicyName)
	}
	item.TransferInitiated = true
	item.Deadline += policy.ConfirmWindow
	if err := e.state.ItemPut(item); err != nil {
		return err
	}
	e.emit(NewTransferInitiatedEvent(item))
	return nil
}

// Confirm settles an escrow in favour of the seller. Either party may confirm
// before the deadline; the escrowed amount minus commission is disbursed to
// the seller and the commission is routed to the policy's commission sink
// (owner by default). The item moves to the sold collection.
func (e *Engine) Confirm(caller [20]byte, id uint64, now int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	item, err := e.loadUnderEscrow(id)
	if err != nil {
		return err
	}
	if caller != item.Seller && caller != item.Buyer {
		return ErrNotParty
	}
	if now > item.Deadline {
		return fmt.Errorf("%w: item %d", ErrEscrowExpired, id)
	}
	policy, ok, err := e.state.PolicyGet(item.PolicyName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItemType, item.PolicyName)
	}
	total := cloneBigInt(item.Escrowed)
	commission := applyBps(total, policy.CommissionBps)
	payout := new(big.Int).Sub(total, commission)
	vault := e.state.VaultAddress()
	if err := e.transfer(vault, item.Seller, payout); err != nil {
		return err
	}
	if commission.Sign() > 0 {
		switch policy.CommissionSink {
		case "", SlashSinkOwner:
			owner, err := e.state.Owner()
			if err != nil {
				return err
			}
			if err := e.transfer(vault, owner, commission); err != nil {
				return err
			}
		case SlashSinkBurn:
			if err := e.burn(vault, commission); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unsupported commission sink %q", ErrInvalidPolicy, policy.CommissionSink)
		}
	}
	item.Stage = StageSold
	if err := e.state.ItemPut(item); err != nil {
		return err
	}
	e.emit(NewItemSoldEvent(item, commission))
	return nil
}

// Sweep resolves an expired escrow by slashing. Anyone may invoke it once the
// deadline has elapsed: the slashed fraction of the escrowed amount is routed
// to the policy's slash sink, the remainder returns to the buyer, and the item
// leaves the live collections with an archived record of the outcome.
func (e *Engine) Sweep(caller [20]byte, id uint64, now int64) (*SlashRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	item, err := e.loadUnderEscrow(id)
	if err != nil {
		return nil, err
	}
	if now <= item.Deadline {
		return nil, fmt.Errorf("%w: item %d", ErrEscrowNotExpired, id)
	}
	policy, ok, err := e.state.PolicyGet(item.PolicyName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItemType, item.PolicyName)
	}
	total := cloneBigInt(item.Escrowed)
	slashed := applyBps(total, policy.SlashingBps)
	refund := new(big.Int).Sub(total, slashed)
	vault := e.state.VaultAddress()
	if refund.Sign() > 0 {
		if err := e.transfer(vault, item.Buyer, refund); err != nil {
			return nil, err
		}
	}
	if slashed.Sign() > 0 {
		switch policy.SlashSink {
		case SlashSinkOwner:
			owner, err := e.state.Owner()
			if err != nil {
				return nil, err
			}
			if err := e.transfer(vault, owner, slashed); err != nil {
				return nil, err
			}
		case SlashSinkSeller:
			if err := e.transfer(vault, item.Seller, slashed); err != nil {
				return nil, err
			}
		case SlashSinkBurn:
			if err := e.burn(vault, slashed); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unsupported slash sink %q", ErrInvalidPolicy, policy.SlashSink)
		}
	}
	record := &SlashRecord{
		ItemID:     item.ID,
		PolicyName: item.PolicyName,
		Seller:     item.Seller,
		Buyer:      item.Buyer,
		Escrowed:   total,
		Slashed:    slashed,
		Refunded:   refund,
		Sink:       policy.SlashSink,
		SlashedAt:  now,
	}
	if err := e.state.SlashRecordPut(record); err != nil {
		return nil, err
	}
	if err := e.state.ItemDelete(item.ID); err != nil {
		return nil, err
	}
	e.emit(NewItemSlashedEvent(record))
	return record.Clone(), nil
}

// GetItem returns a copy of the item regardless of stage.
func (e *Engine) GetItem(id uint64) (*Item, bool) {
	if e == nil || e.state == nil {
		return nil, false
	}
	item, ok, err := e.state.ItemGet(id)
	if err != nil || !ok {
		return nil, false
	}
	return item.Clone(), true
}

func (e *Engine) loadUnderEscrow(id uint64) (*Item, error) {
	item, ok, err := e.state.ItemGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrItemNotFound, id)
	}
	if item.Stage != StageUnderEscrow {
		return nil, fmt.Errorf("%w: item %d is %s", ErrItemNotUnderEscrow, id, item.Stage)
	}
	return item, nil
}

// applyBps computes amount*bps/10000, clamped to the amount. Rates are
// validated at the policy boundary; the clamp keeps disbursement safe even if
// a stored policy predates the validation.
func applyBps(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	cut := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	cut.Div(cut, big.NewInt(maxBps))
	if cut.Cmp(amount) > 0 {
		return new(big.Int).Set(amount)
	}
	return cut
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("market: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = types.EnsureAccount(fromAcc)
	toAcc = types.EnsureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// burn debits the vault without crediting anyone, removing the amount from
// circulation.
func (e *Engine) burn(from [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	fromAcc = types.EnsureAccount(fromAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	return e.state.PutAccount(from[:], fromAcc)
}
