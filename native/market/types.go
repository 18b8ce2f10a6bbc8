package market

import (
	"fmt"
	"math/big"
	"strings"
)

// Stage represents the lifecycle position of an item. An item occupies exactly
// one stage at a time; the stage tag is the single source of truth and the
// per-stage collections are derived views over it.
type Stage uint8

const (
	StageOffered     Stage = 0x01 // Item is listed and open to bids
	StageUnderEscrow Stage = 0x02 // A bid was accepted; funds are held in the vault
	StageSold        Stage = 0x03 // Transfer confirmed; terminal
)

// Valid reports whether the stage value is within the supported range.
func (s Stage) Valid() bool {
	switch s {
	case StageOffered, StageUnderEscrow, StageSold:
		return true
	default:
		return false
	}
}

func (s Stage) String() string {
	switch s {
	case StageOffered:
		return "offered"
	case StageUnderEscrow:
		return "under_escrow"
	case StageSold:
		return "sold"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// Slash sink routing targets. The slashed fraction of an expired escrow is
// forwarded to the configured sink; the remainder always returns to the buyer.
const (
	SlashSinkOwner  = "owner"
	SlashSinkSeller = "seller"
	SlashSinkBurn   = "burn"
)

// maxBps caps rate fields at 100%.
const maxBps = 10_000

// NormalizeSlashSink canonicalises a slash sink value. An empty value resolves
// to the owner sink.
func NormalizeSlashSink(sink string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(sink))
	switch trimmed {
	case "":
		return SlashSinkOwner, nil
	case SlashSinkOwner, SlashSinkSeller, SlashSinkBurn:
		return trimmed, nil
	default:
		return "", fmt.Errorf("%w: unsupported slash sink %q", ErrInvalidPolicy, sink)
	}
}

// NormalizeCommissionSink canonicalises a commission sink value. Commission can
// accrue to the contract owner or be burned; an empty value resolves to owner.
func NormalizeCommissionSink(sink string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(sink))
	switch trimmed {
	case "":
		return SlashSinkOwner, nil
	case SlashSinkOwner, SlashSinkBurn:
		return trimmed, nil
	default:
		return "", fmt.Errorf("%w: unsupported commission sink %q", ErrInvalidPolicy, sink)
	}
}

// RewardPolicy is a named bundle of slashing/commission rates and time limits
// governing one class of escrowed items. Rates are expressed in basis points.
type RewardPolicy struct {
	Name           string
	SlashingBps    uint32
	CommissionBps  uint32
	TransferWindow int64 // ledger seconds the buyer has to initiate transfer after a bid
	ConfirmWindow  int64 // additional ledger seconds to confirm once transfer is underway
	SlashSink      string
	CommissionSink string
}

// Clone returns a copy of the policy.
func (p *RewardPolicy) Clone() *RewardPolicy {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// SanitizePolicy validates and normalises a policy definition, returning a
// cloned instance with a trimmed name and canonical slash sink. The original
// value is not mutated.
func SanitizePolicy(p *RewardPolicy) (*RewardPolicy, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	clone := p.Clone()
	clone.Name = strings.TrimSpace(clone.Name)
	if clone.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidPolicy)
	}
	if clone.SlashingBps > maxBps {
		return nil, fmt.Errorf("%w: slashing bps out of range: %d", ErrInvalidPolicy, clone.SlashingBps)
	}
	if clone.CommissionBps > maxBps {
		return nil, fmt.Errorf("%w: commission bps out of range: %d", ErrInvalidPolicy, clone.CommissionBps)
	}
	if clone.TransferWindow < 0 {
		return nil, fmt.Errorf("%w: transfer window must be non-negative", ErrInvalidPolicy)
	}
	if clone.ConfirmWindow < 0 {
		return nil, fmt.Errorf("%w: confirm window must be non-negative", ErrInvalidPolicy)
	}
	sink, err := NormalizeSlashSink(clone.SlashSink)
	if err != nil {
		return nil, err
	}
	clone.SlashSink = sink
	commissionSink, err := NormalizeCommissionSink(clone.CommissionSink)
	if err != nil {
		return nil, err
	}
	clone.CommissionSink = commissionSink
	return clone, nil
}

// Item is a single marketplace listing. IDs are assigned from a monotonic
// counter and never reused.
type Item struct {
	ID         uint64
	PolicyName string
	Price      *big.Int
	Seller     [20]byte
	Buyer      [20]byte
	Stage      Stage
	// Escrowed is the full bid amount held in the vault while the item is
	// under escrow. It may exceed Price; the surplus stays part of the
	// disbursement base.
	Escrowed *big.Int
	// Deadline is the ledger timestamp by which the escrow must progress.
	// It is set to bid time + transfer window on bid and extended once by
	// the confirm window when the transfer is initiated.
	Deadline          int64
	TransferInitiated bool
	CreatedAt         int64
}

// Clone returns a deep copy of the item so callers can safely mutate the copy
// without affecting the stored instance.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Price != nil {
		clone.Price = new(big.Int).Set(i.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	if i.Escrowed != nil {
		clone.Escrowed = new(big.Int).Set(i.Escrowed)
	} else {
		clone.Escrowed = big.NewInt(0)
	}
	return &clone
}

// SanitizeItem validates an item record, returning a cloned instance with
// non-nil amount fields. The original value is not mutated.
func SanitizeItem(i *Item) (*Item, error) {
	if i == nil {
		return nil, fmt.Errorf("market: nil item")
	}
	clone := i.Clone()
	if strings.TrimSpace(clone.PolicyName) == "" {
		return nil, fmt.Errorf("market: item %d missing reward type", clone.ID)
	}
	if clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("market: item %d price must be positive", clone.ID)
	}
	if clone.Escrowed.Sign() < 0 {
		return nil, fmt.Errorf("market: item %d escrowed amount must be non-negative", clone.ID)
	}
	if !clone.Stage.Valid() {
		return nil, fmt.Errorf("market: item %d has invalid stage: %d", clone.ID, clone.Stage)
	}
	return clone, nil
}

// SlashRecord is the archived outcome of an escrow that expired without
// confirmation. Slashed items leave the live collections; the record keeps the
// resolution auditable.
type SlashRecord struct {
	ItemID     uint64
	PolicyName string
	Seller     [20]byte
	Buyer      [20]byte
	Escrowed   *big.Int
	Slashed    *big.Int
	Refunded   *big.Int
	Sink       string
	SlashedAt  int64
}

// Clone returns a deep copy of the record.
func (r *SlashRecord) Clone() *SlashRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Escrowed = cloneBigInt(r.Escrowed)
	clone.Slashed = cloneBigInt(r.Slashed)
	clone.Refunded = cloneBigInt(r.Refunded)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
