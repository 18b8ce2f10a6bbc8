package market

import (
	"math/big"
	"strconv"

	"escrowmarket/core/events"
	"escrowmarket/crypto"
)

const (
	EventTypeRewardCreated     = "market.reward.created"
	EventTypeRewardUpdated     = "market.reward.updated"
	EventTypeRewardRemoved     = "market.reward.removed"
	EventTypeItemOffered       = "market.item.offered"
	EventTypeEscrowOpened      = "market.escrow.opened"
	EventTypeTransferInitiated = "market.escrow.transfer_initiated"
	EventTypeItemSold          = "market.item.sold"
	EventTypeItemSlashed       = "market.item.slashed"
)

// NewRewardCreatedEvent returns the canonical payload for a newly registered
// reward policy.
func NewRewardCreatedEvent(p *RewardPolicy) *events.Attributed {
	return newRewardEvent(EventTypeRewardCreated, p)
}

// NewRewardUpdatedEvent returns the canonical payload for an overwritten
// reward policy.
func NewRewardUpdatedEvent(p *RewardPolicy) *events.Attributed {
	return newRewardEvent(EventTypeRewardUpdated, p)
}

// NewRewardRemovedEvent returns the canonical payload for a deleted reward
// policy.
func NewRewardRemovedEvent(name string) *events.Attributed {
	return &events.Attributed{Type: EventTypeRewardRemoved, Attributes: map[string]string{"name": name}}
}

// NewItemOfferedEvent returns the canonical payload for a freshly listed item.
func NewItemOfferedEvent(i *Item) *events.Attributed {
	return newItemEvent(EventTypeItemOffered, i, nil)
}

// NewEscrowOpenedEvent returns the canonical payload emitted when a bid moves
// an item under escrow.
func NewEscrowOpenedEvent(i *Item) *events.Attributed {
	return newItemEvent(EventTypeEscrowOpened, i, nil)
}

// NewTransferInitiatedEvent returns the canonical payload emitted when the
// buyer starts the transfer and the deadline is extended.
func NewTransferInitiatedEvent(i *Item) *events.Attributed {
	return newItemEvent(EventTypeTransferInitiated, i, nil)
}

// NewItemSoldEvent returns the canonical payload for a confirmed sale.
func NewItemSoldEvent(i *Item, commission *big.Int) *events.Attributed {
	extra := map[string]string{}
	if commission != nil {
		extra["commission"] = commission.String()
	}
	return newItemEvent(EventTypeItemSold, i, extra)
}

// NewItemSlashedEvent returns the audit payload for a slashed escrow. Together
// with the persisted SlashRecord it keeps the terminal outcome observable
// after the item leaves the live collections.
func NewItemSlashedEvent(r *SlashRecord) *events.Attributed {
	attrs := make(map[string]string)
	if r == nil {
		return &events.Attributed{Type: EventTypeItemSlashed, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(r.ItemID, 10)
	attrs["rewardType"] = r.PolicyName
	attrs["seller"] = crypto.NewAddress(crypto.MarketPrefix, r.Seller[:]).String()
	attrs["buyer"] = crypto.NewAddress(crypto.MarketPrefix, r.Buyer[:]).String()
	attrs["escrowed"] = cloneBigInt(r.Escrowed).String()
	attrs["slashed"] = cloneBigInt(r.Slashed).String()
	attrs["refunded"] = cloneBigInt(r.Refunded).String()
	attrs["sink"] = r.Sink
	attrs["slashedAt"] = strconv.FormatInt(r.SlashedAt, 10)
	return &events.Attributed{Type: EventTypeItemSlashed, Attributes: attrs}
}

func newRewardEvent(eventType string, p *RewardPolicy) *events.Attributed {
	attrs := make(map[string]string)
	if p == nil {
		return &events.Attributed{Type: eventType, Attributes: attrs}
	}
	attrs["name"] = p.Name
	attrs["slashingBps"] = strconv.FormatUint(uint64(p.SlashingBps), 10)
	attrs["commissionBps"] = strconv.FormatUint(uint64(p.CommissionBps), 10)
	attrs["transferWindow"] = strconv.FormatInt(p.TransferWindow, 10)
	attrs["confirmWindow"] = strconv.FormatInt(p.ConfirmWindow, 10)
	attrs["slashSink"] = p.SlashSink
	attrs["commissionSink"] = p.CommissionSink
	return &events.Attributed{Type: eventType, Attributes: attrs}
}

func newItemEvent(eventType string, i *Item, extra map[string]string) *events.Attributed {
	attrs := make(map[string]string)
	if i == nil {
		return &events.Attributed{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(i.ID, 10)
	attrs["rewardType"] = i.PolicyName
	attrs["price"] = cloneBigInt(i.Price).String()
	attrs["seller"] = crypto.NewAddress(crypto.MarketPrefix, i.Seller[:]).String()
	attrs["stage"] = i.Stage.String()
	if i.Stage != StageOffered {
		attrs["buyer"] = crypto.NewAddress(crypto.MarketPrefix, i.Buyer[:]).String()
		attrs["escrowed"] = cloneBigInt(i.Escrowed).String()
		attrs["deadline"] = strconv.FormatInt(i.Deadline, 10)
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &events.Attributed{Type: eventType, Attributes: attrs}
}
