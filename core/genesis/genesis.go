package genesis

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"escrowmarket/core/state"
	"escrowmarket/core/types"
	"escrowmarket/crypto"
	"escrowmarket/native/market"
)

// Spec is the deployed contract's initial storage: the owner fixed to the
// deploying account, optional pre-funded accounts, and optionally pre-seeded
// reward types. Collections start empty with count and last id at zero.
type Spec struct {
	Owner   string            `json:"owner"`
	Alloc   map[string]string `json:"alloc,omitempty"` // addr -> balance
	Rewards []RewardSpec      `json:"rewards,omitempty"`
}

// RewardSpec mirrors market.RewardPolicy in genesis JSON form.
type RewardSpec struct {
	Name           string `json:"name"`
	SlashingBps    uint32 `json:"slashingBps"`
	CommissionBps  uint32 `json:"commissionBps"`
	TransferWindow int64  `json:"transferWindow"`
	ConfirmWindow  int64  `json:"confirmWindow"`
	SlashSink      string `json:"slashSink,omitempty"`
	CommissionSink string `json:"commissionSink,omitempty"`
}

// Load reads and validates a genesis spec from disk.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file: %w", err)
	}
	spec := new(Spec)
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("parse genesis file: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Save writes the spec to disk as indented JSON.
func (s *Spec) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Validate checks the spec for well-formed addresses and amounts.
func (s *Spec) Validate() error {
	if s == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if _, err := crypto.DecodeAddress(strings.TrimSpace(s.Owner)); err != nil {
		return fmt.Errorf("genesis owner: %w", err)
	}
	for addr, amount := range s.Alloc {
		if _, err := crypto.DecodeAddress(addr); err != nil {
			return fmt.Errorf("genesis alloc %s: %w", addr, err)
		}
		if _, err := parseAmount(amount); err != nil {
			return fmt.Errorf("genesis alloc %s: %w", addr, err)
		}
	}
	seen := make(map[string]struct{}, len(s.Rewards))
	for _, reward := range s.Rewards {
		policy := reward.policy()
		sanitized, err := market.SanitizePolicy(policy)
		if err != nil {
			return fmt.Errorf("genesis reward %q: %w", reward.Name, err)
		}
		if _, dup := seen[sanitized.Name]; dup {
			return fmt.Errorf("genesis reward %q: duplicate name", sanitized.Name)
		}
		seen[sanitized.Name] = struct{}{}
	}
	return nil
}

// Apply initialises the contract state from the spec. It is invoked exactly
// once, on first boot against an empty database.
func (s *Spec) Apply(manager *state.Manager) error {
	if err := s.Validate(); err != nil {
		return err
	}
	owner, err := crypto.DecodeAddress(strings.TrimSpace(s.Owner))
	if err != nil {
		return err
	}
	if err := manager.SetOwner(owner.Array()); err != nil {
		return err
	}
	// Deterministic order for alloc application.
	addrs := make([]string, 0, len(s.Alloc))
	for addr := range s.Alloc {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		decoded, err := crypto.DecodeAddress(addr)
		if err != nil {
			return err
		}
		amount, err := parseAmount(s.Alloc[addr])
		if err != nil {
			return err
		}
		if err := manager.PutAccount(decoded.Bytes(), &types.Account{Balance: amount}); err != nil {
			return err
		}
	}
	for _, reward := range s.Rewards {
		sanitized, err := market.SanitizePolicy(reward.policy())
		if err != nil {
			return err
		}
		if err := manager.PolicyPut(sanitized); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a minimal spec with the given owner and empty collections,
// matching the storage the contract deploys with.
func Default(owner crypto.Address) *Spec {
	return &Spec{Owner: owner.String(), Alloc: map[string]string{}}
}

func (r RewardSpec) policy() *market.RewardPolicy {
	return &market.RewardPolicy{
		Name:           r.Name,
		SlashingBps:    r.SlashingBps,
		CommissionBps:  r.CommissionBps,
		TransferWindow: r.TransferWindow,
		ConfirmWindow:  r.ConfirmWindow,
		SlashSink:      r.SlashSink,
		CommissionSink: r.CommissionSink,
	}
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
