package market

import (
	"fmt"

	"escrowmarket/core/events"
)

type registryState interface {
	OwnerView
	PolicyGet(name string) (*RewardPolicy, bool, error)
	PolicyPut(*RewardPolicy) error
	PolicyDelete(name string) error
	// PolicyReferenced reports whether any Offered or UnderEscrow item still
	// references the named policy. Sold items are immutable history and do
	// not count.
	PolicyReferenced(name string) (bool, error)
}

// Registry manages persistence and retrieval of reward policies. All mutating
// operations are owner-gated.
type Registry struct {
	st      registryState
	emitter events.Emitter
}

// NewRegistry creates a registry backed by the provided state manager.
func NewRegistry(st registryState) *Registry {
	return &Registry{st: st, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter used to broadcast registry updates.
// Passing nil resets the emitter to a no-op implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// AddType registers a new reward policy. The caller must be the contract
// owner and the policy name must be unused.
func (r *Registry) AddType(caller [20]byte, p *RewardPolicy) error {
	if err := requireOwner(r.st, caller); err != nil {
		return err
	}
	sanitized, err := SanitizePolicy(p)
	if err != nil {
		return err
	}
	if _, exists, err := r.st.PolicyGet(sanitized.Name); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePolicy, sanitized.Name)
	}
	if err := r.st.PolicyPut(sanitized); err != nil {
		return err
	}
	r.emit(NewRewardCreatedEvent(sanitized))
	return nil
}

// ChangeType overwrites all fields of an existing reward policy. The caller
// must be the contract owner and the policy must already exist.
func (r *Registry) ChangeType(caller [20]byte, p *RewardPolicy) error {
	if err := requireOwner(r.st, caller); err != nil {
		return err
	}
	sanitized, err := SanitizePolicy(p)
	if err != nil {
		return err
	}
	if _, exists, err := r.st.PolicyGet(sanitized.Name); err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, sanitized.Name)
	}
	if err := r.st.PolicyPut(sanitized); err != nil {
		return err
	}
	r.emit(NewRewardUpdatedEvent(sanitized))
	return nil
}

// RemoveType deletes a reward policy. The caller must be the contract owner,
// the policy must exist, and no live item may still reference it.
func (r *Registry) RemoveType(caller [20]byte, name string) error {
	if err := requireOwner(r.st, caller); err != nil {
		return err
	}
	existing, exists, err := r.st.PolicyGet(name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	referenced, err := r.st.PolicyReferenced(existing.Name)
	if err != nil {
		return err
	}
	if referenced {
		return fmt.Errorf("%w: %s", ErrPolicyInUse, existing.Name)
	}
	if err := r.st.PolicyDelete(existing.Name); err != nil {
		return err
	}
	r.emit(NewRewardRemovedEvent(existing.Name))
	return nil
}

// GetType retrieves a policy by name.
func (r *Registry) GetType(name string) (*RewardPolicy, bool) {
	p, ok, err := r.st.PolicyGet(name)
	if err != nil || !ok {
		return nil, false
	}
	return p, true
}

func (r *Registry) emit(event events.Event) {
	if r.emitter == nil {
		return
	}
	r.emitter.Emit(event)
}
