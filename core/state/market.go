package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowmarket/core/types"
	"escrowmarket/native/market"
	"escrowmarket/storage"
)

// Manager is the persistent contract state: the reward registry, the single
// item store with its stage-derived views, the account balances and the
// monotonic counters. All records are RLP-encoded under keccak-hashed keys.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	ownerKey      = ethcrypto.Keccak256([]byte("market:owner"))
	lastIDKey     = ethcrypto.Keccak256([]byte("market:last-id"))
	countKey      = ethcrypto.Keccak256([]byte("market:count"))
	policyListKey = ethcrypto.Keccak256([]byte("market:policy-list"))
	itemListKey   = ethcrypto.Keccak256([]byte("market:item-list"))

	policyPrefix  = []byte("market:policy:")
	itemPrefix    = []byte("market:item:")
	accountPrefix = []byte("market:account:")
	slashPrefix   = []byte("market:slash:")
	slashListKey  = ethcrypto.Keccak256([]byte("market:slash-list"))
)

// vaultSeed derives the module account holding escrowed funds. The address is
// not controlled by any key.
var vaultSeed = ethcrypto.Keccak256([]byte("market:vault"))

func policyKey(name string) []byte {
	buf := make([]byte, len(policyPrefix)+len(name))
	copy(buf, policyPrefix)
	copy(buf[len(policyPrefix):], name)
	return ethcrypto.Keccak256(buf)
}

func itemKey(id uint64) []byte {
	buf := make([]byte, len(itemPrefix)+8)
	copy(buf, itemPrefix)
	binary.BigEndian.PutUint64(buf[len(itemPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func slashKey(id uint64) []byte {
	buf := make([]byte, len(slashPrefix)+8)
	copy(buf, slashPrefix)
	binary.BigEndian.PutUint64(buf[len(slashPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

// RLP has no signed integers, so persisted records mirror the domain types
// with unsigned time fields. Ledger timestamps are never negative.
type storedPolicy struct {
	Name           string
	SlashingBps    uint32
	CommissionBps  uint32
	TransferWindow uint64
	ConfirmWindow  uint64
	SlashSink      string
	CommissionSink string
}

type storedItem struct {
	ID                uint64
	PolicyName        string
	Price             *big.Int
	Seller            [20]byte
	Buyer             [20]byte
	Stage             uint8
	Escrowed          *big.Int
	Deadline          uint64
	TransferInitiated bool
	CreatedAt         uint64
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

type storedSlashRecord struct {
	ItemID     uint64
	PolicyName string
	Seller     [20]byte
	Buyer      [20]byte
	Escrowed   *big.Int
	Slashed    *big.Int
	Refunded   *big.Int
	Sink       string
	SlashedAt  uint64
}

// SetOwner fixes the privileged account. It is written once at genesis.
func (m *Manager) SetOwner(owner [20]byte) error {
	return m.db.Put(ownerKey, owner[:])
}

// Owner returns the privileged account fixed at deployment.
func (m *Manager) Owner() ([20]byte, error) {
	var owner [20]byte
	data, err := m.db.Get(ownerKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return owner, fmt.Errorf("market state: owner not initialised")
		}
		return owner, err
	}
	if len(data) != 20 {
		return owner, fmt.Errorf("market state: malformed owner record")
	}
	copy(owner[:], data)
	return owner, nil
}

// VaultAddress returns the module account that holds escrowed funds.
func (m *Manager) VaultAddress() [20]byte {
	var addr [20]byte
	copy(addr[:], vaultSeed[12:])
	return addr
}

// --- Reward registry ---

func (m *Manager) PolicyGet(name string) (*market.RewardPolicy, bool, error) {
	data, err := m.db.Get(policyKey(name))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	stored := new(storedPolicy)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("market state: decode policy %s: %w", name, err)
	}
	return &market.RewardPolicy{
		Name:           stored.Name,
		SlashingBps:    stored.SlashingBps,
		CommissionBps:  stored.CommissionBps,
		TransferWindow: int64(stored.TransferWindow),
		ConfirmWindow:  int64(stored.ConfirmWindow),
		SlashSink:      stored.SlashSink,
		CommissionSink: stored.CommissionSink,
	}, true, nil
}

func (m *Manager) PolicyPut(p *market.RewardPolicy) error {
	sanitized, err := market.SanitizePolicy(p)
	if err != nil {
		return err
	}
	stored := &storedPolicy{
		Name:           sanitized.Name,
		SlashingBps:    sanitized.SlashingBps,
		CommissionBps:  sanitized.CommissionBps,
		TransferWindow: uint64(sanitized.TransferWindow),
		ConfirmWindow:  uint64(sanitized.ConfirmWindow),
		SlashSink:      sanitized.SlashSink,
		CommissionSink: sanitized.CommissionSink,
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	if err := m.db.Put(policyKey(sanitized.Name), encoded); err != nil {
		return err
	}
	return m.listInsert(policyListKey, sanitized.Name)
}

func (m *Manager) PolicyDelete(name string) error {
	if err := m.db.Delete(policyKey(name)); err != nil {
		return err
	}
	return m.listRemove(policyListKey, name)
}

// PolicyNames returns the registered policy names in deterministic order.
func (m *Manager) PolicyNames() ([]string, error) {
	return m.loadStringList(policyListKey)
}

// PolicyReferenced reports whether any live (Offered or UnderEscrow) item
// still references the named policy.
func (m *Manager) PolicyReferenced(name string) (bool, error) {
	ids, err := m.ItemIDs()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		item, ok, err := m.ItemGet(id)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if item.PolicyName != name {
			continue
		}
		if item.Stage == market.StageOffered || item.Stage == market.StageUnderEscrow {
			return true, nil
		}
	}
	return false, nil
}

// --- Item store ---

func (m *Manager) ItemGet(id uint64) (*market.Item, bool, error) {
	data, err := m.db.Get(itemKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	stored := new(storedItem)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("market state: decode item %d: %w", id, err)
	}
	return &market.Item{
		ID:                stored.ID,
		PolicyName:        stored.PolicyName,
		Price:             stored.Price,
		Seller:            stored.Seller,
		Buyer:             stored.Buyer,
		Stage:             market.Stage(stored.Stage),
		Escrowed:          stored.Escrowed,
		Deadline:          int64(stored.Deadline),
		TransferInitiated: stored.TransferInitiated,
		CreatedAt:         int64(stored.CreatedAt),
	}, true, nil
}

func (m *Manager) ItemPut(item *market.Item) error {
	sanitized, err := market.SanitizeItem(item)
	if err != nil {
		return err
	}
	stored := &storedItem{
		ID:                sanitized.ID,
		PolicyName:        sanitized.PolicyName,
		Price:             sanitized.Price,
		Seller:            sanitized.Seller,
		Buyer:             sanitized.Buyer,
		Stage:             uint8(sanitized.Stage),
		Escrowed:          sanitized.Escrowed,
		Deadline:          uint64(sanitized.Deadline),
		TransferInitiated: sanitized.TransferInitiated,
		CreatedAt:         uint64(sanitized.CreatedAt),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	if err := m.db.Put(itemKey(sanitized.ID), encoded); err != nil {
		return err
	}
	return m.listInsertID(itemListKey, sanitized.ID)
}

func (m *Manager) ItemDelete(id uint64) error {
	if err := m.db.Delete(itemKey(id)); err != nil {
		return err
	}
	return m.listRemoveID(itemListKey, id)
}

// ItemIDs returns all live item ids in ascending order.
func (m *Manager) ItemIDs() ([]uint64, error) {
	return m.loadIDList(itemListKey)
}

// --- Counters ---

func (m *Manager) LastID() (uint64, error) {
	return m.loadUint64(lastIDKey)
}

func (m *Manager) SetLastID(id uint64) error {
	return m.putUint64(lastIDKey, id)
}

func (m *Manager) OfferedCount() (uint64, error) {
	return m.loadUint64(countKey)
}

func (m *Manager) SetOfferedCount(count uint64) error {
	return m.putUint64(countKey, count)
}

// --- Accounts ---

func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	data, err := m.db.Get(accountKey(addr))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return types.EnsureAccount(nil), nil
		}
		return nil, err
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("market state: decode account: %w", err)
	}
	return types.EnsureAccount(&types.Account{Nonce: stored.Nonce, Balance: stored.Balance}), nil
}

func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	account = types.EnsureAccount(account)
	encoded, err := rlp.EncodeToBytes(&storedAccount{Nonce: account.Nonce, Balance: account.Balance})
	if err != nil {
		return err
	}
	return m.db.Put(accountKey(addr), encoded)
}

// --- Slash archive ---

func (m *Manager) SlashRecordPut(record *market.SlashRecord) error {
	if record == nil {
		return fmt.Errorf("market state: nil slash record")
	}
	clone := record.Clone()
	stored := &storedSlashRecord{
		ItemID:     clone.ItemID,
		PolicyName: clone.PolicyName,
		Seller:     clone.Seller,
		Buyer:      clone.Buyer,
		Escrowed:   clone.Escrowed,
		Slashed:    clone.Slashed,
		Refunded:   clone.Refunded,
		Sink:       clone.Sink,
		SlashedAt:  uint64(clone.SlashedAt),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	if err := m.db.Put(slashKey(stored.ItemID), encoded); err != nil {
		return err
	}
	return m.listInsertID(slashListKey, stored.ItemID)
}

// SlashRecordGet retrieves the archived outcome of a slashed escrow.
func (m *Manager) SlashRecordGet(id uint64) (*market.SlashRecord, bool, error) {
	data, err := m.db.Get(slashKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	stored := new(storedSlashRecord)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("market state: decode slash record %d: %w", id, err)
	}
	return &market.SlashRecord{
		ItemID:     stored.ItemID,
		PolicyName: stored.PolicyName,
		Seller:     stored.Seller,
		Buyer:      stored.Buyer,
		Escrowed:   stored.Escrowed,
		Slashed:    stored.Slashed,
		Refunded:   stored.Refunded,
		Sink:       stored.Sink,
		SlashedAt:  int64(stored.SlashedAt),
	}, true, nil
}

// --- Snapshot ---

// Snapshot is the full ContractState view returned by the read-only state
// accessor: registry plus the three stage-derived item collections.
type Snapshot struct {
	Owner       [20]byte
	Rewards     []market.RewardPolicy
	Offered     []market.Item
	UnderEscrow []market.Item
	Sold        []market.Item
	// Count is the total number of items ever offered, not the live size of
	// the Offered collection; it never decreases.
	Count  uint64
	LastID uint64
}

// Snapshot assembles the full contract state. Items are bucketed by their
// stage tag; the collections are views, never a second source of truth.
func (m *Manager) Snapshot() (*Snapshot, error) {
	owner, err := m.Owner()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Owner: owner}
	names, err := m.PolicyNames()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		policy, ok, err := m.PolicyGet(name)
		if err != nil {
			return nil, err
		}
		if ok {
			snap.Rewards = append(snap.Rewards, *policy)
		}
	}
	ids, err := m.ItemIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		item, ok, err := m.ItemGet(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		switch item.Stage {
		case market.StageOffered:
			snap.Offered = append(snap.Offered, *item)
		case market.StageUnderEscrow:
			snap.UnderEscrow = append(snap.UnderEscrow, *item)
		case market.StageSold:
			snap.Sold = append(snap.Sold, *item)
		}
	}
	if snap.Count, err = m.OfferedCount(); err != nil {
		return nil, err
	}
	if snap.LastID, err = m.LastID(); err != nil {
		return nil, err
	}
	return snap, nil
}

// --- List and scalar helpers ---

func (m *Manager) loadUint64(key []byte) (uint64, error) {
	data, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var value uint64
	if err := rlp.DecodeBytes(data, &value); err != nil {
		return 0, err
	}
	return value, nil
}

func (m *Manager) putUint64(key []byte, value uint64) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

func (m *Manager) loadStringList(key []byte) ([]string, error) {
	data, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	var list []string
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) saveStringList(key []byte, list []string) error {
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

func (m *Manager) listInsert(key []byte, value string) error {
	list, err := m.loadStringList(key)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing == value {
			return nil
		}
	}
	list = append(list, value)
	sort.Strings(list)
	return m.saveStringList(key, list)
}

func (m *Manager) listRemove(key []byte, value string) error {
	list, err := m.loadStringList(key)
	if err != nil {
		return err
	}
	filtered := list[:0]
	for _, existing := range list {
		if existing != value {
			filtered = append(filtered, existing)
		}
	}
	return m.saveStringList(key, filtered)
}

func (m *Manager) loadIDList(key []byte) ([]uint64, error) {
	data, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return []uint64{}, nil
		}
		return nil, err
	}
	var list []uint64
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) saveIDList(key []byte, list []uint64) error {
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

func (m *Manager) listInsertID(key []byte, id uint64) error {
	list, err := m.loadIDList(key)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing == id {
			return nil
		}
	}
	list = append(list, id)
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return m.saveIDList(key, list)
}

func (m *Manager) listRemoveID(key []byte, id uint64) error {
	list, err := m.loadIDList(key)
	if err != nil {
		return err
	}
	filtered := list[:0]
	for _, existing := range list {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	return m.saveIDList(key, filtered)
}
