package types

import "math/big"

// Account holds the balance-bearing state for a single address. The contract
// only moves the native settlement balance; the nonce is carried in the stored
// record but not consumed by any entry point.
type Account struct {
	Nonce   uint64
	Balance *big.Int
}

// EnsureAccount returns a usable account value, allocating zero balances for
// nil input so callers never touch a nil big.Int.
func EnsureAccount(acc *Account) *Account {
	if acc == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	clone := &Account{Nonce: a.Nonce, Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}
