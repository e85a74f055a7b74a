package types

import "math/big"

// Account tracks the spendable balance held by an identity. The ledger moves
// value between accounts and the per-escrow collateral vault; nothing else
// mutates balances.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// Clone returns a copy with its own big.Int so callers cannot alias stored
// balances.
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
