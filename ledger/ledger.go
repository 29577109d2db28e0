// Package ledger implements the in-process token ledger backing escrow
// transfers. Balances are integer units of a single configured asset.
package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Err is a ledger error with a stable message.
type Err string

func (e Err) Error() string { return string(e) }

const (
	ErrInsufficientBalance Err = "insufficient balance"
	ErrInvalidAmount       Err = "amount must be positive"
)

// Ledger tracks account balances for one asset.
type Ledger struct {
	mu       sync.RWMutex
	asset    string
	balances map[string]int64
}

// New returns an empty ledger for the given asset label.
func New(asset string) *Ledger {
	return &Ledger{
		asset:    asset,
		balances: make(map[string]int64),
	}
}

// Asset returns the asset label this ledger denominates.
func (l *Ledger) Asset() string { return l.asset }

// Mint credits an account out of thin air. Used to seed deployments and
// tests.
func (l *Ledger) Mint(account string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
	return nil
}

// Balance returns the current balance of an account. Unknown accounts have
// balance zero.
func (l *Ledger) Balance(account string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// Transfer moves amount from one account to another. It fails without side
// effects when the source balance is too low.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 || from == to {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return fmt.Errorf("%s has %d, needs %d: %w", from, l.balances[from], amount, ErrInsufficientBalance)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}
