// Package register demonstrates the transactional runtime in internal/stm with a small bank
// account ledger: balances held in stm.Cell[int64], transfers composed from ordinary reads and
// writes, and a fee ledger updated via Commute to show two independent transfers committing
// without conflicting on the fee total.
package register

import (
	"context"
	"errors"
	"fmt"

	"sehlabs.com/stm/internal/stm"
)

// ErrInsufficientFunds is returned by Withdraw and Transfer when an account's balance is lower
// than the amount requested.
var ErrInsufficientFunds = errors.New("register: insufficient funds")

// Account is a named balance backed by a single Cell.
type Account struct {
	name string
	cell *stm.Cell[int64]
}

// OpenAccount creates an Account with the given opening balance.
func OpenAccount(name string, openingBalance int64) *Account {
	a := &Account{name: name}
	a.cell = stm.NewCell(openingBalance).SetOwner(a)
	return a
}

func (a *Account) String() string { return a.name }

// Balance returns the account's committed balance as of the calling transaction's snapshot. tx
// may be nil to read the latest committed value outside of any transaction.
func (a *Account) Balance(tx *stm.Context) (int64, error) {
	return a.cell.Read(tx)
}

// Deposit adds amount to the account within tx.
func (a *Account) Deposit(tx *stm.Context, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("register: deposit amount must be non-negative, got %d", amount)
	}
	return a.cell.Modify(tx, func(bal int64) int64 { return bal + amount })
}

// Withdraw removes amount from the account within tx, failing with ErrInsufficientFunds if the
// balance would go negative.
func (a *Account) Withdraw(tx *stm.Context, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("register: withdraw amount must be non-negative, got %d", amount)
	}
	bal, err := a.cell.Read(tx)
	if err != nil {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: %s has %d, requested %d", ErrInsufficientFunds, a.name, bal, amount)
	}
	return a.cell.Write(tx, bal-amount)
}

// Ledger accumulates a running total of transfer fees via a commuting update, so concurrent
// transfers that both pay a fee never conflict with one another on the fee total.
type Ledger struct {
	cell *stm.Cell[int64]
}

// NewLedger creates a zeroed fee ledger.
func NewLedger() *Ledger {
	l := &Ledger{}
	l.cell = stm.NewCell[int64](0).SetOwner(l)
	return l
}

// Total returns the ledger's committed running total.
func (l *Ledger) Total(tx *stm.Context) (int64, error) {
	return l.cell.Read(tx)
}

// RecordFee adds fee to the running total via Commute, so it never collides with an unrelated
// concurrent transfer's own fee booking.
func (l *Ledger) RecordFee(tx *stm.Context, fee int64) error {
	return l.cell.Commute(tx, func(total int64) int64 { return total + fee })
}

// Transfer moves amount from src to dst, booking fee to ledger via a commuting update, all
// within a single transaction. It retries automatically on conflict (handled by RunTransaction).
func Transfer(ctx context.Context, rt *stm.Runtime, ledger *Ledger, src, dst *Account, amount, fee int64) error {
	return rt.RunTransaction(ctx, func(tx *stm.Context) error {
		if err := src.Withdraw(tx, amount+fee); err != nil {
			return err
		}
		if err := dst.Deposit(tx, amount); err != nil {
			return err
		}
		return ledger.RecordFee(tx, fee)
	})
}

// WatchLowBalance registers a conditional transaction that invokes onLow once at registration if
// the balance is already at or below threshold, and again after every committed change that
// leaves the balance at or below threshold. Cancel the returned subscription to stop watching.
func WatchLowBalance(ctx context.Context, rt *stm.Runtime, a *Account, threshold int64, onLow func(balance int64)) (*stm.Subscription, error) {
	return stm.Conditional(ctx, rt,
		func(tx *stm.Context) (bool, error) {
			bal, err := a.Balance(tx)
			if err != nil {
				return false, err
			}
			return bal <= threshold, nil
		},
		func(tx *stm.Context) (bool, error) {
			bal, err := a.Balance(tx)
			if err != nil {
				return false, err
			}
			tx.SideEffect(func() { onLow(bal) }, nil)
			return true, nil
		},
	)
}
