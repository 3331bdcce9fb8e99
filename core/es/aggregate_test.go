package es_test

import (
	"errors"
	"fmt"

	"github.com/sourcebox-io/sourcebox-go/core/es"
)

// account is the aggregate used across the package tests.
type account struct {
	es.Base
	Balance  int64  `json:"balance"`
	Currency string `json:"currency"`
}

type (
	accountOpened struct {
		Currency string `json:"currency"`
		Initial  int64  `json:"initial"`
	}
	moneyDeposited struct {
		Amount int64 `json:"amount"`
	}
	moneyWithdrawn struct {
		Amount int64 `json:"amount"`
	}
)

func (e accountOpened) Validate() error {
	if e.Currency == "" {
		return errors.New("currency is required")
	}
	if e.Initial < 0 {
		return errors.New("initial balance must not be negative")
	}
	return nil
}

var errInsufficientFunds = errors.New("insufficient funds")

func (a *account) AggregateType() string { return "account" }

func (a *account) RegisterEvents(r es.Registrar) {
	es.RegisterEventFor[accountOpened](r)
	es.RegisterEventFor[moneyDeposited](r)
	es.RegisterEventFor[moneyWithdrawn](r)
}

func (a *account) Apply(evt any) error {
	switch e := evt.(type) {
	case *es.Created:
		return a.Base.Apply(evt)
	case *accountOpened:
		a.Currency = e.Currency
		a.Balance = e.Initial
	case *moneyDeposited:
		a.Balance += e.Amount
	case *moneyWithdrawn:
		a.Balance -= e.Amount
	default:
		return fmt.Errorf("unknown event: %T", evt)
	}
	return nil
}

func (a *account) Open(currency string, initial int64) error {
	if a.Currency != "" {
		return errors.New("account already open")
	}
	if !a.IsCreated() {
		if err := a.Create(a.ID()); err != nil {
			return err
		}
	}
	return es.RaiseAndApply(a, &accountOpened{Currency: currency, Initial: initial})
}

func (a *account) Deposit(amount int64) error {
	if amount <= 0 {
		return errors.New("deposit amount must be positive")
	}
	return es.RaiseAndApply(a, &moneyDeposited{Amount: amount})
}

func (a *account) Withdraw(amount int64, currency string) error {
	if amount <= 0 {
		return errors.New("withdrawal amount must be positive")
	}
	if currency != a.Currency {
		return fmt.Errorf("currency mismatch: account holds %s", a.Currency)
	}
	if a.Balance < amount {
		return fmt.Errorf("%w: balance=%d, requested=%d", errInsufficientFunds, a.Balance, amount)
	}
	return es.RaiseAndApply(a, &moneyWithdrawn{Amount: amount})
}
