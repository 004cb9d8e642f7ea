package fio

import "github.com/shopspring/decimal"

// StatementResponse is the body of the periods endpoint
type StatementResponse struct {
	AccountStatement AccountStatement `json:"accountStatement"`
}

// AccountStatement holds the account info and its transactions
type AccountStatement struct {
	Info            StatementInfo   `json:"info"`
	TransactionList TransactionList `json:"transactionList"`
}

// StatementInfo describes the account and the requested period
type StatementInfo struct {
	AccountID string          `json:"accountId"`
	BankID    string          `json:"bankId"`
	Currency  string          `json:"currency"`
	IBAN      string          `json:"iban"`
	DateStart string          `json:"dateStart"`
	DateEnd   string          `json:"dateEnd"`
	Closing   decimal.Decimal `json:"closingBalance"`
}

type TransactionList struct {
	Transactions []Transaction `json:"transaction"`
}

// column is one named field of a transaction. Absent fields are null.
type column[T any] struct {
	Value T      `json:"value"`
	Name  string `json:"name"`
	ID    int    `json:"id"`
}

// Transaction is a bank movement. Fio names fields by column number.
type Transaction struct {
	Date           *column[string]          `json:"column0"`
	Amount         *column[decimal.Decimal] `json:"column1"`
	Counterparty   *column[string]          `json:"column2"`
	BankCode       *column[string]          `json:"column3"`
	ConstSymbol    *column[string]          `json:"column4"`
	VariableSymbol *column[string]          `json:"column5"`
	SpecificSymbol *column[string]          `json:"column6"`
	UserIdent      *column[string]          `json:"column7"`
	Type           *column[string]          `json:"column8"`
	Executor       *column[string]          `json:"column9"`
	AccountName    *column[string]          `json:"column10"`
	Currency       *column[string]          `json:"column14"`
	Message        *column[string]          `json:"column16"`
	Comment        *column[string]          `json:"column25"`
	ID             *column[int64]           `json:"column22"`
}

func (c *column[T]) value() T {
	var zero T
	if c == nil {
		return zero
	}
	return c.Value
}
