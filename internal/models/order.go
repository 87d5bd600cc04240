package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the closed set of currencies the upstream reports orders in.
type Currency string

const (
	CurrencyRUB     Currency = "RUB"
	CurrencyUSD     Currency = "USD"
	CurrencyEUR     Currency = "EUR"
	CurrencyUnknown Currency = "UNKNOWN"
)

// OrderStatus is the closed set of order states the core reacts to.
type OrderStatus string

const (
	OrderPaid     OrderStatus = "PAID"
	OrderClosed   OrderStatus = "CLOSED"
	OrderRefunded OrderStatus = "REFUNDED"
)

// Review is a buyer's feedback on a completed order.
type Review struct {
	Stars int // 1..5
	Reply string
}

// OrderShortcut is the compact row returned by get_sales; every field here
// also appears on the full Order.
type OrderShortcut struct {
	ID              string // 8-char [A-Z0-9]
	Description     string
	SubcategoryName string
	Price           decimal.Decimal
	Currency        Currency
	BuyerUsername   string
	BuyerID         int64
	ChatID          int64
	Status          OrderStatus
	Date            time.Time
	Review          *Review
	Amount          int // >= 1
}

// Order is the full order detail, fetched on demand when a handler needs
// more than the shortcut carries.
type Order struct {
	OrderShortcut
	ShortDescription      string
	LotParams             map[string]string
	SumInSellerCurrency   decimal.Decimal
}

// Balance reports available/total funds per currency, as returned by
// get_balance.
type Balance struct {
	TotalRUB     decimal.Decimal
	AvailableRUB decimal.Decimal
	TotalUSD     decimal.Decimal
	AvailableUSD decimal.Decimal
	TotalEUR     decimal.Decimal
	AvailableEUR decimal.Decimal
}

// WithdrawalForecastEntry tracks one completed order for the 48h withdrawal
// forecast window.
type WithdrawalForecastEntry struct {
	OrderID     string
	CompletedAt time.Time
	Price       decimal.Decimal
	Currency    Currency
}
