package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketType distinguishes perpetual swaps from dated futures.
type MarketType string

const (
	MarketSwap   MarketType = "swap"
	MarketFuture MarketType = "future"
)

// Market maps a unified symbol to an exchange product identifier.
type Market struct {
	Symbol       string
	ProductID    string
	Base         string
	Quote        string
	Settle       string
	Type         MarketType
	TickSize     decimal.Decimal
	ContractSize decimal.Decimal
	Active       bool
}

// Ticker is the latest top-of-book and statistics summary for a market.
type Ticker struct {
	Symbol      string
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	Last        decimal.Decimal
	Mark        decimal.Decimal
	Volume      decimal.Decimal
	FundingRate decimal.Decimal
	Timestamp   time.Time
}

// OrderSide is the direction of an order or fill.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeLimit    OrderType = "limit"
	OrderTypeMarket   OrderType = "market"
	OrderTypePostOnly OrderType = "post_only"
	OrderTypeIOC      OrderType = "ioc"
)

// OrderStatus is the normalized lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// Order is an exchange order in normalized form.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Filled        decimal.Decimal
	ReduceOnly    bool
	Timestamp     time.Time
}

// Terminal reports whether the order can no longer change.
func (o Order) Terminal() bool {
	switch o.Status {
	case OrderStatusClosed, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderRequest describes a new order. Price is ignored for market orders.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// Position is an open derivatives position.
type Position struct {
	Symbol        string
	Side          OrderSide
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Timestamp     time.Time
}

// Balance is the account margin summary in the settlement currency.
type Balance struct {
	Currency  string
	Total     decimal.Decimal
	Free      decimal.Decimal
	Used      decimal.Decimal
	Timestamp time.Time
}

// Fill is a single execution against an order.
type Fill struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      OrderSide
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Timestamp time.Time
}
