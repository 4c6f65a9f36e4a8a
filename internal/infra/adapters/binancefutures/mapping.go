package binancefutures

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/derivgate/internal/domain/schema"
)

type symbolFilter struct {
	FilterType string          `json:"filterType"`
	TickSize   decimal.Decimal `json:"tickSize"`
}

type symbolInfo struct {
	Symbol       string         `json:"symbol"`
	ContractType string         `json:"contractType"`
	DeliveryDate int64          `json:"deliveryDate"`
	Status       string         `json:"status"`
	BaseAsset    string         `json:"baseAsset"`
	QuoteAsset   string         `json:"quoteAsset"`
	MarginAsset  string         `json:"marginAsset"`
	Filters      []symbolFilter `json:"filters"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type depthMsg struct {
	Symbol    string     `json:"s"`
	EventTime int64      `json:"E"`
	FinalID   int64      `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type tickerMsg struct {
	Symbol    string          `json:"s"`
	EventTime int64           `json:"E"`
	Last      decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
}

type bookTickerMsg struct {
	Symbol string          `json:"s"`
	Time   int64           `json:"T"`
	Bid    decimal.Decimal `json:"b"`
	Ask    decimal.Decimal `json:"a"`
}

type markPriceMsg struct {
	Symbol      string          `json:"s"`
	EventTime   int64           `json:"E"`
	Mark        decimal.Decimal `json:"p"`
	FundingRate decimal.Decimal `json:"r"`
}

type orderUpdate struct {
	Symbol        string          `json:"s"`
	ClientOrderID string          `json:"c"`
	Side          string          `json:"S"`
	Type          string          `json:"o"`
	TimeInForce   string          `json:"f"`
	Qty           decimal.Decimal `json:"q"`
	Price         decimal.Decimal `json:"p"`
	ExecType      string          `json:"x"`
	Status        string          `json:"X"`
	OrderID       int64           `json:"i"`
	LastQty       decimal.Decimal `json:"l"`
	CumQty        decimal.Decimal `json:"z"`
	LastPrice     decimal.Decimal `json:"L"`
	TradeTime     int64           `json:"T"`
	TradeID       int64           `json:"t"`
	ReduceOnly    bool            `json:"R"`
}

type orderTradeUpdateMsg struct {
	EventTime int64       `json:"E"`
	Order     orderUpdate `json:"o"`
}

type accountBalance struct {
	Asset         string          `json:"a"`
	WalletBalance decimal.Decimal `json:"wb"`
	CrossWallet   decimal.Decimal `json:"cw"`
}

type accountPosition struct {
	Symbol        string          `json:"s"`
	Amount        decimal.Decimal `json:"pa"`
	EntryPrice    decimal.Decimal `json:"ep"`
	UnrealizedPnL decimal.Decimal `json:"up"`
	PositionSide  string          `json:"ps"`
}

type accountUpdateMsg struct {
	EventTime int64 `json:"E"`
	Account   struct {
		Reason    string            `json:"m"`
		Balances  []accountBalance  `json:"B"`
		Positions []accountPosition `json:"P"`
	} `json:"a"`
}

type orderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	Type          string          `json:"type"`
	TimeInForce   string          `json:"timeInForce"`
	Side          string          `json:"side"`
	ReduceOnly    bool            `json:"reduceOnly"`
	UpdateTime    int64           `json:"updateTime"`
}

type positionRisk struct {
	Symbol           string          `json:"symbol"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	UnrealizedProfit decimal.Decimal `json:"unRealizedProfit"`
	UpdateTime       int64           `json:"updateTime"`
}

type assetBalance struct {
	Asset            string          `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	UpdateTime       int64           `json:"updateTime"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

var errShortLevel = errors.New("book level needs price and quantity")

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

func unixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func mapMarket(in symbolInfo) (schema.Market, bool) {
	if in.BaseAsset == "" || in.QuoteAsset == "" {
		return schema.Market{}, false
	}
	settle := in.MarginAsset
	if settle == "" {
		settle = in.QuoteAsset
	}
	mk := schema.Market{
		Symbol:       in.BaseAsset + "/" + in.QuoteAsset + ":" + settle,
		ProductID:    in.Symbol,
		Base:         in.BaseAsset,
		Quote:        in.QuoteAsset,
		Settle:       settle,
		Type:         schema.MarketSwap,
		ContractSize: decimal.NewFromInt(1),
		Active:       in.Status == "TRADING",
	}
	for _, f := range in.Filters {
		if f.FilterType == "PRICE_FILTER" {
			mk.TickSize = f.TickSize
		}
	}
	switch in.ContractType {
	case "PERPETUAL":
	case "CURRENT_QUARTER", "NEXT_QUARTER", "CURRENT_MONTH", "NEXT_MONTH":
		mk.Type = schema.MarketFuture
		mk.Symbol += "-" + time.UnixMilli(in.DeliveryDate).UTC().Format("060102")
	default:
		return schema.Market{}, false
	}
	return mk, true
}

// parseLevels converts [price, qty] string pairs. Malformed entries fail the
// whole message so the book is never partially updated.
func parseLevels(raw [][]string) ([]schema.PriceLevel, error) {
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, errShortLevel
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, schema.PriceLevel{Price: price, Amount: amount})
	}
	return out, nil
}

func mapOrderSide(side string) schema.OrderSide {
	if strings.EqualFold(side, "SELL") {
		return schema.OrderSideSell
	}
	return schema.OrderSideBuy
}

func mapOrderType(orderType, tif string) schema.OrderType {
	switch {
	case orderType == "MARKET":
		return schema.OrderTypeMarket
	case tif == "GTX":
		return schema.OrderTypePostOnly
	case tif == "IOC":
		return schema.OrderTypeIOC
	default:
		return schema.OrderTypeLimit
	}
}

func mapOrderStatus(status string) schema.OrderStatus {
	switch status {
	case "FILLED":
		return schema.OrderStatusClosed
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return schema.OrderStatusCanceled
	case "REJECTED":
		return schema.OrderStatusRejected
	default:
		return schema.OrderStatusOpen
	}
}

// wireOrderType returns the Binance type and time-in-force for t.
func wireOrderType(t schema.OrderType) (string, string) {
	switch t {
	case schema.OrderTypeMarket:
		return "MARKET", ""
	case schema.OrderTypePostOnly:
		return "LIMIT", "GTX"
	case schema.OrderTypeIOC:
		return "LIMIT", "IOC"
	default:
		return "LIMIT", "GTC"
	}
}

func mapOrderUpdate(in orderUpdate, symbol string) schema.Order {
	return schema.Order{
		ID:            formatID(in.OrderID),
		ClientOrderID: in.ClientOrderID,
		Symbol:        symbol,
		Side:          mapOrderSide(in.Side),
		Type:          mapOrderType(in.Type, in.TimeInForce),
		Status:        mapOrderStatus(in.Status),
		Price:         in.Price,
		Amount:        in.Qty,
		Filled:        in.CumQty,
		ReduceOnly:    in.ReduceOnly,
		Timestamp:     unixMillis(in.TradeTime),
	}
}

func mapOrderResponse(in orderResponse, symbol string) schema.Order {
	return schema.Order{
		ID:            formatID(in.OrderID),
		ClientOrderID: in.ClientOrderID,
		Symbol:        symbol,
		Side:          mapOrderSide(in.Side),
		Type:          mapOrderType(in.Type, in.TimeInForce),
		Status:        mapOrderStatus(in.Status),
		Price:         in.Price,
		Amount:        in.OrigQty,
		Filled:        in.ExecutedQty,
		ReduceOnly:    in.ReduceOnly,
		Timestamp:     unixMillis(in.UpdateTime),
	}
}

func mapPosition(symbol string, amount, entry, pnl decimal.Decimal, ts int64) schema.Position {
	side := schema.OrderSideBuy
	if amount.IsNegative() {
		side = schema.OrderSideSell
	}
	return schema.Position{
		Symbol:        symbol,
		Side:          side,
		Size:          amount.Abs(),
		EntryPrice:    entry,
		UnrealizedPnL: pnl,
		Timestamp:     unixMillis(ts),
	}
}
