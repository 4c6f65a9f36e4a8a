package krakenfutures

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/derivgate/internal/domain/schema"
)

type instrument struct {
	Symbol          string          `json:"symbol"`
	Type            string          `json:"type"`
	Base            string          `json:"base"`
	Quote           string          `json:"quote"`
	Underlying      string          `json:"underlying"`
	TickSize        decimal.Decimal `json:"tickSize"`
	ContractSize    decimal.Decimal `json:"contractSize"`
	Tradeable       bool            `json:"tradeable"`
	LastTradingTime string          `json:"lastTradingTime"`
}

type wireLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type bookSnapshotMsg struct {
	ProductID string      `json:"product_id"`
	Seq       int64       `json:"seq"`
	Timestamp int64       `json:"timestamp"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
}

type bookDeltaMsg struct {
	ProductID string          `json:"product_id"`
	Side      string          `json:"side"`
	Seq       int64           `json:"seq"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Timestamp int64           `json:"timestamp"`
}

type tickerMsg struct {
	ProductID   string          `json:"product_id"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	Last        decimal.Decimal `json:"last"`
	MarkPrice   decimal.Decimal `json:"markPrice"`
	Volume      decimal.Decimal `json:"volume"`
	FundingRate decimal.Decimal `json:"funding_rate"`
	Time        int64           `json:"time"`
}

type restTicker struct {
	Symbol      string          `json:"symbol"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	Last        decimal.Decimal `json:"last"`
	MarkPrice   decimal.Decimal `json:"markPrice"`
	Vol24h      decimal.Decimal `json:"vol24h"`
	FundingRate decimal.Decimal `json:"fundingRate"`
	LastTime    string          `json:"lastTime"`
}

type wireOrder struct {
	Instrument     string          `json:"instrument"`
	Time           int64           `json:"time"`
	LastUpdateTime int64           `json:"last_update_time"`
	Qty            decimal.Decimal `json:"qty"`
	Filled         decimal.Decimal `json:"filled"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	Type           string          `json:"type"`
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `json:"cli_ord_id"`
	Direction      int             `json:"direction"`
	ReduceOnly     bool            `json:"reduce_only"`
}

type openOrdersSnapshotMsg struct {
	Orders []wireOrder `json:"orders"`
}

type openOrdersMsg struct {
	Order    *wireOrder `json:"order"`
	OrderID  string     `json:"order_id"`
	IsCancel bool       `json:"is_cancel"`
	Reason   string     `json:"reason"`
}

type wireFill struct {
	Instrument string          `json:"instrument"`
	Time       int64           `json:"time"`
	Price      decimal.Decimal `json:"price"`
	Buy        bool            `json:"buy"`
	Qty        decimal.Decimal `json:"qty"`
	OrderID    string          `json:"order_id"`
	FillID     string          `json:"fill_id"`
}

type fillsMsg struct {
	Fills []wireFill `json:"fills"`
}

type wirePosition struct {
	Instrument string          `json:"instrument"`
	Balance    decimal.Decimal `json:"balance"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	PnL        decimal.Decimal `json:"pnl"`
}

type positionsMsg struct {
	Positions []wirePosition `json:"positions"`
}

type flexBalance struct {
	BalanceValue    decimal.Decimal `json:"balance_value"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	InitialMargin   decimal.Decimal `json:"initial_margin"`
}

type balancesMsg struct {
	Timestamp   int64        `json:"timestamp"`
	FlexFutures *flexBalance `json:"flex_futures"`
}

type restPosition struct {
	Side   string          `json:"side"`
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
}

type restFlexAccount struct {
	BalanceValue    decimal.Decimal `json:"balanceValue"`
	AvailableMargin decimal.Decimal `json:"availableMargin"`
	InitialMargin   decimal.Decimal `json:"initialMargin"`
}

func unixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func parseTime(raw string) time.Time {
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Now().UTC()
	}
	return ts.UTC()
}

func normalizeAsset(asset string) string {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "XBT" {
		return "BTC"
	}
	return asset
}

// mapMarket converts an instrument. Only flexible (multi-collateral) and
// inverse contracts are supported; others report false.
func mapMarket(in instrument) (schema.Market, bool) {
	base, quote := in.Base, in.Quote
	if base == "" || quote == "" {
		// Inverse contracts only carry the underlying, e.g. "rr_xbtusd".
		underlying := strings.ToUpper(strings.TrimPrefix(strings.TrimPrefix(in.Underlying, "rr_"), "in_"))
		if len(underlying) < 6 {
			return schema.Market{}, false
		}
		base, quote = underlying[:len(underlying)-3], underlying[len(underlying)-3:]
	}
	base, quote = normalizeAsset(base), normalizeAsset(quote)

	var settle string
	switch in.Type {
	case "flexible_futures":
		settle = quote
	case "futures_inverse":
		settle = base
	default:
		return schema.Market{}, false
	}

	mk := schema.Market{
		Symbol:       base + "/" + quote + ":" + settle,
		ProductID:    in.Symbol,
		Base:         base,
		Quote:        quote,
		Settle:       settle,
		Type:         schema.MarketSwap,
		TickSize:     in.TickSize,
		ContractSize: in.ContractSize,
		Active:       in.Tradeable,
	}
	if in.LastTradingTime != "" {
		mk.Type = schema.MarketFuture
		if expiry, err := time.Parse(time.RFC3339, in.LastTradingTime); err == nil {
			mk.Symbol += "-" + expiry.UTC().Format("060102")
		}
	}
	return mk, true
}

func mapLevels(in []wireLevel) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(in))
	for _, lvl := range in {
		out = append(out, schema.PriceLevel{Price: lvl.Price, Amount: lvl.Qty})
	}
	return out
}

func mapSide(side string) (schema.Side, bool) {
	switch side {
	case "buy":
		return schema.SideBids, true
	case "sell":
		return schema.SideAsks, true
	default:
		return "", false
	}
}

func mapDirection(direction int) schema.OrderSide {
	if direction == 1 {
		return schema.OrderSideSell
	}
	return schema.OrderSideBuy
}

func mapOrderType(t string) schema.OrderType {
	switch t {
	case "post":
		return schema.OrderTypePostOnly
	case "ioc":
		return schema.OrderTypeIOC
	case "mkt", "market":
		return schema.OrderTypeMarket
	default:
		return schema.OrderTypeLimit
	}
}

func wireOrderType(t schema.OrderType) string {
	switch t {
	case schema.OrderTypeMarket:
		return "mkt"
	case schema.OrderTypePostOnly:
		return "post"
	case schema.OrderTypeIOC:
		return "ioc"
	default:
		return "lmt"
	}
}

func mapOrder(in wireOrder, symbol string) schema.Order {
	status := schema.OrderStatusOpen
	if in.Qty.IsPositive() && in.Filled.GreaterThanOrEqual(in.Qty) {
		status = schema.OrderStatusClosed
	}
	ts := in.LastUpdateTime
	if ts == 0 {
		ts = in.Time
	}
	return schema.Order{
		ID:            in.OrderID,
		ClientOrderID: in.ClientOrderID,
		Symbol:        symbol,
		Side:          mapDirection(in.Direction),
		Type:          mapOrderType(in.Type),
		Status:        status,
		Price:         in.LimitPrice,
		Amount:        in.Qty,
		Filled:        in.Filled,
		ReduceOnly:    in.ReduceOnly,
		Timestamp:     unixMillis(ts),
	}
}

func mapFill(in wireFill, symbol string) schema.Fill {
	side := schema.OrderSideSell
	if in.Buy {
		side = schema.OrderSideBuy
	}
	return schema.Fill{
		ID:        in.FillID,
		OrderID:   in.OrderID,
		Symbol:    symbol,
		Side:      side,
		Price:     in.Price,
		Amount:    in.Qty,
		Timestamp: unixMillis(in.Time),
	}
}

// mapPosition converts a signed balance into side and absolute size.
func mapPosition(in wirePosition, symbol string) schema.Position {
	side := schema.OrderSideBuy
	if in.Balance.IsNegative() {
		side = schema.OrderSideSell
	}
	return schema.Position{
		Symbol:        symbol,
		Side:          side,
		Size:          in.Balance.Abs(),
		EntryPrice:    in.EntryPrice,
		UnrealizedPnL: in.PnL,
		Timestamp:     time.Now().UTC(),
	}
}

func mapRestPosition(in restPosition, symbol string) schema.Position {
	side := schema.OrderSideBuy
	if in.Side == "short" {
		side = schema.OrderSideSell
	}
	return schema.Position{
		Symbol:     symbol,
		Side:       side,
		Size:       in.Size.Abs(),
		EntryPrice: in.Price,
		Timestamp:  time.Now().UTC(),
	}
}
