package simworker

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

const (
	startingBalance = 100000.0
	contractSize    = 100.0
	// Every simulated option order opens at fillPremium per share and is marked and closed at markPremium.
	fillPremium = 1.25
	markPremium = 1.40
)

var tickerPrices = map[string]float64{
	"SPY":  500.25,
	"QQQ":  430.10,
	"AAPL": 190.50,
	"TSLA": 245.00,
}

type position struct {
	Symbol        string  `json:"symbol"`
	Position      float64 `json:"position"`
	AvgCost       float64 `json:"avgCost"`
	MarketValue   float64 `json:"marketValue"`
	UnrealizedPNL float64 `json:"unrealizedPNL"`
	DailyPNL      float64 `json:"dailyPNL"`
}

type order struct {
	Action     string  `json:"action"`
	Ticker     string  `json:"ticker"`
	Quantity   int     `json:"quantity"`
	Expiry     string  `json:"expiry"`
	Strike     float64 `json:"strike"`
	OptionType string  `json:"optionType"`
}

// account is an in-memory paper account.
type account struct {
	mut         sync.Mutex
	balance     float64
	realizedPNL float64
	nextOrderID int
	positions   map[string]*position
}

func newAccount() *account {
	return &account{
		balance:     startingBalance,
		nextOrderID: 1,
		positions:   map[string]*position{},
	}
}

func (a *account) handle(cmdType string, data json.RawMessage) map[string]any {
	a.mut.Lock()
	defer a.mut.Unlock()

	switch cmdType {
	case "place_order":
		var o order
		if err := decodeData(data, &o); err != nil {
			return fail("Invalid order: %s", err)
		}
		return a.placeOrder(o)
	case "get_positions":
		return map[string]any{"success": true, "positions": a.sortedPositions()}
	case "get_balance":
		return map[string]any{"success": true, "balance": a.balance}
	case "get_daily_pnl":
		return map[string]any{"success": true, "dailyPnL": a.realizedPNL}
	case "close_position":
		var args struct {
			Symbol   string  `json:"symbol"`
			Position float64 `json:"position"`
		}
		if err := decodeData(data, &args); err != nil {
			return fail("Invalid close request: %s", err)
		}
		return a.closePosition(args.Symbol, args.Position)
	case "close_all_positions":
		n := len(a.positions)
		for sym, p := range a.positions {
			a.realize(p, p.Position)
			delete(a.positions, sym)
		}
		return map[string]any{"success": true, "message": fmt.Sprintf("Closed %d positions", n)}
	case "get_ticker_price":
		var args struct {
			Ticker string `json:"ticker"`
		}
		if err := decodeData(data, &args); err != nil {
			return fail("Invalid price request: %s", err)
		}
		price, ok := tickerPrices[strings.ToUpper(args.Ticker)]
		if !ok {
			return fail("No market data for %s", args.Ticker)
		}
		return map[string]any{"success": true, "price": price}
	default:
		return fail("Unknown command: %s", cmdType)
	}
}

func (a *account) placeOrder(o order) map[string]any {
	action := strings.ToUpper(o.Action)
	if action != "BUY" && action != "SELL" {
		return fail("Invalid order: action must be BUY or SELL, got %q", o.Action)
	}
	if o.Quantity <= 0 {
		return fail("Invalid order: quantity must be positive, got %d", o.Quantity)
	}
	if o.Ticker == "" || o.Expiry == "" || o.Strike <= 0 || o.OptionType == "" {
		return fail("Invalid order: ticker, expiry, strike and optionType are required")
	}

	right := strings.ToUpper(o.OptionType[:1])
	symbol := fmt.Sprintf("%s %s %g%s", strings.ToUpper(o.Ticker), o.Expiry, o.Strike, right)
	qty := float64(o.Quantity)
	if action == "SELL" {
		qty = -qty
	}
	cost := fillPremium * contractSize

	p, ok := a.positions[symbol]
	if !ok {
		p = &position{Symbol: symbol, AvgCost: cost}
		a.positions[symbol] = p
	}
	p.Position += qty
	p.mark()
	a.balance -= qty * cost
	if p.Position == 0 {
		delete(a.positions, symbol)
	}

	id := a.nextOrderID
	a.nextOrderID++
	return map[string]any{
		"success": true,
		"message": fmt.Sprintf("Order placed: %s %d %s", action, o.Quantity, symbol),
		"orderId": id,
	}
}

func (a *account) closePosition(symbol string, quantity float64) map[string]any {
	p, ok := a.positions[symbol]
	if !ok {
		return fail("Position not found: %s", symbol)
	}
	if quantity == 0 || math.Abs(quantity) > math.Abs(p.Position) {
		quantity = p.Position
	}
	// quantity carries the position's sign regardless of how the caller passed it
	quantity = math.Copysign(math.Abs(quantity), p.Position)

	a.realize(p, quantity)
	p.Position -= quantity
	p.mark()
	if p.Position == 0 {
		delete(a.positions, symbol)
	}
	return map[string]any{
		"success": true,
		"message": fmt.Sprintf("Closed %g of %s", math.Abs(quantity), symbol),
	}
}

func (p *position) mark() {
	p.MarketValue = p.Position * markPremium * contractSize
	p.UnrealizedPNL = p.MarketValue - p.Position*p.AvgCost
	p.DailyPNL = p.UnrealizedPNL
}

// realize closes qty contracts of p at the mark, crediting the balance.
func (a *account) realize(p *position, qty float64) {
	proceeds := qty * markPremium * contractSize
	a.balance += proceeds
	a.realizedPNL += proceeds - qty*p.AvgCost
}

func (a *account) sortedPositions() []position {
	positions := make([]position, 0, len(a.positions))
	for _, p := range a.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(data, v)
}

func fail(format string, args ...any) map[string]any {
	return map[string]any{"success": false, "message": fmt.Sprintf(format, args...)}
}
