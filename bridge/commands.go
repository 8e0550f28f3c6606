package bridge

import (
	"context"
	"encoding/json"
)

// Worker command types.
const (
	CmdPlaceOrder        = "place_order"
	CmdGetPositions      = "get_positions"
	CmdGetBalance        = "get_balance"
	CmdGetDailyPnL       = "get_daily_pnl"
	CmdClosePosition     = "close_position"
	CmdCloseAllPositions = "close_all_positions"
	CmdGetTickerPrice    = "get_ticker_price"
)

// failureDefaults are the payload fields the front end expects even when a command fails.
var failureDefaults = map[string]struct {
	field string
	zero  json.RawMessage
}{
	CmdGetPositions:   {field: "positions", zero: json.RawMessage(`[]`)},
	CmdGetBalance:     {field: "balance", zero: json.RawMessage(`0`)},
	CmdGetDailyPnL:    {field: "dailyPnL", zero: json.RawMessage(`0`)},
	CmdGetTickerPrice: {field: "price", zero: json.RawMessage(`0`)},
}

func applyFailureDefaults(cmdType string, res *Result) {
	if d, ok := failureDefaults[cmdType]; ok {
		res.withDefault(d.field, d.zero)
	}
}

// Order is an option order.
type Order struct {
	Action     string  `json:"action"`
	Ticker     string  `json:"ticker"`
	Quantity   int     `json:"quantity"`
	Expiry     string  `json:"expiry"`
	Strike     float64 `json:"strike"`
	OptionType string  `json:"optionType"`
}

type Position struct {
	Symbol        string  `json:"symbol"`
	Position      float64 `json:"position"`
	AvgCost       float64 `json:"avgCost"`
	MarketValue   float64 `json:"marketValue"`
	UnrealizedPNL float64 `json:"unrealizedPNL"`
	DailyPNL      float64 `json:"dailyPNL"`
}

// PositionsResult embeds the Result it was decoded from, so it encodes to JSON the same way.
type PositionsResult struct {
	Result
	Positions []Position
}

type AmountResult struct {
	Result
	Amount float64
}

// decodeField decodes a successful result's payload field into T.
// A missing or undecodable field turns the result into a failure carrying def.
func decodeField[T any](res Result, field string, def T) (Result, T) {
	if !res.Success {
		return res, def
	}
	var v T
	found, err := res.Field(field, &v)
	if err != nil {
		return failure(err.Error()), def
	}
	if !found {
		return res, def
	}
	return res, v
}

func (b *Bridge) PlaceOrder(ctx context.Context, order Order) Result {
	return b.SendCommand(ctx, CmdPlaceOrder, order)
}

func (b *Bridge) GetPositions(ctx context.Context) PositionsResult {
	res, positions := decodeField(b.SendCommand(ctx, CmdGetPositions, nil), "positions", []Position{})
	if positions == nil {
		positions = []Position{}
	}
	applyFailureDefaults(CmdGetPositions, &res)
	return PositionsResult{Result: res, Positions: positions}
}

func (b *Bridge) GetBalance(ctx context.Context) AmountResult {
	return b.amount(ctx, CmdGetBalance, nil)
}

func (b *Bridge) GetDailyPnL(ctx context.Context) AmountResult {
	return b.amount(ctx, CmdGetDailyPnL, nil)
}

func (b *Bridge) GetTickerPrice(ctx context.Context, ticker string) AmountResult {
	return b.amount(ctx, CmdGetTickerPrice, map[string]string{"ticker": ticker})
}

func (b *Bridge) amount(ctx context.Context, cmdType string, data any) AmountResult {
	res, amount := decodeField(b.SendCommand(ctx, cmdType, data), failureDefaults[cmdType].field, 0.0)
	applyFailureDefaults(cmdType, &res)
	return AmountResult{Result: res, Amount: amount}
}

// ClosePosition closes quantity of the position identified by symbol.
func (b *Bridge) ClosePosition(ctx context.Context, symbol string, quantity float64) Result {
	return b.SendCommand(ctx, CmdClosePosition, map[string]any{
		"symbol":   symbol,
		"position": quantity,
	})
}

func (b *Bridge) CloseAllPositions(ctx context.Context) Result {
	return b.SendCommand(ctx, CmdCloseAllPositions, nil)
}
