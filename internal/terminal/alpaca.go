package terminal

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"mtfleet/internal/domain"
)

// Compile-time interface check.
var _ Terminal = (*AlpacaTerminal)(nil)

// AlpacaTerminal drives a live brokerage session through the Alpaca trading
// API. Credential mapping: Login is the API key ID, Password the API
// secret, Server the base URL (paper or live).
type AlpacaTerminal struct {
	client *alpacaapi.Client
}

// NewAlpacaTerminal returns an unconnected Alpaca-backed terminal.
func NewAlpacaTerminal() *AlpacaTerminal {
	return &AlpacaTerminal{}
}

// Name returns "alpaca".
func (t *AlpacaTerminal) Name() string { return "alpaca" }

// Connect builds the API client and verifies the credentials with an
// account call.
func (t *AlpacaTerminal) Connect(ctx context.Context, creds Credentials) error {
	client := alpacaapi.NewClient(alpacaapi.ClientOpts{
		APIKey:    creds.Login,
		APISecret: creds.Password,
		BaseURL:   creds.Server,
	})

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := client.GetAccount(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	t.client = client
	return nil
}

// Disconnect drops the client. The API is stateless, so there is no remote
// session to close.
func (t *AlpacaTerminal) Disconnect(ctx context.Context) error {
	t.client = nil
	return nil
}

// AccountInfo maps the Alpaca account to the fleet's summary. Profit is the
// equity change since the previous close.
func (t *AlpacaTerminal) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	if t.client == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	acct, err := t.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoAccountData, err)
	}

	equity := acct.Equity.InexactFloat64()
	margin := acct.InitialMargin.InexactFloat64()
	info := &AccountInfo{
		Balance:    acct.Cash.InexactFloat64(),
		Equity:     equity,
		Margin:     margin,
		FreeMargin: equity - margin,
		Profit:     acct.Equity.Sub(acct.LastEquity).InexactFloat64(),
		Currency:   acct.Currency,
	}
	if margin > 0 {
		info.MarginLevel = equity / margin * 100
	}
	return info, nil
}

// OpenPositions maps current Alpaca positions to trades.
func (t *AlpacaTerminal) OpenPositions(ctx context.Context) ([]domain.Trade, error) {
	if t.client == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	positions, err := t.client.GetPositions()
	if err != nil {
		return nil, err
	}

	trades := make([]domain.Trade, 0, len(positions))
	for _, p := range positions {
		direction := domain.DirectionBuy
		if strings.EqualFold(p.Side, "short") {
			direction = domain.DirectionSell
		}
		tr := domain.Trade{
			Ticket:     hashTicket(p.AssetID),
			Symbol:     p.Symbol,
			Direction:  direction,
			Volume:     p.Qty.Abs().InexactFloat64(),
			EntryPrice: p.AvgEntryPrice.InexactFloat64(),
		}
		if p.CurrentPrice != nil {
			tr.CurrentPrice = p.CurrentPrice.InexactFloat64()
		}
		if p.UnrealizedPL != nil {
			tr.Profit = p.UnrealizedPL.InexactFloat64()
		}
		trades = append(trades, tr)
	}
	return trades, nil
}

// ClosedDeals maps filled orders in [from, to) to closed trades. The orders
// API carries no realized profit per fill, so Profit is left at the signed
// notional change; daily profit still comes from the account summary.
func (t *AlpacaTerminal) ClosedDeals(ctx context.Context, from, to time.Time) ([]domain.Trade, error) {
	if t.client == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	orders, err := t.client.GetOrders(alpacaapi.GetOrdersRequest{
		Status: "closed",
		After:  from,
		Until:  to,
		Limit:  500,
	})
	if err != nil {
		return nil, err
	}

	var trades []domain.Trade
	for _, o := range orders {
		if o.FilledAt == nil || o.FilledAvgPrice == nil || o.FilledQty.IsZero() {
			continue
		}
		direction := domain.DirectionBuy
		sign := decimal.NewFromInt(-1)
		if o.Side == alpacaapi.Sell {
			direction = domain.DirectionSell
			sign = decimal.NewFromInt(1)
		}
		trades = append(trades, domain.Trade{
			Ticket:     hashTicket(o.ID),
			Symbol:     o.Symbol,
			Direction:  direction,
			Volume:     o.FilledQty.InexactFloat64(),
			EntryPrice: o.FilledAvgPrice.InexactFloat64(),
			ClosePrice: o.FilledAvgPrice.InexactFloat64(),
			Profit:     sign.Mul(o.FilledQty).Mul(*o.FilledAvgPrice).InexactFloat64(),
			OpenTime:   o.CreatedAt,
			CloseTime:  *o.FilledAt,
		})
	}
	return trades, nil
}

// hashTicket folds an Alpaca UUID into a stable int64 ticket.
func hashTicket(id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64() & (1<<63 - 1))
}
