// Package ledger replays miner orders against virtual accounts.
//
// The ledger has no identity of its own: Apply is a state transition over
// (account, order, prices) that mutates the account in place. Leveraged
// positions are marked with
//
//	long:  qty·avg·(1 + lev·(price-avg)/avg)
//	short: qty·avg·(1 - lev·(price-avg)/avg)
//
// where qty is the absolute position size and avg the average entry price.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/incentive-engine/internal/model"
)

var (
	// DefaultMainFee is charged on opens of main tokens.
	DefaultMainFee = decimal.NewFromFloat(0.0005)

	// DefaultLeveragedFee is multiplied by the order leverage for all other tokens.
	DefaultLeveragedFee = decimal.NewFromFloat(0.001)

	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Ledger applies orders to accounts using a fixed fee model.
type Ledger struct {
	mainTokens   map[string]bool
	mainFee      decimal.Decimal
	leveragedFee decimal.Decimal
}

// New creates a ledger with the default fee schedule.
func New(mainTokens []string) *Ledger {
	return NewWithFees(mainTokens, DefaultMainFee, DefaultLeveragedFee)
}

// NewWithFees creates a ledger with an explicit fee schedule.
func NewWithFees(mainTokens []string, mainFee, leveragedFee decimal.Decimal) *Ledger {
	m := make(map[string]bool, len(mainTokens))
	for _, t := range mainTokens {
		m[t] = true
	}
	return &Ledger{mainTokens: m, mainFee: mainFee, leveragedFee: leveragedFee}
}

// Fee returns the fractional fee charged when opening order.
func (l *Ledger) Fee(order model.Order) decimal.Decimal {
	if l.mainTokens[order.Token] {
		return l.mainFee
	}
	return l.leveragedFee.Mul(order.Leverage)
}

// Apply replays one order. Orders from miners without an account are
// ignored. It returns true when the account was touched.
func (l *Ledger) Apply(accounts map[string]*model.Account, order model.Order, prices map[string]decimal.Decimal) bool {
	account, ok := accounts[order.MinerID]
	if !ok || account == nil {
		return false
	}
	account.Normalize()

	if account.FirstTrade == 0 || account.FirstTrade > order.Timestamp {
		account.FirstTrade = order.Timestamp
	}

	if !order.IsClose {
		recordWin(account, order, prices)
	}

	if order.IsClose {
		l.close(account, order)
	} else {
		l.open(account, order)
	}
	return true
}

// recordWin stores whether an open anticipated the move to the reference
// price. A missing reference is back-filled from the current feed; ties lose.
func recordWin(account *model.Account, order model.Order, prices map[string]decimal.Decimal) {
	ref := order.ReferencePrice
	if ref.IsZero() {
		ref = prices[order.Token]
	}
	account.TokenOfNonce[order.Nonce] = order.Token
	switch {
	case order.Direction == 1 && order.Price.LessThan(ref):
		account.WinFlags[order.Nonce] = 1
	case order.Direction == -1 && order.Price.GreaterThan(ref):
		account.WinFlags[order.Nonce] = 1
	default:
		account.WinFlags[order.Nonce] = 0
	}
}

func (l *Ledger) close(account *model.Account, order model.Order) {
	slot := account.Portfolio[order.Token]
	avg := account.AvgPrice[order.Token]
	if avg.IsZero() {
		return
	}
	lev := leverageOf(account, order.Token)

	usd, cost := realize(slot.Amount, avg, lev, order.Price)
	account.Portfolio[order.Token] = model.Flat(usd)
	account.AvgPrice[order.Token] = decimal.Zero
	account.Leverage[order.Token] = one
	addProfit(account, usd.Sub(cost))
}

func (l *Ledger) open(account *model.Account, order model.Order) {
	slot := account.Portfolio[order.Token]
	fee := l.Fee(order)
	sign := decimal.NewFromInt(int64(order.Direction))

	if slot.USD.IsPositive() {
		qty := slot.USD.Mul(one.Sub(fee)).Div(order.Price)
		account.Portfolio[order.Token] = model.AssetPosition{USD: decimal.Zero, Amount: qty.Mul(sign)}
		account.AvgPrice[order.Token] = order.Price
		account.Leverage[order.Token] = order.Leverage
		return
	}

	// Only an opposite-direction position can be netted; adding to the same
	// side is not supported and leaves the slot untouched.
	opposite := (order.Direction == 1 && slot.IsShort()) || (order.Direction == -1 && slot.IsLong())
	if !opposite {
		return
	}
	avg := account.AvgPrice[order.Token]
	if avg.IsZero() {
		return
	}
	lev := leverageOf(account, order.Token)

	usd, cost := realize(slot.Amount, avg, lev, order.Price)
	qty := usd.Mul(one.Sub(fee)).Div(order.Price)
	account.Portfolio[order.Token] = model.AssetPosition{USD: decimal.Zero, Amount: qty.Mul(sign)}
	account.AvgPrice[order.Token] = order.Price
	account.Leverage[order.Token] = order.Leverage
	addProfit(account, usd.Sub(cost))
}

// realize marks a signed position at price and returns its usd value along
// with its cost basis.
func realize(amount, avg, lev, price decimal.Decimal) (usd, cost decimal.Decimal) {
	qty := amount.Abs()
	cost = qty.Mul(avg)
	move := lev.Mul(price.Sub(avg)).Div(avg)
	if amount.IsPositive() {
		return cost.Mul(one.Add(move)), cost
	}
	return cost.Mul(one.Sub(move)), cost
}

// addProfit books realized profit and refreshes every flat slot to the new
// account balance.
func addProfit(account *model.Account, profit decimal.Decimal) {
	account.RealizedProfit = account.RealizedProfit.Add(profit)
	balance := account.InitialBalance.Add(account.RealizedProfit)
	for token, slot := range account.Portfolio {
		if slot.Amount.IsZero() {
			account.Portfolio[token] = model.Flat(balance)
		}
	}
}

func leverageOf(account *model.Account, token string) decimal.Decimal {
	if lev, ok := account.Leverage[token]; ok && !lev.IsZero() {
		return lev
	}
	return one
}

// Evaluate marks the account to market. It returns the ROI in percent of the
// initial balance, the win rate over recorded opens, and a report per token.
func Evaluate(account *model.Account, prices map[string]decimal.Decimal) (float64, float64, map[string]model.PositionReport) {
	account.Normalize()
	unrealized := decimal.Zero
	reports := make(map[string]model.PositionReport, len(account.Portfolio))

	for token, slot := range account.Portfolio {
		value := slot.USD
		status := model.PositionFlat
		avg := account.AvgPrice[token]
		if !slot.Amount.IsZero() && !avg.IsZero() {
			usd, cost := realize(slot.Amount, avg, leverageOf(account, token), prices[token])
			unrealized = unrealized.Add(usd.Sub(cost))
			value = usd
			status = model.PositionLong
			if slot.IsShort() {
				status = model.PositionShort
			}
		}
		reports[token] = model.PositionReport{
			Status: status,
			ROI:    value.Sub(account.InitialBalance).Div(account.InitialBalance).Mul(hundred),
			Value:  value,
		}
	}

	pnl := account.RealizedProfit.Add(unrealized)
	roi := pnl.Div(account.InitialBalance).Mul(hundred).InexactFloat64()

	wins := 0
	for nonce, flag := range account.WinFlags {
		if flag > 0 {
			wins++
		}
		token := account.TokenOfNonce[nonce]
		r, ok := reports[token]
		if token == "" || !ok {
			continue
		}
		r.Total++
		if flag > 0 {
			r.Win++
		}
		reports[token] = r
	}
	winRate := 0.0
	if total := len(account.WinFlags); total > 0 {
		winRate = float64(wins) / float64(total)
	}
	return roi, winRate, reports
}

// Valuation converts an ROI percentage into the account value used as a
// checkpoint return: roi·initial/100 + initial.
func Valuation(account *model.Account, roi float64) float64 {
	initial := account.InitialBalance.InexactFloat64()
	return roi*initial/100 + initial
}
