// Package model defines the core domain types shared across the incentive
// engine. Portfolio values use shopspring/decimal; derived return series and
// scores are float64.
package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// InitialBalance is the virtual usd allocation per token for a new account.
var InitialBalance = decimal.NewFromInt(10)

// MinLeverage is the lowest leverage an order may carry.
var MinLeverage = decimal.NewFromFloat(0.1)

// DefaultTokens is the token universe every account is seeded with.
var DefaultTokens = []string{
	"0xc011a73ee8576fb46f5e1c5751ca3b9fe0af2a6f", "0xfaba6f8e4a5e8ab82f62fe7c39859fa577269be3",
	"0x4d224452801aced8b2f0aebe155379bb5d594381", "0x5283d291dbcf85356a21ba090e6db59121208b44",
	"0x5a98fcbea516cf06857215779fd812ca3bef1b32", "0x4200000000000000000000000000000000000042",
	"0x912ce59144191c1204e64559fe8253a0e49e6548", "0x7fc66500c84a76ad7e9c93437bfc5ac33e2ddae9",
	"0x2260fac5e5542a773aa44fbcfedf7c193bc2c599", "0x0000000000000000000000000000000000000000",
	"0x57e114b691db790c35207b2e685d4a43181e6061", "0xa9b1eb5908cfc3cdf91f9b8b3a74108598009096",
	"0xc18360217d8f7ab5e7c516566761ea12ce7f9d72", "0x6e2a43be0b1d33b726f0ca3b8de60b3482b8b050",
	"0x9d65ff81a3c488d585bbfb0bfe3c7707c7917f54", "0x808507121b80c02388fad14726482e061b8da827",
	"0xaea46a60368a7bd060eec7df8cba43b7ef41ad85", "0x6982508145454ce325ddbe47a25d4ec3d2311933",
	"0x1f9840a85d5af5bf1d1762f925bdaddc4201f984", "0x514910771af9ca656af840dff83e8264ecf986ca",
}

// MainTokens pay the flat fee instead of the leverage-scaled one.
var MainTokens = []string{
	"0x0000000000000000000000000000000000000000",
	"0x2260fac5e5542a773aa44fbcfedf7c193bc2c599",
}

var (
	ErrInvalidDirection = errors.New("model: direction must be +1 or -1")
	ErrInvalidPrice     = errors.New("model: price must be positive")
	ErrInvalidLeverage  = errors.New("model: leverage below minimum")
)

// Order is an immutable simulated trade submitted by a miner.
// Orders are replayed in timestamp order; ties keep arrival order.
type Order struct {
	MinerID        string          `json:"miner_id"`
	Token          string          `json:"token"`
	IsClose        bool            `json:"is_close"`
	Direction      int             `json:"direction"` // +1 long, -1 short
	Nonce          int64           `json:"nonce"`
	Price          decimal.Decimal `json:"price"`
	ReferencePrice decimal.Decimal `json:"reference_price"` // price some hours after entry; zero if unknown
	Timestamp      int64           `json:"timestamp"`       // unix seconds
	Leverage       decimal.Decimal `json:"leverage"`
}

// Validate checks the structural constraints of an order.
func (o Order) Validate() error {
	if o.Direction != 1 && o.Direction != -1 {
		return fmt.Errorf("%w: got %d", ErrInvalidDirection, o.Direction)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidPrice, o.Price)
	}
	if o.Leverage.LessThan(MinLeverage) {
		return fmt.Errorf("%w: got %s", ErrInvalidLeverage, o.Leverage)
	}
	return nil
}

// AssetPosition is one token slot of a portfolio. In steady state exactly one
// of USD (flat) or Amount (leveraged position, signed by direction) is non-zero.
type AssetPosition struct {
	USD    decimal.Decimal `json:"usd"`
	Amount decimal.Decimal `json:"asset"`
}

// Flat returns a position holding only usd.
func Flat(usd decimal.Decimal) AssetPosition {
	return AssetPosition{USD: usd, Amount: decimal.Zero}
}

// IsLong reports whether the slot holds a long position.
func (p AssetPosition) IsLong() bool { return p.Amount.IsPositive() }

// IsShort reports whether the slot holds a short position.
func (p AssetPosition) IsShort() bool { return p.Amount.IsNegative() }

// Account is the virtual portfolio reconstructed for one miner.
type Account struct {
	Portfolio      map[string]AssetPosition   `json:"portfolio"`
	InitialBalance decimal.Decimal            `json:"initial_balance"`
	RealizedProfit decimal.Decimal            `json:"realized_profit"`
	AvgPrice       map[string]decimal.Decimal `json:"avg_price"`
	Leverage       map[string]decimal.Decimal `json:"leverage"`
	FirstTrade     int64                      `json:"first_trade"`
	WinFlags       map[int64]int              `json:"win_flags"`
	TokenOfNonce   map[int64]string           `json:"token_of_nonce"`
}

// NewAccount seeds a flat allocation of InitialBalance per token.
func NewAccount(tokens []string) *Account {
	a := &Account{
		Portfolio:      make(map[string]AssetPosition, len(tokens)),
		InitialBalance: InitialBalance,
		RealizedProfit: decimal.Zero,
		AvgPrice:       make(map[string]decimal.Decimal),
		Leverage:       make(map[string]decimal.Decimal),
		WinFlags:       make(map[int64]int),
		TokenOfNonce:   make(map[int64]string),
	}
	for _, t := range tokens {
		a.Portfolio[t] = Flat(InitialBalance)
	}
	return a
}

// Normalize fills nil maps, e.g. after decoding a persisted account.
func (a *Account) Normalize() {
	if a.Portfolio == nil {
		a.Portfolio = make(map[string]AssetPosition)
	}
	if a.AvgPrice == nil {
		a.AvgPrice = make(map[string]decimal.Decimal)
	}
	if a.Leverage == nil {
		a.Leverage = make(map[string]decimal.Decimal)
	}
	if a.WinFlags == nil {
		a.WinFlags = make(map[int64]int)
	}
	if a.TokenOfNonce == nil {
		a.TokenOfNonce = make(map[int64]string)
	}
	if a.InitialBalance.IsZero() {
		a.InitialBalance = InitialBalance
	}
}

// Active reports whether the miner has traded at least once.
func (a *Account) Active() bool { return a.FirstTrade > 0 }

// Checkpoint aggregates one UTC calendar day of orders and the valuations
// derived from replaying them. Applied is one-way: once set, Orders are
// never replayed again. Replayed counts the leading Orders already fed to
// the ledger.
type Checkpoint struct {
	DayStart int64              `json:"day_start"` // UTC midnight, unix seconds
	Orders   []Order            `json:"orders"`
	CurRet   map[string]float64 `json:"cur_ret"`
	PrevRet  map[string]float64 `json:"prev_ret"`
	ROI      map[string]float64 `json:"roi"`
	Applied  bool               `json:"applied"`
	Replayed int                `json:"replayed"`
}

// NewCheckpoint creates an empty checkpoint for the given day.
func NewCheckpoint(dayStart int64) *Checkpoint {
	return &Checkpoint{
		DayStart: dayStart,
		CurRet:   make(map[string]float64),
		PrevRet:  make(map[string]float64),
		ROI:      make(map[string]float64),
	}
}

// Reason is the cause attached to an elimination record.
type Reason string

const (
	ReasonProtect     Reason = "protect_address"
	ReasonNotActive   Reason = "not_active_elimination"
	ReasonCopyTrading Reason = "copy_trading_elimination"
	ReasonMaxDrawdown Reason = "mdd_elimination"
	ReasonROI         Reason = "roi_elimination"
)

// EliminationRecord flags a miner for exclusion (Status=true) or marks it as
// protected (Status=false).
type EliminationRecord struct {
	MinerID   string `json:"miner_id"`
	Status    bool   `json:"status"`
	Timestamp string `json:"timestamp"`
	Reason    Reason `json:"reason"`
}

// Position status codes used in PositionReport.
const (
	PositionFlat  = 0
	PositionLong  = 1
	PositionShort = 2
)

// PositionReport is the per-token view of a miner's portfolio.
type PositionReport struct {
	Status int             `json:"status"`
	ROI    decimal.Decimal `json:"roi"`   // percent vs. InitialBalance
	Value  decimal.Decimal `json:"value"` // mark-to-market usd
	Total  int             `json:"total"` // recorded opens
	Win    int             `json:"win"`
}
