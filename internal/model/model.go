// Package model defines the core domain types shared across the bank engine.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass groups balances for display and pocket routing.
type AssetClass string

const (
	ClassFiat   AssetClass = "FIAT"
	ClassCrypto AssetClass = "CRYPTO"
	ClassStock  AssetClass = "STOCK"
)

// Pocket is a logical sub-ledger used to route conversions.
type Pocket string

const (
	PocketFiat   Pocket = "FIAT"
	PocketCrypto Pocket = "CRYPTO"
	PocketInvest Pocket = "INVEST"
)

// Balance is the holding of one asset. Owned exclusively by the ledger.
type Balance struct {
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol"`
	DisplayName  string          `json:"display_name"`
	Amount       decimal.Decimal `json:"amount"`
	MarkPriceUSD decimal.Decimal `json:"mark_price_usd"`
	AssetClass   AssetClass      `json:"asset_class"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TxKind classifies journal entries.
type TxKind string

const (
	TxDeposit          TxKind = "DEPOSIT"
	TxWithdraw         TxKind = "WITHDRAW"
	TxInternalMove     TxKind = "INTERNAL_MOVE"
	TxTransferInternal TxKind = "TRANSFER_INTERNAL"
	TxTrade            TxKind = "TRADE"
	TxFuturesMargin    TxKind = "FUTURES_MARGIN"
	TxFuturesSettle    TxKind = "FUTURES_SETTLE"
	TxBinaryStake      TxKind = "BINARY_STAKE"
	TxBinaryPayout     TxKind = "BINARY_PAYOUT"
	TxBinaryRefund     TxKind = "BINARY_REFUND"
	TxInvestSubscribe  TxKind = "INVEST_SUBSCRIBE"
	TxInvestMaturity   TxKind = "INVEST_MATURITY"
	TxP2PRelease       TxKind = "P2P_RELEASE"
	TxCopyAllocate     TxKind = "COPY_ALLOCATE"
	TxCopyReturn       TxKind = "COPY_RETURN"
)

// Direction of a journal entry relative to the owning balance.
type Direction string

const (
	Income  Direction = "INCOME"
	Outcome Direction = "OUTCOME"
)

// TxStatusCompleted is the only status a committed posting can have.
const TxStatusCompleted = "COMPLETED"

// Transaction is an immutable journal entry. Once created, it is never
// modified or deleted. BalanceAfter is the owning balance right after posting.
type Transaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	ReferenceID  string          `json:"reference_id"`
	Kind         TxKind          `json:"kind"`
	Direction    Direction       `json:"direction"`
	Amount       decimal.Decimal `json:"amount"`
	Asset        string          `json:"asset"`
	Fee          decimal.Decimal `json:"fee"`
	FeeAsset     string          `json:"fee_asset"`
	Status       string          `json:"status"`
	Timestamp    time.Time       `json:"timestamp"`
	Seq          int64           `json:"seq"` // per-user posting order
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Description  string          `json:"description"`
}

// Delta is the signed change this entry applied to its balance.
func (t Transaction) Delta() decimal.Decimal {
	delta := t.Amount
	if t.Direction == Outcome {
		delta = delta.Neg()
	}
	if t.FeeAsset == t.Asset {
		delta = delta.Sub(t.Fee)
	}
	return delta
}

// PositionSide is the direction of a leveraged futures position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// FuturesPosition is a leveraged margin position. Margin is earmarked from
// the USD balance for the position's lifetime.
type FuturesPosition struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Symbol           string          `json:"symbol"`
	Direction        PositionSide    `json:"direction"`
	Leverage         decimal.Decimal `json:"leverage"`
	Margin           decimal.Decimal `json:"margin"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	NotionalAmount   decimal.Decimal `json:"notional_amount"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	IsOpen           bool            `json:"is_open"`
	OpenedAt         time.Time       `json:"opened_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	ExitPrice        decimal.Decimal `json:"exit_price"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	Liquidated       bool            `json:"liquidated"`
}

// BinaryDirection is the bet direction of a binary option.
type BinaryDirection string

const (
	Call BinaryDirection = "CALL"
	Put  BinaryDirection = "PUT"
)

// BinaryStatus is the lifecycle state of a binary option.
type BinaryStatus string

const (
	BinaryPending   BinaryStatus = "PENDING"
	BinaryActive    BinaryStatus = "ACTIVE"
	BinaryWon       BinaryStatus = "WON"
	BinaryLost      BinaryStatus = "LOST"
	BinaryCancelled BinaryStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s BinaryStatus) Terminal() bool {
	return s == BinaryWon || s == BinaryLost || s == BinaryCancelled
}

// BinaryPosition is a fixed-payout wager.
type BinaryPosition struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	Direction     BinaryDirection `json:"direction"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	StrikePrice   decimal.Decimal `json:"strike_price"`
	PayoutPercent decimal.Decimal `json:"payout_percent"`
	Duration      time.Duration   `json:"duration"`
	StartTime     time.Time       `json:"start_time"`
	ExpiryTime    time.Time       `json:"expiry_time"`
	TargetPrice   decimal.Decimal `json:"target_price"`
	Status        BinaryStatus    `json:"status"`
	ResultAmount  decimal.Decimal `json:"result_amount"`
	CreatedAt     time.Time       `json:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}

// InvestmentStatus is the lifecycle state of a fixed-term investment.
type InvestmentStatus string

const (
	InvestActive  InvestmentStatus = "ACTIVE"
	InvestMatured InvestmentStatus = "MATURED"
)

// FixedInvestment is a time-locked deposit accruing pro-rata interest.
type FixedInvestment struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	PlanID          string           `json:"plan_id"`
	PlanName        string           `json:"plan_name"`
	Principal       decimal.Decimal  `json:"principal"`
	Asset           string           `json:"asset"`
	APY             decimal.Decimal  `json:"apy"`
	StartDate       time.Time        `json:"start_date"`
	MaturityDate    time.Time        `json:"maturity_date"`
	ProjectedReturn decimal.Decimal  `json:"projected_return"`
	Status          InvestmentStatus `json:"status"`
	MaturedAt       *time.Time       `json:"matured_at,omitempty"`
}

// P2PSide is the side of a P2P order from the initiating user's view.
type P2PSide string

const (
	P2PBuy  P2PSide = "BUY"
	P2PSell P2PSide = "SELL"
)

// P2PStatus is the lifecycle state of a P2P escrow order.
type P2PStatus string

const (
	P2PCreated   P2PStatus = "CREATED"
	P2PPaid      P2PStatus = "PAID"
	P2PReleased  P2PStatus = "RELEASED"
	P2PDisputed  P2PStatus = "DISPUTED"
	P2PCancelled P2PStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s P2PStatus) Terminal() bool {
	return s == P2PReleased || s == P2PCancelled
}

// ChatMessage is one entry of a P2P order's chat log.
type ChatMessage struct {
	Sender  string    `json:"sender"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// P2POrder is a fiat-for-crypto trade with a simulated merchant.
type P2POrder struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	OfferID              string          `json:"offer_id"`
	Side                 P2PSide         `json:"side"`
	Asset                string          `json:"asset"`
	FiatCurrency         string          `json:"fiat_currency"`
	AmountAsset          decimal.Decimal `json:"amount_asset"`
	AmountFiat           decimal.Decimal `json:"amount_fiat"`
	Price                decimal.Decimal `json:"price"`
	CounterpartyMerchant string          `json:"counterparty_merchant"`
	Status               P2PStatus       `json:"status"`
	ChatLog              []ChatMessage   `json:"chat_log"`
	CreatedAt            time.Time       `json:"created_at"`
	PayBy                time.Time       `json:"pay_by"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// CopySettings are the risk caps applied to a copy position.
type CopySettings struct {
	StopLossPercent   decimal.Decimal `json:"stop_loss_percent"`   // 0 disables
	TakeProfitPercent decimal.Decimal `json:"take_profit_percent"` // 0 disables
}

// CopyStatus is the lifecycle state of a copy position.
type CopyStatus string

const (
	CopyActive  CopyStatus = "ACTIVE"
	CopyStopped CopyStatus = "STOPPED"
)

// CopyPosition is capital allocated to a followed trader profile.
type CopyPosition struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	TraderID        string          `json:"trader_id"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	CurrentValue    decimal.Decimal `json:"current_value"`
	PnL             decimal.Decimal `json:"pnl"`
	StartDate       time.Time       `json:"start_date"`
	Settings        CopySettings    `json:"settings"`
	Status          CopyStatus      `json:"status"`
	StopReason      string          `json:"stop_reason,omitempty"`
	StoppedAt       *time.Time      `json:"stopped_at,omitempty"`
}

// PortfolioLine is one marked-to-market balance.
type PortfolioLine struct {
	Balance
	ValueUSD decimal.Decimal `json:"value_usd"`
}

// Portfolio aggregates a user's balances with their USD valuation.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Lines         []PortfolioLine `json:"lines"`
	TotalValueUSD decimal.Decimal `json:"total_value_usd"`
}
