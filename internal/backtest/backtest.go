package backtest

import (
	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/risk"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

// Exit reasons recorded on completed trades.
const (
	ExitReasonStopLoss     = "stop_loss"
	ExitReasonTrailingStop = "trailing_stop"
	ExitReasonTakeProfit   = "take_profit"
	ExitReasonStrategy     = "strategy_exit"
	ExitReasonEndOfData    = "end_of_data"
)

// Guardrails throttle how often the engine lets a strategy trade. A zero
// value disables the corresponding check.
type Guardrails struct {
	CooldownBars         int
	MaxConsecutiveLosses int
	MaxDailyLossR        float64
	MaxTradesPerDay      int
	MaxGlobalTradesDay   int
}

// Config drives one backtest run.
type Config struct {
	Coin           string
	InitialCapital float64
	Sizing         risk.Sizing
	SlippageBps    float64
	CommissionPct  float64
	Guardrails     Guardrails
	SourceInterval candle.Interval
}

// CompletedTrade is the immutable record emitted when a position fully
// closes. Partial take-profit fills are folded into one record: ExitPrice is
// the size-weighted average and NetPnl is the sum across fills, net of all
// commissions.
type CompletedTrade struct {
	Coin       string             `json:"coin"`
	Direction  strategy.Direction `json:"direction"`
	EntryTime  int64              `json:"entryTime"`
	ExitTime   int64              `json:"exitTime"`
	EntryBar   int                `json:"entryBar"`
	ExitBar    int                `json:"exitBar"`
	EntryPrice float64            `json:"entryPrice"`
	ExitPrice  float64            `json:"exitPrice"`
	Size       float64            `json:"size"`
	NetPnl     float64            `json:"netPnl"`
	PnlPct     float64            `json:"pnlPct"`
	RMultiple  float64            `json:"rMultiple"`
	Commission float64            `json:"commission"`
	BarsHeld   int                `json:"barsHeld"`
	ExitReason string             `json:"exitReason"`
	Comment    string             `json:"comment,omitempty"`
}

// EquityPoint is one bar of the equity curve. Drawdown is the fractional
// distance below the running peak, zero at new highs and negative below.
type EquityPoint struct {
	T        int64   `json:"t"`
	Equity   float64 `json:"equity"`
	Drawdown float64 `json:"drawdown"`
}

// Metrics summarizes a finished run.
type Metrics struct {
	TotalPnl       float64 `json:"totalPnl"`
	NumTrades      int     `json:"numTrades"`
	WinningTrades  int     `json:"winningTrades"`
	LosingTrades   int     `json:"losingTrades"`
	WinRate        float64 `json:"winRate"`
	ProfitFactor   float64 `json:"profitFactor"`
	MaxDrawdownPct float64 `json:"maxDrawdownPct"`
	AvgR           float64 `json:"avgR"`
	FinalEquity    float64 `json:"finalEquity"`
	ReturnPct      float64 `json:"returnPct"`
}

// Diagnostics counts bars and signals the engine swallowed without failing
// the run.
type Diagnostics struct {
	BarsProcessed       int `json:"barsProcessed"`
	InvalidSignals      int `json:"invalidSignals"`
	EvalErrors          int `json:"evalErrors"`
	SkippedByGuardrails int `json:"skippedByGuardrails"`
}

// Result bundles everything a run produced. When the context is cancelled
// mid-run the result covers the bars completed up to that point.
type Result struct {
	Coin        string           `json:"coin"`
	Strategy    string           `json:"strategy"`
	Trades      []CompletedTrade `json:"trades"`
	EquityCurve []EquityPoint    `json:"equityCurve"`
	Metrics     Metrics          `json:"metrics"`
	Analysis    *TradeAnalysis   `json:"analysis"`
	Diagnostics Diagnostics      `json:"diagnostics"`
}
