package backtest

import (
	"fmt"
	"io"
	"sort"
)

// BucketStats aggregates trades sharing one grouping key.
type BucketStats struct {
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	WinRate float64 `json:"winRate"`
	NetPnl  float64 `json:"netPnl"`
	AvgR    float64 `json:"avgR"`
}

// TradeAnalysis breaks a run's trades down by exit reason and direction and
// carries the streak/expectancy figures the summary report prints.
type TradeAnalysis struct {
	ByExitReason  map[string]*BucketStats `json:"byExitReason"`
	ByDirection   map[string]*BucketStats `json:"byDirection"`
	MaxWinStreak  int                     `json:"maxWinStreak"`
	MaxLossStreak int                     `json:"maxLossStreak"`
	AvgWin        float64                 `json:"avgWin"`
	AvgLoss       float64                 `json:"avgLoss"`
	AvgBarsHeld   float64                 `json:"avgBarsHeld"`
	ExpectancyR   float64                 `json:"expectancyR"`
}

// Analyze builds the breakdown bundle from a completed trade list.
func Analyze(trades []CompletedTrade) *TradeAnalysis {
	a := &TradeAnalysis{
		ByExitReason: make(map[string]*BucketStats),
		ByDirection:  make(map[string]*BucketStats),
	}
	if len(trades) == 0 {
		return a
	}

	winStreak, lossStreak := 0, 0
	totalWins, totalLosses := 0.0, 0.0
	winCount, lossCount := 0, 0
	barsHeld, sumR := 0, 0.0

	for _, t := range trades {
		bucketAdd(a.ByExitReason, t.ExitReason, t)
		bucketAdd(a.ByDirection, string(t.Direction), t)

		barsHeld += t.BarsHeld
		sumR += t.RMultiple
		if t.NetPnl > 0 {
			winCount++
			totalWins += t.NetPnl
			winStreak++
			lossStreak = 0
		} else {
			lossCount++
			totalLosses += -t.NetPnl
			lossStreak++
			winStreak = 0
		}
		if winStreak > a.MaxWinStreak {
			a.MaxWinStreak = winStreak
		}
		if lossStreak > a.MaxLossStreak {
			a.MaxLossStreak = lossStreak
		}
	}

	if winCount > 0 {
		a.AvgWin = totalWins / float64(winCount)
	}
	if lossCount > 0 {
		a.AvgLoss = totalLosses / float64(lossCount)
	}
	a.AvgBarsHeld = float64(barsHeld) / float64(len(trades))
	a.ExpectancyR = sumR / float64(len(trades))

	for _, s := range a.ByExitReason {
		bucketFinish(s)
	}
	for _, s := range a.ByDirection {
		bucketFinish(s)
	}
	return a
}

func bucketAdd(m map[string]*BucketStats, key string, t CompletedTrade) {
	s, ok := m[key]
	if !ok {
		s = &BucketStats{}
		m[key] = s
	}
	s.Trades++
	s.NetPnl += t.NetPnl
	s.AvgR += t.RMultiple // running sum until bucketFinish
	if t.NetPnl > 0 {
		s.Wins++
	} else {
		s.Losses++
	}
}

func bucketFinish(s *BucketStats) {
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
		s.AvgR /= float64(s.Trades)
	}
}

// WriteReport renders the run summary in the plain-text layout the backtest
// CLI prints.
func (r *Result) WriteReport(w io.Writer) {
	m := r.Metrics
	fmt.Fprintf(w, "\n=== BACKTEST RESULTS: %s / %s ===\n", r.Coin, r.Strategy)
	fmt.Fprintf(w, "Bars Processed: %d\n", r.Diagnostics.BarsProcessed)
	fmt.Fprintf(w, "Total Trades: %d\n", m.NumTrades)
	fmt.Fprintf(w, "Winning Trades: %d (%.1f%%)\n", m.WinningTrades, m.WinRate)
	fmt.Fprintf(w, "Losing Trades: %d\n", m.LosingTrades)
	fmt.Fprintf(w, "Net Profit: $%.2f (%.2f%%)\n", m.TotalPnl, m.ReturnPct)
	fmt.Fprintf(w, "Final Equity: $%.2f\n", m.FinalEquity)
	fmt.Fprintf(w, "Profit Factor: %.2f\n", m.ProfitFactor)
	fmt.Fprintf(w, "Max Drawdown: %.2f%%\n", m.MaxDrawdownPct)
	fmt.Fprintf(w, "Average R: %.2f\n", m.AvgR)
	if r.Diagnostics.InvalidSignals > 0 || r.Diagnostics.EvalErrors > 0 {
		fmt.Fprintf(w, "Discarded Signals: %d invalid, %d errors\n",
			r.Diagnostics.InvalidSignals, r.Diagnostics.EvalErrors)
	}

	if r.Analysis == nil || len(r.Analysis.ByExitReason) == 0 {
		return
	}
	fmt.Fprintf(w, "\n=== EXIT BREAKDOWN ===\n")
	for _, reason := range sortedKeys(r.Analysis.ByExitReason) {
		s := r.Analysis.ByExitReason[reason]
		fmt.Fprintf(w, "%-14s %3d trades, %5.1f%% win rate, net $%.2f\n",
			reason+":", s.Trades, s.WinRate, s.NetPnl)
	}
	fmt.Fprintf(w, "\n=== DIRECTION BREAKDOWN ===\n")
	for _, dir := range sortedKeys(r.Analysis.ByDirection) {
		s := r.Analysis.ByDirection[dir]
		fmt.Fprintf(w, "%-14s %3d trades, %5.1f%% win rate, net $%.2f\n",
			dir+":", s.Trades, s.WinRate, s.NetPnl)
	}
	fmt.Fprintf(w, "\nMax Win Streak: %d | Max Loss Streak: %d | Expectancy: %.2fR | Avg Bars Held: %.1f\n",
		r.Analysis.MaxWinStreak, r.Analysis.MaxLossStreak, r.Analysis.ExpectancyR, r.Analysis.AvgBarsHeld)
}

func sortedKeys(m map[string]*BucketStats) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
