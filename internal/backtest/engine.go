package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/risk"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

const msPerDay = 86_400_000

// Engine drives a strategy bar-by-bar over a finite candle sequence with
// fixed execution semantics: exits are tested against the bar range before
// entries, a same-bar stop-loss/take-profit collision resolves to the stop
// (worst case), and entries fill at the signal bar's close with entry-side
// slippage. Live execution shares this ordering, so a strategy behaves the
// same against a recorded stream as it does streaming.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
}

func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger.With().Str("component", "backtest").Logger(),
	}
}

// openPosition is the engine's private book entry for the single position a
// run may hold.
type openPosition struct {
	direction   strategy.Direction
	entryPrice  float64 // filled, slippage applied
	size        float64 // remaining
	initialSize float64
	stopLoss    float64
	ladder      []strategy.TakeProfit // sorted nearest-first
	nextTP      int
	trail       *risk.TrailingStop
	entryBar    int
	entryTime   int64
	stopDist    float64 // |filled entry - stop| at open
	comment     string

	entryCommission float64
	exitCommission  float64
	realizedPnl     float64 // gross, before commissions
	exitValue       float64 // sum of fill price x size, for weighted exit
	closedSize      float64
	lastExitReason  string
}

func (p *openPosition) sign() float64 {
	if p.direction == strategy.DirectionShort {
		return -1
	}
	return 1
}

// counters is the per-run risk state surfaced to strategies and consulted by
// the guardrails.
type counters struct {
	day               int64 // UTC midnight of the current bar's day, ms
	tradesToday       int
	globalTradesToday int
	dailyPnlR         float64
	consecutiveLosses int
	lastExitBar       int
}

// htfTrack exposes, per higher timeframe, the aggregated buckets that are
// closed as of the bar being processed. next advances monotonically.
type htfTrack struct {
	interval candle.Interval
	ms       int64
	bars     []candle.Candle
	next     int
}

// Run executes the strategy over candles. On context cancellation the
// partial result up to the last completed bar is returned together with the
// context's error.
func (e *Engine) Run(ctx context.Context, candles []candle.Candle, strat strategy.Strategy) (*Result, error) {
	if strat == nil {
		return nil, fmt.Errorf("backtest: nil strategy")
	}
	res := &Result{
		Coin:        e.cfg.Coin,
		Strategy:    strat.Name(),
		Trades:      []CompletedTrade{},
		EquityCurve: make([]EquityPoint, 0, len(candles)),
	}
	if len(candles) == 0 {
		res.Analysis = Analyze(res.Trades)
		return res, nil
	}

	baseMs := e.cfg.SourceInterval.Millis()
	if baseMs == 0 {
		return nil, fmt.Errorf("backtest: unknown source interval %q", e.cfg.SourceInterval)
	}
	tracks, err := e.prepareHTF(candles, strat)
	if err != nil {
		return nil, err
	}
	exitChecker, hasExitChecker := strat.(strategy.ExitChecker)

	var pos *openPosition
	cash := 0.0 // cumulative realized pnl and commissions against initial capital
	peak := e.cfg.InitialCapital
	cnt := counters{day: dayOf(candles[0].T), lastExitBar: -1}

	var runErr error

bars:
	for i := range candles {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			e.logger.Warn().Int("bar", i).Msg("backtest aborted, returning partial result")
			break bars
		default:
		}

		bar := candles[i]
		if d := dayOf(bar.T); d != cnt.day {
			cnt.day = d
			cnt.tradesToday = 0
			cnt.globalTradesToday = 0
			cnt.dailyPnlR = 0
		}
		for t := range tracks {
			tr := &tracks[t]
			for tr.next < len(tr.bars) && tr.bars[tr.next].T+tr.ms <= bar.T+baseMs {
				tr.next++
			}
		}

		// Exits first, against the bar's full range.
		if pos != nil {
			if closed := e.checkExits(pos, bar, i, &cnt, &cash, res); closed {
				pos = nil
			}
		}
		if pos != nil && hasExitChecker {
			sctx := e.buildContext(candles, i, tracks, pos, cnt)
			dec, derr := exitChecker.ShouldExit(sctx)
			if derr != nil {
				res.Diagnostics.EvalErrors++
				e.logger.Debug().Err(derr).Int("bar", i).Msg("shouldExit error")
			} else if dec != nil && dec.Exit {
				if dec.Reason != "" {
					pos.comment = dec.Reason
				}
				exitPx := applySlippage(bar.C, pos.direction == strategy.DirectionShort, e.cfg.SlippageBps)
				e.fill(pos, exitPx, pos.size, ExitReasonStrategy, &cash)
				e.settle(pos, bar.T, i, &cnt, res)
				pos = nil
			}
		}
		if pos != nil && pos.trail.Enabled() {
			pos.trail.Observe(bar.C)
		}

		// Entry evaluation on the closed bar.
		if pos == nil {
			if !e.canTrade(i, cnt) {
				res.Diagnostics.SkippedByGuardrails++
			} else {
				sctx := e.buildContext(candles, i, tracks, nil, cnt)
				sig, serr := strat.OnCandle(sctx)
				switch {
				case serr != nil:
					res.Diagnostics.EvalErrors++
					e.logger.Debug().Err(serr).Int("bar", i).Msg("onCandle error")
				case sig != nil:
					pos = e.tryOpen(sig, bar, i, &cnt, &cash, res)
				}
			}
		}

		equity := e.cfg.InitialCapital + cash
		if pos != nil {
			equity += (bar.C - pos.entryPrice) * pos.size * pos.sign()
		}
		if equity > peak {
			peak = equity
		}
		dd := 0.0
		if peak > 0 {
			dd = (equity - peak) / peak
		}
		res.EquityCurve = append(res.EquityCurve, EquityPoint{T: bar.T, Equity: equity, Drawdown: dd})
		res.Diagnostics.BarsProcessed++
	}

	// Whatever remains open is flattened at the last processed close so the
	// equity identity holds: final equity = initial capital + sum of net pnl.
	if pos != nil && res.Diagnostics.BarsProcessed > 0 {
		last := candles[res.Diagnostics.BarsProcessed-1]
		exitPx := applySlippage(last.C, pos.direction == strategy.DirectionShort, e.cfg.SlippageBps)
		e.fill(pos, exitPx, pos.size, ExitReasonEndOfData, &cash)
		e.settle(pos, last.T, res.Diagnostics.BarsProcessed-1, &cnt, res)
		n := len(res.EquityCurve)
		res.EquityCurve[n-1].Equity = e.cfg.InitialCapital + cash
		if res.EquityCurve[n-1].Equity > peak {
			peak = res.EquityCurve[n-1].Equity
		}
		if peak > 0 {
			res.EquityCurve[n-1].Drawdown = (res.EquityCurve[n-1].Equity - peak) / peak
		}
	}

	e.computeMetrics(res, cash)
	res.Analysis = Analyze(res.Trades)
	e.logger.Info().
		Str("strategy", res.Strategy).
		Int("bars", res.Diagnostics.BarsProcessed).
		Int("trades", res.Metrics.NumTrades).
		Float64("totalPnl", res.Metrics.TotalPnl).
		Msg("backtest finished")
	return res, runErr
}

// prepareHTF aggregates the base series once per required higher timeframe.
// Visibility per bar is then a monotone index advance instead of repeated
// re-aggregation.
func (e *Engine) prepareHTF(candles []candle.Candle, strat strategy.Strategy) ([]htfTrack, error) {
	var tracks []htfTrack
	for _, iv := range strat.RequiredTimeframes() {
		if iv == e.cfg.SourceInterval {
			continue
		}
		agg, err := candle.Aggregate(candles, e.cfg.SourceInterval, iv)
		if err != nil {
			return nil, fmt.Errorf("backtest: aggregate %s: %w", iv, err)
		}
		tracks = append(tracks, htfTrack{interval: iv, ms: iv.Millis(), bars: agg})
	}
	return tracks, nil
}

func (e *Engine) buildContext(candles []candle.Candle, i int, tracks []htfTrack, pos *openPosition, cnt counters) *strategy.Context {
	sctx := &strategy.Context{
		Candles: candles[:i+1],
		Index:   i,
		Counters: strategy.RiskCounters{
			DailyPnlR:         cnt.dailyPnlR,
			TradesToday:       cnt.tradesToday,
			BarsSinceExit:     barsSinceExit(i, cnt.lastExitBar),
			ConsecutiveLosses: cnt.consecutiveLosses,
		},
	}
	if len(tracks) > 0 {
		sctx.HTF = make(map[candle.Interval][]candle.Candle, len(tracks))
		for t := range tracks {
			sctx.HTF[tracks[t].interval] = tracks[t].bars[:tracks[t].next]
		}
	}
	if pos != nil {
		sctx.Position = &strategy.PositionSummary{
			Direction:  pos.direction,
			EntryPrice: pos.entryPrice,
			EntryBar:   pos.entryBar,
		}
	}
	return sctx
}

func (e *Engine) canTrade(bar int, cnt counters) bool {
	g := e.cfg.Guardrails
	if g.CooldownBars > 0 && cnt.lastExitBar >= 0 && bar-cnt.lastExitBar < g.CooldownBars {
		return false
	}
	if g.MaxConsecutiveLosses > 0 && cnt.consecutiveLosses >= g.MaxConsecutiveLosses {
		return false
	}
	if g.MaxDailyLossR > 0 && cnt.dailyPnlR <= -g.MaxDailyLossR {
		return false
	}
	if g.MaxTradesPerDay > 0 && cnt.tradesToday >= g.MaxTradesPerDay {
		return false
	}
	if g.MaxGlobalTradesDay > 0 && cnt.globalTradesToday >= g.MaxGlobalTradesDay {
		return false
	}
	return true
}

// tryOpen validates and sizes a signal, then opens the position at the
// signal bar's close with entry-side slippage. Invalid signals are counted
// and dropped without failing the run.
func (e *Engine) tryOpen(sig *strategy.Signal, bar candle.Candle, i int, cnt *counters, cash *float64, res *Result) *openPosition {
	if err := sig.Validate(bar.C); err != nil {
		res.Diagnostics.InvalidSignals++
		e.logger.Debug().Err(err).Int("bar", i).Msg("signal discarded")
		return nil
	}
	entry := sig.Entry(bar.C)
	size, err := e.cfg.Sizing.ComputeSize(entry, sig.StopLoss)
	if err != nil {
		res.Diagnostics.InvalidSignals++
		e.logger.Debug().Err(err).Int("bar", i).Msg("signal rejected by sizing")
		return nil
	}

	filled := applySlippage(entry, sig.Direction == strategy.DirectionLong, e.cfg.SlippageBps)
	pos := &openPosition{
		direction:   sig.Direction,
		entryPrice:  filled,
		size:        size,
		initialSize: size,
		stopLoss:    sig.StopLoss,
		ladder:      sortLadder(sig.TakeProfits, sig.Direction),
		trail:       risk.NewTrailingStop(sig.Direction, filled, sig.TrailingStopDistance),
		entryBar:    i,
		entryTime:   bar.T,
		stopDist:    math.Abs(filled - sig.StopLoss),
		comment:     sig.Comment,
	}
	pos.entryCommission = commission(filled, size, e.cfg.CommissionPct)
	*cash -= pos.entryCommission
	cnt.tradesToday++
	cnt.globalTradesToday++
	return pos
}

// checkExits tests the protective levels against the bar range. The stop is
// always tested before the ladder: when both would trigger within one bar
// the engine takes the worst case. Returns true when the position fully
// closed.
func (e *Engine) checkExits(pos *openPosition, bar candle.Candle, i int, cnt *counters, cash *float64, res *Result) bool {
	long := pos.direction == strategy.DirectionLong

	stop := pos.stopLoss
	reason := ExitReasonStopLoss
	if pos.trail.Enabled() {
		if lvl := pos.trail.Level(); (long && lvl > stop) || (!long && lvl < stop) {
			stop = lvl
			reason = ExitReasonTrailingStop
		}
	}
	stopHit := (long && bar.L <= stop) || (!long && bar.H >= stop)
	if stopHit {
		exitPx := applySlippage(stop, !long, e.cfg.SlippageBps)
		e.fill(pos, exitPx, pos.size, reason, cash)
		e.settle(pos, bar.T, i, cnt, res)
		return true
	}

	// Take-profit rungs fill at their exact price, nearest first.
	for pos.nextTP < len(pos.ladder) {
		tp := pos.ladder[pos.nextTP]
		hit := (long && bar.H >= tp.Price) || (!long && bar.L <= tp.Price)
		if !hit {
			break
		}
		fillSize := tp.PctOfPosition * pos.initialSize
		if fillSize > pos.size {
			fillSize = pos.size
		}
		e.fill(pos, tp.Price, fillSize, ExitReasonTakeProfit, cash)
		pos.nextTP++
		if pos.size <= pos.initialSize*1e-9 {
			e.settle(pos, bar.T, i, cnt, res)
			return true
		}
	}
	return false
}

// fill applies one exit fill to the position and the run's cash balance.
func (e *Engine) fill(pos *openPosition, price, size float64, reason string, cash *float64) {
	gross := (price - pos.entryPrice) * size * pos.sign()
	fee := commission(price, size, e.cfg.CommissionPct)
	pos.realizedPnl += gross
	pos.exitCommission += fee
	pos.exitValue += price * size
	pos.closedSize += size
	pos.size -= size
	pos.lastExitReason = reason
	*cash += gross - fee
}

// settle finalizes a fully-closed position into a CompletedTrade and updates
// the risk counters.
func (e *Engine) settle(pos *openPosition, exitTime int64, exitBar int, cnt *counters, res *Result) {
	net := pos.realizedPnl - pos.entryCommission - pos.exitCommission
	exitPx := 0.0
	if pos.closedSize > 0 {
		exitPx = pos.exitValue / pos.closedSize
	}
	r := 0.0
	if riskUsd := pos.stopDist * pos.initialSize; riskUsd > 0 {
		r = net / riskUsd
	}
	pnlPct := 0.0
	if notional := pos.entryPrice * pos.initialSize; notional > 0 {
		pnlPct = net / notional * 100
	}

	res.Trades = append(res.Trades, CompletedTrade{
		Coin:       e.cfg.Coin,
		Direction:  pos.direction,
		EntryTime:  pos.entryTime,
		ExitTime:   exitTime,
		EntryBar:   pos.entryBar,
		ExitBar:    exitBar,
		EntryPrice: pos.entryPrice,
		ExitPrice:  exitPx,
		Size:       pos.initialSize,
		NetPnl:     net,
		PnlPct:     pnlPct,
		RMultiple:  r,
		Commission: pos.entryCommission + pos.exitCommission,
		BarsHeld:   exitBar - pos.entryBar,
		ExitReason: pos.lastExitReason,
		Comment:    pos.comment,
	})

	cnt.lastExitBar = exitBar
	cnt.dailyPnlR += r
	if net < 0 {
		cnt.consecutiveLosses++
	} else {
		cnt.consecutiveLosses = 0
	}
}

func (e *Engine) computeMetrics(res *Result, cash float64) {
	m := &res.Metrics
	m.NumTrades = len(res.Trades)
	grossProfit, grossLoss, sumR := 0.0, 0.0, 0.0
	for _, t := range res.Trades {
		sumR += t.RMultiple
		if t.NetPnl > 0 {
			m.WinningTrades++
			grossProfit += t.NetPnl
		} else {
			m.LosingTrades++
			grossLoss += -t.NetPnl
		}
	}
	m.TotalPnl = cash
	m.FinalEquity = e.cfg.InitialCapital + cash
	if m.NumTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.NumTrades) * 100
		m.AvgR = sumR / float64(m.NumTrades)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossProfit / grossLoss
	}
	if e.cfg.InitialCapital > 0 {
		m.ReturnPct = cash / e.cfg.InitialCapital * 100
	}
	minDD := 0.0
	for _, p := range res.EquityCurve {
		if p.Drawdown < minDD {
			minDD = p.Drawdown
		}
	}
	m.MaxDrawdownPct = minDD * 100
}

// applySlippage moves a fill price against the taker: buys fill higher,
// sells lower.
func applySlippage(price float64, isBuy bool, bps float64) float64 {
	if isBuy {
		return price * (1 + bps/10_000)
	}
	return price * (1 - bps/10_000)
}

func commission(price, size, pct float64) float64 {
	return math.Abs(price*size) * pct / 100
}

func dayOf(t int64) int64 { return t - t%msPerDay }

func barsSinceExit(bar, lastExit int) int {
	if lastExit < 0 {
		return bar + 1
	}
	return bar - lastExit
}

// sortLadder orders take-profit rungs nearest-first so a wide bar fills them
// in price order.
func sortLadder(tps []strategy.TakeProfit, dir strategy.Direction) []strategy.TakeProfit {
	if len(tps) == 0 {
		return nil
	}
	ladder := make([]strategy.TakeProfit, len(tps))
	copy(ladder, tps)
	sort.SliceStable(ladder, func(a, b int) bool {
		if dir == strategy.DirectionLong {
			return ladder[a].Price < ladder[b].Price
		}
		return ladder[a].Price > ladder[b].Price
	})
	return ladder
}
