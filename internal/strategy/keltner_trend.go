package strategy

import (
	"fmt"
	"math"

	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/indicator"
)

func init() {
	Register("keltner-trend", NewKeltnerTrend)
}

func keltnerDefaults() Params {
	return Params{
		"ema_period":   {Value: 20, Min: 10, Max: 50, Step: 5, Optimizable: true},
		"tr_period":    {Value: 20, Min: 10, Max: 50, Step: 5, Optimizable: true},
		"mult":         {Value: 2, Min: 1, Max: 3.5, Step: 0.5, Optimizable: true},
		"htf_ema_fast": {Value: 20, Min: 10, Max: 50, Step: 10, Optimizable: false},
		"htf_ema_slow": {Value: 50, Min: 30, Max: 200, Step: 10, Optimizable: false},
		"rsi_period":   {Value: 14, Min: 7, Max: 28, Step: 7, Optimizable: false},
	}
}

// KeltnerTrend trades pullbacks to the Keltner mid line in the direction of
// the hourly EMA trend: when the fast hourly EMA is above the slow one, a
// bar that dips to the mid line and closes back above it goes long with the
// stop at the lower band and the target at the upper band. Shorts mirror.
type KeltnerTrend struct {
	params    Params
	emaPeriod int
	trPeriod  int
	mult      float64
	htfFast   int
	htfSlow   int
	rsiPeriod int
	htf       candle.Interval
}

// NewKeltnerTrend builds the strategy from parameter overrides.
func NewKeltnerTrend(overrides Params) (Strategy, error) {
	p, err := merge(keltnerDefaults(), overrides)
	if err != nil {
		return nil, err
	}
	s := &KeltnerTrend{
		params:    p,
		emaPeriod: p.IntValue("ema_period", 20),
		trPeriod:  p.IntValue("tr_period", 20),
		mult:      p.Value("mult", 2),
		htfFast:   p.IntValue("htf_ema_fast", 20),
		htfSlow:   p.IntValue("htf_ema_slow", 50),
		rsiPeriod: p.IntValue("rsi_period", 14),
		htf:       candle.Interval1h,
	}
	if s.emaPeriod < 1 || s.trPeriod < 1 || s.rsiPeriod < 1 {
		return nil, fmt.Errorf("periods must be >= 1")
	}
	if s.mult <= 0 {
		return nil, fmt.Errorf("mult must be > 0, got %v", s.mult)
	}
	if s.htfFast >= s.htfSlow {
		return nil, fmt.Errorf("htf_ema_fast %d must be below htf_ema_slow %d", s.htfFast, s.htfSlow)
	}
	return s, nil
}

func (s *KeltnerTrend) Name() string   { return "keltner-trend" }
func (s *KeltnerTrend) Params() Params { return s.params }

func (s *KeltnerTrend) minBars() int {
	need := s.emaPeriod
	if s.trPeriod > need {
		need = s.trPeriod
	}
	if s.rsiPeriod+1 > need {
		need = s.rsiPeriod + 1
	}
	return need + 1
}

func (s *KeltnerTrend) WarmupBars() map[string]int {
	return map[string]int{
		"source":       s.minBars() + 1,
		s.htf.String(): s.htfSlow + 2,
	}
}

func (s *KeltnerTrend) RequiredTimeframes() []candle.Interval {
	return []candle.Interval{s.htf}
}

func (s *KeltnerTrend) OnCandle(ctx *Context) (*Signal, error) {
	if ctx.Position != nil {
		return nil, nil
	}
	window := ctx.Window()
	htf := ctx.Timeframe(s.htf)
	if len(window) < s.minBars() || len(htf) < s.htfSlow+1 {
		return nil, nil
	}

	kelt, err := indicator.Keltner(window, s.emaPeriod, s.trPeriod, s.mult)
	if err != nil {
		return nil, err
	}
	rsi, err := indicator.RSI(candle.Closes(window), s.rsiPeriod)
	if err != nil {
		return nil, err
	}
	htfCloses := candle.Closes(htf)
	fast, err := indicator.EMA(htfCloses, s.htfFast)
	if err != nil {
		return nil, err
	}
	slow, err := indicator.EMA(htfCloses, s.htfSlow)
	if err != nil {
		return nil, err
	}

	i := len(window) - 1
	j := len(htf) - 1
	mid, upperBand, lowerBand := kelt.Mid[i], kelt.Upper[i], kelt.Lower[i]
	if math.IsNaN(mid) || math.IsNaN(upperBand) || math.IsNaN(lowerBand) ||
		math.IsNaN(rsi[i]) || math.IsNaN(fast[j]) || math.IsNaN(slow[j]) {
		return nil, nil
	}

	cur := window[i]
	trendUp := fast[j] > slow[j]
	trendDown := fast[j] < slow[j]

	if trendUp && cur.L <= mid && cur.C > mid && rsi[i] < 60 {
		if lowerBand <= 0 || lowerBand >= cur.C || upperBand <= cur.C {
			return nil, nil
		}
		return &Signal{
			Direction:   DirectionLong,
			StopLoss:    lowerBand,
			TakeProfits: []TakeProfit{{Price: upperBand, PctOfPosition: 1}},
			Comment:     fmt.Sprintf("pullback to mid %.5g in hourly uptrend", mid),
		}, nil
	}
	if trendDown && cur.H >= mid && cur.C < mid && rsi[i] > 40 {
		if lowerBand <= 0 || upperBand <= cur.C || lowerBand >= cur.C {
			return nil, nil
		}
		return &Signal{
			Direction:   DirectionShort,
			StopLoss:    upperBand,
			TakeProfits: []TakeProfit{{Price: lowerBand, PctOfPosition: 1}},
			Comment:     fmt.Sprintf("pullback to mid %.5g in hourly downtrend", mid),
		}, nil
	}
	return nil, nil
}
