// Package runtime drives live strategy evaluation. One feed per
// (coin, interval) owns the candle ingestor; every strategy assignment gets
// a runner that consumes bar updates from its feed and turns signals into
// executor alerts. The ingest callback fires under the ingestor lock, so
// feeds hand updates to runners through buffered channels and all strategy
// evaluation and venue traffic happens on the runner goroutines.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/config"
	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/database"
	"github.com/EduKegler/breaker-sub003/internal/events"
	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
	"github.com/EduKegler/breaker-sub003/internal/indicator"
	"github.com/EduKegler/breaker-sub003/internal/ingest"
	"github.com/EduKegler/breaker-sub003/internal/metrics"
	"github.com/EduKegler/breaker-sub003/internal/orders"
	"github.com/EduKegler/breaker-sub003/internal/position"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

const (
	defaultPollInterval = 5 * time.Second
	streamRetryDelay    = 5 * time.Second
)

// SignalExecutor receives the alerts runners produce. The orders executor
// implements it; tests substitute a recorder.
type SignalExecutor interface {
	Execute(ctx context.Context, alert orders.Alert) (*orders.Result, error)
}

// tradeStore is the persistence surface the runtime touches: order rows for
// strategy exits plus the aggregates behind the live risk counters.
type tradeStore interface {
	CreateOrder(ctx context.Context, o *database.OrderRecord) error
	CountEntryOrdersSince(ctx context.Context, coin string, since time.Time) (int, error)
	RealizedPnlSince(ctx context.Context, since time.Time) (float64, error)
}

// CandleHook observes every accepted candle update. It runs on the ingest
// path and must not block.
type CandleHook func(coin string, interval candle.Interval, c candle.Candle, closed bool)

// Runtime owns the candle feeds and strategy runners for every configured
// symbol.
type Runtime struct {
	cfg      *config.Config
	executor SignalExecutor
	venue    hyperliquid.Venue
	book     *position.Book
	repo     tradeStore
	store    *database.RedisSnapshotStore
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	feeds   map[string]*feed
	runners []*runner
	hook    CandleHook
	wg      sync.WaitGroup
}

// New builds feeds and runners from the symbol configuration. Every
// assignment is validated up front: unknown strategies, intervals or data
// sources fail construction rather than the first bar.
func New(
	cfg *config.Config,
	sources map[string]ingest.Source,
	executor SignalExecutor,
	venue hyperliquid.Venue,
	book *position.Book,
	repo tradeStore,
	store *database.RedisSnapshotStore,
	bus *events.Bus,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Runtime, error) {
	rt := &Runtime{
		cfg:      cfg,
		executor: executor,
		venue:    venue,
		book:     book,
		repo:     repo,
		store:    store,
		bus:      bus,
		metrics:  m,
		logger:   logger.With().Str("component", "runtime").Logger(),
		feeds:    make(map[string]*feed),
	}

	for _, sym := range cfg.Symbols {
		src, ok := sources[sym.DataSource]
		if !ok {
			return nil, fmt.Errorf("runtime: no candle source %q for %s", sym.DataSource, sym.Coin)
		}
		for _, asg := range sym.Strategies {
			r, err := rt.buildRunner(sym.Coin, asg)
			if err != nil {
				return nil, err
			}
			key := feedKey(sym.Coin, r.interval)
			f := rt.feeds[key]
			if f == nil {
				f = &feed{rt: rt, coin: sym.Coin, interval: r.interval, source: src}
				rt.feeds[key] = f
			}
			if r.buffer > f.bufferBars {
				f.bufferBars = r.buffer
			}
			f.runners = append(f.runners, r)
			rt.runners = append(rt.runners, r)
		}
	}
	if len(rt.runners) == 0 {
		return nil, errors.New("runtime: no strategy assignments configured")
	}

	poll := defaultPollInterval
	if cfg.RuntimeConfig.PollIntervalSecs > 0 {
		poll = time.Duration(cfg.RuntimeConfig.PollIntervalSecs) * time.Second
	}
	for _, f := range rt.feeds {
		f.ing = ingest.New(f.source, f.coin, f.interval, f.bufferBars, poll, logger)
	}

	bus.Subscribe(events.EventPositionClosed, rt.notePositionClosed)
	return rt, nil
}

func (rt *Runtime) buildRunner(coin string, asg config.StrategyAssignment) (*runner, error) {
	iv, err := candle.ParseInterval(asg.Interval)
	if err != nil {
		return nil, fmt.Errorf("runtime: %s/%s: %w", coin, asg.Name, err)
	}
	strat, err := strategy.Create(asg.Name, nil)
	if err != nil {
		return nil, fmt.Errorf("runtime: %s: %w", coin, err)
	}
	needs, err := strategy.ResolveWarmup(strat.WarmupBars(), iv)
	if err != nil {
		return nil, fmt.Errorf("runtime: %s/%s: %w", coin, asg.Name, err)
	}
	minBars, err := indicator.MinWarmupBars(iv, needs)
	if err != nil {
		return nil, fmt.Errorf("runtime: %s/%s: %w", coin, asg.Name, err)
	}
	warmup := minBars
	if asg.WarmupBars > warmup {
		warmup = asg.WarmupBars
	}
	buffer := rt.cfg.RuntimeConfig.BufferBars
	if warmup > buffer {
		buffer = warmup
	}
	return newRunner(rt, coin, asg, strat, iv, warmup, buffer), nil
}

// OnCandleUpdate installs the broadcast hook. Must be called before Start.
func (rt *Runtime) OnCandleUpdate(hook CandleHook) {
	rt.hook = hook
}

// Start warms every feed over REST, seeds the runner windows and switches
// to live streaming. It returns once all feeds are live; Wait blocks until
// the context stops the runners.
func (rt *Runtime) Start(ctx context.Context) error {
	for _, f := range rt.feeds {
		fetched, err := f.ing.Warmup(ctx, f.bufferBars)
		if err != nil {
			return fmt.Errorf("runtime: warmup %s %s: %w", f.coin, f.interval, err)
		}
		seed := closedOnly(f.ing.Series().Snapshot(), f.interval)
		for _, r := range f.runners {
			r.seed(seed)
		}
		rt.logger.Info().
			Str("coin", f.coin).
			Str("interval", string(f.interval)).
			Int("fetched", fetched).
			Int("seeded", len(seed)).
			Msg("Feed warmed up")
	}

	for _, r := range rt.runners {
		rt.wg.Add(1)
		go r.run(ctx, &rt.wg)
	}
	for _, f := range rt.feeds {
		rt.wg.Add(1)
		go f.stream(ctx, &rt.wg)
	}
	rt.logger.Info().
		Int("feeds", len(rt.feeds)).
		Int("runners", len(rt.runners)).
		Msg("Runtime started")
	return nil
}

// Wait blocks until every runner and feed goroutine has stopped.
func (rt *Runtime) Wait() {
	rt.wg.Wait()
}

// Series exposes the candle sequence backing one feed, false when no
// assignment streams that (coin, interval).
func (rt *Runtime) Series(coin string, interval candle.Interval) (*candle.Series, bool) {
	f, ok := rt.feeds[feedKey(coin, interval)]
	if !ok {
		return nil, false
	}
	return f.ing.Series(), true
}

// LastPrice returns the most recent close observed on any feed for the coin.
func (rt *Runtime) LastPrice(coin string) (float64, bool) {
	var (
		found bool
		bestT int64
		px    float64
	)
	for _, f := range rt.feeds {
		if f.coin != coin {
			continue
		}
		if c, ok := f.ing.Series().Last(); ok && (!found || c.T > bestT) {
			found, bestT, px = true, c.T, c.C
		}
	}
	return px, found
}

// notePositionClosed keeps runner counters in step with venue-driven
// closes. Strategy exits are settled synchronously by the runner itself and
// republishing them here would double count, so they are skipped.
func (rt *Runtime) notePositionClosed(e events.Event) {
	reason, _ := e.Data["reason"].(string)
	if reason == "strategy_exit" {
		return
	}
	symbol, _ := e.Data["symbol"].(string)
	stratName, _ := e.Data["strategy"].(string)
	pnl, _ := e.Data["pnl"].(float64)
	for _, r := range rt.runners {
		if r.coin != symbol {
			continue
		}
		if stratName != "" && stratName != r.asg.Name {
			continue
		}
		r.noteExit(pnl)
	}
}

func feedKey(coin string, iv candle.Interval) string {
	return coin + "|" + string(iv)
}

// closedOnly trims the trailing in-progress bar a warmup fetch may include.
func closedOnly(bars []candle.Candle, iv candle.Interval) []candle.Candle {
	now := time.Now().UnixMilli()
	ms := iv.Millis()
	n := len(bars)
	for n > 0 && bars[n-1].T+ms > now {
		n--
	}
	return bars[:n]
}

// feed couples one ingestor to the runners that consume it.
type feed struct {
	rt         *Runtime
	coin       string
	interval   candle.Interval
	source     ingest.Source
	ing        *ingest.Ingestor
	bufferBars int
	runners    []*runner
}

func (f *feed) stream(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		err := f.ing.StreamLive(ctx, f.dispatch)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		f.rt.logger.Error().
			Err(err).
			Str("coin", f.coin).
			Str("interval", string(f.interval)).
			Msg("Live stream failed to start, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamRetryDelay):
		}
	}
}

// dispatch runs under the ingestor lock: it updates marks, counts the bar
// and hands off to the runner channels without doing any real work.
func (f *feed) dispatch(c candle.Candle, closed bool) {
	f.rt.book.UpdatePrice(f.coin, c.C)
	if closed && f.rt.metrics != nil {
		f.rt.metrics.CandlesClosed.WithLabelValues(f.coin, string(f.interval)).Inc()
	}
	if hook := f.rt.hook; hook != nil {
		hook(f.coin, f.interval, c, closed)
	}
	for _, r := range f.runners {
		r.enqueue(barUpdate{c: c, closed: closed})
	}
}
