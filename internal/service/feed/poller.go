package feed

import (
	"context"
	"sync"
	"time"

	"github.com/krobus00/ticker-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval = 5 * time.Second
	pollRequestTimeout  = 10 * time.Second
)

// SymbolSource yields the union of every session's interest set.
type SymbolSource interface {
	AllSubscribedSymbols() []string
}

// TickBroadcaster is the fan-out path shared with the live feed.
type TickBroadcaster interface {
	BroadcastTick(symbol string, tick entity.Tick)
	BroadcastStatus(connected bool, source string)
}

// Poller substitutes for the live feed while it is unavailable: on a
// fixed interval it issues one batch quote request for every subscribed
// symbol and pushes tick-shaped events through the normal fan-out path.
// A failed batch is logged and retried on the next cycle, nothing more.
type Poller struct {
	interval  time.Duration
	quotes    entity.QuoteFetcher
	symbols   SymbolSource
	broadcast TickBroadcaster
	observer  TickObserver

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(interval time.Duration, quotes entity.QuoteFetcher, symbols SymbolSource, broadcast TickBroadcaster, observer TickObserver) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Poller{
		interval:  interval,
		quotes:    quotes,
		symbols:   symbols,
		broadcast: broadcast,
		observer:  observer,
	}
}

func (p *Poller) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.run(runCtx)

	logrus.WithField("interval", p.interval.String()).Info("fallback polling started")
}

func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	p.broadcast.BroadcastStatus(false, SourceForState(entity.FeedStateFallback))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	symbols := p.symbols.AllSubscribedSymbols()
	if len(symbols) == 0 {
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx, pollRequestTimeout)
	defer cancel()

	quotes, err := p.quotes.Quotes(requestCtx, symbols)
	if err != nil {
		logrus.Errorf("fallback poll failed: %v", err)
		return
	}

	now := time.Now().Unix()
	for symbol, quote := range quotes {
		tick := BuildTick(symbol, quote.LastPrice, quote.PrevClose, quote.Volume, now)
		p.broadcast.BroadcastTick(symbol, tick)
		if p.observer != nil {
			p.observer.ObserveTick(symbol, quote.LastPrice)
		}
	}
}
