package feed

import (
	"context"
	"sync"
	"time"

	"github.com/krobus00/ticker-gateway/internal/constant"
	"github.com/krobus00/ticker-gateway/internal/entity"
	"github.com/krobus00/ticker-gateway/internal/service/directory"
	"github.com/krobus00/ticker-gateway/internal/service/kite"
	"github.com/krobus00/ticker-gateway/internal/service/registry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const eventQueueSize = 1024

// BrokerTicker is the live upstream connection. Implemented by
// kite.Ticker; tests substitute fakes.
type BrokerTicker interface {
	Start(ctx context.Context)
	Subscribe(tokens []uint32) error
	Stop()
}

// TickerFactory builds a fresh ticker for a credential set. A new ticker
// is created on every credential refresh.
type TickerFactory func(creds entity.BrokerCredentials, callbacks kite.TickerCallbacks) BrokerTicker

// TickObserver sees every tick that reaches the fan-out path.
type TickObserver interface {
	ObserveTick(symbol string, lastPrice float64)
}

// CredentialsSink receives the new access token on a hot refresh, so the
// REST side keeps working with the rotated credentials.
type CredentialsSink interface {
	SetAccessToken(accessToken string)
}

type ControllerDeps struct {
	Directory        *directory.Directory
	Registry         *registry.Registry
	NewTicker        TickerFactory
	FallbackQuotes   entity.QuoteFetcher
	FallbackInterval time.Duration
	Observer         TickObserver
	CredentialsSink  CredentialsSink
}

// Controller owns the single upstream broker connection and the fallback
// poller, and drives the feed state machine. Broker callbacks run on the
// ticker's read goroutine; every effect is handed off through a buffered
// event channel and applied on the controller's own run loop, so the
// foreign goroutine never mutates the registry or directory.
type Controller struct {
	directory        *directory.Directory
	registry         *registry.Registry
	newTicker        TickerFactory
	fallbackQuotes   entity.QuoteFetcher
	fallbackInterval time.Duration
	observer         TickObserver
	credentialsSink  CredentialsSink

	events chan func()
	runCtx context.Context

	mu     sync.Mutex
	state  entity.FeedState
	creds  entity.BrokerCredentials
	ticker BrokerTicker
	poller *Poller
}

func NewController(deps ControllerDeps) *Controller {
	return &Controller{
		directory:        deps.Directory,
		registry:         deps.Registry,
		newTicker:        deps.NewTicker,
		fallbackQuotes:   deps.FallbackQuotes,
		fallbackInterval: deps.FallbackInterval,
		observer:         deps.Observer,
		credentialsSink:  deps.CredentialsSink,
		events:           make(chan func(), eventQueueSize),
		state:            entity.FeedStateDisconnected,
	}
}

// Start loads the instrument directory (needed in every mode), then
// either opens the broker connection or falls back to polling.
func (c *Controller) Start(ctx context.Context, creds entity.BrokerCredentials) {
	c.runCtx = ctx
	go c.run(ctx)

	if err := c.directory.Load(ctx); err != nil {
		logrus.Errorf("failed to load instrument directory: %v", err)
	}

	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()

	if !creds.Configured() {
		logrus.Warn("broker credentials not configured, using fallback polling")
		c.startFallback(ctx)
		return
	}

	c.startTicker(ctx, creds)
}

// Stop cancels the fallback poller and asks the broker connection to
// close; the ticker goroutine is not waited on.
func (c *Controller) Stop() {
	c.mu.Lock()
	poller := c.poller
	ticker := c.ticker
	c.poller = nil
	c.ticker = nil
	c.mu.Unlock()

	if poller != nil {
		poller.Stop()
	}
	if ticker != nil {
		ticker.Stop()
	}
}

// SubscribeSymbols pushes newly requested symbols upstream while live.
// In fallback mode there is nothing to do: the poller re-reads the
// registry's symbol union every cycle.
func (c *Controller) SubscribeSymbols(symbols []string) {
	c.mu.Lock()
	ticker := c.ticker
	state := c.state
	c.mu.Unlock()

	if state != entity.FeedStateLive || ticker == nil {
		return
	}

	tokens := c.directory.TokensFor(symbols)
	if len(tokens) == 0 {
		return
	}

	if err := ticker.Subscribe(tokens); err != nil {
		logrus.Errorf("failed to push subscription upstream: %v", err)
	}
}

// RefreshCredentials hot-swaps the broker credentials: best-effort close
// of the old connection, then a fresh one. Client sessions and their
// registry entries are untouched; the new connection re-subscribes to
// the registry's symbol set on connect.
func (c *Controller) RefreshCredentials(creds entity.BrokerCredentials) {
	logrus.Info("refreshing broker credentials")

	c.mu.Lock()
	oldTicker := c.ticker
	oldPoller := c.poller
	c.ticker = nil
	c.poller = nil
	c.creds = creds
	c.mu.Unlock()

	if oldPoller != nil {
		oldPoller.Stop()
	}
	if oldTicker != nil {
		oldTicker.Stop()
	}

	if c.credentialsSink != nil {
		c.credentialsSink.SetAccessToken(creds.AccessToken)
	}

	if !creds.Configured() {
		c.startFallback(c.runCtx)
		return
	}

	c.startTicker(c.runCtx, creds)
}

func (c *Controller) Status() entity.FeedStatus {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	return entity.FeedStatus{
		Connected:         state == entity.FeedStateLive,
		Source:            SourceForState(state),
		SubscribedSymbols: len(c.registry.AllSubscribedSymbols()),
		InstrumentsLoaded: c.directory.Loaded(),
	}
}

func (c *Controller) State() entity.FeedState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func SourceForState(state entity.FeedState) string {
	switch state {
	case entity.FeedStateLive:
		return constant.FeedSourceZerodha
	case entity.FeedStateFallback:
		return constant.FeedSourceFallback
	default:
		return constant.FeedSourceDisconnected
	}
}

func (c *Controller) startTicker(ctx context.Context, creds entity.BrokerCredentials) {
	callbacks := kite.TickerCallbacks{
		OnConnect:     c.onConnect,
		OnTicks:       c.onTicks,
		OnClose:       c.onClose,
		OnError:       c.onError,
		OnNoReconnect: c.onNoReconnect,
	}

	ticker := c.newTicker(creds, callbacks)

	c.mu.Lock()
	c.state = entity.FeedStateConnecting
	c.ticker = ticker
	c.mu.Unlock()

	ticker.Start(ctx)
}

func (c *Controller) startFallback(ctx context.Context) {
	poller := NewPoller(c.fallbackInterval, c.fallbackQuotes, c.registry, c.registry, c.observer)

	c.mu.Lock()
	c.state = entity.FeedStateFallback
	c.poller = poller
	c.mu.Unlock()

	poller.Start(ctx)
}

// run applies handed-off broker events on the controller's own goroutine.
func (c *Controller) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case apply := <-c.events:
			apply()
		}
	}
}

// post hands an event from the ticker goroutine to the run loop. If the
// queue is full the event is dropped; delivery is best effort.
func (c *Controller) post(apply func()) {
	select {
	case c.events <- apply:
	default:
		logrus.Warn("feed event queue full, dropping event")
	}
}

func (c *Controller) onConnect() {
	c.post(func() {
		logrus.Info("broker ticker connected")

		c.mu.Lock()
		c.state = entity.FeedStateLive
		ticker := c.ticker
		c.mu.Unlock()

		symbols := c.registry.AllSubscribedSymbols()
		if len(symbols) > 0 && ticker != nil {
			tokens := c.directory.TokensFor(symbols)
			if len(tokens) > 0 {
				if err := ticker.Subscribe(tokens); err != nil {
					logrus.Errorf("failed to re-subscribe after connect: %v", err)
				}
			}
		}

		c.registry.BroadcastStatus(true, SourceForState(entity.FeedStateLive))
	})
}

// onTicks runs on the ticker's read goroutine. Token resolution and the
// change arithmetic happen here; the broadcast itself is handed off.
func (c *Controller) onTicks(rawTicks []entity.RawTick) {
	now := time.Now().Unix()

	for _, raw := range rawTicks {
		symbol, ok := c.directory.Symbol(raw.Token)
		if !ok {
			continue
		}

		tick := BuildTick(symbol, raw.LastPrice, raw.PrevClose, raw.Volume, now)
		c.post(func() {
			c.registry.BroadcastTick(tick.Symbol, tick)
			if c.observer != nil {
				c.observer.ObserveTick(tick.Symbol, tick.LastPrice)
			}
		})
	}
}

func (c *Controller) onClose(err error) {
	c.post(func() {
		logrus.Warnf("broker ticker closed: %v", err)

		c.mu.Lock()
		c.state = entity.FeedStateDisconnected
		c.mu.Unlock()

		c.registry.BroadcastStatus(false, SourceForState(entity.FeedStateDisconnected))
	})
}

func (c *Controller) onError(err error) {
	logrus.Errorf("broker ticker error: %v", err)
}

func (c *Controller) onNoReconnect(attempts int) {
	c.post(func() {
		logrus.Errorf("broker ticker gave up after %d attempts, waiting for credential refresh", attempts)

		c.mu.Lock()
		c.state = entity.FeedStateDisconnected
		c.mu.Unlock()

		c.registry.BroadcastStatus(false, SourceForState(entity.FeedStateDisconnected))
	})
}

// BuildTick derives change and change percent from the previous close,
// rounded to two decimal places.
func BuildTick(symbol string, lastPrice, prevClose float64, volume, ts int64) entity.Tick {
	last := decimal.NewFromFloat(lastPrice)
	prev := decimal.NewFromFloat(prevClose)

	change := last.Sub(prev).Round(2)
	changePct := decimal.Zero
	if !prev.IsZero() {
		changePct = change.Div(prev).Mul(decimal.NewFromInt(100)).Round(2)
	}

	return entity.Tick{
		Type:      entity.FrameTypeTick,
		Symbol:    symbol,
		LastPrice: lastPrice,
		Change:    change.InexactFloat64(),
		ChangePct: changePct.InexactFloat64(),
		Volume:    volume,
		Timestamp: ts,
	}
}
