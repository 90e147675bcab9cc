package feed_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/krobus00/ticker-gateway/internal/entity"
	"github.com/krobus00/ticker-gateway/internal/service/feed"
)

type fakeQuoteFetcher struct {
	mu     sync.Mutex
	quotes map[string]entity.Quote
	err    error
	calls  int
}

func (f *fakeQuoteFetcher) Quotes(ctx context.Context, symbols []string) (map[string]entity.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.quotes, nil
}

func (f *fakeQuoteFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type staticSymbols struct {
	symbols []string
}

func (s *staticSymbols) AllSubscribedSymbols() []string { return s.symbols }

type recordingBroadcaster struct {
	mu       sync.Mutex
	ticks    []entity.Tick
	statuses []string
}

func (b *recordingBroadcaster) BroadcastTick(symbol string, tick entity.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ticks = append(b.ticks, tick)
}

func (b *recordingBroadcaster) BroadcastStatus(connected bool, source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, source)
}

func (b *recordingBroadcaster) tickCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ticks)
}

func TestPoller_BroadcastsQuotesAsTicks(t *testing.T) {
	fetcher := &fakeQuoteFetcher{
		quotes: map[string]entity.Quote{
			"NSE:RELIANCE": {LastPrice: 2850.5, PrevClose: 2820, Volume: 1000},
		},
	}
	broadcast := &recordingBroadcaster{}
	observer := &countingObserver{}

	poller := feed.NewPoller(10*time.Millisecond, fetcher, &staticSymbols{symbols: []string{"NSE:RELIANCE"}}, broadcast, observer)
	poller.Start(context.Background())
	defer poller.Stop()

	waitFor(t, func() bool { return broadcast.tickCount() >= 2 })

	broadcast.mu.Lock()
	tick := broadcast.ticks[0]
	firstStatus := broadcast.statuses[0]
	broadcast.mu.Unlock()

	if firstStatus != "fallback" {
		t.Errorf("first status = %q, want fallback", firstStatus)
	}
	if tick.Symbol != "NSE:RELIANCE" || tick.LastPrice != 2850.5 {
		t.Errorf("tick = %+v", tick)
	}
	if tick.Change != 30.5 {
		t.Errorf("change = %v", tick.Change)
	}

	observer.mu.Lock()
	observed := observer.count
	observer.mu.Unlock()
	if observed == 0 {
		t.Error("observer should see fallback ticks")
	}
}

func TestPoller_SkipsWhenNoSubscriptions(t *testing.T) {
	fetcher := &fakeQuoteFetcher{}
	broadcast := &recordingBroadcaster{}

	poller := feed.NewPoller(5*time.Millisecond, fetcher, &staticSymbols{}, broadcast, nil)
	poller.Start(context.Background())
	defer poller.Stop()

	time.Sleep(50 * time.Millisecond)

	if fetcher.callCount() != 0 {
		t.Errorf("fetcher called %d times with no subscriptions", fetcher.callCount())
	}
	if broadcast.tickCount() != 0 {
		t.Errorf("tick count = %d", broadcast.tickCount())
	}
}

func TestPoller_FailedPollRetriesNextCycle(t *testing.T) {
	fetcher := &fakeQuoteFetcher{err: errors.New("upstream down")}
	broadcast := &recordingBroadcaster{}

	poller := feed.NewPoller(5*time.Millisecond, fetcher, &staticSymbols{symbols: []string{"NSE:TCS"}}, broadcast, nil)
	poller.Start(context.Background())
	defer poller.Stop()

	waitFor(t, func() bool { return fetcher.callCount() >= 3 })

	if broadcast.tickCount() != 0 {
		t.Errorf("no ticks expected while failing, got %d", broadcast.tickCount())
	}

	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.quotes = map[string]entity.Quote{"NSE:TCS": {LastPrice: 3910, PrevClose: 3890}}
	fetcher.mu.Unlock()

	waitFor(t, func() bool { return broadcast.tickCount() >= 1 })
}

func TestPoller_StopHalts(t *testing.T) {
	fetcher := &fakeQuoteFetcher{
		quotes: map[string]entity.Quote{"NSE:TCS": {LastPrice: 1}},
	}
	broadcast := &recordingBroadcaster{}

	poller := feed.NewPoller(5*time.Millisecond, fetcher, &staticSymbols{symbols: []string{"NSE:TCS"}}, broadcast, nil)
	poller.Start(context.Background())

	waitFor(t, func() bool { return fetcher.callCount() >= 1 })
	poller.Stop()

	settled := fetcher.callCount()
	time.Sleep(30 * time.Millisecond)
	if fetcher.callCount() != settled {
		t.Error("poller kept polling after Stop")
	}
}
