package quote_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/krobus00/ticker-gateway/internal/config"
	"github.com/krobus00/ticker-gateway/internal/entity"
	"github.com/krobus00/ticker-gateway/internal/service/quote"
	"github.com/redis/go-redis/v9"
)

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]string
	ttls    map[string]time.Duration
	getErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		entries: make(map[string]string),
		ttls:    make(map[string]time.Duration),
	}
}

func (s *memoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", s.getErr
	}
	value, ok := s.entries[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func (s *memoryStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = string(value.([]byte))
	s.ttls[key] = ttl
	return nil
}

type countingFetcher struct {
	mu          sync.Mutex
	quotes      map[string]entity.Quote
	err         error
	calls       int
	lastSymbols []string
}

func (f *countingFetcher) Quotes(ctx context.Context, symbols []string) (map[string]entity.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSymbols = symbols
	if f.err != nil {
		return nil, f.err
	}
	return f.quotes, nil
}

type countingHistorical struct {
	mu      sync.Mutex
	candles []entity.Candle
	calls   int
}

func (f *countingHistorical) Historical(ctx context.Context, token uint32, interval, fromDate, toDate string) ([]entity.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.candles, nil
}

func TestService_QuotesReadThrough(t *testing.T) {
	store := newMemoryStore()
	fetcher := &countingFetcher{
		quotes: map[string]entity.Quote{"NSE:RELIANCE": {LastPrice: 2850.5}},
	}

	svc := quote.NewService(store, fetcher, nil, config.CacheConfig{QuoteTTL: 30 * time.Second})

	first, err := svc.Quotes(context.Background(), []string{"NSE:RELIANCE"})
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if first["NSE:RELIANCE"].LastPrice != 2850.5 {
		t.Errorf("quote = %+v", first)
	}

	second, err := svc.Quotes(context.Background(), []string{"NSE:RELIANCE"})
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if second["NSE:RELIANCE"].LastPrice != 2850.5 {
		t.Errorf("cached quote = %+v", second)
	}

	if fetcher.calls != 1 {
		t.Errorf("origin called %d times, want 1", fetcher.calls)
	}

	for key, ttl := range store.ttls {
		if ttl != 30*time.Second {
			t.Errorf("ttl for %s = %s", key, ttl)
		}
	}
}

func TestService_QuoteKeyNormalization(t *testing.T) {
	store := newMemoryStore()
	fetcher := &countingFetcher{
		quotes: map[string]entity.Quote{"NSE:RELIANCE": {LastPrice: 1}},
	}

	svc := quote.NewService(store, fetcher, nil, config.CacheConfig{})

	// same set in different spellings and order hits one cache entry
	if _, err := svc.Quotes(context.Background(), []string{"nse:reliance", "NSE:TCS"}); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := svc.Quotes(context.Background(), []string{"NSE:TCS", "NSE:RELIANCE"}); err != nil {
		t.Fatalf("lookup: %v", err)
	}

	if fetcher.calls != 1 {
		t.Errorf("origin called %d times, want 1", fetcher.calls)
	}
	if len(store.entries) != 1 {
		t.Errorf("store has %d entries, want 1", len(store.entries))
	}
}

func TestService_QuotesEmptySymbols(t *testing.T) {
	svc := quote.NewService(newMemoryStore(), &countingFetcher{}, nil, config.CacheConfig{})

	if _, err := svc.Quotes(context.Background(), []string{"", "  "}); !errors.Is(err, quote.ErrNoSymbols) {
		t.Fatalf("err = %v, want ErrNoSymbols", err)
	}
}

func TestService_QuotesSurvivesCacheOutage(t *testing.T) {
	store := newMemoryStore()
	store.getErr = errors.New("redis down")
	fetcher := &countingFetcher{
		quotes: map[string]entity.Quote{"NSE:TCS": {LastPrice: 3910}},
	}

	svc := quote.NewService(store, fetcher, nil, config.CacheConfig{})

	quotes, err := svc.Quotes(context.Background(), []string{"NSE:TCS"})
	if err != nil {
		t.Fatalf("cache outage must fall through to origin: %v", err)
	}
	if quotes["NSE:TCS"].LastPrice != 3910 {
		t.Errorf("quote = %+v", quotes)
	}
}

func TestService_QuotesOriginError(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("upstream down")}
	svc := quote.NewService(newMemoryStore(), fetcher, nil, config.CacheConfig{})

	if _, err := svc.Quotes(context.Background(), []string{"NSE:TCS"}); err == nil {
		t.Fatal("expected origin error to propagate")
	}
}

func TestService_CandlesReadThrough(t *testing.T) {
	store := newMemoryStore()
	historical := &countingHistorical{
		candles: []entity.Candle{{Date: "2026-08-01", Open: 2800, Close: 2850.5, Volume: 1200000}},
	}

	svc := quote.NewService(store, nil, historical, config.CacheConfig{CandleTTL: 5 * time.Minute})

	first, err := svc.Candles(context.Background(), 738561, "day", "2026-08-01", "2026-08-02")
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if len(first) != 1 || first[0].Close != 2850.5 {
		t.Errorf("candles = %+v", first)
	}

	if _, err := svc.Candles(context.Background(), 738561, "day", "2026-08-01", "2026-08-02"); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if historical.calls != 1 {
		t.Errorf("origin called %d times, want 1", historical.calls)
	}

	// a different window is a different entry
	if _, err := svc.Candles(context.Background(), 738561, "day", "2026-07-01", "2026-07-31"); err != nil {
		t.Fatalf("third lookup: %v", err)
	}
	if historical.calls != 2 {
		t.Errorf("origin called %d times, want 2", historical.calls)
	}
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"reliance.NS":  "NSE:RELIANCE",
		"SENSEX.BO":    "BSE:SENSEX",
		" nse:tcs ":    "NSE:TCS",
		"NSE:RELIANCE": "NSE:RELIANCE",
		".NS":          "",
	}

	for input, want := range cases {
		if got := quote.NormalizeSymbol(input); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestService_QuoteSuffixMapsToExchangePrefix(t *testing.T) {
	store := newMemoryStore()
	fetcher := &countingFetcher{
		quotes: map[string]entity.Quote{"NSE:RELIANCE": {LastPrice: 2850.5}},
	}

	svc := quote.NewService(store, fetcher, nil, config.CacheConfig{})

	// the Yahoo spelling must reach the broker in prefix form and share
	// the cache entry of the prefix spelling
	if _, err := svc.Quotes(context.Background(), []string{"RELIANCE.NS"}); err != nil {
		t.Fatalf("suffix lookup: %v", err)
	}
	if len(fetcher.lastSymbols) != 1 || fetcher.lastSymbols[0] != "NSE:RELIANCE" {
		t.Errorf("origin symbols = %v, want [NSE:RELIANCE]", fetcher.lastSymbols)
	}
	if _, err := svc.Quotes(context.Background(), []string{"NSE:RELIANCE"}); err != nil {
		t.Fatalf("prefix lookup: %v", err)
	}

	if fetcher.calls != 1 {
		t.Errorf("origin called %d times, want 1", fetcher.calls)
	}
	if len(store.entries) != 1 {
		t.Errorf("store has %d entries, want 1", len(store.entries))
	}
}
