package quote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/ticker-gateway/internal/config"
	"github.com/krobus00/ticker-gateway/internal/entity"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	defaultQuoteTTL  = 30 * time.Second
	defaultCandleTTL = 5 * time.Minute

	quoteKeyPrefix  = "quotes:"
	candleKeyPrefix = "candles:"
)

var ErrNoSymbols = errors.New("at least one symbol is required")

// Store is the cache backend. Get returns redis.Nil on miss.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type redisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key).Result()
}

func (s *redisStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// HistoricalFetcher collects candles from the broker REST API.
type HistoricalFetcher interface {
	Historical(ctx context.Context, token uint32, interval, fromDate, toDate string) ([]entity.Candle, error)
}

// Service is a read-through cache in front of the broker REST endpoints.
// Both lookups survive a cache outage by falling back to the origin.
type Service struct {
	store      Store
	quotes     entity.QuoteFetcher
	historical HistoricalFetcher
	quoteTTL   time.Duration
	candleTTL  time.Duration
}

func NewService(store Store, quotes entity.QuoteFetcher, historical HistoricalFetcher, cfg config.CacheConfig) *Service {
	quoteTTL := cfg.QuoteTTL
	if quoteTTL <= 0 {
		quoteTTL = defaultQuoteTTL
	}
	candleTTL := cfg.CandleTTL
	if candleTTL <= 0 {
		candleTTL = defaultCandleTTL
	}

	return &Service{
		store:      store,
		quotes:     quotes,
		historical: historical,
		quoteTTL:   quoteTTL,
		candleTTL:  candleTTL,
	}
}

// NormalizeSymbol upper-cases a symbol and rewrites Yahoo-style exchange
// suffixes into the broker's prefix form, so "reliance.NS" and
// "NSE:RELIANCE" address the same cache entry and both resolve upstream.
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	switch {
	case strings.HasSuffix(symbol, ".NS"):
		symbol = strings.TrimSuffix(symbol, ".NS")
		if symbol != "" && !strings.Contains(symbol, ":") {
			symbol = "NSE:" + symbol
		}
	case strings.HasSuffix(symbol, ".BO"):
		symbol = strings.TrimSuffix(symbol, ".BO")
		if symbol != "" && !strings.Contains(symbol, ":") {
			symbol = "BSE:" + symbol
		}
	}

	return symbol
}

func quoteCacheKey(symbols []string) string {
	keys := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		keys = append(keys, NormalizeSymbol(symbol))
	}
	sort.Strings(keys)
	return quoteKeyPrefix + strings.Join(keys, ",")
}

func (s *Service) Quotes(ctx context.Context, symbols []string) (map[string]entity.Quote, error) {
	cleaned := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if normalized := NormalizeSymbol(symbol); normalized != "" {
			cleaned = append(cleaned, normalized)
		}
	}
	if len(cleaned) == 0 {
		return nil, ErrNoSymbols
	}

	key := quoteCacheKey(cleaned)
	if cached, ok := s.lookup(ctx, key); ok {
		var quotes map[string]entity.Quote
		if err := json.Unmarshal([]byte(cached), &quotes); err == nil {
			return quotes, nil
		}
	}

	quotes, err := s.quotes.Quotes(ctx, cleaned)
	if err != nil {
		return nil, err
	}

	s.put(ctx, key, quotes, s.quoteTTL)
	return quotes, nil
}

func (s *Service) Candles(ctx context.Context, token uint32, interval, fromDate, toDate string) ([]entity.Candle, error) {
	key := fmt.Sprintf("%s%d:%s:%s:%s", candleKeyPrefix, token, interval, fromDate, toDate)
	if cached, ok := s.lookup(ctx, key); ok {
		var candles []entity.Candle
		if err := json.Unmarshal([]byte(cached), &candles); err == nil {
			return candles, nil
		}
	}

	candles, err := s.historical.Historical(ctx, token, interval, fromDate, toDate)
	if err != nil {
		return nil, err
	}

	s.put(ctx, key, candles, s.candleTTL)
	return candles, nil
}

func (s *Service) lookup(ctx context.Context, key string) (string, bool) {
	cached, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.WithField("key", key).Warnf("cache read failed: %v", err)
		}
		return "", false
	}
	return cached, true
}

func (s *Service) put(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	payload, err := json.Marshal(value)
	if err != nil {
		log.WithField("key", key).Warnf("cache encode failed: %v", err)
		return
	}
	if err := s.store.Set(ctx, key, payload, ttl); err != nil {
		log.WithField("key", key).Warnf("cache write failed: %v", err)
	}
}
