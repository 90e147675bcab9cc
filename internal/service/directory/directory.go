package directory

import (
	"context"
	"errors"
	"sync"

	"github.com/krobus00/ticker-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

// DumpFetcher provides the bulk per-exchange instrument dump.
type DumpFetcher interface {
	Instruments(ctx context.Context, exchange string) ([]entity.Instrument, error)
}

// Directory resolves "EXCHANGE:TRADINGSYMBOL" keys to broker instrument
// tokens and back. Both lookup maps are built together and swapped
// atomically on Load, so they can never drift apart.
type Directory struct {
	fetcher   DumpFetcher
	exchanges []string

	mu            sync.RWMutex
	symbolToToken map[string]uint32
	tokenToSymbol map[uint32]string
	loaded        bool
}

func New(fetcher DumpFetcher, exchanges []string) *Directory {
	return &Directory{
		fetcher:       fetcher,
		exchanges:     exchanges,
		symbolToToken: make(map[string]uint32),
		tokenToSymbol: make(map[uint32]string),
	}
}

// Load fetches every configured exchange dump and replaces the previous
// contents wholesale. A failed exchange is logged and skipped; partial
// coverage is acceptable. When no exchange could be fetched the previous
// contents are kept and an error is returned.
func (d *Directory) Load(ctx context.Context) error {
	symbolToToken := make(map[string]uint32)
	tokenToSymbol := make(map[uint32]string)

	fetched := 0
	for _, exchange := range d.exchanges {
		instruments, err := d.fetcher.Instruments(ctx, exchange)
		if err != nil {
			logrus.WithField("exchange", exchange).Warnf("could not fetch instrument dump: %v", err)
			continue
		}
		fetched++

		for _, instrument := range instruments {
			key := instrument.Key()
			symbolToToken[key] = instrument.Token
			tokenToSymbol[instrument.Token] = key
		}
	}

	if fetched == 0 {
		return errors.New("no exchange dump could be fetched")
	}

	d.mu.Lock()
	d.symbolToToken = symbolToToken
	d.tokenToSymbol = tokenToSymbol
	d.loaded = true
	d.mu.Unlock()

	logrus.Infof("instrument directory loaded: %d symbols", len(symbolToToken))

	return nil
}

func (d *Directory) Token(symbol string) (uint32, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	token, ok := d.symbolToToken[symbol]
	return token, ok
}

func (d *Directory) Symbol(token uint32) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	symbol, ok := d.tokenToSymbol[token]
	return symbol, ok
}

// TokensFor resolves each symbol independently. Unresolvable symbols are
// dropped from the result and logged, never returned as an error.
func (d *Directory) TokensFor(symbols []string) []uint32 {
	tokens := make([]uint32, 0, len(symbols))
	for _, symbol := range symbols {
		token, ok := d.Token(symbol)
		if !ok {
			logrus.Warnf("no instrument token for symbol: %s", symbol)
			continue
		}
		tokens = append(tokens, token)
	}

	return tokens
}

func (d *Directory) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.loaded
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.symbolToToken)
}
