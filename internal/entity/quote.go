package entity

import "context"

type Quote struct {
	LastPrice float64 `json:"last_price"`
	PrevClose float64 `json:"prev_close"`
	Volume    int64   `json:"volume"`
	DayHigh   float64 `json:"day_high"`
	DayLow    float64 `json:"day_low"`
}

type Candle struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// QuoteFetcher is the batch quote collaborator. Symbols use the
// "EXCHANGE:TRADINGSYMBOL" form; providers that speak another symbology
// translate internally and key the result by the requested symbol.
type QuoteFetcher interface {
	Quotes(ctx context.Context, symbols []string) (map[string]Quote, error)
}
