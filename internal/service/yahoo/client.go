package yahoo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/ticker-gateway/internal/config"
	"github.com/krobus00/ticker-gateway/internal/entity"
)

const (
	defaultQuoteBaseURL   = "https://yh-finance.p.rapidapi.com"
	defaultRequestTimeout = 10 * time.Second
)

// Client fetches batch quotes from a Yahoo-Finance style API. It is the
// price source while no live broker connection exists. NSE symbols map
// to the ".NS" suffix, BSE to ".BO"; results are keyed back by the
// originally requested symbol.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg config.FallbackConfig) *Client {
	baseURL := strings.TrimSpace(cfg.QuoteBaseURL)
	if baseURL == "" {
		baseURL = defaultQuoteBaseURL
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Quotes(ctx context.Context, symbols []string) (map[string]entity.Quote, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("fallback quote api key is not configured")
	}

	providerSymbols := make([]string, 0, len(symbols))
	originalBySymbol := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		providerSymbol := toProviderSymbol(symbol)
		providerSymbols = append(providerSymbols, providerSymbol)
		originalBySymbol[providerSymbol] = symbol
	}

	params := url.Values{}
	params.Set("region", "IN")
	params.Set("symbols", strings.Join(providerSymbols, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/market/v2/get-quotes?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-RapidAPI-Key", c.apiKey)
	req.Header.Set("X-RapidAPI-Host", strings.TrimPrefix(strings.TrimPrefix(c.baseURL, "https://"), "http://"))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fallback quote request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var quoteResp struct {
		QuoteResponse struct {
			Result []struct {
				Symbol             string  `json:"symbol"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PrevClose          float64 `json:"regularMarketPreviousClose"`
				Volume             int64   `json:"regularMarketVolume"`
				DayHigh            float64 `json:"regularMarketDayHigh"`
				DayLow             float64 `json:"regularMarketDayLow"`
			} `json:"result"`
		} `json:"quoteResponse"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&quoteResp); err != nil {
		return nil, fmt.Errorf("fallback quote parse failed: %w", err)
	}

	quotes := make(map[string]entity.Quote, len(quoteResp.QuoteResponse.Result))
	for _, result := range quoteResp.QuoteResponse.Result {
		symbol, ok := originalBySymbol[result.Symbol]
		if !ok {
			symbol = result.Symbol
		}

		quotes[symbol] = entity.Quote{
			LastPrice: result.RegularMarketPrice,
			PrevClose: result.PrevClose,
			Volume:    result.Volume,
			DayHigh:   result.DayHigh,
			DayLow:    result.DayLow,
		}
	}

	return quotes, nil
}

func toProviderSymbol(symbol string) string {
	exchange, ticker, found := strings.Cut(symbol, ":")
	if !found {
		return symbol
	}

	switch exchange {
	case "NSE":
		return ticker + ".NS"
	case "BSE":
		return ticker + ".BO"
	default:
		return ticker
	}
}
