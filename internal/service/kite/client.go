package kite

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/ticker-gateway/internal/config"
	"github.com/krobus00/ticker-gateway/internal/entity"
)

const (
	defaultAPIBaseURL     = "https://api.kite.trade"
	defaultLoginBaseURL   = "https://kite.trade"
	defaultRequestTimeout = 10 * time.Second

	kiteVersionHeader = "3"
)

var ErrNotConfigured = errors.New("kite credentials are not configured")

// Client is the Kite Connect REST client: instrument dumps, batch quotes
// and historical candles. The access token can be swapped at runtime.
type Client struct {
	baseURL      string
	loginBaseURL string
	apiSecret    string
	httpClient   *http.Client

	mu          sync.RWMutex
	apiKey      string
	accessToken string
}

func NewClient(cfg config.KiteConfig) *Client {
	baseURL := strings.TrimSpace(cfg.APIBaseURL)
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}

	loginBaseURL := strings.TrimSpace(cfg.LoginBaseURL)
	if loginBaseURL == "" {
		loginBaseURL = defaultLoginBaseURL
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		loginBaseURL: strings.TrimRight(loginBaseURL, "/"),
		apiSecret:    strings.TrimSpace(cfg.APISecret),
		httpClient:   &http.Client{Timeout: timeout},
		apiKey:       strings.TrimSpace(cfg.APIKey),
		accessToken:  strings.TrimSpace(cfg.AccessToken),
	}
}

func (c *Client) SetAccessToken(accessToken string) {
	c.mu.Lock()
	c.accessToken = strings.TrimSpace(accessToken)
	c.mu.Unlock()
}

func (c *Client) Credentials() entity.BrokerCredentials {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return entity.BrokerCredentials{APIKey: c.apiKey, AccessToken: c.accessToken}
}

func (c *Client) Configured() bool {
	return c.Credentials().Configured()
}

// LoginURL is the broker OAuth page the operator's browser is sent to.
// Empty when no api key is configured.
func (c *Client) LoginURL() string {
	creds := c.Credentials()
	if creds.APIKey == "" {
		return ""
	}

	return c.loginBaseURL + "/connect/login?api_key=" + url.QueryEscape(creds.APIKey) + "&v=3"
}

// GenerateSession exchanges the OAuth request token for an access token.
// The checksum is SHA256(api_key + request_token + api_secret).
func (c *Client) GenerateSession(ctx context.Context, requestToken string) (entity.BrokerCredentials, error) {
	creds := c.Credentials()
	if creds.APIKey == "" || c.apiSecret == "" {
		return entity.BrokerCredentials{}, ErrNotConfigured
	}

	checksum := sha256.Sum256([]byte(creds.APIKey + requestToken + c.apiSecret))

	form := url.Values{}
	form.Set("api_key", creds.APIKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", hex.EncodeToString(checksum[:]))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session/token", strings.NewReader(form.Encode()))
	if err != nil {
		return entity.BrokerCredentials{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Kite-Version", kiteVersionHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return entity.BrokerCredentials{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return entity.BrokerCredentials{}, fmt.Errorf("kite session exchange failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var sessionResp struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&sessionResp); err != nil {
		return entity.BrokerCredentials{}, fmt.Errorf("kite session exchange parse failed: %w", err)
	}

	if sessionResp.Data.AccessToken == "" {
		return entity.BrokerCredentials{}, errors.New("kite session exchange returned no access token")
	}

	return entity.BrokerCredentials{APIKey: creds.APIKey, AccessToken: sessionResp.Data.AccessToken}, nil
}

// Instruments downloads the bulk CSV dump for one exchange. Rows with a
// missing or non-numeric token are skipped.
func (c *Client) Instruments(ctx context.Context, exchange string) ([]entity.Instrument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/instruments/"+url.PathEscape(exchange), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kite instrument dump failed: exchange=%s status=%d", exchange, resp.StatusCode)
	}

	reader := csv.NewReader(resp.Body)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("kite instrument dump header: %w", err)
	}

	tokenIdx, symbolIdx := -1, -1
	for idx, name := range header {
		switch strings.TrimSpace(name) {
		case "instrument_token":
			tokenIdx = idx
		case "tradingsymbol":
			symbolIdx = idx
		}
	}
	if tokenIdx == -1 || symbolIdx == -1 {
		return nil, fmt.Errorf("kite instrument dump missing columns: exchange=%s", exchange)
	}

	var instruments []entity.Instrument
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("kite instrument dump read: %w", err)
		}
		if len(row) <= tokenIdx || len(row) <= symbolIdx {
			continue
		}

		token, err := strconv.ParseUint(strings.TrimSpace(row[tokenIdx]), 10, 32)
		if err != nil {
			continue
		}

		symbol := strings.TrimSpace(row[symbolIdx])
		if symbol == "" {
			continue
		}

		instruments = append(instruments, entity.Instrument{
			Token:    uint32(token),
			Exchange: exchange,
			Symbol:   symbol,
		})
	}

	return instruments, nil
}

// Quotes issues one batch request covering every requested symbol.
func (c *Client) Quotes(ctx context.Context, symbols []string) (map[string]entity.Quote, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	params := url.Values{}
	for _, symbol := range symbols {
		params.Add("i", symbol)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("kite quote request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var quoteResp struct {
		Data map[string]struct {
			LastPrice float64 `json:"last_price"`
			Volume    int64   `json:"volume"`
			OHLC      struct {
				Open  float64 `json:"open"`
				High  float64 `json:"high"`
				Low   float64 `json:"low"`
				Close float64 `json:"close"`
			} `json:"ohlc"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&quoteResp); err != nil {
		return nil, fmt.Errorf("kite quote parse failed: %w", err)
	}

	quotes := make(map[string]entity.Quote, len(quoteResp.Data))
	for symbol, quote := range quoteResp.Data {
		quotes[symbol] = entity.Quote{
			LastPrice: quote.LastPrice,
			PrevClose: quote.OHLC.Close,
			Volume:    quote.Volume,
			DayHigh:   quote.OHLC.High,
			DayLow:    quote.OHLC.Low,
		}
	}

	return quotes, nil
}

// Historical fetches OHLCV candles for one instrument token.
func (c *Client) Historical(ctx context.Context, token uint32, interval, fromDate, toDate string) ([]entity.Candle, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	params := url.Values{}
	params.Set("from", fromDate+" 09:00:00")
	params.Set("to", toDate+" 15:30:00")
	params.Set("continuous", "0")
	params.Set("oi", "0")

	endpoint := fmt.Sprintf("%s/instruments/historical/%d/%s?%s", c.baseURL, token, url.PathEscape(interval), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("kite historical request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var historicalResp struct {
		Data struct {
			Candles [][]json.RawMessage `json:"candles"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&historicalResp); err != nil {
		return nil, fmt.Errorf("kite historical parse failed: %w", err)
	}

	candles := make([]entity.Candle, 0, len(historicalResp.Data.Candles))
	for _, raw := range historicalResp.Data.Candles {
		if len(raw) < 6 {
			continue
		}

		var date string
		if err := json.Unmarshal(raw[0], &date); err != nil {
			continue
		}
		if len(date) > 10 {
			date = date[:10]
		}

		values := make([]float64, 5)
		ok := true
		for idx := 1; idx <= 5; idx++ {
			if err := json.Unmarshal(raw[idx], &values[idx-1]); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		candles = append(candles, entity.Candle{
			Date:   date,
			Open:   values[0],
			High:   values[1],
			Low:    values[2],
			Close:  values[3],
			Volume: int64(values[4]),
		})
	}

	return candles, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	creds := c.Credentials()
	req.Header.Set("Authorization", "token "+creds.APIKey+":"+creds.AccessToken)
	req.Header.Set("X-Kite-Version", kiteVersionHeader)
}
