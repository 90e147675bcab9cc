package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/krobus00/ticker-gateway/internal/config"
	"github.com/krobus00/ticker-gateway/internal/entity"
	httpHandler "github.com/krobus00/ticker-gateway/internal/handler/marketdata/http"
	"github.com/krobus00/ticker-gateway/internal/service/directory"
	"github.com/krobus00/ticker-gateway/internal/service/quote"
	"github.com/redis/go-redis/v9"
)

type fakeController struct {
	mu        sync.Mutex
	status    entity.FeedStatus
	refreshed []entity.BrokerCredentials
}

func (f *fakeController) Status() entity.FeedStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) RefreshCredentials(creds entity.BrokerCredentials) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, creds)
}

type fakeSessionBroker struct {
	mu               sync.Mutex
	loginURL         string
	creds            entity.BrokerCredentials
	err              error
	lastRequestToken string
}

func (f *fakeSessionBroker) LoginURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginURL
}

func (f *fakeSessionBroker) GenerateSession(ctx context.Context, requestToken string) (entity.BrokerCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRequestToken = requestToken
	if f.err != nil {
		return entity.BrokerCredentials{}, f.err
	}
	return f.creds, nil
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(ctx context.Context, token string) (entity.Identity, error) {
	if token == "good-token" {
		return entity.Identity{ID: "user-1"}, nil
	}
	return entity.Identity{}, errors.New("rejected")
}

type nullStore struct{}

func (nullStore) Get(ctx context.Context, key string) (string, error) {
	return "", redis.Nil
}

func (nullStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}

type staticQuotes struct {
	quotes map[string]entity.Quote
}

func (s *staticQuotes) Quotes(ctx context.Context, symbols []string) (map[string]entity.Quote, error) {
	return s.quotes, nil
}

type staticCandles struct {
	candles []entity.Candle
}

func (s *staticCandles) Historical(ctx context.Context, token uint32, interval, fromDate, toDate string) ([]entity.Candle, error) {
	return s.candles, nil
}

type staticInstruments struct{}

func (staticInstruments) Instruments(ctx context.Context, exchange string) ([]entity.Instrument, error) {
	return []entity.Instrument{{Token: 738561, Exchange: "NSE", Symbol: "RELIANCE"}}, nil
}

func setupEnv(t *testing.T) (*fakeController, http.Handler) {
	controller, _, mux := setupEnvWithSessions(t)
	return controller, mux
}

func setupEnvWithSessions(t *testing.T) (*fakeController, *fakeSessionBroker, http.Handler) {
	t.Helper()

	config.Env = &config.EnvConfig{
		APIKeys: []config.APIKeyConfig{
			{Name: "ops", Key: "valid-api-key", Active: true},
			{Name: "old", Key: "inactive-key", Active: false},
		},
		Kite: config.KiteConfig{APIKey: "kite-api-key"},
	}
	t.Cleanup(func() { config.Env = nil })

	controller := &fakeController{
		status: entity.FeedStatus{Connected: true, Source: "zerodha", InstrumentsLoaded: true},
	}

	quoteService := quote.NewService(
		nullStore{},
		&staticQuotes{quotes: map[string]entity.Quote{"NSE:RELIANCE": {LastPrice: 2850.5}}},
		&staticCandles{candles: []entity.Candle{{Date: "2026-08-01", Close: 2850.5}}},
		config.CacheConfig{},
	)

	dir := directory.New(staticInstruments{}, []string{"NSE"})
	if err := dir.Load(context.Background()); err != nil {
		t.Fatalf("load directory: %v", err)
	}

	sessions := &fakeSessionBroker{
		loginURL: "https://kite.example/connect/login?api_key=kite-api-key&v=3",
		creds:    entity.BrokerCredentials{APIKey: "kite-api-key", AccessToken: "oauth-token"},
	}

	handler := httpHandler.NewMarketDataHTTPHandler(controller, quoteService, dir, nil, sessions, fakeVerifier{})
	mux := http.NewServeMux()
	handler.Register(mux)

	return controller, sessions, mux
}

func TestGetStatus(t *testing.T) {
	_, mux := setupEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/market/v1/status", nil)
	req.Header.Set("X-API-Key", "valid-api-key")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var status entity.FeedStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !status.Connected || status.Source != "zerodha" {
		t.Errorf("status = %+v", status)
	}
}

func TestGetStatus_APIKeyRequired(t *testing.T) {
	_, mux := setupEnv(t)

	cases := map[string]string{
		"missing key":  "",
		"wrong key":    "nope",
		"inactive key": "inactive-key",
	}

	for name, key := range cases {
		req := httptest.NewRequest(http.MethodGet, "/market/v1/status", nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, rec.Code)
		}
	}
}

func TestRefreshToken(t *testing.T) {
	controller, mux := setupEnv(t)

	body := strings.NewReader(`{"access_token":"fresh-token"}`)
	req := httptest.NewRequest(http.MethodPost, "/market/v1/token", body)
	req.Header.Set("X-API-Key", "valid-api-key")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	controller.mu.Lock()
	defer controller.mu.Unlock()
	if len(controller.refreshed) != 1 {
		t.Fatalf("refresh calls = %d, want 1", len(controller.refreshed))
	}
	creds := controller.refreshed[0]
	if creds.APIKey != "kite-api-key" || creds.AccessToken != "fresh-token" {
		t.Errorf("credentials = %+v", creds)
	}
}

func TestRefreshToken_RequiresBody(t *testing.T) {
	_, mux := setupEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/market/v1/token", strings.NewReader(`{"access_token":"  "}`))
	req.Header.Set("X-API-Key", "valid-api-key")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestKiteLogin_RedirectsToBroker(t *testing.T) {
	_, sessions, mux := setupEnvWithSessions(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/kite/login", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != sessions.loginURL {
		t.Errorf("location = %q, want %q", got, sessions.loginURL)
	}
}

func TestKiteLogin_RequiresConfiguredKey(t *testing.T) {
	_, sessions, mux := setupEnvWithSessions(t)
	sessions.loginURL = ""

	req := httptest.NewRequest(http.MethodGet, "/auth/kite/login", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestKiteCallback_RefreshesCredentials(t *testing.T) {
	controller, sessions, mux := setupEnvWithSessions(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/kite/callback?request_token=rt-123", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	sessions.mu.Lock()
	if sessions.lastRequestToken != "rt-123" {
		t.Errorf("request token = %q", sessions.lastRequestToken)
	}
	sessions.mu.Unlock()

	controller.mu.Lock()
	defer controller.mu.Unlock()
	if len(controller.refreshed) != 1 {
		t.Fatalf("refresh calls = %d, want 1", len(controller.refreshed))
	}
	creds := controller.refreshed[0]
	if creds.APIKey != "kite-api-key" || creds.AccessToken != "oauth-token" {
		t.Errorf("credentials = %+v", creds)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["access_token"] != "oauth-token" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestKiteCallback_RequiresRequestToken(t *testing.T) {
	controller, _, mux := setupEnvWithSessions(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/kite/callback", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	controller.mu.Lock()
	defer controller.mu.Unlock()
	if len(controller.refreshed) != 0 {
		t.Errorf("refresh calls = %d, want 0", len(controller.refreshed))
	}
}

func TestKiteCallback_ExchangeFailure(t *testing.T) {
	controller, sessions, mux := setupEnvWithSessions(t)
	sessions.err = errors.New("checksum rejected")

	req := httptest.NewRequest(http.MethodGet, "/auth/kite/callback?request_token=rt-123", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}

	controller.mu.Lock()
	defer controller.mu.Unlock()
	if len(controller.refreshed) != 0 {
		t.Errorf("refresh calls = %d, want 0", len(controller.refreshed))
	}
}

func TestGetQuotes(t *testing.T) {
	_, mux := setupEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/market/v1/quotes?symbols=NSE:RELIANCE", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var quotes map[string]entity.Quote
	if err := json.Unmarshal(rec.Body.Bytes(), &quotes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if quotes["NSE:RELIANCE"].LastPrice != 2850.5 {
		t.Errorf("quotes = %+v", quotes)
	}
}

func TestGetQuotes_RequiresBearerToken(t *testing.T) {
	_, mux := setupEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/market/v1/quotes?symbols=NSE:RELIANCE", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/market/v1/quotes?symbols=NSE:RELIANCE", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestGetQuotes_RequiresSymbols(t *testing.T) {
	_, mux := setupEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/market/v1/quotes", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetCandles(t *testing.T) {
	_, mux := setupEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/market/v1/candles/NSE:RELIANCE?interval=day&from=2026-08-01&to=2026-08-02", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Symbol  string          `json:"symbol"`
		Candles []entity.Candle `json:"candles"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Symbol != "NSE:RELIANCE" || len(resp.Candles) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestGetCandles_DefaultsToNSE(t *testing.T) {
	_, mux := setupEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/market/v1/candles/reliance", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGetCandles_UnknownSymbol(t *testing.T) {
	_, mux := setupEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/market/v1/candles/NSE:NOPE", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, mux := setupEnv(t)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/market/v1/status"},
		{http.MethodGet, "/market/v1/token"},
		{http.MethodDelete, "/market/v1/quotes"},
		{http.MethodPost, "/auth/kite/login"},
		{http.MethodPost, "/auth/kite/callback"},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.Header.Set("X-API-Key", "valid-api-key")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: status = %d, want 405", tc.method, tc.path, rec.Code)
		}
	}
}
