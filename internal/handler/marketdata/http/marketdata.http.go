package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/krobus00/ticker-gateway/internal/config"
	"github.com/krobus00/ticker-gateway/internal/entity"
	"github.com/krobus00/ticker-gateway/internal/repository"
	"github.com/krobus00/ticker-gateway/internal/service/directory"
	"github.com/krobus00/ticker-gateway/internal/service/quote"
	"github.com/shopspring/decimal"
)

var (
	errAPIKeyMissing  = errors.New("api key is required")
	errAPIKeyInvalid  = errors.New("invalid api key")
	errAPIKeyInactive = errors.New("api key is inactive")
	errAPIKeyExpired  = errors.New("api key is expired")
)

type RefreshTokenRequest struct {
	AccessToken string `json:"access_token"`
}

type RefreshTokenResponse struct {
	Status string `json:"status"`
	Source string `json:"source"`
}

type CreateAlertRequest struct {
	Symbol         string `json:"symbol"`
	AlertType      string `json:"alert_type"`
	ThresholdPrice string `json:"threshold_price"`
}

// FeedController is the subset of the feed controller the REST surface
// drives.
type FeedController interface {
	Status() entity.FeedStatus
	RefreshCredentials(creds entity.BrokerCredentials)
}

// SessionBroker runs the OAuth half of credential rotation against the
// broker. Implemented by the kite client.
type SessionBroker interface {
	LoginURL() string
	GenerateSession(ctx context.Context, requestToken string) (entity.BrokerCredentials, error)
}

type Handler struct {
	controller   FeedController
	quoteService *quote.Service
	directory    *directory.Directory
	alertRepo    *repository.PriceAlertRepository
	sessions     SessionBroker
	verifier     entity.IdentityVerifier
}

func NewMarketDataHTTPHandler(controller FeedController, quoteService *quote.Service, dir *directory.Directory, alertRepo *repository.PriceAlertRepository, sessions SessionBroker, verifier entity.IdentityVerifier) *Handler {
	return &Handler{
		controller:   controller,
		quoteService: quoteService,
		directory:    dir,
		alertRepo:    alertRepo,
		sessions:     sessions,
		verifier:     verifier,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/market/v1/status", h.GetStatus)
	mux.HandleFunc("/market/v1/token", h.RefreshToken)
	mux.HandleFunc("/market/v1/quotes", h.GetQuotes)
	mux.HandleFunc("/market/v1/candles/", h.GetCandles)
	mux.HandleFunc("/market/v1/alerts", h.Alerts)
	mux.HandleFunc("/market/v1/alerts/", h.DeleteAlert)
	mux.HandleFunc("/auth/kite/login", h.KiteLogin)
	mux.HandleFunc("/auth/kite/callback", h.KiteCallback)
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if err := validateAPIKey(r.Header.Get("X-API-Key")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, h.controller.Status())
}

// RefreshToken rotates the broker access token without dropping any
// client session. The api key half of the credential pair comes from
// configuration.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if err := validateAPIKey(r.Header.Get("X-API-Key")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	defer r.Body.Close()

	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	if strings.TrimSpace(req.AccessToken) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "access_token is required"})
		return
	}

	h.controller.RefreshCredentials(entity.BrokerCredentials{
		APIKey:      config.Env.Kite.APIKey,
		AccessToken: strings.TrimSpace(req.AccessToken),
	})

	writeJSON(w, http.StatusOK, RefreshTokenResponse{
		Status: "accepted",
		Source: h.controller.Status().Source,
	})
}

// KiteLogin sends the operator's browser to the broker OAuth page. After
// login the broker redirects to KiteCallback with a request token.
func (h *Handler) KiteLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	loginURL := h.sessions.LoginURL()
	if loginURL == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "broker api key is not configured"})
		return
	}

	http.Redirect(w, r, loginURL, http.StatusFound)
}

// KiteCallback is the broker's OAuth redirect target: it exchanges the
// request token for an access token and hot-swaps the live feed. The
// token is echoed back so the operator can persist it in configuration.
func (h *Handler) KiteCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	requestToken := strings.TrimSpace(r.URL.Query().Get("request_token"))
	if requestToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "request_token query parameter is required"})
		return
	}

	creds, err := h.sessions.GenerateSession(r.Context(), requestToken)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "session exchange failed"})
		return
	}

	h.controller.RefreshCredentials(creds)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "refreshed",
		"access_token": creds.AccessToken,
		"source":       h.controller.Status().Source,
	})
}

func (h *Handler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	symbols := splitSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "symbols query parameter is required"})
		return
	}

	quotes, err := h.quoteService.Quotes(r.Context(), symbols)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "quote lookup failed"})
		return
	}

	writeJSON(w, http.StatusOK, quotes)
}

func (h *Handler) GetCandles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	symbol := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/market/v1/candles/"))
	if symbol == "" || strings.Contains(symbol, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "symbol is required"})
		return
	}
	if !strings.Contains(symbol, ":") {
		symbol = "NSE:" + symbol
	}

	token, ok := h.directory.Token(symbol)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown symbol"})
		return
	}

	query := r.URL.Query()
	interval := query.Get("interval")
	if interval == "" {
		interval = "day"
	}

	fromDate := query.Get("from")
	toDate := query.Get("to")
	if fromDate == "" || toDate == "" {
		now := time.Now()
		toDate = now.Format("2006-01-02")
		fromDate = now.AddDate(0, 0, -30).Format("2006-01-02")
	}

	candles, err := h.quoteService.Candles(r.Context(), token, interval, fromDate, toDate)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "candle lookup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":  symbol,
		"candles": candles,
	})
}

func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listAlerts(w, r)
	case http.MethodPost:
		h.createAlert(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	alerts, err := h.alertRepo.GetByUser(r.Context(), user.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	if alerts == nil {
		alerts = []entity.PriceAlert{}
	}

	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) createAlert(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	defer r.Body.Close()

	var req CreateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "symbol is required"})
		return
	}

	alertType := entity.AlertType(strings.ToLower(strings.TrimSpace(req.AlertType)))
	if alertType != entity.AlertTypeAbove && alertType != entity.AlertTypeBelow {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "alert_type must be above or below"})
		return
	}

	threshold, err := decimal.NewFromString(strings.TrimSpace(req.ThresholdPrice))
	if err != nil || threshold.LessThanOrEqual(decimal.Zero) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid threshold_price"})
		return
	}

	now := time.Now().UTC()
	alert := &entity.PriceAlert{
		UserID:         user.ID,
		Symbol:         symbol,
		AlertType:      alertType,
		ThresholdPrice: threshold,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.alertRepo.Create(r.Context(), alert); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusCreated, alert)
}

func (h *Handler) DeleteAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	alertID := strings.TrimPrefix(r.URL.Path, "/market/v1/alerts/")
	if alertID == "" || strings.Contains(alertID, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "alert id is required"})
		return
	}

	deleted, err := h.alertRepo.Delete(r.Context(), user.ID, alertID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "alert not found"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// authenticate resolves the bearer token to a user identity, writing
// the error response itself on failure.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (entity.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "authorization bearer token is required"})
		return entity.Identity{}, false
	}

	user, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
		return entity.Identity{}, false
	}

	return user, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

func splitSymbols(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, part := range parts {
		if symbol := strings.TrimSpace(part); symbol != "" {
			symbols = append(symbols, symbol)
		}
	}

	return symbols
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func validateAPIKey(rawAPIKey string) error {
	apiKey := strings.TrimSpace(rawAPIKey)
	if apiKey == "" {
		return errAPIKeyMissing
	}

	if config.Env == nil || len(config.Env.APIKeys) == 0 {
		return errAPIKeyInvalid
	}

	now := time.Now().UTC()
	for _, candidate := range config.Env.APIKeys {
		storedKey := strings.TrimSpace(candidate.Key)
		if storedKey == "" {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(storedKey)) != 1 {
			continue
		}

		if !candidate.Active {
			return errAPIKeyInactive
		}

		expiredAt, hasExpiry, err := parseExpiry(candidate.ExpiredAt)
		if err != nil {
			return errAPIKeyInvalid
		}
		if !hasExpiry {
			return nil
		}

		if !now.Before(expiredAt) {
			return errAPIKeyExpired
		}

		return nil
	}

	return errAPIKeyInvalid
}

func parseExpiry(value any) (time.Time, bool, error) {
	if value == nil {
		return time.Time{}, false, nil
	}

	switch v := value.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false, nil
		}
		return v.UTC(), true, nil
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return time.Time{}, false, nil
		}

		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed.UTC(), true, nil
		}

		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}

		return parsed.UTC().Add(24 * time.Hour), true, nil
	default:
		return time.Time{}, false, errAPIKeyInvalid
	}
}
