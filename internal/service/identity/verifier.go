package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/ticker-gateway/internal/config"
	"github.com/krobus00/ticker-gateway/internal/entity"
)

const defaultRequestTimeout = 5 * time.Second

var (
	ErrTokenMissing  = errors.New("auth token is required")
	ErrTokenRejected = errors.New("auth token rejected")
)

// HTTPVerifier validates client tokens against the external identity
// service.
type HTTPVerifier struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPVerifier(cfg config.IdentityConfig) *HTTPVerifier {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &HTTPVerifier{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (entity.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return entity.Identity{}, ErrTokenMissing
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return entity.Identity{}, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", v.apiKey)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return entity.Identity{}, fmt.Errorf("identity service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return entity.Identity{}, ErrTokenRejected
	}

	var user struct {
		ID       string `json:"id"`
		Email    string `json:"email"`
		Role     string `json:"role"`
		Metadata struct {
			Role string `json:"role"`
		} `json:"user_metadata"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return entity.Identity{}, fmt.Errorf("identity service response parse failed: %w", err)
	}

	if user.ID == "" {
		return entity.Identity{}, ErrTokenRejected
	}

	role := user.Metadata.Role
	if role == "" {
		role = user.Role
	}

	return entity.Identity{ID: user.ID, Email: user.Email, Role: role}, nil
}
