// Package identity binds the external identity provider holding the
// canonical role attribute.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/ratelimit"

	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/define"
)

var (
	identityTimer = metrics.NewTimer("role", "identity", "op", "identity provider op timer", []string{"op", "ret"})
)

// Store is the identity-provider contract the core consumes.
type Store interface {
	GetUser(ctx context.Context, userId string) (*define.UserAttributes, error)
	// UpdateUserRole patches the role attribute; extra metadata entries are
	// merged into the user's public metadata.
	UpdateUserRole(ctx context.Context, userId, role string, metadata map[string]string) error
}

type Config struct {
	BaseURL     string        `json:"base_url"`
	APIKey      string        `json:"api_key"`
	RequestsSec int           `json:"requests_sec"`
	Timeout     time.Duration `json:"timeout"`
}

// httpStore talks to a Clerk-style REST API. Calls are paced by a
// leaky-bucket limiter so bursts do not trip the provider's rate limits.
type httpStore struct {
	cfg     Config
	cli     *http.Client
	limiter ratelimit.Limiter
}

func NewHttpStore(cfg Config) (Store, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("identity: base url is required")
	}
	if cfg.RequestsSec <= 0 {
		cfg.RequestsSec = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &httpStore{
		cfg:     cfg,
		cli:     &http.Client{Timeout: cfg.Timeout},
		limiter: ratelimit.New(cfg.RequestsSec),
	}, nil
}

type userPayload struct {
	Id             string            `json:"id"`
	PublicMetadata map[string]string `json:"public_metadata"`
	UpdatedAt      int64             `json:"updated_at"`
}

func (s *httpStore) GetUser(ctx context.Context, userId string) (user *define.UserAttributes, err error) {
	defer identityTimer.Timer()("get_user", metrics.Status(err))
	s.limiter.Take()

	body, err := s.do(ctx, http.MethodGet, fmt.Sprintf("/v1/users/%s", userId), nil)
	if err != nil {
		return nil, err
	}

	payload := userPayload{}
	if err = json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("identity: malformed user payload : %v", err)
	}
	return &define.UserAttributes{
		UserId:    payload.Id,
		Role:      payload.PublicMetadata["role"],
		Metadata:  payload.PublicMetadata,
		UpdatedAt: time.UnixMilli(payload.UpdatedAt),
	}, nil
}

func (s *httpStore) UpdateUserRole(ctx context.Context, userId, role string, metadata map[string]string) (err error) {
	defer identityTimer.Timer()("update_user", metrics.Status(err))
	s.limiter.Take()

	merged := map[string]string{"role": role}
	for k, v := range metadata {
		merged[k] = v
	}
	patch, err := json.Marshal(map[string]interface{}{
		"public_metadata": merged,
	})
	if err != nil {
		return err
	}
	_, err = s.do(ctx, http.MethodPatch, fmt.Sprintf("/v1/users/%s", userId), patch)
	return err
}

func (s *httpStore) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w : %v", define.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w : %v", define.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, define.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, define.ErrRateLimited
	default:
		return nil, fmt.Errorf("%w : http code is %d", define.ErrUnavailable, resp.StatusCode)
	}
}
