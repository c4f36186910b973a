// Package drift is the REST client for the Drift-style perp venue gateway.
// It implements domain.VenueConn: feed subscription lifecycle, oracle and
// account reads, and unsigned instruction construction. All calls go through
// the shared pacer and are retried with exponential backoff; exhausted
// retries surface as domain.ErrVenueUnavailable.
package drift

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/perpdesk/perpdesk/internal/domain"
	"github.com/perpdesk/perpdesk/internal/venue"
)

// Config holds client parameters.
type Config struct {
	BaseURL          string
	RequestTimeout   time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	TokenAccount     string // settlement-asset token account for deposits/withdrawals
}

// Client talks to the venue gateway over HTTP/JSON.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pacer        *venue.Pacer
	attempts     int
	baseDelay    time.Duration
	tokenAccount string

	mu    sync.Mutex
	subID string
}

// NewClient creates a gateway client. The pacer is shared process-wide so
// that every outbound call respects the venue's rate limit.
func NewClient(cfg Config, pacer *venue.Pacer) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := cfg.RetryMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		httpClient:   &http.Client{Timeout: timeout},
		pacer:        pacer,
		attempts:     attempts,
		baseDelay:    cfg.RetryBaseDelay,
		tokenAccount: cfg.TokenAccount,
	}
}

// apiError is a non-2xx gateway response. 4xx responses are permanent and
// never retried.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gateway returned HTTP %d: %s", e.status, e.body)
}

func (e *apiError) permanent() bool {
	return e.status >= 400 && e.status < 500
}

// call performs a paced, retried request and decodes the JSON response into
// out (when non-nil).
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var permErr error
	err := venue.RetryWithBackoff(ctx, c.attempts, c.baseDelay, func() error {
		if werr := c.pacer.Wait(ctx); werr != nil {
			return werr
		}
		derr := c.doOnce(ctx, method, path, body, out)
		var ae *apiError
		if errors.As(derr, &ae) && ae.permanent() {
			permErr = derr
			return nil
		}
		return derr
	})
	if permErr != nil {
		return fmt.Errorf("drift: %s %s: %w", method, path, permErr)
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("drift: %s %s: %w", method, path, err)
		}
		return fmt.Errorf("drift: %s %s: %v: %w", method, path, err, domain.ErrVenueUnavailable)
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{status: resp.StatusCode, body: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Subscribe attaches to the gateway's account and market data feeds.
func (c *Client) Subscribe(ctx context.Context) error {
	var result struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/subscriptions", map[string]any{}, &result); err != nil {
		return err
	}
	c.mu.Lock()
	c.subID = result.SubscriptionID
	c.mu.Unlock()
	return nil
}

// Unsubscribe detaches from the feeds. It is a no-op when no subscription is
// active, so it is safe on failure paths.
func (c *Client) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	id := c.subID
	c.subID = ""
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	return c.call(ctx, http.MethodDelete, "/v1/subscriptions/"+id, nil, nil)
}

// GetOraclePrice returns the externally attested price for a market.
func (c *Client) GetOraclePrice(ctx context.Context, marketIndex int) (float64, error) {
	var result struct {
		Price float64 `json:"price"`
	}
	path := fmt.Sprintf("/v1/oracle/%d", marketIndex)
	if err := c.call(ctx, http.MethodGet, path, nil, &result); err != nil {
		return 0, err
	}
	return result.Price, nil
}

// GetAccountState returns the venue's snapshot of an owner account.
func (c *Client) GetAccountState(ctx context.Context, address string) (domain.AccountState, error) {
	var result apiAccountState
	if err := c.call(ctx, http.MethodGet, "/v1/accounts/"+address, nil, &result); err != nil {
		return domain.AccountState{}, err
	}
	return result.ToDomainAccountState(), nil
}

// GetMarginRequirement asks the gateway for the exact margin a hypothetical
// order would require.
func (c *Client) GetMarginRequirement(ctx context.Context, address string, params domain.OrderParams) (float64, error) {
	body := map[string]any{
		"account": address,
		"order":   toAPIOrderParams(params),
	}
	var result struct {
		MarginRequired float64 `json:"marginRequired"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/margin/requirement", body, &result); err != nil {
		return 0, err
	}
	return result.MarginRequired, nil
}

// BuildOrderInstruction constructs an unsigned place-order instruction.
func (c *Client) BuildOrderInstruction(ctx context.Context, address string, params domain.OrderParams) (domain.Instruction, error) {
	body := map[string]any{
		"account": address,
		"order":   toAPIOrderParams(params),
	}
	var result apiInstruction
	if err := c.call(ctx, http.MethodPost, "/v1/instructions/order", body, &result); err != nil {
		return domain.Instruction{}, err
	}
	return result.ToDomainInstruction("order"), nil
}

// BuildDepositInstruction constructs an unsigned deposit instruction.
func (c *Client) BuildDepositInstruction(ctx context.Context, address string, amountUsd float64) (domain.Instruction, error) {
	body := map[string]any{
		"account":      address,
		"amountUsd":    amountUsd,
		"tokenAccount": c.tokenAccount,
	}
	var result apiInstruction
	if err := c.call(ctx, http.MethodPost, "/v1/instructions/deposit", body, &result); err != nil {
		return domain.Instruction{}, err
	}
	return result.ToDomainInstruction("deposit"), nil
}

// BuildWithdrawInstruction constructs an unsigned withdraw instruction.
func (c *Client) BuildWithdrawInstruction(ctx context.Context, address string, amountUsd float64) (domain.Instruction, error) {
	body := map[string]any{
		"account":      address,
		"amountUsd":    amountUsd,
		"tokenAccount": c.tokenAccount,
	}
	var result apiInstruction
	if err := c.call(ctx, http.MethodPost, "/v1/instructions/withdraw", body, &result); err != nil {
		return domain.Instruction{}, err
	}
	return result.ToDomainInstruction("withdraw"), nil
}

// BuildEnableHighLeverageInstruction constructs the high-leverage opt-in
// instruction.
func (c *Client) BuildEnableHighLeverageInstruction(ctx context.Context, address string) (domain.Instruction, error) {
	body := map[string]any{
		"account": address,
	}
	var result apiInstruction
	if err := c.call(ctx, http.MethodPost, "/v1/instructions/enable-high-leverage", body, &result); err != nil {
		return domain.Instruction{}, err
	}
	return result.ToDomainInstruction("enable_high_leverage"), nil
}

// Compile-time interface check.
var _ domain.VenueConn = (*Client)(nil)
