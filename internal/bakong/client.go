// Package bakong talks to the Bakong open API to learn whether a KHQR payment has settled.
package bakong

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
)

var (
	ErrNotConfigured      = errors.New("bakong: api endpoint or access token not configured")
	ErrGatewayUnavailable = errors.New("bakong: gateway unavailable")
)

const checkByMD5Path = "/check_transaction_by_md5"

// Config endpoint and bearer credential of the payment network.
type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// Transaction is the settled transfer reported by the network.
type Transaction struct {
	Hash               string          `json:"hash"`
	FromAccountID      string          `json:"fromAccountId"`
	ToAccountID        string          `json:"toAccountId"`
	Currency           string          `json:"currency"`
	Amount             decimal.Decimal `json:"amount"`
	Description        string          `json:"description"`
	CreatedDateMs      int64           `json:"createdDateMs"`
	AcknowledgedDateMs int64           `json:"acknowledgedDateMs"`
}

// CheckResult raw answer of a lookup. Settled is true only when the network returned a transaction.
type CheckResult struct {
	Settled      bool         `json:"settled"`
	ResponseCode int          `json:"response_code"`
	Message      string       `json:"message"`
	ErrorCode    *int         `json:"error_code,omitempty"`
	Transaction  *Transaction `json:"transaction,omitempty"`
}

type checkResponse struct {
	ResponseCode    int          `json:"responseCode"`
	ResponseMessage string       `json:"responseMessage"`
	ErrorCode       *int         `json:"errorCode"`
	Data            *Transaction `json:"data"`
}

type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*CheckResult]
}

type Option func(*Client)

// WithHTTPClient replaces the default client; its timeout is left as given.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	c.breaker = gobreaker.NewCircuitBreaker[*CheckResult](gobreaker.Settings{
		Name:        "bakong",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// caller cancellation says nothing about gateway health
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	for _, o := range opts {
		o(c)
	}
	return c
}

// Configured reports whether both endpoint and credential are present.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.BaseURL) != "" && strings.TrimSpace(c.cfg.AccessToken) != ""
}

// CheckTransactionByMD5 asks the network whether the payload identified by md5 has been paid.
// No retries are made; a non-2xx answer, transport error or open breaker yields ErrGatewayUnavailable.
func (c *Client) CheckTransactionByMD5(ctx context.Context, md5 string) (*CheckResult, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	res, err := c.breaker.Execute(func() (*CheckResult, error) {
		return c.check(ctx, md5)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return nil, err
	}
	return res, nil
}

func (c *Client) check(ctx context.Context, md5 string) (*CheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"md5": md5})
	if err != nil {
		return nil, fmt.Errorf("marshal check request: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + checkByMD5Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrGatewayUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrGatewayUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var out checkResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrGatewayUnavailable, err)
	}
	return &CheckResult{
		Settled:      out.ResponseCode == 0 && out.Data != nil,
		ResponseCode: out.ResponseCode,
		Message:      out.ResponseMessage,
		ErrorCode:    out.ErrorCode,
		Transaction:  out.Data,
	}, nil
}
