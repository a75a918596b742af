package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the connection settings for an obridge API.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // API key, e.g. "ob_..."
	AgentAddress string // Caller's address, e.g. "0x..."
}

// Client is a thin HTTP client for the obridge API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response. Code is the API's machine-readable error.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}
	return json.RawMessage(respBody), nil
}

func (c *Client) address(addr string) string {
	if addr == "" {
		return c.cfg.AgentAddress
	}
	return addr
}

func (c *Client) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListEscrows(ctx context.Context, addr string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(c.address(addr))+"/escrows", q, nil)
}

// ConfirmEscrow reveals preimage (0x hex) to settle an escrow.
func (c *Client) ConfirmEscrow(ctx context.Context, id, preimage string, isOut bool) (json.RawMessage, error) {
	body := map[string]any{"preimage": preimage, "isOut": isOut}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/confirm", nil, body)
}

func (c *Client) RefundEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/refund", nil, nil)
}

func (c *Client) GetSwap(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/swaps/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ConfirmSwap(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/swaps/"+url.PathEscape(id)+"/confirm", nil, nil)
}

func (c *Client) RefundSwap(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/swaps/"+url.PathEscape(id)+"/refund", nil, nil)
}

func (c *Client) GetBalances(ctx context.Context, addr string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(c.address(addr))+"/balances", nil, nil)
}

func (c *Client) GetSettings(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/settings", nil, nil)
}

func (c *Client) ListTokens(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/settings/tokens", nil, nil)
}

// Now returns the server clock in unix seconds; windows are judged against it.
func (c *Client) Now(ctx context.Context) (int64, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/v1/info", nil, nil)
	if err != nil {
		return 0, err
	}
	var info struct {
		Now int64 `json:"now"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return 0, fmt.Errorf("decode info: %w", err)
	}
	return info.Now, nil
}
