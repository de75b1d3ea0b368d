// Package httpjson adapts providers that expose a JSON task API:
// POST {base}/tasks starts an operation, GET {base}/tasks/{id} reports on it.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/creditforge/backend/internal/provider"
)

// Client talks to one HTTP/JSON provider.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ provider.Client = (*Client)(nil)

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

func New(name, baseURL string, opts ...Option) *Client {
	c := &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

type startBody struct {
	Action   string          `json:"action"`
	Code     string          `json:"code,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	ClientID string          `json:"client_reference,omitempty"`
}

type taskBody struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	ResultURL string `json:"result_url"`
	Error     *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Start(ctx context.Context, req provider.StartRequest) (*provider.StartResult, error) {
	body, err := json.Marshal(startBody{
		Action:   req.ActionKey,
		Code:     req.ActionCode,
		Input:    req.Payload,
		ClientID: req.JobID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal start: %w", c.name, err)
	}

	var task taskBody
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/tasks", body, &task); err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, &provider.Error{Provider: c.name, Code: "BAD_RESPONSE", Message: "start response has no task id"}
	}

	res := &provider.StartResult{UpstreamID: task.ID}
	if normalizeStatus(task.Status) == provider.StatusDone && task.ResultURL != "" {
		res.Output = &provider.Output{URL: task.ResultURL}
	}
	return res, nil
}

func (c *Client) Poll(ctx context.Context, upstreamID string) (*provider.PollResult, error) {
	var task taskBody
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/tasks/"+url.PathEscape(upstreamID), nil, &task); err != nil {
		return nil, err
	}

	res := &provider.PollResult{Status: normalizeStatus(task.Status), Progress: task.Progress}
	switch res.Status {
	case provider.StatusDone:
		res.Progress = 100
		if task.ResultURL != "" {
			res.Output = &provider.Output{URL: task.ResultURL}
		}
	case provider.StatusFailed:
		res.ErrorCode = "PROVIDER_FAILED"
		if task.Error != nil {
			if task.Error.Code != "" {
				res.ErrorCode = task.Error.Code
			}
			res.ErrorMessage = task.Error.Message
		}
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.name, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.mapHTTPError(resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &provider.Error{Provider: c.name, Code: "BAD_RESPONSE", Message: "decode response", Err: err}
	}
	return nil
}

func (c *Client) mapHTTPError(status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	pe := &provider.Error{Provider: c.name, Code: eb.Error.Code, Message: msg, StatusCode: status}

	switch {
	case status == http.StatusTooManyRequests:
		pe.Err = provider.ErrQuotaExhausted
		if pe.Code == "" {
			pe.Code = "RATE_LIMITED"
		}
	case status == http.StatusPaymentRequired && strings.EqualFold(pe.Code, "quota_exceeded"):
		pe.Err = provider.ErrQuotaExhausted
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Err = provider.ErrUnavailable
		if pe.Code == "" {
			pe.Code = "AUTH_FAILED"
		}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if pe.Code == "" {
			pe.Code = "INVALID_REQUEST"
		}
	case status == http.StatusNotFound:
		if pe.Code == "" {
			pe.Code = "NOT_FOUND"
		}
	default:
		if pe.Code == "" {
			pe.Code = "PROVIDER_UNAVAILABLE"
		}
	}
	return pe
}

func normalizeStatus(s string) provider.PollStatus {
	switch strings.ToLower(s) {
	case "succeeded", "success", "completed", "done", "ready":
		return provider.StatusDone
	case "failed", "error", "canceled", "cancelled", "expired":
		return provider.StatusFailed
	default:
		return provider.StatusProcessing
	}
}
