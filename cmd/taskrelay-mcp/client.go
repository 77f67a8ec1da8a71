package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apiTypes "github.com/ricochet1k/taskrelay/pkg/api"
)

// relayClient is a small REST client for the taskrelay /api routes.
type relayClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newRelayClient(baseURL, token string) *relayClient {
	return &relayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError carries the relay's error body.
type apiError struct {
	Status int
	Body   apiTypes.ErrorResponse
}

func (e *apiError) Error() string {
	msg := e.Body.Error
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Body.Details != nil {
		return fmt.Sprintf("relay returned %d: %s (%v)", e.Status, msg, e.Body.Details)
	}
	return fmt.Sprintf("relay returned %d: %s", e.Status, msg)
}

func (c *relayClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Body)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *relayClient) Providers(ctx context.Context) (apiTypes.ProvidersResponse, error) {
	var out apiTypes.ProvidersResponse
	err := c.do(ctx, http.MethodGet, "/api/providers", nil, &out)
	return out, err
}

func (c *relayClient) ListTasks(ctx context.Context) (apiTypes.TaskListResponse, error) {
	var out apiTypes.TaskListResponse
	err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &out)
	return out, err
}

func (c *relayClient) CreateTask(ctx context.Context, req apiTypes.TaskRequest) (apiTypes.TaskResponse, error) {
	var out apiTypes.TaskResponse
	err := c.do(ctx, http.MethodPost, "/api/tasks", req, &out)
	return out, err
}

func (c *relayClient) GetTask(ctx context.Context, id string) (apiTypes.TaskResponse, error) {
	var out apiTypes.TaskResponse
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *relayClient) Prompt(ctx context.Context, id, prompt string) (apiTypes.TaskResponse, error) {
	var out apiTypes.TaskResponse
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/prompt", apiTypes.PromptRequest{Prompt: prompt}, &out)
	return out, err
}

func (c *relayClient) Interrupt(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/interrupt", nil, nil)
}

func (c *relayClient) Messages(ctx context.Context, id string, limit int, before *int) (apiTypes.MessagesResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != nil {
		q.Set("before", strconv.Itoa(*before))
	}
	path := "/api/tasks/" + url.PathEscape(id) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out apiTypes.MessagesResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
