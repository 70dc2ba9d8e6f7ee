// Package control is the HTTP client for the artifactsd control API, used
// by the CLI and by workers reporting heartbeats.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/api"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

// New dials the daemon's unix socket.
func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

// NewTCP dials a daemon listening on 127.0.0.1:port.
func NewTCP(port int) *Client {
	return NewWithClient("http://127.0.0.1:"+strconv.Itoa(port), &http.Client{})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return code
	case message != "":
		return message
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.getJSON(ctx, "/v1/health", nil, &resp)
	return resp, err
}

func (c *Client) StartTask(ctx context.Context, req api.StartTaskRequest) (api.TaskEnvelope, error) {
	var env api.TaskEnvelope
	err := c.postJSON(ctx, "/v1/tasks", req, &env)
	return env, err
}

func (c *Client) ListTasks(ctx context.Context) (api.TasksEnvelope, error) {
	var env api.TasksEnvelope
	err := c.getJSON(ctx, "/v1/tasks", nil, &env)
	return env, err
}

func (c *Client) TaskStatus(ctx context.Context, character string) (api.TaskEnvelope, error) {
	var env api.TaskEnvelope
	err := c.getJSON(ctx, "/v1/tasks/"+url.PathEscape(character), nil, &env)
	return env, err
}

func (c *Client) StopTask(ctx context.Context, character string) (api.TaskEnvelope, error) {
	var env api.TaskEnvelope
	err := c.postJSON(ctx, "/v1/tasks/"+url.PathEscape(character)+"/stop", nil, &env)
	return env, err
}

func (c *Client) Heartbeat(ctx context.Context, taskID string) (api.TaskEnvelope, error) {
	var env api.TaskEnvelope
	err := c.postJSON(ctx, "/v1/tasks/"+url.PathEscape(taskID)+"/heartbeat", nil, &env)
	return env, err
}

func (c *Client) Recover(ctx context.Context) (api.TasksEnvelope, error) {
	var env api.TasksEnvelope
	err := c.postJSON(ctx, "/v1/recover", nil, &env)
	return env, err
}

func (c *Client) ActionLogs(ctx context.Context, character string, limit int) (api.ActionLogsEnvelope, error) {
	query := url.Values{}
	if character != "" {
		query.Set("character", character)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var env api.ActionLogsEnvelope
	err := c.getJSON(ctx, "/v1/logs", query, &env)
	return env, err
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, reqBody, out any) error {
	body, err := c.request(ctx, http.MethodPost, path, nil, reqBody)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
