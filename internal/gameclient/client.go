package gameclient

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

	"github.com/macomeau/Artifacts-sub002/internal/model"
)

const defaultTimeout = 30 * time.Second

// Client issues one HTTP request per domain operation against the game
// server. It holds no per-character state.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func New(baseURL, token string) *Client {
	return NewWithClient(baseURL, token, &http.Client{Timeout: defaultTimeout})
}

func NewWithClient(baseURL, token string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// Cooldown is the server-reported cooldown attached to every mutating
// result.
type Cooldown struct {
	TotalSeconds float64   `json:"total_seconds"`
	Expiration   time.Time `json:"expiration"`
}

// Result is the envelope every mutating operation returns: the updated
// character, the imposed cooldown, and the operation-specific payload.
type Result struct {
	Character model.Character `json:"character"`
	Cooldown  Cooldown        `json:"cooldown"`
	Details   json.RawMessage `json:"details,omitempty"`
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) GetCharacter(ctx context.Context, name string) (model.Character, error) {
	body, err := c.request(ctx, http.MethodGet, "/characters/"+url.PathEscape(name), nil)
	if err != nil {
		return model.Character{}, err
	}
	var env struct {
		Data model.Character `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return model.Character{}, fmt.Errorf("decode character: %w", err)
	}
	return env.Data, nil
}

func (c *Client) Move(ctx context.Context, name string, x, y int) (Result, error) {
	return c.action(ctx, name, "move", map[string]any{"x": x, "y": y})
}

func (c *Client) Gather(ctx context.Context, name string) (Result, error) {
	return c.action(ctx, name, "gathering", nil)
}

func (c *Client) Craft(ctx context.Context, name, code string, quantity int) (Result, error) {
	return c.action(ctx, name, "crafting", map[string]any{"code": code, "quantity": quantity})
}

func (c *Client) Recycle(ctx context.Context, name, code string, quantity int) (Result, error) {
	return c.action(ctx, name, "recycling", map[string]any{"code": code, "quantity": quantity})
}

func (c *Client) Fight(ctx context.Context, name string) (Result, error) {
	return c.action(ctx, name, "fight", nil)
}

func (c *Client) Rest(ctx context.Context, name string) (Result, error) {
	return c.action(ctx, name, "rest", nil)
}

func (c *Client) BankDeposit(ctx context.Context, name, code string, quantity int) (Result, error) {
	return c.action(ctx, name, "bank/deposit", map[string]any{"code": code, "quantity": quantity})
}

func (c *Client) BankWithdraw(ctx context.Context, name, code string, quantity int) (Result, error) {
	return c.action(ctx, name, "bank/withdraw", map[string]any{"code": code, "quantity": quantity})
}

func (c *Client) action(ctx context.Context, name, op string, body any) (Result, error) {
	payload, err := c.request(ctx, http.MethodPost, "/my/"+url.PathEscape(name)+"/action/"+op, body)
	if err != nil {
		return Result{}, err
	}
	var env struct {
		Data Result `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return Result{}, fmt.Errorf("decode %s result: %w", op, err)
	}
	return env.Data, nil
}

func (c *Client) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Cause: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	if resp.StatusCode >= 400 {
		var eb apiErrorBody
		if err := json.Unmarshal(payload, &eb); err == nil && eb.Error.Code != 0 {
			return nil, classify(resp.StatusCode, eb.Error.Code, eb.Error.Message)
		}
		return nil, classify(resp.StatusCode, 0, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}
