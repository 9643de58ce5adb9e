package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Arefin090/finnigram/internal/ledger"
	"github.com/Arefin090/finnigram/internal/model"
	"github.com/Arefin090/finnigram/internal/service"
)

var ErrAuthFailed = errors.New("authentication failed")

// StatusError is returned for any response outside the expected status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d body=%q", e.StatusCode, e.Body)
}

// APIClient calls the HTTP surface with a bearer token. Every call is
// bounded by the client timeout as well as ctx.
type APIClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *APIClient) SendMessage(ctx context.Context, conversationID, clientID, content string) (model.Message, error) {
	var m model.Message
	body := map[string]string{"clientId": clientID, "content": content}
	err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", body, http.StatusCreated, &m)
	return m, err
}

// Messages pages backwards from before; a zero before means newest.
func (c *APIClient) Messages(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []model.Message
	err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out)
	return out, err
}

func (c *APIClient) MarkConversationRead(ctx context.Context, conversationID string) (service.ReadReceipt, error) {
	var r service.ReadReceipt
	err := c.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, http.StatusOK, &r)
	return r, err
}

func (c *APIClient) MarkDelivered(ctx context.Context, messageID string) (ledger.Result, error) {
	var r ledger.Result
	err := c.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(messageID)+"/delivered", nil, http.StatusOK, &r)
	return r, err
}

func (c *APIClient) MarkRead(ctx context.Context, messageID string) (ledger.Result, error) {
	var r ledger.Result
	err := c.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(messageID)+"/read", nil, http.StatusOK, &r)
	return r, err
}

func (c *APIClient) Sync(ctx context.Context, req service.SyncRequest) (service.SyncResult, error) {
	var r service.SyncResult
	err := c.do(ctx, http.MethodPost, "/sync", req, http.StatusOK, &r)
	return r, err
}

// Logout blacklists the current token, or every tracked session of the
// user when all is set.
func (c *APIClient) Logout(ctx context.Context, all bool) error {
	path := "/auth/logout"
	if all {
		path += "?all=true"
	}
	return c.do(ctx, http.MethodPost, path, nil, http.StatusNoContent, nil)
}

func (c *APIClient) do(ctx context.Context, method, path string, in any, want int, out any) error {
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

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != want {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", ErrAuthFailed, se)
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode json: %w body=%q", err, string(respBody))
	}
	return nil
}
