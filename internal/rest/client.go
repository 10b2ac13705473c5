// Package rest talks to the Care-pro chat REST endpoints. It is the
// fallback path when the realtime hub is degraded or disconnected.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"carepro-chat/internal/types"
)

const requestTimeout = 10 * time.Second

var ErrNotFound = errors.New("rest: resource not found")

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// SendMessage posts a message through POST /chat/send and returns the
// server-issued message id.
func (c *Client) SendMessage(ctx context.Context, senderID, receiverID, text string) (string, error) {
	body := types.SendRequest{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Message:    text,
	}

	var resp types.SendResponse
	if err := c.do(ctx, http.MethodPost, "/chat/send", body, &resp); err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return "", errors.New("rest: send succeeded but no messageId returned")
	}
	return resp.MessageID, nil
}

// History fetches one conversation page via GET /chat/history.
func (c *Client) History(ctx context.Context, userA, userB string, skip, take int) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("user1", userA)
	q.Set("user2", userB)
	q.Set("skip", strconv.Itoa(skip))
	q.Set("take", strconv.Itoa(take))

	var out []map[string]any
	if err := c.do(ctx, http.MethodGet, "/chat/history?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conversations lists conversation summaries for a user.
func (c *Client) Conversations(ctx context.Context, userID string) ([]types.ConversationDTO, error) {
	var out []types.ConversationDTO
	if err := c.do(ctx, http.MethodGet, "/chat/conversations/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPost, "/chat/mark-read/"+url.PathEscape(messageID), nil, nil)
}

func (c *Client) MarkDelivered(ctx context.Context, messageID, userID string) error {
	body := map[string]string{"userId": userID}
	return c.do(ctx, http.MethodPost, "/chat/mark-delivered/"+url.PathEscape(messageID), body, nil)
}

func (c *Client) MarkAllRead(ctx context.Context, senderID, receiverID string) error {
	body := map[string]string{
		"senderId":   senderID,
		"receiverId": receiverID,
	}
	return c.do(ctx, http.MethodPost, "/chat/mark-all-read", body, nil)
}

// User resolves a conversation partner via GET /users/{id}.
func (c *Client) User(ctx context.Context, userID string) (*types.UserDTO, error) {
	var out types.UserDTO
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rest: encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("[REST] %s %s returned %d", method, path, resp.StatusCode)
		return fmt.Errorf("rest: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: decode response: %w", err)
	}
	return nil
}
