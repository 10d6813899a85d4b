// Package chatsync is the Go SDK for the PartyBooker marketplace messaging
// API. It provides the conversation sync engine the browser widget embeds:
// a typed transport adapter, an ordered deduplicated message store, an
// explicit conversation session state machine, a poll scheduler, a typing
// indicator coordinator, and scroll/delivery tracking.
//
// Example:
//
//	client := chatsync.NewClient("token")
//
//	engine := chatsync.NewEngine(client, "user-42")
//	defer engine.Close()
//
//	engine.Open(ctx, conv)
//	engine.Send(ctx, "Hello!")
//	for ev := range engine.Events() {
//		// render ev
//	}
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.partybooker.com"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP transport adapter for the messaging API. It performs no
// state management of its own; all in-memory state lives in the session and
// the message store.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new messaging API client.
// token is optional; pass "" for guest-only access.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the bearer token, e.g. after login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

// apiError is the error envelope the backend returns on non-2xx statuses.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope apiError
		_ = json.Unmarshal(data, &envelope)
		msg := envelope.Message
		if msg == "" {
			msg = envelope.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug("api error", "method", method, "path", path, "status", resp.StatusCode)
		return nil, &TransportError{Status: resp.StatusCode, Code: envelope.Code, Message: msg}
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Transport contract
// ============================================================================

// Transport is the adapter contract the session, poll scheduler, and typing
// coordinator depend on. *Client is the production implementation.
type Transport interface {
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID, viewerID string) ([]Message, error)
	SendMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error)
	SendGuestMessage(ctx context.Context, conversationID, guestEmail, referenceNumber, content string) (*Message, error)
	SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error
	GetTyping(ctx context.Context, conversationID, userID string) (*TypingStatus, error)
	StartSupportConversation(ctx context.Context, userID string) (*SupportStart, error)
	StartGuestSupportConversation(ctx context.Context, guest GuestIdentity, topic, subject string) (*Conversation, error)
	EndChat(ctx context.Context, conversationID, recipientEmail string) error
}

var _ Transport = (*Client)(nil)

// ============================================================================
// Conversations
// ============================================================================

// ListConversations returns the conversation list for a user, newest first,
// normalized into the canonical Conversation shape.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/conversations", nil, map[string]string{"userId": userID})
	if err != nil {
		return nil, err
	}
	wire, err := decodeJSON[[]wireConversation](data)
	if err != nil {
		return nil, err
	}
	return normalizeConversations(*wire), nil
}

// ListMessages returns the ordered message history for a conversation.
// viewerID is required for guest access and optional otherwise.
func (c *Client) ListMessages(ctx context.Context, conversationID, viewerID string) ([]Message, error) {
	var query map[string]string
	if viewerID != "" {
		query = map[string]string{"viewerId": viewerID}
	}
	data, err := c.doRequest(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	wire, err := decodeJSON[[]wireMessage](data)
	if err != nil {
		return nil, err
	}
	return normalizeMessages(*wire), nil
}

// ============================================================================
// Messages
// ============================================================================

// SendMessage sends an authenticated message and returns the created record.
func (c *Client) SendMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
	data, err := c.doRequest(ctx, "POST", "/api/conversations/"+conversationID+"/messages", map[string]string{
		"senderId": senderID,
		"content":  content,
	}, nil)
	if err != nil {
		return nil, err
	}
	wire, err := decodeJSON[wireMessage](data)
	if err != nil {
		return nil, err
	}
	msg := wire.normalize()
	return &msg, nil
}

// SendGuestMessage sends a message on behalf of a guest, authenticated by
// email plus reference number instead of a bearer token.
func (c *Client) SendGuestMessage(ctx context.Context, conversationID, guestEmail, referenceNumber, content string) (*Message, error) {
	data, err := c.doRequest(ctx, "POST", "/api/guest/conversations/"+conversationID+"/messages", map[string]string{
		"email":           guestEmail,
		"referenceNumber": referenceNumber,
		"content":         content,
	}, nil)
	if err != nil {
		return nil, err
	}
	wire, err := decodeJSON[wireMessage](data)
	if err != nil {
		return nil, err
	}
	msg := wire.normalize()
	return &msg, nil
}

// ============================================================================
// Typing
// ============================================================================

// SetTyping publishes the viewer's typing state for a conversation.
func (c *Client) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	_, err := c.doRequest(ctx, "POST", "/api/conversations/"+conversationID+"/typing", map[string]interface{}{
		"userId":   userID,
		"isTyping": isTyping,
	}, nil)
	return err
}

// GetTyping fetches the other participant's typing state. userID identifies
// the viewer, so the server knows whose status to exclude.
func (c *Client) GetTyping(ctx context.Context, conversationID, userID string) (*TypingStatus, error) {
	data, err := c.doRequest(ctx, "GET", "/api/conversations/"+conversationID+"/typing", nil, map[string]string{"userId": userID})
	if err != nil {
		return nil, err
	}
	return decodeJSON[TypingStatus](data)
}

// ============================================================================
// Support conversations
// ============================================================================

type wireSupportStart struct {
	Conversation wireConversation `json:"conversation"`
	Reused       bool             `json:"reused"`
}

// StartSupportConversation creates (or reuses the same-day) authenticated
// support conversation for a user.
func (c *Client) StartSupportConversation(ctx context.Context, userID string) (*SupportStart, error) {
	data, err := c.doRequest(ctx, "POST", "/api/support/conversations", map[string]string{"userId": userID}, nil)
	if err != nil {
		return nil, err
	}
	wire, err := decodeJSON[wireSupportStart](data)
	if err != nil {
		return nil, err
	}
	conv := wire.Conversation.normalize()
	conv.Kind = KindSupport
	return &SupportStart{Conversation: conv, Reused: wire.Reused}, nil
}

// StartGuestSupportConversation creates a support conversation for an
// unauthenticated visitor. The client-generated reference number travels with
// the request and identifies the guest from then on.
func (c *Client) StartGuestSupportConversation(ctx context.Context, guest GuestIdentity, topic, subject string) (*Conversation, error) {
	data, err := c.doRequest(ctx, "POST", "/api/guest/conversations", map[string]string{
		"name":            guest.Name,
		"email":           guest.Email,
		"referenceNumber": guest.ReferenceNumber,
		"topic":           topic,
		"subject":         subject,
	}, nil)
	if err != nil {
		return nil, err
	}
	wire, err := decodeJSON[wireConversation](data)
	if err != nil {
		return nil, err
	}
	conv := wire.normalize()
	conv.Kind = KindGuestSupport
	if conv.Guest == nil {
		g := guest
		conv.Guest = &g
	}
	return &conv, nil
}

// EndChat closes a support conversation. The backend emails a transcript to
// recipientEmail out of band.
func (c *Client) EndChat(ctx context.Context, conversationID, recipientEmail string) error {
	_, err := c.doRequest(ctx, "POST", "/api/conversations/"+conversationID+"/end", map[string]string{
		"recipientEmail": recipientEmail,
	}, nil)
	return err
}
