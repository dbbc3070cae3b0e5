package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/metric"

	"chatsync/internal/chat"
)

// Client talks to the chat backend's request/response APIs: auth, contacts,
// conversation creation, history, and message writes. The live channel is
// not here; see the transport package.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	meter      metric.Meter
}

// NewClient creates a backend API client.
func NewClient(baseURL string, logger *slog.Logger, meter metric.Meter) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	client := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
		meter:  meter,
	}

	logger.Info("created backend API client", "url", baseURL)
	return client, nil
}

// Login authenticates with email and password and returns the user id.
// Rejected credentials come back as *chat.AuthError.
func (c *Client) Login(ctx context.Context, email, password string) (int64, error) {
	reqBody := map[string]string{"email": email, "password": password}

	var result struct {
		Message string `json:"message"`
		ID      int64  `json:"id"`
	}
	status, err := c.post(ctx, "/login", nil, reqBody, &result)
	if err != nil {
		return 0, err
	}
	if status == http.StatusNotFound {
		return 0, &chat.AuthError{Reason: "invalid email or password"}
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("login failed with status %d", status)
	}

	c.logger.Info("login succeeded", "user_id", result.ID)
	return result.ID, nil
}

// Register creates a new account. Duplicate emails and rejected fields come
// back as *chat.ValidationError.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	reqBody := map[string]string{"username": username, "email": email, "password": password}

	status, err := c.post(ctx, "/new-user", nil, reqBody, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return &chat.ValidationError{Reason: fmt.Sprintf("registration rejected with status %d", status)}
	}

	c.logger.Info("registration succeeded", "email", email)
	return nil
}

// ListUsers returns every user except the requesting one.
func (c *Client) ListUsers(ctx context.Context, userID int64) ([]chat.Contact, error) {
	query := url.Values{"user_id": {strconv.FormatInt(userID, 10)}}

	var contacts []chat.Contact
	status, err := c.get(ctx, "/users", query, &contacts)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("listing users failed with status %d", status)
	}

	c.logger.Info("listed users", "count", len(contacts))
	return contacts, nil
}

// CreateOrGetConversation resolves the conversation between two users,
// creating it if it does not exist yet.
func (c *Client) CreateOrGetConversation(ctx context.Context, userID, peerID int64) (int64, error) {
	query := url.Values{
		"id":        {strconv.FormatInt(userID, 10)},
		"recipient": {strconv.FormatInt(peerID, 10)},
	}

	var result struct {
		ChatID int64 `json:"chat_id"`
	}
	status, err := c.post(ctx, "/chat", query, nil, &result)
	if err != nil {
		return 0, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return 0, fmt.Errorf("conversation creation failed with status %d", status)
	}

	c.logger.Info("resolved conversation", "conversation_id", result.ChatID, "peer_id", peerID)
	return result.ChatID, nil
}

// FetchMessages performs the one-shot history fetch for a conversation.
// Messages come back in server order, tagged historical.
func (c *Client) FetchMessages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	query := url.Values{"chat_id": {strconv.FormatInt(conversationID, 10)}}

	var rows []struct {
		Text   string `json:"text"`
		SentBy int64  `json:"sent_by"`
	}
	status, err := c.get(ctx, "/texts", query, &rows)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("history fetch failed with status %d", status)
	}

	messages := make([]chat.Message, len(rows))
	for i, row := range rows {
		messages[i] = chat.Message{
			Text:     row.Text,
			SenderID: row.SentBy,
			Origin:   chat.OriginHistorical,
		}
	}

	c.logger.Info("fetched history", "conversation_id", conversationID, "count", len(messages))
	return messages, nil
}

// PostMessage persists a message through the write API. Failures come back
// as *chat.WriteError.
func (c *Client) PostMessage(ctx context.Context, conversationID, senderID int64, text string) error {
	query := url.Values{
		"chat_id": {strconv.FormatInt(conversationID, 10)},
		"sent_by": {strconv.FormatInt(senderID, 10)},
	}
	reqBody := map[string]string{"text": text}

	status, err := c.post(ctx, "/text", query, reqBody, nil)
	if err != nil {
		return &chat.WriteError{ConversationID: conversationID, Err: err}
	}
	if status != http.StatusCreated {
		return &chat.WriteError{
			ConversationID: conversationID,
			Err:            fmt.Errorf("status %d", status),
		}
	}

	return nil
}

// get performs a GET request and decodes the response body into result.
func (c *Client) get(ctx context.Context, path string, query url.Values, result interface{}) (int, error) {
	return c.do(ctx, http.MethodGet, path, query, nil, result)
}

// post performs a POST request with an optional JSON body.
func (c *Client) post(ctx context.Context, path string, query url.Values, body, result interface{}) (int, error) {
	return c.do(ctx, http.MethodPost, path, query, body, result)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result interface{}) (int, error) {
	start := time.Now()

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqReader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	c.recordDuration(ctx, path, time.Since(start))

	// Expected error statuses are returned to the caller, which maps them
	// into the error taxonomy. Only undecodable success bodies fail here.
	if result != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return resp.StatusCode, nil
}

// recordDuration records the request duration histogram.
func (c *Client) recordDuration(ctx context.Context, path string, d time.Duration) {
	if c.meter == nil {
		return
	}
	histogram, err := c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		c.logger.Warn("failed to create histogram", "path", path, "error", err)
		return
	}
	histogram.Record(ctx, float64(d.Milliseconds()))
}
