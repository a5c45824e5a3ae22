package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/omochice/chatsync/pkg/protocol"
)

const defaultTimeout = 15 * time.Second

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

// HTTPClient talks to the backend's /api routes over fasthttp.
type HTTPClient struct {
	baseURL string
	userID  string
	token   string
	timeout time.Duration
	client  *fasthttp.Client
}

// NewHTTPClient creates a client for the API rooted at baseURL, e.g.
// http://localhost:8001/api. The token is sent as a bearer credential.
func NewHTTPClient(baseURL, userID, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		token:   token,
		timeout: defaultTimeout,
		client: &fasthttp.Client{
			Name:                "chatsync",
			MaxIdleConnDuration: time.Minute,
		},
	}
}

// ListChats implements Client.
func (c *HTTPClient) ListChats(ctx context.Context) ([]protocol.Chat, error) {
	var chats []protocol.Chat
	if err := c.do(ctx, fasthttp.MethodGet, "/chats/", nil, nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// ListMessages implements Client.
func (c *HTTPClient) ListMessages(ctx context.Context, chatID string, page Page) ([]protocol.Message, error) {
	q := url.Values{}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Skip > 0 {
		q.Set("skip", strconv.Itoa(page.Skip))
	}
	var msgs []protocol.Message
	if err := c.do(ctx, fasthttp.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", q, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

type createMessage struct {
	ChatID   string               `json:"chat_id"`
	SenderID string               `json:"sender_id"`
	Content  string               `json:"content"`
	Type     protocol.MessageType `json:"message_type,omitempty"`
	ReplyTo  string               `json:"reply_to,omitempty"`
	MediaURL string               `json:"media_url,omitempty"`
	FileName string               `json:"file_name,omitempty"`
	FileSize int64                `json:"file_size,omitempty"`
	Duration int                  `json:"duration,omitempty"`
}

// SendMessage implements Client.
func (c *HTTPClient) SendMessage(ctx context.Context, chatID string, d Draft) (protocol.Message, error) {
	body := createMessage{
		ChatID:   chatID,
		SenderID: c.userID,
		Content:  d.Content,
		Type:     d.Type,
		ReplyTo:  d.ReplyTo,
		MediaURL: d.MediaURL,
		FileName: d.FileName,
		FileSize: d.FileSize,
		Duration: d.Duration,
	}
	var m protocol.Message
	if err := c.do(ctx, fasthttp.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages", nil, body, &m); err != nil {
		return protocol.Message{}, err
	}
	return m, nil
}

// EditMessage implements Client.
func (c *HTTPClient) EditMessage(ctx context.Context, messageID, content string) error {
	q := url.Values{"content": {content}}
	return c.do(ctx, fasthttp.MethodPut, messagePath(messageID, ""), q, nil, nil)
}

// DeleteMessage implements Client.
func (c *HTTPClient) DeleteMessage(ctx context.Context, messageID string, forEveryone bool) error {
	q := url.Values{"for_everyone": {strconv.FormatBool(forEveryone)}}
	return c.do(ctx, fasthttp.MethodDelete, messagePath(messageID, ""), q, nil, nil)
}

type reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// AddReaction implements Client.
func (c *HTTPClient) AddReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, fasthttp.MethodPost, messagePath(messageID, "/react"), nil, reaction{messageID, emoji}, nil)
}

// RemoveReaction implements Client.
func (c *HTTPClient) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, fasthttp.MethodDelete, messagePath(messageID, "/react"), nil, reaction{messageID, emoji}, nil)
}

// MarkRead implements Client.
func (c *HTTPClient) MarkRead(ctx context.Context, messageID string) error {
	return c.do(ctx, fasthttp.MethodPost, messagePath(messageID, "/read"), nil, nil, nil)
}

func messagePath(messageID, suffix string) string {
	return "/chats/messages/" + url.PathEscape(messageID) + suffix
}

// do performs one request. fasthttp has no context support, so the
// context only contributes its deadline and an up-front cancellation check.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	uri := c.baseURL + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, path, err)
	}

	if code := resp.StatusCode(); code < 200 || code >= 300 {
		var e struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(resp.Body(), &e)
		return &StatusError{Method: method, Path: path, Code: code, Detail: e.Detail}
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}
