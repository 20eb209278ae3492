// Package telegram bridges the agent to a single-user Telegram bot via
// long polling. The Client speaks the Bot API; the Frontend turns inbound
// messages into agent runs and renders run events back into the chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.telegram.org"

	// maxMessageLen is Telegram's hard limit per sendMessage call.
	maxMessageLen = 4096

	// pollTimeout is the getUpdates long-poll window in seconds.
	pollTimeout = 30

	// maxDownloadBytes caps inbound file downloads (Bot API serves up to
	// 20MB anyway).
	maxDownloadBytes = 20 << 20
)

// Client is a minimal Telegram Bot API client covering what the frontend
// needs: long polling, sending and editing messages, photos, documents,
// typing indicators, and file downloads.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different API host, mainly for tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client for the given bot token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		// Long polls hold the connection for pollTimeout; leave headroom.
		httpClient: &http.Client{Timeout: (pollTimeout + 10) * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-ok Bot API response.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// GetUpdates long-polls for new updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         pollTimeout,
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", body, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends text as HTML-formatted Markdown, splitting it into
// 4096-char chunks at line boundaries. Returns the last sent message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	var lastID int64
	for _, chunk := range splitMessage(text) {
		body := map[string]any{
			"chat_id":    chatID,
			"text":       MarkdownToHTML(chunk),
			"parse_mode": "HTML",
		}
		var sent Message
		if err := c.call(ctx, "sendMessage", body, &sent); err != nil {
			return 0, err
		}
		lastID = sent.MessageID
	}
	return lastID, nil
}

// SendPlain sends text without any parse mode. Used for placeholder and
// progress messages where accidental markup must not break delivery.
func (c *Client) SendPlain(ctx context.Context, chatID int64, text string) (int64, error) {
	var lastID int64
	for _, chunk := range splitMessage(text) {
		body := map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		}
		var sent Message
		if err := c.call(ctx, "sendMessage", body, &sent); err != nil {
			return 0, err
		}
		lastID = sent.MessageID
	}
	return lastID, nil
}

// Edit replaces a message's text without a parse mode. A "message is not
// modified" response is treated as success.
func (c *Client) Edit(ctx context.Context, chatID, messageID int64, text string) error {
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	err := c.call(ctx, "editMessageText", body, nil)
	if isNotModified(err) {
		return nil
	}
	return err
}

// EditFormatted replaces a message's text with HTML-formatted Markdown,
// falling back to a plain edit when Telegram rejects the markup.
func (c *Client) EditFormatted(ctx context.Context, chatID, messageID int64, text string) error {
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       MarkdownToHTML(text),
		"parse_mode": "HTML",
	}
	err := c.call(ctx, "editMessageText", body, nil)
	if err == nil || isNotModified(err) {
		return nil
	}
	return c.Edit(ctx, chatID, messageID, text)
}

// SendTyping shows the typing indicator; Telegram clears it after ~5s.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	return c.call(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}, nil)
}

// SendPhoto uploads image bytes as a photo.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, data []byte, caption string) error {
	fields := map[string]string{"chat_id": fmt.Sprint(chatID)}
	if caption != "" {
		fields["caption"] = caption
	}
	return c.upload(ctx, "sendPhoto", "photo", "image.jpg", data, fields)
}

// SendDocument uploads file bytes as a document with the given filename.
func (c *Client) SendDocument(ctx context.Context, chatID int64, filename string, data []byte) error {
	fields := map[string]string{"chat_id": fmt.Sprint(chatID)}
	return c.upload(ctx, "sendDocument", "document", filename, data, fields)
}

// DownloadFile fetches an attached file's bytes and its filename.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	var file File
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, "", err
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("telegram: empty file_path for file_id %s", fileID)
	}

	url := c.baseURL + "/file/bot" + c.token + "/" + file.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("telegram: download file HTTP %d: %s", resp.StatusCode, string(body))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, "", fmt.Errorf("telegram: read file body: %w", err)
	}

	name := file.FilePath
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return data, name, nil
}

// call posts JSON to a Bot API method and decodes the result envelope.
func (c *Client) call(ctx context.Context, method string, reqBody any, result any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s request: %w", method, err)
	}

	url := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp.Body, result)
}

// upload posts a multipart form with one file part plus string fields.
func (c *Client) upload(ctx context.Context, method, fileField, filename string, data []byte, fields map[string]string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("telegram: build %s form: %w", method, err)
		}
	}
	part, err := w.CreateFormFile(fileField, filename)
	if err != nil {
		return fmt.Errorf("telegram: build %s form: %w", method, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("telegram: build %s form: %w", method, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram: build %s form: %w", method, err)
	}

	url := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp.Body, nil)
}

func decodeEnvelope(r io.Reader, result any) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("telegram: decode response: %w", err)
	}
	if !env.OK {
		return &APIError{Code: env.ErrorCode, Description: env.Description}
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

func isNotModified(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified")
}

// splitMessage chops text into chunks within Telegram's per-message limit,
// preferring to split at the last newline inside each window.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLen {
		return []string{text}
	}
	var chunks []string
	rest := text
	for len(rest) > maxMessageLen {
		cut := maxMessageLen
		if i := strings.LastIndexByte(rest[:maxMessageLen], '\n'); i > 0 {
			cut = i + 1
		}
		chunks = append(chunks, rest[:cut])
		rest = rest[cut:]
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
