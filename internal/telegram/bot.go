// Package telegram sends proctoring notifications through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// Bot is a minimal Bot API client.
type Bot struct {
	apiURL     string
	botToken   string
	chatID     string
	httpClient *http.Client
}

// BotConfig configures a Bot.
type BotConfig struct {
	BotToken string
	ChatID   string
	// APIURL overrides DefaultAPIURL
	APIURL  string
	Timeout time.Duration
}

// apiResponse is the envelope of every Bot API reply
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// BotInfo is the subset of getMe we report.
type BotInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// NewBot validates cfg and creates a client.
func NewBot(cfg BotConfig) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram chat ID is required")
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Bot{
		apiURL:   strings.TrimRight(apiURL, "/"),
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (b *Bot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.apiURL, b.botToken, method)
}

// SendMessage sends an HTML-formatted text message.
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":    b.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendMessage"), bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = b.do(req)
	return err
}

// SendPhoto sends a JPEG with an HTML caption.
func (b *Bot) SendPhoto(ctx context.Context, photoData []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", b.chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}
	part, err := writer.CreateFormFile("photo", "frame.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	_, err = b.do(req)
	return err
}

// GetMe checks the token against the API.
func (b *Bot) GetMe(ctx context.Context) (*BotInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.methodURL("getMe"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	result, err := b.do(req)
	if err != nil {
		return nil, err
	}
	var info BotInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("unexpected getMe response: %w", err)
	}
	return &info, nil
}

func (b *Bot) do(req *http.Request) (json.RawMessage, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		// The URL embeds the token; keep it out of logs
		return nil, fmt.Errorf("telegram request failed: %w", redact(err, b.botToken))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if !apiResp.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", apiResp.ErrorCode, apiResp.Description)
	}
	return apiResp.Result, nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, secret string) error {
	if secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), secret, "<token>"), err: err}
}
