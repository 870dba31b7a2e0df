package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/metrics"

	"go.uber.org/zap"
)

const (
	telegramBaseURL = "https://api.telegram.org"
	// Telegram rejects longer texts.
	maxMessageLen = 4096
)

type Telegram struct {
	token   string
	chatID  string
	prefix  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewTelegram returns Nop when alerts are disabled.
func NewTelegram(cfg config.TelegramConfig, botName string, m *metrics.Metrics, log *zap.Logger) Alerter {
	if !cfg.Enabled {
		return Nop{}
	}
	return newTelegram(cfg, botName, m, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, botName string, m *metrics.Metrics, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	prefix := ""
	if name := strings.TrimSpace(botName); name != "" {
		prefix = "[" + name + "] "
	}
	return &Telegram{
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		prefix:  prefix,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
		metrics: metrics.OrNoop(m),
	}
}

type sendResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("telegram message is empty")
	}
	text := t.prefix + message
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var result sendResponse
	_ = json.Unmarshal(raw, &result)
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("telegram rate limited, retry after %ds", result.Parameters.RetryAfter)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if !result.OK {
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram send failed: %s", desc)
	}
	t.metrics.AlertsSent.Inc()
	t.log.Debug("alert sent", zap.Int("len", len(text)))
	return nil
}
