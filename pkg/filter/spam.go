package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/config"
	"github.com/sipeed/chatbridge/pkg/logger"
)

// SpamChecker asks a remote anti-spam service about Telegram messages.
// Any failure is treated as "not spam": the API must never block relaying.
type SpamChecker struct {
	apiKey  string
	baseURL string
	delay   time.Duration
	client  *http.Client
}

// NewSpamChecker builds a checker from the SpamCheck config section.
// Returns nil when the section is absent, which disables the check.
func NewSpamChecker(cfg *config.SpamCheckConfig) *SpamChecker {
	if cfg == nil || cfg.APIKey == "" {
		return nil
	}
	return &SpamChecker{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		delay:   time.Duration(cfg.DelayMS) * time.Millisecond,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type spamCheckRequest struct {
	MessageID int64 `json:"message_id"`
	ChatID    int64 `json:"chat_id"`
	UserID    int64 `json:"user_id"`
}

type spamCheckResponse struct {
	IsSpam bool `json:"is_spam"`
}

// IsSpam reports whether the remote service flags the message. Only
// Telegram messages are checked; the configured delay gives the remote
// anti-spam module time to observe the message first.
func (s *SpamChecker) IsSpam(ctx context.Context, msg *bus.Message) bool {
	chatID, ok := spamEligible(msg)
	if !ok {
		return false
	}
	userID, err := strconv.ParseInt(msg.FromUserID, 10, 64)
	if err != nil {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.delay):
	}

	body, err := json.Marshal(spamCheckRequest{
		MessageID: *msg.FromMessageID,
		ChatID:    chatID,
		UserID:    userID,
	})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/spam-check", s.baseURL), bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("X-API-Key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		logger.WarnCF("filter", "spam check request failed", map[string]any{"error": err.Error()})
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result spamCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}
	return result.IsSpam
}
