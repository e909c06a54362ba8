package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type telegramChannel struct {
	client  *http.Client
	baseURL string
	token   string
	chatID  string
}

func (c *telegramChannel) Name() string { return "telegram" }
func (c *telegramChannel) Key() string  { return "telegram:" + c.chatID }

type telegramRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send calls the Bot API sendMessage method.
func (c *telegramChannel) Send(ctx context.Context, n Notice) Result {
	start := time.Now()

	body, err := json.Marshal(telegramRequest{ChatID: c.chatID, Text: n.Text(), DisableWebPagePreview: true})
	if err != nil {
		return Result{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		return Result{Error: fmt.Errorf("send telegram: %w", redact(err, c.token)), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	result := Result{StatusCode: resp.StatusCode}
	var tr telegramResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &tr) == nil && !tr.OK {
		result.APIError = tr.Description
		if result.APIError == "" {
			result.APIError = "telegram returned ok=false"
		}
	}
	result.Duration = time.Since(start)
	return result
}
