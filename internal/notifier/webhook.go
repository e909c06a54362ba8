package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	HeaderSignature = "X-Checkin-Signature"
	HeaderRecordID  = "X-Checkin-Record-ID"
)

type webhookChannel struct {
	client *http.Client
	url    string
	secret string
}

func (c *webhookChannel) Name() string { return "webhook" }
func (c *webhookChannel) Key() string  { return "webhook:" + c.url }

// WebhookPayload is the JSON body posted to a generic webhook.
type WebhookPayload struct {
	RecordID    string `json:"record_id"`
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	Outcome     string `json:"outcome"`
	Detail      string `json:"detail"`
	Trigger     string `json:"trigger"`
	Timestamp   string `json:"timestamp"`
	DurationMs  int64  `json:"duration_ms"`
	Message     string `json:"message"`
}

// Send posts the payload signed with HMAC-SHA256 over the raw body.
func (c *webhookChannel) Send(ctx context.Context, n Notice) Result {
	start := time.Now()

	payload := WebhookPayload{
		RecordID:    n.Record.ID.String(),
		AccountID:   n.Account.ID,
		AccountName: n.Account.Name,
		Outcome:     string(n.Record.Outcome),
		Detail:      n.Record.Detail,
		Trigger:     string(n.Record.Trigger),
		Timestamp:   n.Record.Timestamp.UTC().Format(time.RFC3339),
		DurationMs:  n.Record.Duration.Milliseconds(),
		Message:     n.Text(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRecordID, payload.RecordID)
	req.Header.Set(HeaderSignature, computeSignature(c.secret, body))

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	return Result{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
