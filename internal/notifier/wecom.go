package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// weComChannel posts to a WeCom group-robot webhook.
type weComChannel struct {
	client  *http.Client
	baseURL string
	key     string
}

func (c *weComChannel) Name() string { return "wecom" }
func (c *weComChannel) Key() string  { return "wecom:" + c.key }

type weComRequest struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

type weComResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (c *weComChannel) Send(ctx context.Context, n Notice) Result {
	start := time.Now()

	msg := weComRequest{MsgType: "text"}
	msg.Text.Content = n.Text()
	body, err := json.Marshal(msg)
	if err != nil {
		return Result{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	target := c.baseURL + "/cgi-bin/webhook/send?key=" + url.QueryEscape(c.key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Error: fmt.Errorf("send wecom: %w", redact(err, c.key)), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	// WeCom answers 200 even for rejected messages; errcode carries the verdict.
	result := Result{StatusCode: resp.StatusCode}
	var wr weComResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &wr) == nil && wr.ErrCode != 0 {
		result.APIError = fmt.Sprintf("errcode %d: %s", wr.ErrCode, wr.ErrMsg)
	}
	result.Duration = time.Since(start)
	return result
}
