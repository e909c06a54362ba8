package notifier

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

// Notice is everything a channel may render for one outcome.
type Notice struct {
	Account domain.Account
	Record  domain.ExecutionRecord
	Title   string
	Body    string
}

// Text returns the plain-text rendering used by chat channels.
func (n Notice) Text() string {
	return n.Title + "\n" + n.Body
}

// Channel delivers a notice to one destination.
type Channel interface {
	// Name is the channel kind used in logs and metric labels.
	Name() string
	// Key identifies the destination for the circuit breaker.
	Key() string
	Send(ctx context.Context, n Notice) Result
}

// Result is the outcome of one send attempt.
type Result struct {
	StatusCode int
	Error      error
	// APIError is set when the destination answered but refused the message.
	APIError string
	Duration time.Duration
}

func (r Result) IsSuccess() bool {
	return r.Error == nil && r.APIError == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r Result) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return r.StatusCode >= 500
}

// Err converts a failed result into an error.
func (r Result) Err() error {
	switch {
	case r.IsSuccess():
		return nil
	case r.Error != nil:
		return r.Error
	case r.APIError != "":
		return fmt.Errorf("status %d: %s", r.StatusCode, r.APIError)
	default:
		return fmt.Errorf("unexpected status %d", r.StatusCode)
	}
}

// Endpoints holds the base URLs of the hosted channel APIs.
type Endpoints struct {
	TelegramBaseURL string
	WeComBaseURL    string
}

// DefaultEndpoints are the public API hosts.
var DefaultEndpoints = Endpoints{
	TelegramBaseURL: "https://api.telegram.org",
	WeComBaseURL:    "https://qyapi.weixin.qq.com",
}
