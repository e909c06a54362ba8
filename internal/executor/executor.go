// Package executor performs one check-in attempt for one account.
//
// Every call builds its own http.Client and cookie jar so credentials never
// leak between accounts. The executor does not retry, persist or touch
// scheduling state; it returns an ExecutionRecord and nothing else.
package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/stsix/leaflow-auto-beta/internal/classifier"
	"github.com/stsix/leaflow-auto-beta/internal/credential"
	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	DefaultMaxBodyBytes = 1 << 20
)

// Config describes the request sequence against the check-in site.
type Config struct {
	// PageURL is fetched first when non-empty.
	PageURL string
	// SubmitURL receives the check-in action.
	SubmitURL    string
	SubmitMethod string
	// SubmitBody is sent form-encoded when the method carries a body.
	SubmitBody string

	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

// Classifier maps a response to an outcome.
type Classifier interface {
	Classify(resp classifier.Response) classifier.Result
}

type Executor struct {
	cfg        Config
	classifier Classifier
	transport  http.RoundTripper
	clock      func() time.Time
}

func New(cfg Config, c Classifier) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.SubmitMethod == "" {
		cfg.SubmitMethod = http.MethodPost
	}
	return &Executor{
		cfg:        cfg,
		classifier: c,
		transport:  http.DefaultTransport,
		clock:      time.Now,
	}
}

// WithTransport replaces the HTTP transport. Used by tests.
func (e *Executor) WithTransport(rt http.RoundTripper) *Executor {
	e.transport = rt
	return e
}

// WithClock sets a custom clock function for testing.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// Execute runs the fetch and submit steps for account and classifies the
// result. The configured timeout bounds the whole sequence.
func (e *Executor) Execute(ctx context.Context, account domain.Account) domain.ExecutionRecord {
	start := e.clock()
	rec := domain.ExecutionRecord{
		ID:        uuid.New(),
		AccountID: account.ID,
		Timestamp: start,
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	result := e.run(ctx, account)
	rec.Outcome = result.Outcome
	rec.Detail = result.Detail
	rec.Duration = e.clock().Sub(start)
	return rec
}

func (e *Executor) run(ctx context.Context, account domain.Account) classifier.Result {
	client, err := e.newClient()
	if err != nil {
		return classifier.Result{Outcome: domain.OutcomeUnexpectedResponse, Detail: err.Error()}
	}

	if e.cfg.PageURL != "" {
		res := e.classifier.Classify(e.do(ctx, client, account.Credentials, http.MethodGet, e.cfg.PageURL, ""))
		if terminal(res.Outcome) {
			return res
		}
	}

	return e.classifier.Classify(e.do(ctx, client, account.Credentials, e.cfg.SubmitMethod, e.cfg.SubmitURL, e.cfg.SubmitBody))
}

func terminal(o domain.Outcome) bool {
	switch o {
	case domain.OutcomeAuthRejected, domain.OutcomeNetworkError, domain.OutcomeAlreadyCompleted:
		return true
	}
	return false
}

// newClient returns a client whose jar starts empty. The jar only holds
// cookies the site sets during this attempt; account credentials travel in
// the raw Cookie header so their bytes are never rewritten.
func (e *Executor) newClient() (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &http.Client{Transport: e.transport, Jar: jar}, nil
}

// credentialHeader renders the credentials the site has not overridden.
// The client appends the jar's cookies after it, so a cookie the site set
// earlier in the attempt wins over the stored value of the same name.
func credentialHeader(jar http.CookieJar, u *url.URL, credentials map[string]string) string {
	site := jar.Cookies(u)
	if len(site) == 0 {
		return credential.CookieHeader(credentials)
	}

	kept := make(map[string]string, len(credentials))
	for name, value := range credentials {
		kept[name] = value
	}
	for _, c := range site {
		delete(kept, c.Name)
	}
	return credential.CookieHeader(kept)
}

func (e *Executor) do(ctx context.Context, client *http.Client, credentials map[string]string, method, target, body string) classifier.Response {
	var reader io.Reader
	if body != "" && method != http.MethodGet {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return classifier.Response{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	if reader != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if header := credentialHeader(client.Jar, req.URL, credentials); header != "" {
		req.Header.Set("Cookie", header)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifier.Response{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	if err != nil {
		return classifier.Response{Err: fmt.Errorf("read body: %w", err)}
	}

	return classifier.Response{StatusCode: resp.StatusCode, Body: data}
}
