// Package classifier maps an HTTP response from the check-in site to one of
// the fixed outcomes. Classification is pure: no I/O, and identical input
// always yields identical output for a given rule set.
package classifier

import (
	"fmt"
	"html"
	"net/http"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

// DefaultSnippetLength is the maximum rune length of a diagnostic body snippet.
const DefaultSnippetLength = 200

// Response is the observable part of one HTTP exchange.
type Response struct {
	StatusCode int
	Body       []byte
	Err        error // transport failure; StatusCode and Body are ignored
}

// Result is a classified response.
type Result struct {
	Outcome domain.Outcome
	Detail  string
}

// Classifier holds a swappable rule set.
type Classifier struct {
	rules      atomic.Pointer[compiledRules]
	snippetLen int
	strip      *bluemonday.Policy
}

// New compiles rules into a Classifier.
func New(rules Rules) (*Classifier, error) {
	compiled, err := compile(rules)
	if err != nil {
		return nil, err
	}
	c := &Classifier{
		snippetLen: DefaultSnippetLength,
		strip:      bluemonday.StrictPolicy(),
	}
	c.rules.Store(compiled)
	return c, nil
}

// WithSnippetLength sets the maximum diagnostic snippet length.
func (c *Classifier) WithSnippetLength(n int) *Classifier {
	if n > 0 {
		c.snippetLen = n
	}
	return c
}

// SetRules atomically replaces the rule set.
func (c *Classifier) SetRules(rules Rules) error {
	compiled, err := compile(rules)
	if err != nil {
		return err
	}
	c.rules.Store(compiled)
	return nil
}

// Classify maps a response to an outcome.
func (c *Classifier) Classify(resp Response) Result {
	if resp.Err != nil {
		return Result{Outcome: domain.OutcomeNetworkError, Detail: resp.Err.Error()}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Result{
			Outcome: domain.OutcomeAuthRejected,
			Detail:  fmt.Sprintf("status %d", resp.StatusCode),
		}
	}

	rules := c.rules.Load()
	body := strings.ToLower(string(resp.Body))

	if anyMatch(rules.authExpired, body) {
		return Result{Outcome: domain.OutcomeAuthRejected, Detail: "session expired"}
	}
	if anyMatch(rules.alreadyCompleted, body) {
		return Result{Outcome: domain.OutcomeAlreadyCompleted, Detail: "already checked in today"}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && anyMatch(rules.success, body) {
		return Result{Outcome: domain.OutcomeSuccess, Detail: "check-in succeeded"}
	}

	return Result{
		Outcome: domain.OutcomeUnexpectedResponse,
		Detail:  fmt.Sprintf("status %d: %s", resp.StatusCode, c.snippet(resp.Body)),
	}
}

// snippet strips markup, collapses whitespace and truncates to snippetLen runes.
func (c *Classifier) snippet(body []byte) string {
	// The policy escapes the text it keeps; the detail is plain text.
	text := html.UnescapeString(c.strip.Sanitize(string(body)))
	s := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(s) <= c.snippetLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:c.snippetLen]) + "…"
}
