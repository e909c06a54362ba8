package notifier

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

var outcomeLabels = map[domain.Outcome]string{
	domain.OutcomeSuccess:            "✅ Check-in succeeded",
	domain.OutcomeAlreadyCompleted:   "✅ Already checked in today",
	domain.OutcomeAuthRejected:       "❌ Session rejected, update the cookies",
	domain.OutcomeNetworkError:       "❌ Network error",
	domain.OutcomeUnexpectedResponse: "❌ Unexpected response",
}

// Format renders the notice for an outcome. Timestamps use the account's
// timezone when it is set and valid.
func Format(account domain.Account, rec domain.ExecutionRecord) Notice {
	loc := time.UTC
	if account.Timezone != "" {
		if l, err := time.LoadLocation(account.Timezone); err == nil {
			loc = l
		}
	}

	label, ok := outcomeLabels[rec.Outcome]
	if !ok {
		label = string(rec.Outcome)
	}

	var b strings.Builder
	b.WriteString(label)
	if rec.Trigger == domain.TriggerManual {
		b.WriteString(" (manual)")
	}
	b.WriteString("\n")
	b.WriteString(rec.Timestamp.In(loc).Format("2006-01-02 15:04:05 MST"))
	if rec.Detail != "" {
		b.WriteString("\n")
		b.WriteString(rec.Detail)
	}

	return Notice{
		Account: account,
		Record:  rec,
		Title:   fmt.Sprintf("LeafLow Check-in: %s", account.Name),
		Body:    b.String(),
	}
}

// redact removes secret from err's text. Bot tokens and robot keys travel in
// request URLs, which net/http echoes into transport errors.
func redact(err error, secret string) error {
	if err == nil || secret == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, secret) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, secret, "***"))
}
