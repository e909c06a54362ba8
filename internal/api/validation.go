package api

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stsix/leaflow-auto-beta/internal/credential"
	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

const maxNameLength = 100

func validateCreateAccount(req CreateAccountRequest) (domain.Account, error) {
	a := domain.Account{
		Name:        strings.TrimSpace(req.Name),
		TriggerTime: domain.DefaultTriggerTime,
		Timezone:    strings.TrimSpace(req.Timezone),
		Enabled:     true,
	}

	if err := validateName(a.Name); err != nil {
		return domain.Account{}, err
	}

	if len(req.Credentials) == 0 {
		return domain.Account{}, fmt.Errorf("credentials are required")
	}
	creds, err := parseCredentials(req.Credentials)
	if err != nil {
		return domain.Account{}, err
	}
	a.Credentials = creds

	if req.TriggerTime != "" {
		if a.TriggerTime, err = domain.ParseTriggerTime(req.TriggerTime); err != nil {
			return domain.Account{}, fmt.Errorf("invalid trigger_time: %w", err)
		}
	}
	if err := validateTimezone(a.Timezone); err != nil {
		return domain.Account{}, fmt.Errorf("invalid timezone: %w", err)
	}
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	return a, nil
}

// applyUpdate returns a with the request's fields applied.
func applyUpdate(a domain.Account, req UpdateAccountRequest) (domain.Account, error) {
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if err := validateName(name); err != nil {
			return domain.Account{}, err
		}
		a.Name = name
	}
	if len(req.Credentials) > 0 && string(req.Credentials) != "null" {
		creds, err := parseCredentials(req.Credentials)
		if err != nil {
			return domain.Account{}, err
		}
		a.Credentials = creds
	}
	if req.TriggerTime != nil {
		tt, err := domain.ParseTriggerTime(*req.TriggerTime)
		if err != nil {
			return domain.Account{}, fmt.Errorf("invalid trigger_time: %w", err)
		}
		a.TriggerTime = tt
	}
	if req.Timezone != nil {
		tz := strings.TrimSpace(*req.Timezone)
		if err := validateTimezone(tz); err != nil {
			return domain.Account{}, fmt.Errorf("invalid timezone: %w", err)
		}
		a.Timezone = tz
	}
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	return a, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name exceeds %d characters", maxNameLength)
	}
	return nil
}

// parseCredentials accepts either a JSON string holding the raw credential
// text or a JSON object, and normalizes it. Errors wrap
// credential.ErrInvalidFormat.
func parseCredentials(raw json.RawMessage) (map[string]string, error) {
	text := string(raw)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		text = s
	}
	creds, err := credential.Normalize(text)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	return creds, nil
}

// validateTimezone accepts the empty string, meaning the engine default.
func validateTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	_, err := time.LoadLocation(tz)
	return err
}

func validateNotification(s NotificationSettings) error {
	if s.Telegram.Enabled && (s.Telegram.BotToken == "" || s.Telegram.ChatID == "") {
		return fmt.Errorf("telegram: bot_token and chat_id are required when enabled")
	}
	if s.WeCom.Enabled && s.WeCom.WebhookKey == "" {
		return fmt.Errorf("wecom: webhook_key is required when enabled")
	}
	if s.Webhook.Enabled || s.Webhook.URL != "" {
		if err := validateWebhookURL(s.Webhook.URL); err != nil {
			return fmt.Errorf("invalid webhook url: %w", err)
		}
	}
	return nil
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// parseWindow accepts Go durations and a whole-day form such as "7d".
func parseWindow(s string) (time.Duration, error) {
	if s == "" {
		return DefaultStatsWindow, nil
	}
	var d time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid window %q", s)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("invalid window %q", s)
		}
	}
	if d <= 0 || d > MaxStatsWindow {
		return 0, fmt.Errorf("window must be between 1s and %dd", int(MaxStatsWindow.Hours()/24))
	}
	return d, nil
}
