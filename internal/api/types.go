package api

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

// CreateAccountRequest creates an account. Credentials may be a JSON object
// (optionally with a nested "cookies" map) or a raw cookie string.
type CreateAccountRequest struct {
	Name        string          `json:"name"`
	Credentials json.RawMessage `json:"credentials"`
	TriggerTime string          `json:"trigger_time,omitempty"` // default 01:00
	Timezone    string          `json:"timezone,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"` // default true
}

// UpdateAccountRequest changes only the fields that are present.
type UpdateAccountRequest struct {
	Name        *string         `json:"name,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	TriggerTime *string         `json:"trigger_time,omitempty"`
	Timezone    *string         `json:"timezone,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
}

// AccountResponse never carries credential values, only cookie names.
type AccountResponse struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	CredentialNames []string `json:"credential_names"`
	TriggerTime     string   `json:"trigger_time"`
	Timezone        string   `json:"timezone,omitempty"`
	Enabled         bool     `json:"enabled"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

type ListAccountsResponse struct {
	Accounts []AccountResponse `json:"accounts"`
}

type RecordResponse struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	Timestamp  string `json:"timestamp"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Trigger    string `json:"trigger"`
}

type HistoryResponse struct {
	Records []RecordResponse `json:"records"`
}

type StatsResponse struct {
	AccountID   string  `json:"account_id"`
	Window      string  `json:"window"`
	SuccessRate float64 `json:"success_rate"`
}

// DashboardResponse summarizes activity across every account. SuccessRate is
// a fraction in [0, 1] like StatsResponse.
type DashboardResponse struct {
	TotalAccounts      int                `json:"total_accounts"`
	EnabledAccounts    int                `json:"enabled_accounts"`
	TodayCheckins      []DashboardCheckin `json:"today_checkins"`
	TotalCheckins      int64              `json:"total_checkins"`
	SuccessfulCheckins int64              `json:"successful_checkins"`
	SuccessRate        float64            `json:"success_rate"`
	RecentHistory      []DayTotals        `json:"recent_history"`
}

type DashboardCheckin struct {
	AccountName string `json:"account_name"`
	RecordResponse
}

type DayTotals struct {
	Date       string `json:"date"`
	Total      int64  `json:"total"`
	Successful int64  `json:"successful"`
}

type ScheduleResponse struct {
	AccountID     string  `json:"account_id"`
	NextDue       string  `json:"next_due"`
	Due           bool    `json:"due"`
	Running       bool    `json:"running"`
	RunningSince  *string `json:"running_since,omitempty"`
	LastAttemptAt *string `json:"last_attempt_at,omitempty"`
	LastOutcome   string  `json:"last_outcome,omitempty"`
}

type AnalyticsResponse struct {
	AccountID string           `json:"account_id"`
	Day       string           `json:"day"`
	Counts    map[string]int64 `json:"counts"`
}

// NotificationSettings is the wire form of domain.NotificationConfig.
type NotificationSettings struct {
	Enabled  bool             `json:"enabled"`
	Telegram TelegramSettings `json:"telegram"`
	WeCom    WeComSettings    `json:"wecom"`
	Webhook  WebhookSettings  `json:"webhook"`
}

type TelegramSettings struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type WeComSettings struct {
	Enabled    bool   `json:"enabled"`
	WebhookKey string `json:"webhook_key"`
}

type WebhookSettings struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"`
}

// TestNotificationRequest selects one channel to test. Settings for the
// channel are taken from the request when given, otherwise from storage.
type TestNotificationRequest struct {
	Channel  string            `json:"channel"`
	Telegram *TelegramSettings `json:"telegram,omitempty"`
	WeCom    *WeComSettings    `json:"wecom,omitempty"`
	Webhook  *WebhookSettings  `json:"webhook,omitempty"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toAccountResponse(a domain.Account) AccountResponse {
	names := make([]string, 0, len(a.Credentials))
	for name := range a.Credentials {
		names = append(names, name)
	}
	sort.Strings(names)

	return AccountResponse{
		ID:              a.ID,
		Name:            a.Name,
		CredentialNames: names,
		TriggerTime:     a.TriggerTime.String(),
		Timezone:        a.Timezone,
		Enabled:         a.Enabled,
		CreatedAt:       formatTime(a.CreatedAt),
		UpdatedAt:       formatTime(a.UpdatedAt),
	}
}

func toRecordResponse(rec domain.ExecutionRecord) RecordResponse {
	return RecordResponse{
		ID:         rec.ID.String(),
		AccountID:  rec.AccountID,
		Timestamp:  formatTime(rec.Timestamp),
		Outcome:    string(rec.Outcome),
		Detail:     rec.Detail,
		DurationMS: rec.Duration.Milliseconds(),
		Trigger:    string(rec.Trigger),
	}
}

func toDashboardResponse(d domain.Dashboard, loc *time.Location) DashboardResponse {
	resp := DashboardResponse{
		TotalAccounts:      d.TotalAccounts,
		EnabledAccounts:    d.EnabledAccounts,
		TodayCheckins:      make([]DashboardCheckin, len(d.Today)),
		TotalCheckins:      d.TotalRecords,
		SuccessfulCheckins: d.PositiveRecords,
		SuccessRate:        d.SuccessRate(),
		RecentHistory:      make([]DayTotals, len(d.Days)),
	}
	for i, e := range d.Today {
		resp.TodayCheckins[i] = DashboardCheckin{AccountName: e.AccountName, RecordResponse: toRecordResponse(e.Record)}
	}
	for i, day := range d.Days {
		resp.RecentHistory[i] = DayTotals{
			Date:       day.Day.In(loc).Format(time.DateOnly),
			Total:      day.Total,
			Successful: day.Positive,
		}
	}
	return resp
}

func toScheduleResponse(st domain.ScheduleState) ScheduleResponse {
	return ScheduleResponse{
		AccountID:     st.AccountID,
		NextDue:       formatTime(st.NextDueAt),
		Due:           st.Due,
		Running:       st.Running,
		RunningSince:  formatTimePtr(st.RunningSince),
		LastAttemptAt: formatTimePtr(st.LastAttemptAt),
		LastOutcome:   string(st.LastOutcome),
	}
}

func toNotificationSettings(c domain.NotificationConfig) NotificationSettings {
	return NotificationSettings{
		Enabled:  c.Enabled,
		Telegram: TelegramSettings(c.Telegram),
		WeCom:    WeComSettings(c.WeCom),
		Webhook:  WebhookSettings(c.Webhook),
	}
}

func (s NotificationSettings) toDomain() domain.NotificationConfig {
	return domain.NotificationConfig{
		Enabled:  s.Enabled,
		Telegram: domain.TelegramConfig(s.Telegram),
		WeCom:    domain.WeComConfig(s.WeCom),
		Webhook:  domain.WebhookConfig(s.Webhook),
	}
}
