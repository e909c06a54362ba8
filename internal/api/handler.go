package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stsix/leaflow-auto-beta/internal/credential"
	"github.com/stsix/leaflow-auto-beta/internal/domain"
	"github.com/stsix/leaflow-auto-beta/internal/notifier"
	"github.com/stsix/leaflow-auto-beta/internal/scheduler"
	"github.com/stsix/leaflow-auto-beta/internal/store/sqlstore"
)

// History limits and stats window defaults.
const (
	DefaultLimit       = 50
	MaxLimit           = 1000
	DefaultStatsWindow = 7 * 24 * time.Hour
	MaxStatsWindow     = 365 * 24 * time.Hour
)

type Store interface {
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error)
	UpdateAccount(ctx context.Context, a domain.Account) (domain.Account, error)
	DeleteAccount(ctx context.Context, id string) error
	History(ctx context.Context, accountID string, limit int) ([]domain.ExecutionRecord, error)
	SuccessRate(ctx context.Context, accountID string, window time.Duration) (float64, error)
	Dashboard(ctx context.Context, loc *time.Location) (domain.Dashboard, error)
	GetNotificationConfig(ctx context.Context) (domain.NotificationConfig, error)
	SaveNotificationConfig(ctx context.Context, c domain.NotificationConfig) error
}

// Scheduler is the part of the schedule manager exposed over HTTP.
type Scheduler interface {
	TriggerManual(ctx context.Context, accountID string) (domain.ExecutionRecord, error)
	ScheduleState(ctx context.Context, accountID string) (domain.ScheduleState, error)
}

type Notifier interface {
	TestChannel(ctx context.Context, cc notifier.ChannelConfig) error
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// LeaderStatus reports whether this instance runs the scheduler.
type LeaderStatus interface {
	IsLeader() bool
}

// AnalyticsReader serves per-day outcome counts.
type AnalyticsReader interface {
	DailyCounts(ctx context.Context, accountID string, day time.Time) (map[domain.Outcome]int64, error)
}

type Handler struct {
	store     Store
	scheduler Scheduler
	notifier  Notifier
	db        HealthChecker
	leader    LeaderStatus
	analytics AnalyticsReader
	loc       *time.Location
}

func NewHandler(store Store, scheduler Scheduler, notifier Notifier) *Handler {
	return &Handler{store: store, scheduler: scheduler, notifier: notifier, loc: time.UTC}
}

// WithLocation sets the zone /dashboard cuts calendar days in.
func (h *Handler) WithLocation(loc *time.Location) *Handler {
	if loc != nil {
		h.loc = loc
	}
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithLeaderStatus adds leadership to verbose /health responses.
func (h *Handler) WithLeaderStatus(l LeaderStatus) *Handler {
	h.leader = l
	return h
}

// WithAnalytics enables GET /accounts/{id}/analytics.
func (h *Handler) WithAnalytics(a AnalyticsReader) *Handler {
	h.analytics = a
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	method := r.Method

	switch {
	case match(parts, "health") && method == http.MethodGet:
		h.health(w, r)

	case match(parts, "dashboard") && method == http.MethodGet:
		h.dashboard(w, r)

	case match(parts, "accounts") && method == http.MethodGet:
		h.listAccounts(w, r)

	case match(parts, "accounts") && method == http.MethodPost:
		h.createAccount(w, r)

	case match(parts, "accounts", "*") && method == http.MethodGet:
		h.getAccount(w, r, parts[1])

	case match(parts, "accounts", "*") && method == http.MethodPut:
		h.updateAccount(w, r, parts[1])

	case match(parts, "accounts", "*") && method == http.MethodDelete:
		h.deleteAccount(w, r, parts[1])

	case match(parts, "accounts", "*", "history") && method == http.MethodGet:
		h.history(w, r, parts[1])

	case match(parts, "accounts", "*", "stats") && method == http.MethodGet:
		h.stats(w, r, parts[1])

	case match(parts, "accounts", "*", "schedule") && method == http.MethodGet:
		h.schedule(w, r, parts[1])

	case match(parts, "accounts", "*", "analytics") && method == http.MethodGet:
		h.dailyCounts(w, r, parts[1])

	case match(parts, "accounts", "*", "checkin") && method == http.MethodPost:
		h.checkin(w, r, parts[1])

	case match(parts, "notification") && method == http.MethodGet:
		h.getNotification(w, r)

	case match(parts, "notification") && method == http.MethodPut:
		h.saveNotification(w, r)

	case match(parts, "notification", "test") && method == http.MethodPost:
		h.testNotification(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// match reports whether the path segments equal pattern; "*" matches any
// non-empty segment.
func match(parts []string, pattern ...string) bool {
	if len(parts) != len(pattern) {
		return false
	}
	for i, p := range pattern {
		if p == "*" {
			if parts[i] == "" {
				return false
			}
			continue
		}
		if parts[i] != p {
			return false
		}
	}
	return true
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Leader     *bool             `json:"leader,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}
	if h.leader != nil {
		leading := h.leader.IsLeader()
		resp.Leader = &leading
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components["database"] = "unhealthy: " + err.Error()
		} else {
			resp.Components["database"] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// decodeBody decodes the JSON request body into v, writing the error
// response itself when it fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("api: list accounts")
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}

	resp := ListAccountsResponse{Accounts: make([]AccountResponse, len(accounts))}
	for i, a := range accounts {
		resp.Accounts[i] = toAccountResponse(a)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	account, err := validateCreateAccount(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.store.CreateAccount(r.Context(), account)
	if err != nil {
		h.writeStoreError(w, err, "create account")
		return
	}

	log.Info().Str("account_id", created.ID).Str("name", created.Name).Msg("api: account created")
	writeJSON(w, http.StatusCreated, toAccountResponse(created))
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request, id string) {
	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get account")
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) updateAccount(w http.ResponseWriter, r *http.Request, id string) {
	var req UpdateAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	current, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get account")
		return
	}

	account, err := applyUpdate(current, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.store.UpdateAccount(r.Context(), account)
	if err != nil {
		h.writeStoreError(w, err, "update account")
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(updated))
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.DeleteAccount(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "delete account")
		return
	}
	log.Info().Str("account_id", id).Msg("api: account deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request, id string) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.store.GetAccount(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "get account")
		return
	}

	records, err := h.store.History(r.Context(), id, limit)
	if err != nil {
		log.Error().Err(err).Str("account_id", id).Msg("api: history")
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	resp := HistoryResponse{Records: make([]RecordResponse, len(records))}
	for i, rec := range records {
		resp.Records[i] = toRecordResponse(rec)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request, id string) {
	raw := r.URL.Query().Get("window")
	window, err := parseWindow(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if raw == "" {
		raw = "7d"
	}
	if _, err := h.store.GetAccount(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "get account")
		return
	}

	rate, err := h.store.SuccessRate(r.Context(), id, window)
	if err != nil {
		log.Error().Err(err).Str("account_id", id).Msg("api: success rate")
		writeError(w, http.StatusInternalServerError, "failed to compute success rate")
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{AccountID: id, Window: raw, SuccessRate: rate})
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.Dashboard(r.Context(), h.loc)
	if err != nil {
		log.Error().Err(err).Msg("api: dashboard")
		writeError(w, http.StatusInternalServerError, "failed to load dashboard")
		return
	}
	writeJSON(w, http.StatusOK, toDashboardResponse(d, h.loc))
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request, id string) {
	st, err := h.scheduler.ScheduleState(r.Context(), id)
	if err != nil {
		h.writeSchedulerError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(st))
}

func (h *Handler) checkin(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := h.scheduler.TriggerManual(r.Context(), id)
	if err != nil {
		h.writeSchedulerError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

func (h *Handler) dailyCounts(w http.ResponseWriter, r *http.Request, id string) {
	if h.analytics == nil {
		writeError(w, http.StatusNotFound, "analytics not enabled")
		return
	}

	day := time.Now().UTC()
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	counts, err := h.analytics.DailyCounts(r.Context(), id, day)
	if err != nil {
		log.Error().Err(err).Str("account_id", id).Msg("api: analytics")
		writeError(w, http.StatusInternalServerError, "failed to load analytics")
		return
	}

	resp := AnalyticsResponse{AccountID: id, Day: day.Format(time.DateOnly), Counts: make(map[string]int64, len(counts))}
	for o, n := range counts {
		resp.Counts[string(o)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getNotification(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetNotificationConfig(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("api: get notification config")
		writeError(w, http.StatusInternalServerError, "failed to load notification settings")
		return
	}
	writeJSON(w, http.StatusOK, toNotificationSettings(cfg))
}

func (h *Handler) saveNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationSettings
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateNotification(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.SaveNotificationConfig(r.Context(), req.toDomain()); err != nil {
		log.Error().Err(err).Msg("api: save notification config")
		writeError(w, http.StatusInternalServerError, "failed to save notification settings")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) testNotification(w http.ResponseWriter, r *http.Request) {
	var req TestNotificationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	stored, err := h.store.GetNotificationConfig(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("api: get notification config")
		writeError(w, http.StatusInternalServerError, "failed to load notification settings")
		return
	}

	cc := notifier.ChannelConfig{
		Kind:     req.Channel,
		Telegram: stored.Telegram,
		WeCom:    stored.WeCom,
		Webhook:  stored.Webhook,
	}
	if req.Telegram != nil {
		cc.Telegram = domain.TelegramConfig(*req.Telegram)
	}
	if req.WeCom != nil {
		cc.WeCom = domain.WeComConfig(*req.WeCom)
	}
	if req.Webhook != nil {
		cc.Webhook = domain.WebhookConfig(*req.Webhook)
	}

	if err := h.notifier.TestChannel(r.Context(), cc); err != nil {
		switch {
		case errors.Is(err, notifier.ErrUnknownChannel), errors.Is(err, notifier.ErrChannelNotConfigured):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Warn().Err(err).Str("channel", req.Channel).Msg("api: test notification failed")
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "sent"})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, sqlstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, sqlstore.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, credential.ErrInvalidFormat):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("api: " + op)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func (h *Handler) writeSchedulerError(w http.ResponseWriter, err error, id string) {
	switch {
	case errors.Is(err, scheduler.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNotLeader):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, scheduler.ErrAccountDisabled), errors.Is(err, scheduler.ErrNoCredentials):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Error().Err(err).Str("account_id", id).Msg("api: scheduler")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("api: json encode")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parseLimit extracts and validates the limit query parameter.
// Returns DefaultLimit if limit is not specified or zero.
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return DefaultLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, err
	}
	if limit < 0 {
		return 0, strconv.ErrRange
	}
	if limit > MaxLimit {
		return 0, &limitExceededError{max: MaxLimit}
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	return limit, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
