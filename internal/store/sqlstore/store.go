// Package sqlstore persists accounts, execution records and notification
// settings over database/sql. The same queries serve SQLite and PostgreSQL;
// timestamps are stored as unix milliseconds so both backends compare them
// identically.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stsix/leaflow-auto-beta/internal/credential"
	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateName = errors.New("account name already exists")

	errUndecodable = errors.New("undecodable account row")
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

type Store struct {
	db        *sql.DB
	dialect   Dialect
	clock     func() time.Time
	opTimeout time.Duration
}

// New creates a store over an already migrated database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, clock: time.Now}
}

// WithClock sets a custom clock function for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithOpTimeout bounds every database operation. Zero leaves the caller's
// context unchanged.
func (s *Store) WithOpTimeout(d time.Duration) *Store {
	s.opTimeout = d
	return s
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append persists rec. It returns once the insert has committed.
func (s *Store) Append(ctx context.Context, rec domain.ExecutionRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, s.q(queryInsertRecord),
		rec.ID.String(),
		rec.AccountID,
		toMillis(rec.Timestamp),
		string(rec.Outcome),
		rec.Detail,
		rec.Duration.Milliseconds(),
		string(rec.Trigger),
	)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Latest returns the most recent record for accountID, or nil when the
// account has none.
func (s *Store) Latest(ctx context.Context, accountID string) (*domain.ExecutionRecord, error) {
	recs, err := s.History(ctx, accountID, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// History returns up to limit records, most recent first.
func (s *Store) History(ctx context.Context, accountID string, limit int) ([]domain.ExecutionRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(queryHistory), accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var result []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// SuccessRate returns the fraction of Success and AlreadyCompleted records
// newer than now minus window. It is 0 when there are no such records.
func (s *Store) SuccessRate(ctx context.Context, accountID string, window time.Duration) (float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cutoff := s.clock().Add(-window)

	var total, positive int64
	err := s.db.QueryRowContext(ctx, s.q(querySuccessRate), accountID, toMillis(cutoff)).Scan(&total, &positive)
	if err != nil {
		return 0, fmt.Errorf("query success rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(positive) / float64(total), nil
}

// Dashboard aggregates activity across all accounts. Calendar days are cut in
// loc; Days covers today and the domain.DashboardDays-1 days before it.
func (s *Store) Dashboard(ctx context.Context, loc *time.Location) (domain.Dashboard, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var d domain.Dashboard
	if err := s.db.QueryRowContext(ctx, s.q(queryAccountCounts)).Scan(&d.TotalAccounts, &d.EnabledAccounts); err != nil {
		return domain.Dashboard{}, fmt.Errorf("count accounts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, s.q(queryRecordTotals)).Scan(&d.TotalRecords, &d.PositiveRecords); err != nil {
		return domain.Dashboard{}, fmt.Errorf("count records: %w", err)
	}

	now := s.clock().In(loc)
	y, m, day := now.Date()
	today := time.Date(y, m, day, 0, 0, 0, 0, loc)

	d.Days = make([]domain.DayTotals, domain.DashboardDays)
	for i := range d.Days {
		d.Days[i].Day = today.AddDate(0, 0, i-(domain.DashboardDays-1))
	}

	rows, err := s.db.QueryContext(ctx, s.q(queryRecordsSince), toMillis(d.Days[0].Day))
	if err != nil {
		return domain.Dashboard{}, fmt.Errorf("query recent records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		rec, err := scanRecord(rows, &name)
		if err != nil {
			return domain.Dashboard{}, err
		}
		if !rec.Timestamp.Before(today) {
			d.Today = append(d.Today, domain.DashboardEntry{AccountName: name, Record: rec})
		}
		for i := len(d.Days) - 1; i >= 0; i-- {
			if rec.Timestamp.Before(d.Days[i].Day) {
				continue
			}
			d.Days[i].Total++
			if rec.Outcome.Positive() {
				d.Days[i].Positive++
			}
			break
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Dashboard{}, err
	}

	return d, nil
}

// ListAccounts returns every account, oldest first. Rows that fail to decode
// are logged and left out.
func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q(queryListAccounts))
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var result []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if errors.Is(err, errUndecodable) {
			log.Warn().Err(err).Msg("store: skipping account row")
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// GetAccount returns ErrNotFound if no account has the given id.
func (s *Store) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	a, err := scanAccount(s.db.QueryRowContext(ctx, s.q(queryGetAccount), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, ErrNotFound
	}
	if err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// CreateAccount inserts a, assigning an ID and timestamps when unset.
func (s *Store) CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.clock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	creds, err := encodeCredentials(a.Credentials)
	if err != nil {
		return domain.Account{}, err
	}

	_, err = s.db.ExecContext(ctx, s.q(queryInsertAccount),
		a.ID,
		a.Name,
		creds,
		a.TriggerTime.String(),
		a.Timezone,
		a.Enabled,
		toMillis(a.CreatedAt),
		toMillis(a.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.Account{}, ErrDuplicateName
		}
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return a, nil
}

// UpdateAccount replaces the mutable fields of an existing account.
func (s *Store) UpdateAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	a.UpdatedAt = s.clock()

	creds, err := encodeCredentials(a.Credentials)
	if err != nil {
		return domain.Account{}, err
	}

	res, err := s.db.ExecContext(ctx, s.q(queryUpdateAccount),
		a.Name,
		creds,
		a.TriggerTime.String(),
		a.Timezone,
		a.Enabled,
		toMillis(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.Account{}, ErrDuplicateName
		}
		return domain.Account{}, fmt.Errorf("update account: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return domain.Account{}, err
	}
	if n == 0 {
		return domain.Account{}, ErrNotFound
	}
	return s.GetAccount(ctx, a.ID)
}

// DeleteAccount removes the account and, by cascade, its records.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.q(queryDeleteAccount), id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetNotificationConfig returns the stored settings, or the zero config when
// none have been saved.
func (s *Store) GetNotificationConfig(ctx context.Context) (domain.NotificationConfig, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var c domain.NotificationConfig
	err := s.db.QueryRowContext(ctx, s.q(queryGetNotification)).Scan(
		&c.Enabled,
		&c.Telegram.Enabled,
		&c.Telegram.BotToken,
		&c.Telegram.ChatID,
		&c.WeCom.Enabled,
		&c.WeCom.WebhookKey,
		&c.Webhook.Enabled,
		&c.Webhook.URL,
		&c.Webhook.Secret,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotificationConfig{}, nil
	}
	if err != nil {
		return domain.NotificationConfig{}, fmt.Errorf("get notification config: %w", err)
	}
	return c, nil
}

// SaveNotificationConfig replaces the stored settings.
func (s *Store) SaveNotificationConfig(ctx context.Context, c domain.NotificationConfig) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.q(queryUpsertNotification), notificationArgs(c, s.clock())...); err != nil {
		return fmt.Errorf("save notification config: %w", err)
	}
	return nil
}

// SeedNotificationConfig stores c only if no settings exist yet.
func (s *Store) SeedNotificationConfig(ctx context.Context, c domain.NotificationConfig) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.q(querySeedNotification), notificationArgs(c, s.clock())...); err != nil {
		return fmt.Errorf("seed notification config: %w", err)
	}
	return nil
}

func notificationArgs(c domain.NotificationConfig, now time.Time) []any {
	return []any{
		c.Enabled,
		c.Telegram.Enabled,
		c.Telegram.BotToken,
		c.Telegram.ChatID,
		c.WeCom.Enabled,
		c.WeCom.WebhookKey,
		c.Webhook.Enabled,
		c.Webhook.URL,
		c.Webhook.Secret,
		toMillis(now),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var a domain.Account
	var creds, trigger string
	var createdAt, updatedAt int64

	err := row.Scan(&a.ID, &a.Name, &creds, &trigger, &a.Timezone, &a.Enabled, &createdAt, &updatedAt)
	if err != nil {
		return domain.Account{}, err
	}

	a.Credentials, err = decodeCredentials(creds)
	if err != nil {
		return domain.Account{}, fmt.Errorf("account %s: %w: %w", a.ID, errUndecodable, err)
	}
	a.TriggerTime, err = domain.ParseTriggerTime(trigger)
	if err != nil {
		return domain.Account{}, fmt.Errorf("account %s: %w: %w", a.ID, errUndecodable, err)
	}
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return a, nil
}

// scanRecord reads the record columns followed by any extra destinations.
func scanRecord(row rowScanner, extra ...any) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var id, outcome, trigger string
	var ts, durationMs int64

	dest := append([]any{&id, &rec.AccountID, &ts, &outcome, &rec.Detail, &durationMs, &trigger}, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.ExecutionRecord{}, err
	}

	var err error
	rec.ID, err = uuid.Parse(id)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("record id %q: %w", id, err)
	}
	rec.Timestamp = fromMillis(ts)
	rec.Outcome = domain.Outcome(outcome)
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.Trigger = domain.TriggerKind(trigger)
	return rec, nil
}

func encodeCredentials(c map[string]string) (string, error) {
	if c == nil {
		c = map[string]string{}
	}
	return credential.Serialize(c)
}

func decodeCredentials(s string) (map[string]string, error) {
	var doc struct {
		Cookies map[string]string `json:"cookies"`
	}
	if s == "" {
		return map[string]string{}, nil
	}
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if doc.Cookies == nil {
		doc.Cookies = map[string]string{}
	}
	return doc.Cookies, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// isDuplicateKeyError matches unique violations from both lib/pq and
// modernc sqlite.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
