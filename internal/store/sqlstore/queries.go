package sqlstore

// Queries use '?' placeholders and are rebound for PostgreSQL.

const accountColumns = `id, name, credentials, trigger_time, timezone, enabled, created_at, updated_at`

const queryListAccounts = `
SELECT ` + accountColumns + `
FROM accounts
ORDER BY created_at ASC, name ASC
`

const queryGetAccount = `
SELECT ` + accountColumns + `
FROM accounts
WHERE id = ?
`

const queryInsertAccount = `
INSERT INTO accounts (` + accountColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

const queryUpdateAccount = `
UPDATE accounts
SET name = ?, credentials = ?, trigger_time = ?, timezone = ?, enabled = ?, updated_at = ?
WHERE id = ?
`

const queryDeleteAccount = `
DELETE FROM accounts WHERE id = ?
`

const queryInsertRecord = `
INSERT INTO execution_records (id, account_id, ts, outcome, detail, duration_ms, trigger_kind)
VALUES (?, ?, ?, ?, ?, ?, ?)
`

const queryHistory = `
SELECT id, account_id, ts, outcome, detail, duration_ms, trigger_kind
FROM execution_records
WHERE account_id = ?
ORDER BY ts DESC, seq DESC
LIMIT ?
`

const querySuccessRate = `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN outcome IN ('success', 'already_completed') THEN 1 ELSE 0 END), 0)
FROM execution_records
WHERE account_id = ?
  AND ts > ?
`

const notificationColumns = `enabled,
    telegram_enabled, telegram_bot_token, telegram_chat_id,
    wecom_enabled, wecom_webhook_key,
    webhook_enabled, webhook_url, webhook_secret`

const queryGetNotification = `
SELECT ` + notificationColumns + `
FROM notification_settings
WHERE id = 1
`

const queryUpsertNotification = `
INSERT INTO notification_settings (id, ` + notificationColumns + `, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    enabled = excluded.enabled,
    telegram_enabled = excluded.telegram_enabled,
    telegram_bot_token = excluded.telegram_bot_token,
    telegram_chat_id = excluded.telegram_chat_id,
    wecom_enabled = excluded.wecom_enabled,
    wecom_webhook_key = excluded.wecom_webhook_key,
    webhook_enabled = excluded.webhook_enabled,
    webhook_url = excluded.webhook_url,
    webhook_secret = excluded.webhook_secret,
    updated_at = excluded.updated_at
`

const querySeedNotification = `
INSERT INTO notification_settings (id, ` + notificationColumns + `, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING
`

const queryAccountCounts = `
SELECT COUNT(*), COALESCE(SUM(CASE WHEN enabled THEN 1 ELSE 0 END), 0)
FROM accounts
`

const queryRecordTotals = `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN outcome IN ('success', 'already_completed') THEN 1 ELSE 0 END), 0)
FROM execution_records
`

const queryRecordsSince = `
SELECT r.id, r.account_id, r.ts, r.outcome, r.detail, r.duration_ms, r.trigger_kind, a.name
FROM execution_records r
JOIN accounts a ON a.id = r.account_id
WHERE r.ts >= ?
ORDER BY r.ts DESC, r.seq DESC
`
