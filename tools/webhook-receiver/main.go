// Command webhook-receiver is a local sink for the generic webhook channel.
// It verifies X-Checkin-Signature when WEBHOOK_SECRET is set and keeps the
// most recent deliveries for inspection at /stats.
package main

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stsix/leaflow-auto-beta/internal/notifier"
)

const (
	maxStored   = 50
	maxBodySize = 1 << 20
)

type delivery struct {
	ReceivedAt string                  `json:"received_at"`
	RecordID   string                  `json:"record_id"`
	Verified   bool                    `json:"verified"`
	Payload    notifier.WebhookPayload `json:"payload"`
}

type stats struct {
	Count    int64      `json:"count"`
	Rejected int64      `json:"rejected"`
	Since    string     `json:"since"`
	Last     []delivery `json:"last_deliveries"`
}

type receiver struct {
	secret string
	now    func() time.Time

	mu       sync.Mutex
	count    int64
	rejected int64
	last     []delivery
	since    time.Time
}

func newReceiver(secret string) *receiver {
	r := &receiver{secret: secret, now: time.Now}
	r.since = r.now().UTC()
	return r
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", rc.hook)
	mux.HandleFunc("/stats", rc.stats)
	mux.HandleFunc("/reset", rc.reset)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}

func (rc *receiver) hook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	verified := false
	if rc.secret != "" {
		if !notifier.VerifySignature(rc.secret, body, r.Header.Get(notifier.HeaderSignature)) {
			rc.mu.Lock()
			rc.rejected++
			rc.mu.Unlock()
			log.Warn().Str("record_id", r.Header.Get(notifier.HeaderRecordID)).Msg("webhook-receiver: bad signature")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		verified = true
	}

	var payload notifier.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	d := delivery{
		ReceivedAt: rc.now().UTC().Format(time.RFC3339Nano),
		RecordID:   r.Header.Get(notifier.HeaderRecordID),
		Verified:   verified,
		Payload:    payload,
	}

	rc.mu.Lock()
	rc.count++
	rc.last = append(rc.last, d)
	if len(rc.last) > maxStored {
		rc.last = rc.last[len(rc.last)-maxStored:]
	}
	current := rc.count
	rc.mu.Unlock()

	log.Info().
		Int64("n", current).
		Str("account", payload.AccountName).
		Str("outcome", payload.Outcome).
		Bool("verified", verified).
		Msg("webhook-receiver: delivery")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{"received": current})
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:    rc.count,
		Rejected: rc.rejected,
		Since:    rc.since.Format(time.RFC3339),
		Last:     append([]delivery(nil), rc.last...),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

func (rc *receiver) reset(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	rc.count = 0
	rc.rejected = 0
	rc.last = nil
	rc.since = rc.now().UTC()
	rc.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "reset\n")
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	rc := newReceiver(os.Getenv("WEBHOOK_SECRET"))
	log.Info().Str("addr", addr).Bool("verify", rc.secret != "").Msg("webhook-receiver: listening")

	srv := &http.Server{Addr: addr, Handler: rc.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("webhook-receiver: server failed")
	}
}
