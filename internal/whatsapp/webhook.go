package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// maxWebhookBody bounds the webhook body read.
const maxWebhookBody = 1 << 20

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	VerifyToken string
	// AppSecret enables signature checking when set.
	AppSecret string
	// QueueSize is the inbound buffer; 0 means 64.
	QueueSize int
	Logger    *slog.Logger
}

// Webhook receives Cloud API webhook calls and queues text messages.
type Webhook struct {
	verifyToken string
	appSecret   []byte
	queue       chan Inbound
	logger      *slog.Logger
}

// NewWebhook creates a webhook receiver.
func NewWebhook(cfg WebhookConfig) *Webhook {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	var secret []byte
	if cfg.AppSecret != "" {
		secret = []byte(cfg.AppSecret)
	}
	return &Webhook{
		verifyToken: cfg.VerifyToken,
		appSecret:   secret,
		queue:       make(chan Inbound, size),
		logger:      logger,
	}
}

// Messages returns the inbound queue.
func (w *Webhook) Messages() <-chan Inbound {
	return w.queue
}

// ServeHTTP handles verification (GET) and deliveries (POST).
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.verify(rw, r)
	case http.MethodPost:
		w.receive(rw, r)
	default:
		rw.Header().Set("Allow", "GET, POST")
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (w *Webhook) verify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || w.verifyToken == "" ||
		!hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(w.verifyToken)) {
		w.logger.Warn("webhook verification rejected", "mode", q.Get("hub.mode"), "remote", r.RemoteAddr)
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	w.logger.Info("webhook verified")
	rw.Header().Set("Content-Type", "text/plain")
	io.WriteString(rw, q.Get("hub.challenge"))
}

func (w *Webhook) receive(rw http.ResponseWriter, r *http.Request) {
	delivery := uuid.NewString()
	log := w.logger.With("delivery", delivery)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Warn("webhook body read failed", "error", err)
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}

	if w.appSecret != nil && !VerifySignature(w.appSecret, body, r.Header.Get(SignatureHeader)) {
		log.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		http.Error(rw, "invalid signature", http.StatusUnauthorized)
		return
	}

	msgs, err := ParseWebhook(body)
	if err != nil {
		log.Warn("webhook payload rejected", "error", err)
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}

	for _, m := range msgs {
		select {
		case w.queue <- m:
			log.Debug("inbound message queued", "id", m.ID, "from", m.From)
		default:
			// Meta redelivers on non-2xx; the bridge drops duplicates.
			log.Warn("inbound queue full, asking for redelivery", "id", m.ID)
			http.Error(rw, "busy", http.StatusServiceUnavailable)
			return
		}
	}
	rw.WriteHeader(http.StatusOK)
}

// VerifySignature checks a "sha256=<hex>" header against the HMAC of
// body under secret.
func VerifySignature(secret, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body. Used by tests and
// local tooling that replays webhooks.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhook extracts text messages from a webhook body. Status
// updates and non-text messages are skipped.
func ParseWebhook(body []byte) ([]Inbound, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if p.Object != "" && p.Object != "whatsapp_business_account" {
		return nil, fmt.Errorf("unexpected webhook object %q", p.Object)
	}

	var out []Inbound
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			names := make(map[string]string, len(c.Value.Contacts))
			for _, ct := range c.Value.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}
			for _, m := range c.Value.Messages {
				if m.Type != "text" || m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
					continue
				}
				out = append(out, Inbound{
					From:      m.From,
					Name:      names[m.From],
					ID:        m.ID,
					Timestamp: m.time(),
					Text:      m.Text.Body,
				})
			}
		}
	}
	return out, nil
}
