package whatsapp

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Handler processes one message and returns the reply. ok is false when
// nothing should be sent.
type Handler interface {
	Handle(ctx context.Context, sender, text string) (reply string, ok bool)
}

// Sender delivers replies and read receipts. The real implementation is
// *Client.
type Sender interface {
	SendText(ctx context.Context, to, body string) ([]string, error)
	MarkRead(ctx context.Context, messageID string) error
}

// handleTimeout bounds how long a single inbound message may be
// processed (agent turn + reply send).
const handleTimeout = 5 * time.Minute

// seenLimit bounds the set of recently handled message IDs.
const seenLimit = 512

// limiterLimit bounds the number of per-sender limiters kept.
const limiterLimit = 64

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Sender  Sender
	Handler Handler
	// Accept reports whether a normalized sender may be handled at all.
	// Rejected senders are dropped before any per-sender state is kept.
	// Nil accepts everyone.
	Accept    func(sender string) bool
	Logger    *slog.Logger
	RateLimit int // per sender per minute; 0 = unlimited
}

// Bridge takes inbound messages off the webhook queue, runs them
// through the agent one at a time, and sends each reply.
type Bridge struct {
	sender    Sender
	handler   Handler
	accept    func(string) bool
	logger    *slog.Logger
	rateLimit int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	seen     map[string]struct{}
	seenLog  []string
}

// NewBridge creates a bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		sender:    cfg.Sender,
		handler:   cfg.Handler,
		accept:    cfg.Accept,
		logger:    logger,
		rateLimit: cfg.RateLimit,
		limiters:  make(map[string]*rate.Limiter),
		seen:      make(map[string]struct{}),
	}
}

// Start consumes messages until ctx is cancelled or the channel closes.
func (b *Bridge) Start(ctx context.Context, messages <-chan Inbound) {
	b.logger.Info("whatsapp bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("whatsapp bridge shutting down")
			return
		case msg, ok := <-messages:
			if !ok {
				b.logger.Info("whatsapp inbound channel closed, bridge stopping")
				return
			}
			if msg.From == "" || strings.TrimSpace(msg.Text) == "" {
				continue
			}
			if b.duplicate(msg.ID) {
				b.logger.Debug("whatsapp duplicate delivery ignored", "id", msg.ID)
				continue
			}
			sender := NormalizePhone(msg.From)
			if b.accept != nil && !b.accept(sender) {
				b.logger.Debug("whatsapp message from rejected sender dropped", "sender", sender)
				continue
			}
			if err := b.pace(ctx, sender); err != nil {
				b.logger.Info("whatsapp bridge shutting down")
				return
			}
			b.handleMessage(ctx, msg)
		}
	}
}

// handleMessage runs one message through the handler and sends at most
// one reply.
func (b *Bridge) handleMessage(ctx context.Context, msg Inbound) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	sender := NormalizePhone(msg.From)
	b.logger.Info("whatsapp message received",
		"sender", sender,
		"id", msg.ID,
		"message_len", len(msg.Text),
	)

	reply, ok := b.handler.Handle(ctx, sender, msg.Text)
	if !ok {
		return
	}

	// Best effort; only for messages we answer.
	if msg.ID != "" {
		if err := b.sender.MarkRead(ctx, msg.ID); err != nil {
			b.logger.Debug("whatsapp read receipt failed", "id", msg.ID, "error", err)
		}
	}

	// A timed-out turn still owes the user its reply.
	sendCtx := ctx
	if ctx.Err() != nil {
		var sendCancel context.CancelFunc
		sendCtx, sendCancel = context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer sendCancel()
	}

	if _, err := b.sender.SendText(sendCtx, msg.From, reply); err != nil {
		b.logger.Error("whatsapp reply send failed",
			"sender", sender,
			"error", err,
		)
		return
	}
	b.logger.Info("whatsapp reply sent",
		"sender", sender,
		"response_len", len(reply),
	)
}

// pace applies the per-sender rate limit. Messages over the limit are
// delayed, never dropped, so every accepted message still gets its
// reply. It fails only when ctx ends.
func (b *Bridge) pace(ctx context.Context, sender string) error {
	if b.rateLimit <= 0 {
		return nil
	}
	b.mu.Lock()
	lim, ok := b.limiters[sender]
	if !ok {
		if len(b.limiters) >= limiterLimit {
			clear(b.limiters)
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.rateLimit)), b.rateLimit)
		b.limiters[sender] = lim
	}
	b.mu.Unlock()

	if r := lim.Reserve(); r.OK() {
		if d := r.Delay(); d > 0 {
			b.logger.Warn("whatsapp sender over rate limit, delaying", "sender", sender, "delay", d.Round(time.Millisecond))
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				r.Cancel()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil
}

// duplicate records id and reports whether it was already seen.
func (b *Bridge) duplicate(id string) bool {
	if id == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[id]; ok {
		return true
	}
	b.seen[id] = struct{}{}
	b.seenLog = append(b.seenLog, id)
	if len(b.seenLog) > seenLimit {
		delete(b.seen, b.seenLog[0])
		b.seenLog = b.seenLog[1:]
	}
	return false
}

// NormalizePhone reduces a phone number to its digits so "+52 1 55
// 1234 5678" and "5215512345678" compare equal.
func NormalizePhone(phone string) string {
	var sb strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
