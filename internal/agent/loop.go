// Package agent implements the orchestration loop: one inbound message
// in, one reply out, with bounded self-correcting tool calls in between.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fpagent/fpagent/internal/conversation"
	"github.com/fpagent/fpagent/internal/decision"
	"github.com/fpagent/fpagent/internal/gateway"
	"github.com/fpagent/fpagent/internal/ledger"
	"github.com/fpagent/fpagent/internal/prompts"
)

// Decider chooses the model's next move for a message list.
type Decider interface {
	Decide(ctx context.Context, messages []conversation.Message) decision.Decision
}

// Gateway runs a tool call against the ledger.
type Gateway interface {
	Invoke(ctx context.Context, s *gateway.Session, tool string, args map[string]any) gateway.Outcome
}

// ReferenceSource supplies the live lookup lists for the system prompt.
type ReferenceSource interface {
	Reference(ctx context.Context) (*ledger.Reference, error)
	Invalidate()
}

// Defaults applied by [New] for zero Config fields.
const (
	DefaultMaxAttempts = 3
	DefaultExpiry      = 30 * time.Minute
	DefaultQueryTool   = "run_query_json"
)

// Config wires a Loop.
type Config struct {
	// AuthorizedUser is the only sender the loop answers.
	AuthorizedUser string

	QueryTool          string
	MaxAttempts        int
	Expiry             time.Duration
	MaxHistoryMessages int
	MaxHistoryChars    int

	Decider   Decider
	Gateway   Gateway
	Store     conversation.Store
	Reference ReferenceSource // optional
	Observer  Observer        // optional
	Logger    *slog.Logger

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Loop processes inbound messages for the authorized user.
type Loop struct {
	authorized  string
	tool        string
	maxAttempts int
	expiry      time.Duration
	maxMessages int
	maxChars    int

	decider  Decider
	gateway  Gateway
	store    conversation.Store
	ref      ReferenceSource
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New validates cfg and creates a Loop.
func New(cfg Config) (*Loop, error) {
	var errs []error
	if cfg.AuthorizedUser == "" {
		errs = append(errs, errors.New("authorized user is required"))
	}
	if cfg.Decider == nil {
		errs = append(errs, errors.New("decider is required"))
	}
	if cfg.Gateway == nil {
		errs = append(errs, errors.New("gateway is required"))
	}
	if cfg.Store == nil {
		errs = append(errs, errors.New("conversation store is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.QueryTool == "" {
		cfg.QueryTool = DefaultQueryTool
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Loop{
		authorized:  cfg.AuthorizedUser,
		tool:        cfg.QueryTool,
		maxAttempts: cfg.MaxAttempts,
		expiry:      cfg.Expiry,
		maxMessages: cfg.MaxHistoryMessages,
		maxChars:    cfg.MaxHistoryChars,
		decider:     cfg.Decider,
		gateway:     cfg.Gateway,
		store:       cfg.Store,
		ref:         cfg.Reference,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		now:         cfg.Now,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// IsReset reports whether text is the reset control message.
func IsReset(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), prompts.ResetCommand)
}

// Authorized reports whether sender is the user this loop serves.
func (l *Loop) Authorized(sender string) bool {
	return sender == l.authorized
}

// Handle processes one inbound message and returns the reply to send.
// ok is false only when the sender is not authorized, in which case
// nothing is sent and no state changes. Handle never fails otherwise:
// every error path ends in a reply.
func (l *Loop) Handle(ctx context.Context, sender, text string) (reply string, ok bool) {
	if !l.Authorized(sender) {
		l.logger.Warn("dropping message from unauthorized sender", "sender", sender)
		return "", false
	}

	unlock := l.lock(sender)
	defer unlock()

	start := l.now()
	report := TurnReport{
		ID:      uuid.NewString(),
		User:    sender,
		Started: start,
	}
	log := l.logger.With("turn", report.ID)

	state, err := l.store.Load(ctx, sender)
	if err != nil {
		log.Warn("conversation load failed, starting fresh", "error", err)
		state = &conversation.State{UserID: sender}
	}

	if IsReset(text) {
		state.Reset()
		if err := l.store.Reset(ctx, sender); err != nil {
			log.Warn("conversation reset failed", "error", err)
		}
		log.Info("conversation reset")
		report.Disposition = DispositionReset
		l.finish(ctx, &report)
		return prompts.ResetReply, true
	}

	if state.ExpireIfIdle(start, l.expiry) {
		log.Info("conversation expired, history cleared",
			"idle", start.Sub(state.LastInteraction).Round(time.Second))
	}
	history := conversation.Cap(state.History, l.maxMessages, l.maxChars)

	messages := make([]conversation.Message, 0, len(history)+2)
	messages = append(messages, conversation.Message{
		Role:    conversation.RoleSystem,
		Content: l.systemPrompt(ctx, start, log),
	})
	messages = append(messages, history...)
	messages = append(messages, conversation.Message{Role: conversation.RoleUser, Content: text})

	log.Info("processing message", "history", len(history), "chars", len(text))

	reply, disposition := l.run(ctx, &state.Gateway, messages, &report, log)
	if Degenerate(reply) {
		log.Warn("degenerate reply replaced", "reply", reply)
		reply = prompts.RetryReply
		disposition = DispositionDegenerate
	}
	report.Disposition = disposition

	state.UserID = sender
	state.History = history
	state.Record(text, reply, start)
	if err := l.store.Save(ctx, state); err != nil {
		log.Warn("conversation save failed", "error", err)
	}

	l.finish(ctx, &report)
	return reply, true
}

// run is the bounded decide/invoke cycle. Gateway calls are strictly
// sequential and each follow-up turn is appended before the next
// decision.
func (l *Loop) run(ctx context.Context, sess *gateway.Session, messages []conversation.Message, report *TurnReport, log *slog.Logger) (string, Disposition) {
	attempts := 0
	for {
		d := l.decider.Decide(ctx, messages)
		report.Decisions++
		log.Debug("decision", "kind", decision.Kind(d), "attempts", attempts)

		switch d := d.(type) {
		case decision.Speak:
			return d.Text, DispositionSpoke
		case decision.Unparseable:
			return d.Raw, DispositionSpoke
		case decision.InvokeTool:
			if d.Tool != l.tool {
				log.Warn("model requested unknown tool", "tool", d.Tool)
				return prompts.UnknownToolReply, DispositionUnknownTool
			}
			if attempts >= l.maxAttempts {
				log.Warn("retry budget exhausted", "attempts", attempts)
				return prompts.RetryExhaustedReply, DispositionExhausted
			}

			attempts++
			report.Attempts = attempts
			statement := gateway.Statement(d.Arguments)
			outcome := l.gateway.Invoke(ctx, sess, d.Tool, d.Arguments)

			messages = append(messages, conversation.Message{
				Role:    conversation.RoleAssistant,
				Content: rawDecision(d),
			})

			switch o := outcome.(type) {
			case gateway.Failure:
				report.Failures++
				log.Info("tool call failed",
					"attempt", attempts,
					"transport", o.Transport,
					"error", o.Message,
				)
				messages = append(messages, conversation.Message{
					Role:    conversation.RoleUser,
					Content: prompts.CorrectionTurn(l.tool, statement, o.Message, attempts, l.maxAttempts),
				})
				continue

			case gateway.Success:
				log.Info("tool call succeeded",
					"attempt", attempts,
					"rows", len(o.Rows),
					"empty", o.Empty(),
				)
				if l.ref != nil && ledger.IsWrite(statement) {
					l.ref.Invalidate()
				}
				messages = append(messages, conversation.Message{
					Role:    conversation.RoleUser,
					Content: prompts.InterpretationTurn(l.tool, statement, o),
				})

				final := l.decider.Decide(ctx, messages)
				report.Decisions++
				switch f := final.(type) {
				case decision.Speak:
					return f.Text, DispositionToolResult
				case decision.Unparseable:
					return f.Raw, DispositionToolResult
				default:
					log.Warn("model asked for another tool after the result", "kind", decision.Kind(final))
					return prompts.ActionCompletedReply, DispositionToolResult
				}
			}
		}

		// Unknown decision or outcome type.
		return prompts.RetryReply, DispositionDegenerate
	}
}

// systemPrompt renders the instructions with the current time and, when
// they can be loaded, the reference lists.
func (l *Loop) systemPrompt(ctx context.Context, now time.Time, log *slog.Logger) string {
	var ref *ledger.Reference
	if l.ref != nil {
		r, err := l.ref.Reference(ctx)
		if err != nil {
			log.Warn("reference data unavailable", "error", err, "stale", r != nil)
		}
		ref = r
	}
	return prompts.SystemPrompt(now, ref, l.tool)
}

func (l *Loop) lock(user string) func() {
	l.mu.Lock()
	m, ok := l.locks[user]
	if !ok {
		m = &sync.Mutex{}
		l.locks[user] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (l *Loop) finish(ctx context.Context, r *TurnReport) {
	r.Duration = l.now().Sub(r.Started)
	l.logger.Info("turn complete",
		"turn", r.ID,
		"disposition", r.Disposition,
		"attempts", r.Attempts,
		"failures", r.Failures,
		"decisions", r.Decisions,
		"elapsed", r.Duration.Round(time.Millisecond),
	)
	if l.observer != nil {
		l.observer.TurnCompleted(ctx, *r)
	}
}

// rawDecision is the assistant turn recorded for a tool decision: the
// model's own output when available, otherwise a re-encoding of it.
func rawDecision(d decision.InvokeTool) string {
	if strings.TrimSpace(d.Raw) != "" {
		return d.Raw
	}
	b, err := json.Marshal(map[string]any{"tool_name": d.Tool, "arguments": d.Arguments})
	if err != nil {
		return d.Tool
	}
	return string(b)
}
