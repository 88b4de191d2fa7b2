package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fpagent/fpagent/internal/conversation"
	"github.com/fpagent/fpagent/internal/decision"
	"github.com/fpagent/fpagent/internal/gateway"
	"github.com/fpagent/fpagent/internal/ledger"
	"github.com/fpagent/fpagent/internal/prompts"
)

const owner = "5215512345678"

// mockDecider returns scripted decisions in order and records the
// message list of every call. When the script runs out it speaks
// "done".
type mockDecider struct {
	mu        sync.Mutex
	decisions []decision.Decision
	calls     [][]conversation.Message
}

func (m *mockDecider) Decide(_ context.Context, messages []conversation.Message) decision.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]conversation.Message(nil), messages...))
	if len(m.decisions) == 0 {
		return decision.Speak{Text: "done"}
	}
	d := m.decisions[0]
	m.decisions = m.decisions[1:]
	return d
}

// mockGateway returns scripted outcomes in order. When the script runs
// out it returns an empty success.
type mockGateway struct {
	mu       sync.Mutex
	outcomes []gateway.Outcome
	calls    []map[string]any
	session  string
}

func (m *mockGateway) Invoke(_ context.Context, s *gateway.Session, _ string, args map[string]any) gateway.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)
	if m.session != "" {
		s.ID = m.session
		s.Established = time.Now()
	}
	if len(m.outcomes) == 0 {
		return gateway.Success{}
	}
	o := m.outcomes[0]
	m.outcomes = m.outcomes[1:]
	return o
}

type mockReference struct {
	ref         *ledger.Reference
	err         error
	invalidated int
}

func (m *mockReference) Reference(context.Context) (*ledger.Reference, error) {
	return m.ref, m.err
}

func (m *mockReference) Invalidate() { m.invalidated++ }

// failingStore wraps a MemoryStore and fails on demand.
type failingStore struct {
	*conversation.MemoryStore
	loadErr, saveErr error
}

func (f *failingStore) Load(ctx context.Context, id string) (*conversation.State, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.MemoryStore.Load(ctx, id)
}

func (f *failingStore) Save(ctx context.Context, s *conversation.State) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.MemoryStore.Save(ctx, s)
}

func query(sql string) decision.InvokeTool {
	return decision.InvokeTool{
		Tool:      "run_query_json",
		Arguments: map[string]any{"input": map[string]any{"sql": sql}},
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	loop    *Loop
	decider *mockDecider
	gw      *mockGateway
	store   conversation.Store
	clock   *testClock
	reports []TurnReport
}

func newFixture(t *testing.T, maxAttempts int, decisions ...decision.Decision) *fixture {
	t.Helper()
	f := &fixture{
		decider: &mockDecider{decisions: decisions},
		gw:      &mockGateway{},
		store:   conversation.NewMemoryStore(),
		clock:   &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.build(t, maxAttempts, nil)
	return f
}

func (f *fixture) build(t *testing.T, maxAttempts int, ref ReferenceSource) {
	t.Helper()
	loop, err := New(Config{
		AuthorizedUser: owner,
		MaxAttempts:    maxAttempts,
		Decider:        f.decider,
		Gateway:        f.gw,
		Store:          f.store,
		Reference:      ref,
		Observer: ObserverFunc(func(_ context.Context, r TurnReport) {
			f.reports = append(f.reports, r)
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    f.clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.loop = loop
}

func (f *fixture) lastReport(t *testing.T) TurnReport {
	t.Helper()
	if len(f.reports) == 0 {
		t.Fatal("no turn report emitted")
	}
	return f.reports[len(f.reports)-1]
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"authorized user", "decider", "gateway", "store"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestHandle_UnauthorizedSender(t *testing.T) {
	f := newFixture(t, 3, decision.Speak{Text: "hola"})

	reply, ok := f.loop.Handle(context.Background(), "5210000000000", "hola")
	if ok || reply != "" {
		t.Fatalf("Handle() = %q, %v; want no reply", reply, ok)
	}
	if len(f.decider.calls) != 0 {
		t.Error("decision engine called for unauthorized sender")
	}
	if len(f.gw.calls) != 0 {
		t.Error("gateway called for unauthorized sender")
	}
	state, _ := f.store.Load(context.Background(), "5210000000000")
	if len(state.History) != 0 || !state.LastInteraction.IsZero() {
		t.Error("state mutated for unauthorized sender")
	}
	if len(f.reports) != 0 {
		t.Error("turn report emitted for unauthorized sender")
	}
}

func TestAuthorized(t *testing.T) {
	f := newFixture(t, 3, decision.Speak{Text: "hola"})
	if !f.loop.Authorized(owner) {
		t.Error("owner not authorized")
	}
	if f.loop.Authorized("5210000000000") || f.loop.Authorized("") {
		t.Error("other senders authorized")
	}
}

func TestHandle_UnauthorizedResetIgnored(t *testing.T) {
	f := newFixture(t, 3, decision.Speak{Text: "hola"})
	ctx := context.Background()
	f.loop.Handle(ctx, owner, "hi")

	if _, ok := f.loop.Handle(ctx, "5210000000000", "reset"); ok {
		t.Fatal("reset from another sender should be dropped")
	}
	state, _ := f.store.Load(ctx, owner)
	if len(state.History) != 2 {
		t.Errorf("owner history changed: %d messages", len(state.History))
	}
}

func TestHandle_Speak(t *testing.T) {
	f := newFixture(t, 3, decision.Speak{Text: "¡Hola! ¿Qué registramos hoy?"})

	reply, ok := f.loop.Handle(context.Background(), owner, "hola")
	if !ok || reply != "¡Hola! ¿Qué registramos hoy?" {
		t.Fatalf("Handle() = %q, %v", reply, ok)
	}

	msgs := f.decider.calls[0]
	if len(msgs) != 2 {
		t.Fatalf("expected system + user, got %d messages", len(msgs))
	}
	if msgs[0].Role != conversation.RoleSystem || !strings.Contains(msgs[0].Content, "2026-05-01T12:00:00Z") {
		t.Error("first message should be the system prompt with the current timestamp")
	}
	if msgs[1].Role != conversation.RoleUser || msgs[1].Content != "hola" {
		t.Errorf("last message = %+v, want user turn", msgs[1])
	}

	state, _ := f.store.Load(context.Background(), owner)
	if len(state.History) != 2 || state.History[1].Content != reply {
		t.Errorf("history = %+v", state.History)
	}
	if !state.LastInteraction.Equal(f.clock.Now()) {
		t.Errorf("LastInteraction = %v", state.LastInteraction)
	}
	if r := f.lastReport(t); r.Disposition != DispositionSpoke || r.Attempts != 0 || r.ID == "" {
		t.Errorf("report = %+v", r)
	}
}

func TestHandle_HistoryReplayed(t *testing.T) {
	f := newFixture(t, 3, decision.Speak{Text: "hello"}, decision.Speak{Text: "second"})
	ctx := context.Background()

	f.loop.Handle(ctx, owner, "hi")
	f.clock.Advance(5 * time.Minute)
	f.loop.Handle(ctx, owner, "again")

	msgs := f.decider.calls[1]
	if len(msgs) != 4 {
		t.Fatalf("expected system + 2 history + user, got %d", len(msgs))
	}
	if msgs[1].Content != "hi" || msgs[2].Content != "hello" || msgs[3].Content != "again" {
		t.Errorf("history not replayed in order: %+v", msgs)
	}
}

func TestHandle_ExpiredConversation(t *testing.T) {
	f := newFixture(t, 3, decision.Speak{Text: "hola de nuevo"})
	ctx := context.Background()

	// Seed prior history 31 minutes ago.
	f.store.Save(ctx, &conversation.State{
		UserID: owner,
		History: []conversation.Message{
			{Role: conversation.RoleUser, Content: "hi"},
			{Role: conversation.RoleAssistant, Content: "hello"},
		},
		LastInteraction: f.clock.Now().Add(-31 * time.Minute),
	})

	f.loop.Handle(ctx, owner, "hola")

	msgs := f.decider.calls[0]
	if len(msgs) != 2 {
		t.Fatalf("expired conversation should send only system + new turn, got %d messages", len(msgs))
	}
	if msgs[0].Role != conversation.RoleSystem || msgs[1].Content != "hola" {
		t.Errorf("messages = %+v", msgs)
	}
	for _, m := range msgs {
		if m.Content == "hi" || m.Content == "hello" {
			t.Error("prior turn leaked into expired conversation")
		}
	}

	state, _ := f.store.Load(ctx, owner)
	if len(state.History) != 2 || state.History[0].Content != "hola" {
		t.Errorf("history after expiry = %+v", state.History)
	}
}

func TestHandle_NotExpiredAtWindow(t *testing.T) {
	f := newFixture(t, 3, decision.Speak{Text: "ok"})
	ctx := context.Background()
	f.store.Save(ctx, &conversation.State{
		UserID:          owner,
		History:         []conversation.Message{{Role: conversation.RoleUser, Content: "hi"}, {Role: conversation.RoleAssistant, Content: "hello"}},
		LastInteraction: f.clock.Now().Add(-30 * time.Minute),
	})

	f.loop.Handle(ctx, owner, "hola")
	if got := len(f.decider.calls[0]); got != 4 {
		t.Errorf("history exactly at the window should be kept, got %d messages", got)
	}
}

func TestHandle_HistoryCapped(t *testing.T) {
	f := newFixture(t, 3, decision.Speak{Text: "ok"})
	f.loop.maxMessages = 4
	ctx := context.Background()

	var history []conversation.Message
	for i := 0; i < 5; i++ {
		history = append(history,
			conversation.Message{Role: conversation.RoleUser, Content: "q"},
			conversation.Message{Role: conversation.RoleAssistant, Content: "a"},
		)
	}
	f.store.Save(ctx, &conversation.State{UserID: owner, History: history, LastInteraction: f.clock.Now()})

	f.loop.Handle(ctx, owner, "hola")
	if got := len(f.decider.calls[0]); got != 6 {
		t.Errorf("expected system + 4 capped + user = 6, got %d", got)
	}
	state, _ := f.store.Load(ctx, owner)
	if len(state.History) != 6 {
		t.Errorf("stored history = %d, want capped 4 + new exchange", len(state.History))
	}
}

func TestHandle_Reset(t *testing.T) {
	for _, text := range []string{"reset", "  RESET ", "Reset"} {
		t.Run(text, func(t *testing.T) {
			f := newFixture(t, 3, decision.Speak{Text: "hello"})
			ctx := context.Background()
			f.loop.Handle(ctx, owner, "hi")
			callsBefore := len(f.decider.calls)

			reply, ok := f.loop.Handle(ctx, owner, text)
			if !ok || reply != prompts.ResetReply {
				t.Fatalf("Handle(%q) = %q, %v", text, reply, ok)
			}
			if len(f.decider.calls) != callsBefore {
				t.Error("reset must not reach the decision engine")
			}
			state, _ := f.store.Load(ctx, owner)
			if len(state.History) != 0 || state.Gateway.Live() {
				t.Errorf("state not cleared: %+v", state)
			}
			if r := f.lastReport(t); r.Disposition != DispositionReset {
				t.Errorf("disposition = %s", r.Disposition)
			}
		})
	}
}

func TestHandle_ResetIdempotent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	first, _ := f.loop.Handle(ctx, owner, "reset")
	second, _ := f.loop.Handle(ctx, owner, "reset")
	if first != second || first != prompts.ResetReply {
		t.Errorf("reset replies differ: %q vs %q", first, second)
	}
	state, _ := f.store.Load(ctx, owner)
	if len(state.History) != 0 {
		t.Error("history not empty after repeated reset")
	}
}

func TestHandle_ResetClearsGatewaySession(t *testing.T) {
	f := newFixture(t, 3, query("SELECT 1"), decision.Speak{Text: "uno"})
	f.gw.session = "sess-1"
	ctx := context.Background()

	f.loop.Handle(ctx, owner, "consulta")
	state, _ := f.store.Load(ctx, owner)
	if state.Gateway.ID != "sess-1" {
		t.Fatalf("session not persisted: %+v", state.Gateway)
	}

	f.loop.Handle(ctx, owner, "reset")
	state, _ = f.store.Load(ctx, owner)
	if state.Gateway.Live() || state.Gateway.ID != "" {
		t.Errorf("session survived reset: %+v", state.Gateway)
	}
}

func TestHandle_RetryExhausted(t *testing.T) {
	f := newFixture(t, 2,
		query("SELECT * FROM nope"),
		query("SELECT * FROM nope2"),
		query("SELECT * FROM nope3"),
	)
	f.gw.outcomes = []gateway.Outcome{
		gateway.Failure{Message: `relation "nope" does not exist`},
		gateway.Failure{Message: `relation "nope2" does not exist`},
		gateway.Failure{Message: "never reached"},
	}

	reply, _ := f.loop.Handle(context.Background(), owner, "dame el saldo")
	if len(f.gw.calls) != 2 {
		t.Errorf("gateway calls = %d, want 2", len(f.gw.calls))
	}
	if reply != prompts.RetryExhaustedReply {
		t.Errorf("reply = %q, want exhausted reply", reply)
	}
	if r := f.lastReport(t); r.Disposition != DispositionExhausted || r.Attempts != 2 || r.Failures != 2 {
		t.Errorf("report = %+v", r)
	}
}

func TestHandle_CorrectionTurn(t *testing.T) {
	f := newFixture(t, 3,
		query("SELECT * FROM nope"),
		query("SELECT * FROM accounts"),
		decision.Speak{Text: "Tienes 2 cuentas."},
	)
	f.gw.outcomes = []gateway.Outcome{
		gateway.Failure{Message: `relation "nope" does not exist`},
		gateway.Success{Rows: []map[string]any{{"account_name": "A"}, {"account_name": "B"}}},
	}

	reply, _ := f.loop.Handle(context.Background(), owner, "¿cuántas cuentas tengo?")
	if reply != "Tienes 2 cuentas." {
		t.Errorf("reply = %q", reply)
	}

	second := f.decider.calls[1]
	if len(second) != 4 {
		t.Fatalf("second decision should see system, user, assistant decision, correction; got %d", len(second))
	}
	if second[2].Role != conversation.RoleAssistant || !strings.Contains(second[2].Content, "run_query_json") {
		t.Errorf("assistant decision not appended: %+v", second[2])
	}
	correction := second[3].Content
	if !strings.Contains(correction, "SELECT * FROM nope") || !strings.Contains(correction, `relation "nope" does not exist`) {
		t.Errorf("correction turn missing statement or error: %s", correction)
	}

	third := f.decider.calls[2]
	if !strings.Contains(third[len(third)-1].Content, `"account_name":"A"`) {
		t.Error("interpretation turn should carry the rows")
	}
	if r := f.lastReport(t); r.Disposition != DispositionToolResult || r.Attempts != 2 || r.Failures != 1 {
		t.Errorf("report = %+v", r)
	}
}

func TestHandle_EmptyResult(t *testing.T) {
	f := newFixture(t, 3,
		query("SELECT * FROM transactions WHERE false"),
		decision.Speak{Text: "No encontré movimientos."},
	)
	f.gw.outcomes = []gateway.Outcome{gateway.Success{Rows: []map[string]any{}}}

	reply, _ := f.loop.Handle(context.Background(), owner, "movimientos de ayer")

	if len(f.decider.calls) != 2 {
		t.Fatalf("decision calls = %d, want 2", len(f.decider.calls))
	}
	last := f.decider.calls[1]
	if !strings.Contains(last[len(last)-1].Content, "no rows found") {
		t.Errorf("interpretation turn should state no rows were found: %s", last[len(last)-1].Content)
	}
	if reply != "No encontré movimientos." {
		t.Errorf("reply = %q", reply)
	}
}

func TestHandle_OutcomeDiscrimination(t *testing.T) {
	one := int64(1)
	outcomes := map[string]gateway.Outcome{
		"empty":    gateway.Success{},
		"rows":     gateway.Success{Rows: []map[string]any{{"n": 1}}},
		"affected": gateway.Success{RowsAffected: &one},
		"failure":  gateway.Failure{Message: "syntax error"},
	}
	followups := map[string]string{}
	for name, o := range outcomes {
		f := newFixture(t, 1, query("SELECT n"), decision.Speak{Text: "ok"})
		f.gw.outcomes = []gateway.Outcome{o}
		f.loop.Handle(context.Background(), owner, "q")
		last := f.decider.calls[1]
		followups[name] = last[len(last)-1].Content
	}

	for a, pa := range followups {
		for b, pb := range followups {
			if a != b && pa == pb {
				t.Errorf("%s and %s produced the same follow-up", a, b)
			}
		}
	}
}

func TestHandle_Unparseable(t *testing.T) {
	f := newFixture(t, 3, decision.Unparseable{Raw: "Sure, I can help!"})

	reply, _ := f.loop.Handle(context.Background(), owner, "ayuda")
	if reply != "Sure, I can help!" {
		t.Errorf("reply = %q, want raw text", reply)
	}
	if len(f.gw.calls) != 0 {
		t.Error("unparseable decision must not reach the gateway")
	}
}

func TestHandle_UnparseableFromEngine(t *testing.T) {
	f := newFixture(t, 3, decision.Parse("Sure, I can help!"))

	reply, _ := f.loop.Handle(context.Background(), owner, "ayuda")
	if reply != "Sure, I can help!" {
		t.Errorf("reply = %q", reply)
	}
	if len(f.gw.calls) != 0 {
		t.Error("gateway called for free text")
	}
}

func TestHandle_HandshakeFailureEntersCorrection(t *testing.T) {
	f := newFixture(t, 3, query("SELECT 1"), decision.Speak{Text: "No pude conectar."})
	f.gw.outcomes = []gateway.Outcome{
		gateway.Failure{Message: "gateway session: handshake: connection refused", Transport: true},
	}

	reply, _ := f.loop.Handle(context.Background(), owner, "saldo")
	if reply != "No pude conectar." {
		t.Errorf("reply = %q", reply)
	}
	second := f.decider.calls[1]
	if !strings.Contains(second[len(second)-1].Content, "connection refused") {
		t.Error("transport failure should be fed back as a correction turn")
	}
}

func TestHandle_UnknownTool(t *testing.T) {
	f := newFixture(t, 3, decision.InvokeTool{Tool: "drop_database", Arguments: map[string]any{}})

	reply, _ := f.loop.Handle(context.Background(), owner, "borra todo")
	if reply != prompts.UnknownToolReply {
		t.Errorf("reply = %q", reply)
	}
	if len(f.gw.calls) != 0 {
		t.Error("unknown tool reached the gateway")
	}
}

func TestHandle_ToolAfterInterpretation(t *testing.T) {
	f := newFixture(t, 3, query("INSERT INTO tags (tag_name) VALUES ('viaje')"), query("SELECT 1"))

	reply, _ := f.loop.Handle(context.Background(), owner, "crea el tag viaje")
	if reply != prompts.ActionCompletedReply {
		t.Errorf("reply = %q", reply)
	}
	if len(f.gw.calls) != 1 {
		t.Errorf("success path must not loop, got %d gateway calls", len(f.gw.calls))
	}
}

func TestHandle_DegenerateReply(t *testing.T) {
	for _, text := range []string{"", "   ", "```", "```json\n```"} {
		f := newFixture(t, 3, decision.Speak{Text: text})
		reply, _ := f.loop.Handle(context.Background(), owner, "hola")
		if reply != prompts.RetryReply {
			t.Errorf("Speak(%q) reply = %q, want retry reply", text, reply)
		}
		if r := f.lastReport(t); r.Disposition != DispositionDegenerate {
			t.Errorf("Speak(%q) disposition = %s", text, r.Disposition)
		}
	}
}

func TestHandle_WriteInvalidatesReference(t *testing.T) {
	f := newFixture(t, 3,
		query("INSERT INTO merchants (merchant_name) VALUES ('Oxxo')"),
		decision.Speak{Text: "Listo."},
		query("SELECT * FROM merchants"),
		decision.Speak{Text: "Oxxo."},
	)
	ref := &mockReference{ref: &ledger.Reference{Merchants: []ledger.Entry{{ID: "m1", Name: "Walmart"}}}}
	f.build(t, 3, ref)
	ctx := context.Background()

	f.loop.Handle(ctx, owner, "agrega Oxxo")
	if ref.invalidated != 1 {
		t.Errorf("write should invalidate reference cache, invalidated = %d", ref.invalidated)
	}
	if !strings.Contains(f.decider.calls[0][0].Content, "- Walmart (ID: m1)") {
		t.Error("system prompt should carry the reference lists")
	}

	f.loop.Handle(ctx, owner, "lista comercios")
	if ref.invalidated != 1 {
		t.Errorf("read should not invalidate reference cache, invalidated = %d", ref.invalidated)
	}
}

func TestHandle_ReferenceUnavailable(t *testing.T) {
	f := newFixture(t, 3, decision.Speak{Text: "hola"})
	f.build(t, 3, &mockReference{err: errors.New("connection refused")})

	reply, ok := f.loop.Handle(context.Background(), owner, "hola")
	if !ok || reply != "hola" {
		t.Fatalf("Handle() = %q, %v", reply, ok)
	}
	if !strings.Contains(f.decider.calls[0][0].Content, "unavailable") {
		t.Error("system prompt should note unavailable reference data")
	}
}

func TestHandle_StoreFailuresDoNotBlockReply(t *testing.T) {
	f := newFixture(t, 3, decision.Speak{Text: "hola"})
	f.store = &failingStore{
		MemoryStore: conversation.NewMemoryStore(),
		loadErr:     errors.New("disk gone"),
		saveErr:     errors.New("disk gone"),
	}
	f.build(t, 3, nil)

	reply, ok := f.loop.Handle(context.Background(), owner, "hola")
	if !ok || reply != "hola" {
		t.Errorf("Handle() = %q, %v", reply, ok)
	}
}

func TestHandle_ExactlyOneReplyPerMessage(t *testing.T) {
	scripts := [][]decision.Decision{
		{decision.Speak{Text: "a"}},
		{decision.Unparseable{Raw: "b"}},
		{query("SELECT 1"), decision.Speak{Text: "c"}},
		{query("SELECT 1"), query("SELECT 2"), query("SELECT 3"), query("SELECT 4")},
		{decision.InvokeTool{Tool: "other"}},
	}
	for i, script := range scripts {
		f := newFixture(t, 2, script...)
		f.gw.outcomes = []gateway.Outcome{gateway.Failure{Message: "x"}, gateway.Failure{Message: "y"}}
		reply, ok := f.loop.Handle(context.Background(), owner, "msg")
		if !ok || strings.TrimSpace(reply) == "" {
			t.Errorf("script %d: Handle() = %q, %v", i, reply, ok)
		}
		if len(f.gw.calls) > 2 {
			t.Errorf("script %d: %d gateway calls exceed the attempt bound", i, len(f.gw.calls))
		}
		if len(f.reports) != 1 {
			t.Errorf("script %d: %d reports, want 1", i, len(f.reports))
		}
	}
}

func TestHandle_SerializedPerUser(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.loop.Handle(ctx, owner, "hola")
		}()
	}
	wg.Wait()

	state, _ := f.store.Load(ctx, owner)
	if len(state.History) != 20 {
		t.Errorf("history = %d messages, want 20 (no lost updates)", len(state.History))
	}
}
