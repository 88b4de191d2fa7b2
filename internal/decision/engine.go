package decision

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/fpagent/fpagent/internal/conversation"
	"github.com/fpagent/fpagent/internal/httpkit"
)

// levelTrace matches config.LevelTrace.
const levelTrace = slog.Level(-8)

// DefaultApology is spoken when the model cannot be reached.
const DefaultApology = "Hubo un problema de conexión con mi cerebro (la IA). Por favor, intenta de nuevo en unos momentos."

// Config holds configuration for the decision engine.
type Config struct {
	APIKey      string
	BaseURL     string // OpenAI-compatible endpoint, e.g. https://openrouter.ai/api/v1
	Model       string
	Temperature float32
	Timeout     time.Duration

	// Referer and Title are sent as HTTP-Referer and X-Title for
	// OpenRouter app attribution.
	Referer string
	Title   string

	// Apology replaces DefaultApology.
	Apology string

	// HTTPClient overrides the httpkit client (tests).
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Engine asks an OpenAI-compatible chat model for the next decision.
type Engine struct {
	client      *openai.Client
	model       string
	temperature float32
	apology     string
	logger      *slog.Logger
}

// New creates a decision engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		headers := map[string]string{}
		if cfg.Referer != "" {
			headers["HTTP-Referer"] = cfg.Referer
		}
		if cfg.Title != "" {
			headers["X-Title"] = cfg.Title
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithHeaders(headers),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = httpClient

	apology := cfg.Apology
	if apology == "" {
		apology = DefaultApology
	}

	return &Engine{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		apology:     apology,
		logger:      logger.With("component", "decision", "model", cfg.Model),
	}
}

// Decide sends messages to the model in JSON mode and parses the reply.
// It never fails: transport errors and empty replies become a Speak
// carrying the apology.
func (e *Engine) Decide(ctx context.Context, messages []conversation.Message) Decision {
	req := openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: e.temperature,
		Messages:    toOpenAI(messages),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	e.logger.Log(ctx, levelTrace, "decision request", "messages", messages)

	start := time.Now()
	resp, err := e.client.CreateChatCompletion(ctx, req)
	latency := time.Since(start)
	if err != nil {
		e.logger.Error("decision request failed",
			"error", err,
			"latency_ms", latency.Milliseconds(),
		)
		return Speak{Text: e.apology}
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		e.logger.Warn("empty decision from model", "latency_ms", latency.Milliseconds())
		return Speak{Text: e.apology}
	}

	content := resp.Choices[0].Message.Content
	d := Parse(content)

	e.logger.Debug("decision received",
		"kind", Kind(d),
		"latency_ms", latency.Milliseconds(),
		"tokens", resp.Usage.TotalTokens,
	)
	e.logger.Log(ctx, levelTrace, "decision content", "content", content)
	return d
}

// Kind names a decision for logs and reports.
func Kind(d Decision) string {
	switch v := d.(type) {
	case Speak:
		return "speak"
	case InvokeTool:
		return "tool:" + v.Tool
	case Unparseable:
		return "unparseable"
	default:
		return "unknown"
	}
}

func toOpenAI(messages []conversation.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case conversation.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case conversation.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
