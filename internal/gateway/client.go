package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fpagent/fpagent/internal/buildinfo"
)

// protocolVersion is the MCP protocol version advertised during the
// handshake.
const protocolVersion = "2024-11-05"

// DefaultCallTimeout bounds one Invoke, handshake included.
const DefaultCallTimeout = 30 * time.Second

// ToolDefinition is a tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is one content item in a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type callToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
	Capabilities    struct {
		Tools *struct{} `json:"tools,omitempty"`
	} `json:"capabilities"`
}

// Config configures a Client.
type Config struct {
	Transport Transport

	// CallTimeout bounds each Invoke. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	// Stateless accepts servers that report no session identifier.
	Stateless bool

	Logger *slog.Logger
}

// Client talks to one gateway. Session state lives in the caller's
// [Session] values, so a single Client serves every conversation.
type Client struct {
	transport   Transport
	callTimeout time.Duration
	stateless   bool
	logger      *slog.Logger
	nextID      atomic.Int64

	mu    sync.RWMutex
	tools []ToolDefinition
}

// New creates a gateway client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{
		transport:   cfg.Transport,
		callTimeout: timeout,
		stateless:   cfg.Stateless,
		logger:      logger.With("component", "gateway"),
	}
}

// EnsureSession performs the initialize handshake unless s is already
// live. On failure s is left invalidated and a *SessionError returned.
func (c *Client) EnsureSession(ctx context.Context, s *Session) error {
	if s.Live() {
		return nil
	}
	s.Invalidate()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "fpagent",
			"version": buildinfo.Version,
		},
	}

	resp, sid, err := c.transport.Send(ctx, "", NewRequest(c.nextID.Add(1), "initialize", params))
	if err != nil {
		return &SessionError{Reason: "initialize", Err: err}
	}
	if resp.Error != nil {
		return &SessionError{Reason: "initialize rejected", Err: resp.Error}
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &SessionError{Reason: "malformed initialize result", Err: err}
	}
	if result.ProtocolVersion == "" {
		return &SessionError{Reason: "initialize result has no protocol version"}
	}
	if sid == "" && !c.stateless {
		return &SessionError{Reason: "server did not report a session identifier"}
	}

	if err := c.transport.Notify(ctx, sid, NewNotification("notifications/initialized", nil)); err != nil {
		return &SessionError{Reason: "initialized notification", Err: err}
	}

	s.ID = sid
	s.Server = strings.TrimSpace(result.ServerInfo.Name + " " + result.ServerInfo.Version)
	s.Established = time.Now()

	c.logger.Info("gateway session established",
		"session", sid,
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// Invoke runs one tool call under s and normalizes the result. It never
// returns an error: every failure is a [Failure]. Transport failures
// and session-expiry signals invalidate s so the next call renegotiates.
func (c *Client) Invoke(ctx context.Context, s *Session, tool string, args map[string]any) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	log := c.logger.With("tool", tool)

	if err := c.EnsureSession(ctx, s); err != nil {
		log.Warn("gateway session unavailable", "error", err)
		return Failure{Message: c.describe(ctx, err), Transport: true}
	}

	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      tool,
		"arguments": args,
	}

	resp, sid, err := c.transport.Send(ctx, s.ID, NewRequest(c.nextID.Add(1), "tools/call", params))
	if err != nil {
		s.Invalidate()
		log.Warn("gateway call failed, session invalidated", "error", err, "elapsed", time.Since(start))
		return Failure{Message: c.describe(ctx, err), Transport: true}
	}
	if sid != "" && sid != s.ID {
		log.Debug("gateway reassigned session", "old", s.ID, "new", sid)
		s.ID = sid
	}

	if resp.Error != nil {
		if resp.Error.Code == CodeSessionExpired {
			s.Invalidate()
			log.Warn("gateway session expired", "error", resp.Error)
			return Failure{Message: resp.Error.Error(), Transport: true}
		}
		log.Debug("gateway returned JSON-RPC error", "error", resp.Error)
		return Failure{Message: resp.Error.Message}
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		s.Invalidate()
		log.Warn("malformed tools/call result", "error", err)
		return Failure{Message: fmt.Sprintf("malformed gateway response: %v", err), Transport: true}
	}

	out := normalize(result)
	switch o := out.(type) {
	case Success:
		log.Debug("gateway call succeeded", "rows", len(o.Rows), "elapsed", time.Since(start))
	case Failure:
		log.Debug("gateway call failed", "error", o.Message, "elapsed", time.Since(start))
	}
	return out
}

// describe turns a transport error into text for the decision engine.
func (c *Client) describe(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("the query service did not answer within %s", c.callTimeout)
	}
	return err.Error()
}

// Ping checks that the gateway answers under s, establishing a session
// if needed. Used for health monitoring.
func (c *Client) Ping(ctx context.Context, s *Session) error {
	if err := c.EnsureSession(ctx, s); err != nil {
		return err
	}
	resp, _, err := c.transport.Send(ctx, s.ID, NewRequest(c.nextID.Add(1), "ping", nil))
	if err != nil {
		s.Invalidate()
		return err
	}
	if resp.Error != nil {
		if resp.Error.Code == CodeSessionExpired {
			s.Invalidate()
		}
		return resp.Error
	}
	return nil
}

// ListTools returns the gateway's tools. The list is cached after the
// first successful call.
func (c *Client) ListTools(ctx context.Context, s *Session) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	if err := c.EnsureSession(ctx, s); err != nil {
		return nil, err
	}
	resp, _, err := c.transport.Send(ctx, s.ID, NewRequest(c.nextID.Add(1), "tools/list", nil))
	if err != nil {
		s.Invalidate()
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list: %w", resp.Error)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered gateway tools", "count", len(result.Tools))
	return result.Tools, nil
}

// HasTool reports whether the named tool is in the cached tool list.
func (c *Client) HasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Close shuts down the transport.
func (c *Client) Close() error {
	c.logger.Info("closing gateway client")
	return c.transport.Close()
}

// extractText joins text content blocks. Other block types are
// represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
