package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/fpagent/fpagent/internal/httpkit"
)

// levelTrace matches config.LevelTrace.
const levelTrace = slog.Level(-8)

const (
	sessionHeader       = "Mcp-Session-Id"
	legacySessionHeader = "Mcp-Session"
	maxResponseBytes    = 10 << 20
)

// HTTPConfig configures a streamable HTTP transport.
type HTTPConfig struct {
	// URL is the gateway's MCP endpoint.
	URL string

	// Headers are sent with every request (e.g. Authorization).
	Headers map[string]string

	// Client overrides the HTTP client. Defaults to an httpkit client
	// with no overall timeout; calls are bounded by their context.
	Client *http.Client

	Logger *slog.Logger
}

// HTTPTransport speaks JSON-RPC over HTTP POST. Responses arrive either
// as a JSON body or as a text/event-stream whose data lines carry the
// JSON-RPC messages.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		// No retry: a request the gateway may have received is never
		// replayed, and failed calls go back to the decision engine.
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithLogger(logger),
		)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
	}
}

func (t *HTTPTransport) newRequest(ctx context.Context, session string, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	if session != "" {
		httpReq.Header.Set(sessionHeader, session)
	}
	return httpReq, nil
}

// Send posts a request and decodes the matching response.
func (t *HTTPTransport) Send(ctx context.Context, session string, req *Request) (*Response, string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "gateway request", "method", req.Method, "id", req.ID, "json", string(body))

	httpReq, err := t.newRequest(ctx, session, body)
	if err != nil {
		return nil, "", err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	sid := httpResp.Header.Get(sessionHeader)
	if sid == "" {
		sid = httpResp.Header.Get(legacySessionHeader)
	}

	if httpResp.StatusCode == http.StatusNotFound && session != "" {
		return nil, "", fmt.Errorf("%w: server returned 404 for session %s", ErrSessionExpired, session)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, "", &httpkit.StatusError{
			StatusCode: httpResp.StatusCode,
			URL:        t.url,
			Body:       httpkit.ReadErrorBody(httpResp.Body, 4096),
		}
	}

	var resp *Response
	if isEventStream(httpResp.Header.Get("Content-Type")) {
		resp, err = readEventStream(httpResp.Body, req.ID)
	} else {
		resp, err = readJSON(httpResp.Body)
	}
	if err != nil {
		return nil, "", err
	}

	t.logger.Log(ctx, levelTrace, "gateway response", "id", req.ID, "session", sid,
		"result", string(resp.Result), "error", resp.Error)
	return resp, sid, nil
}

// Notify posts a notification. 200 and 202 are both accepted.
func (t *HTTPTransport) Notify(ctx context.Context, session string, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpReq, err := t.newRequest(ctx, session, body)
	if err != nil {
		return err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP notification to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode == http.StatusNotFound && session != "" {
		return fmt.Errorf("%w: server returned 404 for session %s", ErrSessionExpired, session)
	}
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return &httpkit.StatusError{
			StatusCode: httpResp.StatusCode,
			URL:        t.url,
			Body:       httpkit.ReadErrorBody(httpResp.Body, 4096),
		}
	}
	return nil
}

// Close is a no-op; the HTTP client owns its connection pool.
func (t *HTTPTransport) Close() error {
	return nil
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}

func readJSON(r io.Reader) (*Response, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty response body")
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Result == nil && resp.Error == nil {
		return nil, errors.New("response has neither result nor error")
	}
	return &resp, nil
}

// readEventStream scans an SSE body for the JSON-RPC response to id.
// Each event's data lines are joined with newlines per the SSE rules.
// Server-initiated notifications and responses to other requests are
// skipped. A single response without an ID is accepted when nothing
// matches, since some servers omit it on streamed replies.
func readEventStream(r io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, maxResponseBytes))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var (
		data     []string
		fallback *Response
		events   int
	)

	dispatch := func() *Response {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		events++

		var resp Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			return nil
		}
		if resp.Result == nil && resp.Error == nil {
			return nil
		}
		if resp.matches(id) {
			return &resp
		}
		if len(resp.ID) == 0 && fallback == nil {
			fallback = &resp
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp := dispatch(); resp != nil {
				return resp, nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	// Stream ended without a trailing blank line.
	if resp := dispatch(); resp != nil {
		return resp, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("no response for request %d in event stream (%d events)", id, events)
}
