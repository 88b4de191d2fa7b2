package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Outcome is the normalized result of one tool invocation: [Success] or
// [Failure].
type Outcome interface {
	outcome()
}

// Success is a tool call the gateway executed. A success with no rows,
// no affected count and no text is an empty result, which is distinct
// from a [Failure].
type Success struct {
	Rows         []map[string]any
	RowsAffected *int64
	// Text holds a non-tabular result (a command tag or message).
	Text string
}

// Failure is a tool call that did not produce a result.
type Failure struct {
	Message string
	// Transport is set when the failure came from the session or the
	// wire rather than from executing the statement.
	Transport bool
}

func (Success) outcome() {}
func (Failure) outcome() {}

// Empty reports whether the call succeeded with nothing to show.
func (s Success) Empty() bool {
	return len(s.Rows) == 0 && s.RowsAffected == nil && strings.TrimSpace(s.Text) == ""
}

// JSON renders the result for inclusion in a prompt.
func (s Success) JSON() string {
	switch {
	case len(s.Rows) > 0:
		b, err := json.Marshal(s.Rows)
		if err != nil {
			return fmt.Sprint(s.Rows)
		}
		return string(b)
	case s.Text != "":
		return s.Text
	default:
		return "[]"
	}
}

func (f Failure) Error() string {
	return f.Message
}

// Statement extracts the SQL text from tool arguments. The query tool
// nests it as {"input": {"sql": ...}}; flat {"sql": ...} and
// {"query": ...} shapes are accepted too. A list of statements is
// joined with semicolons.
func Statement(args map[string]any) string {
	if args == nil {
		return ""
	}
	if input, ok := args["input"].(map[string]any); ok {
		if s := Statement(input); s != "" {
			return s
		}
	}
	for _, key := range []string{"sql", "query"} {
		switch v := args[key].(type) {
		case string:
			return v
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				if s, ok := p.(string); ok {
					parts = append(parts, strings.TrimRight(strings.TrimSpace(s), ";"))
				}
			}
			return strings.Join(parts, "; ")
		}
	}
	return ""
}

// normalize maps a tools/call result payload to an Outcome.
func normalize(result callToolResult) Outcome {
	text := strings.TrimSpace(extractText(result.Content))

	if result.IsError {
		if text == "" {
			text = "the tool reported an error without details"
		}
		return Failure{Message: text}
	}

	if len(result.StructuredContent) > 0 && string(result.StructuredContent) != "null" {
		if v, err := decodeJSON(result.StructuredContent); err == nil {
			return interpret(v)
		}
	}

	if text == "" {
		return Success{}
	}
	if v, err := decodeJSON([]byte(text)); err == nil {
		return interpret(v)
	}
	if hasErrorPrefix(text) {
		return Failure{Message: text}
	}
	return textSuccess(text)
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

var rowKeys = []string{"rows", "data", "result", "results", "records"}

var affectedKeys = []string{"rows_affected", "rowsAffected", "rowcount", "rowCount", "affected_rows"}

func interpret(v any) Outcome {
	switch val := v.(type) {
	case nil:
		return Success{}
	case []any:
		return Success{Rows: toRows(val)}
	case string:
		if hasErrorPrefix(val) {
			return Failure{Message: val}
		}
		return textSuccess(val)
	case map[string]any:
		if msg := errorMessage(val["error"]); msg != "" {
			return Failure{Message: msg}
		}
		affected := affectedCount(val)
		for _, key := range rowKeys {
			switch inner := val[key].(type) {
			case []any:
				return Success{Rows: toRows(inner), RowsAffected: affected}
			case string:
				out := textSuccess(inner)
				if affected != nil {
					out.RowsAffected = affected
				}
				return out
			case map[string]any:
				out := interpret(inner)
				if s, ok := out.(Success); ok && s.RowsAffected == nil {
					s.RowsAffected = affected
					return s
				}
				return out
			}
		}
		if affected != nil {
			return Success{RowsAffected: affected}
		}
		if len(val) == 0 {
			return Success{}
		}
		return Success{Rows: []map[string]any{val}}
	default:
		return Success{Text: fmt.Sprint(val)}
	}
}

func toRows(items []any) []map[string]any {
	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			rows = append(rows, m)
			continue
		}
		rows = append(rows, map[string]any{"value": item})
	}
	return rows
}

func errorMessage(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case bool:
		if e {
			return "the tool reported an error without details"
		}
		return ""
	case map[string]any:
		if m, ok := e["message"].(string); ok && m != "" {
			return m
		}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func affectedCount(m map[string]any) *int64 {
	for _, key := range affectedKeys {
		switch n := m[key].(type) {
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return &i
			}
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return &i
			}
		}
	}
	return nil
}

func hasErrorPrefix(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(lower, "error:") || strings.HasPrefix(lower, "error ")
}

// textSuccess wraps a text result, reading the affected count from a
// PostgreSQL command tag such as "INSERT 0 1" or "UPDATE 3".
func textSuccess(text string) Success {
	out := Success{Text: text}
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return out
	}
	switch strings.ToUpper(fields[0]) {
	case "INSERT", "UPDATE", "DELETE", "MERGE":
		if n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64); err == nil {
			out.RowsAffected = &n
		}
	}
	return out
}
