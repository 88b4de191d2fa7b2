// Package decision turns a conversation into the model's next move:
// speak to the user, invoke a tool, or an unparseable reply.
package decision

import (
	"encoding/json"
	"regexp"
	"strings"
)

// RespondTool is the pseudo-tool the model uses to talk to the user.
const RespondTool = "respond_to_user"

// Decision is one of [Speak], [InvokeTool] or [Unparseable].
type Decision interface {
	decision()
}

// Speak is a direct reply for the user.
type Speak struct {
	Text string
}

// InvokeTool asks the caller to run a tool. Arguments are passed through
// to the tool untouched; Raw is the model output they came from.
type InvokeTool struct {
	Tool      string
	Arguments map[string]any
	Raw       string
}

// Unparseable is model output with no recognized shape. Callers treat
// Raw as if the model had spoken it.
type Unparseable struct {
	Raw string
}

func (Speak) decision()       {}
func (InvokeTool) decision()  {}
func (Unparseable) decision() {}

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

// stripFence removes a Markdown code fence wrapping the whole reply.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return s
}

// Parse classifies raw model output.
//
//	{"tool_name": "run_query_json", "arguments": {...}}      -> InvokeTool
//	{"tool_name": "respond_to_user", "arguments": {"response": "..."}} -> Speak
//	{"response": "..."}                                      -> Speak
//	anything else                                            -> Unparseable
func Parse(content string) Decision {
	body := stripFence(content)

	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil || obj == nil {
		return Unparseable{Raw: strings.TrimSpace(content)}
	}

	if tool, _ := obj["tool_name"].(string); strings.TrimSpace(tool) != "" {
		tool = strings.TrimSpace(tool)
		args := arguments(obj["arguments"])

		if tool == RespondTool {
			if text, ok := args["response"].(string); ok {
				return Speak{Text: text}
			}
			if text, ok := obj["response"].(string); ok {
				return Speak{Text: text}
			}
			return Unparseable{Raw: body}
		}
		if args == nil {
			return Unparseable{Raw: body}
		}
		return InvokeTool{Tool: tool, Arguments: args, Raw: body}
	}

	if text, ok := obj["response"].(string); ok {
		return Speak{Text: text}
	}
	return Unparseable{Raw: body}
}

// arguments accepts an object, or an object double-encoded as a JSON
// string, which some models emit.
func arguments(v any) map[string]any {
	switch a := v.(type) {
	case map[string]any:
		return a
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(a), &m); err == nil {
			return m
		}
	}
	return nil
}
