package agent

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// Degenerate reports whether a final reply is blank or is nothing but
// Markdown scaffolding: empty or stray code fences and rules.
func Degenerate(reply string) bool {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return true
	}
	if strings.Trim(trimmed, "`~-*_ \n\t") == "" {
		return true
	}

	src := []byte(trimmed)
	doc := markdown.Parser().Parse(text.NewReader(src))
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch n.Kind() {
		case ast.KindThematicBreak:
			continue
		case ast.KindFencedCodeBlock, ast.KindCodeBlock:
			if blockText(n, src) != "" {
				return false
			}
			continue
		default:
			return false
		}
	}
	return true
}

func blockText(n ast.Node, src []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
	return strings.TrimSpace(sb.String())
}
