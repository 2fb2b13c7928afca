// Package textutil provides text helpers for OCR output. The OCR service
// returns page text as markdown; search and preview surfaces work on the
// plain-text rendering so formatting characters never affect matching.
package textutil

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// PlainText converts markdown to plain text by walking the parsed AST and
// collecting text segments. Code fences keep their content verbatim.
func PlainText(markdown string) string {
	if markdown == "" {
		return ""
	}

	md := goldmark.New()
	source := []byte(markdown)
	node := md.Parser().Parse(text.NewReader(source))

	var builder strings.Builder
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch n.Kind() {
		case ast.KindText:
			textNode := n.(*ast.Text)
			builder.Write(textNode.Segment.Value(source))
			if textNode.SoftLineBreak() || textNode.HardLineBreak() {
				builder.WriteString("\n")
			}
		case ast.KindParagraph, ast.KindHeading:
			builder.WriteString("\n")
		case ast.KindFencedCodeBlock, ast.KindCodeBlock:
			builder.WriteString("\n")
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				builder.Write(line.Value(source))
			}
			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(builder.String())
}

// Snippet returns the first n runes of s with whitespace collapsed, for list
// previews.
func Snippet(s string, n int) string {
	collapsed := strings.Join(strings.Fields(s), " ")
	runes := []rune(collapsed)
	if len(runes) <= n {
		return collapsed
	}
	return string(runes[:n]) + "…"
}

// Truncate returns the first n bytes of s on a rune boundary.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	out := make([]rune, 0, n)
	size := 0
	for _, r := range runes {
		size += len(string(r))
		if size > n {
			break
		}
		out = append(out, r)
	}
	return string(out)
}
