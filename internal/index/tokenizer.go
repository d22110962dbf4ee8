package index

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Token length bounds: single runes carry no signal, anything past 50
// runes is noise (URLs, hashes).
const (
	minTokenRunes = 2
	maxTokenRunes = 50
)

var markdown = goldmark.New()

// TokenizeMarkdown extracts the visible text of a markdown body and splits
// it into lowercase tokens. Markup punctuation never reaches the index;
// code block contents do.
func TokenizeMarkdown(body string) []string {
	src := []byte(body)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var plain strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			plain.Write(t.Segment.Value(src))
			plain.WriteByte(' ')
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				plain.Write(seg.Value(src))
				plain.WriteByte(' ')
			}
		case *ast.AutoLink:
			plain.Write(t.URL(src))
			plain.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})

	return TokenizeQuery(plain.String())
}

// TokenizeQuery splits plain text into lowercase tokens on any run of
// non-alphanumeric characters. Used for query strings, where markdown
// syntax has no meaning.
func TokenizeQuery(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		n := utf8.RuneCountInString(f)
		if n < minTokenRunes || n > maxTokenRunes {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
