package present

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// PlainText renders model markdown as readable plain text: emphasis and
// heading marks dropped, links as "text (url)", list items kept with
// their markers, code kept verbatim.
func PlainText(md string) string {
	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	var lists []int // next ordinal per open list, 0 for bullets

	blockBreak := func() {
		if buf.Len() == 0 {
			return
		}
		b := buf.Bytes()
		switch {
		case bytes.HasSuffix(b, []byte("\n\n")):
		case bytes.HasSuffix(b, []byte("\n")):
			buf.WriteByte('\n')
		default:
			buf.WriteString("\n\n")
		}
	}
	lineBreak := func() {
		if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
			buf.WriteByte('\n')
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n := n.(type) {
		case *ast.Paragraph, *ast.Heading, *ast.Blockquote, *ast.ThematicBreak:
			if entering {
				if _, inItem := n.Parent().(*ast.ListItem); !inItem {
					blockBreak()
				}
			}

		case *ast.TextBlock:
			// Tight list items hold their text directly.

		case *ast.List:
			if entering {
				if _, nested := n.Parent().(*ast.ListItem); nested {
					lineBreak()
				} else {
					blockBreak()
				}
				ordinal := 0
				if n.IsOrdered() {
					ordinal = n.Start
				}
				lists = append(lists, ordinal)
			} else {
				lists = lists[:len(lists)-1]
				lineBreak()
			}

		case *ast.ListItem:
			if entering {
				lineBreak()
				depth := len(lists) - 1
				buf.WriteString(strings.Repeat("  ", depth))
				if ord := lists[depth]; ord > 0 {
					buf.WriteString(strconv.Itoa(ord) + ". ")
					lists[depth]++
				} else {
					buf.WriteString("- ")
				}
			}

		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				blockBreak()
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					buf.Write(seg.Value(src))
				}
			}
			return ast.WalkSkipChildren, nil

		case *ast.Text:
			if entering {
				buf.Write(n.Segment.Value(src))
				switch {
				case n.HardLineBreak():
					buf.WriteByte('\n')
				case n.SoftLineBreak():
					buf.WriteByte(' ')
				}
			}

		case *ast.String:
			if entering {
				buf.Write(n.Value)
			}

		case *ast.Link:
			if !entering {
				buf.WriteString(" (" + string(n.Destination) + ")")
			}

		case *ast.AutoLink:
			if entering {
				buf.Write(n.URL(src))
			}
			return ast.WalkSkipChildren, nil

		case *ast.RawHTML, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(buf.String())
}
