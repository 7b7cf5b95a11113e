// Package markdown converts Markdown source into ADF document trees and
// runs the post-render processing pipeline (image embedding, link
// resolution) that prepares a document for upload.
package markdown

import (
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/alexjbarnes/confluence-sync/internal/adf"
)

// Renderer converts Markdown to ADF.
type Renderer struct {
	md goldmark.Markdown
}

// NewRenderer creates a renderer with strikethrough support enabled.
func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(goldmark.WithExtensions(extension.Strikethrough)),
	}
}

// Render parses source and returns the equivalent ADF document.
// Images become placeholder nodes; the image processor resolves them.
func (r *Renderer) Render(_ context.Context, source []byte) (*adf.Node, error) {
	root := r.md.Parser().Parse(text.NewReader(source))

	content, err := renderBlocks(root, source)
	if err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}

	return adf.Doc(content...), nil
}

// renderBlocks converts the block-level children of parent.
func renderBlocks(parent ast.Node, source []byte) ([]*adf.Node, error) {
	var out []*adf.Node

	for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
		blocks, err := renderBlock(c, source)
		if err != nil {
			return nil, err
		}

		out = append(out, blocks...)
	}

	return out, nil
}

func renderBlock(n ast.Node, source []byte) ([]*adf.Node, error) {
	switch b := n.(type) {
	case *ast.Heading:
		inlines := renderInlines(b, source, nil)
		return []*adf.Node{adf.Heading(b.Level, inlines...)}, nil

	case *ast.Paragraph, *ast.TextBlock:
		inlines := renderInlines(n, source, nil)
		if len(inlines) == 0 {
			return nil, nil
		}

		return []*adf.Node{adf.Paragraph(inlines...)}, nil

	case *ast.FencedCodeBlock:
		lang := string(b.Language(source))
		return []*adf.Node{adf.CodeBlock(lang, blockText(b, source))}, nil

	case *ast.CodeBlock:
		return []*adf.Node{adf.CodeBlock("", blockText(b, source))}, nil

	case *ast.List:
		return renderList(b, source)

	case *ast.Blockquote:
		content, err := renderBlocks(b, source)
		if err != nil {
			return nil, err
		}

		return []*adf.Node{adf.Blockquote(content...)}, nil

	case *ast.ThematicBreak:
		return []*adf.Node{adf.Rule()}, nil

	case *ast.HTMLBlock:
		// Raw HTML has no ADF equivalent. Dropped.
		return nil, nil

	default:
		// Unknown block types are flattened into their children so new
		// goldmark nodes degrade instead of failing the render.
		return renderBlocks(n, source)
	}
}

func renderList(l *ast.List, source []byte) ([]*adf.Node, error) {
	var items []*adf.Node

	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		content, err := renderBlocks(item, source)
		if err != nil {
			return nil, err
		}

		if len(content) == 0 {
			content = []*adf.Node{adf.Paragraph()}
		}

		items = append(items, adf.ListItem(content...))
	}

	if l.IsOrdered() {
		start := l.Start
		if start == 0 {
			start = 1
		}

		return []*adf.Node{adf.OrderedList(start, items...)}, nil
	}

	return []*adf.Node{adf.BulletList(items...)}, nil
}

// renderInlines converts the inline children of parent, carrying the
// active mark set down through nested emphasis/link nodes.
func renderInlines(parent ast.Node, source []byte, marks []adf.Mark) []*adf.Node {
	var out []*adf.Node

	for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
		out = append(out, renderInline(c, source, marks)...)
	}

	return out
}

func renderInline(n ast.Node, source []byte, marks []adf.Mark) []*adf.Node {
	switch i := n.(type) {
	case *ast.Text:
		seg := i.Segment
		txt := string(seg.Value(source))

		var out []*adf.Node
		if txt != "" {
			out = append(out, adf.Text(txt, cloneMarks(marks)...))
		}

		if i.HardLineBreak() {
			out = append(out, adf.HardBreak())
		} else if i.SoftLineBreak() {
			out = append(out, adf.Text(" ", cloneMarks(marks)...))
		}

		return out

	case *ast.String:
		return []*adf.Node{adf.Text(string(i.Value), cloneMarks(marks)...)}

	case *ast.Emphasis:
		mark := adf.Mark{Type: "em"}
		if i.Level >= 2 {
			mark = adf.Mark{Type: "strong"}
		}

		return renderInlines(i, source, append(marks, mark))

	case *east.Strikethrough:
		return renderInlines(i, source, append(marks, adf.Mark{Type: "strike"}))

	case *ast.CodeSpan:
		txt := nodeText(i, source)
		return []*adf.Node{adf.Text(txt, cloneMarks(append(marks, adf.Mark{Type: "code"}))...)}

	case *ast.Link:
		href := string(i.Destination)
		return renderInlines(i, source, append(marks, adf.LinkMark(href)))

	case *ast.AutoLink:
		url := string(i.URL(source))
		label := string(i.Label(source))

		if i.AutoLinkType == ast.AutoLinkEmail && !strings.HasPrefix(url, "mailto:") {
			url = "mailto:" + url
		}

		return []*adf.Node{adf.Text(label, cloneMarks(append(marks, adf.LinkMark(url)))...)}

	case *ast.Image:
		src := string(i.Destination)
		alt := nodeText(i, source)

		return []*adf.Node{adf.ImagePlaceholder(src, alt)}

	case *ast.RawHTML:
		return nil

	default:
		return renderInlines(n, source, marks)
	}
}

// cloneMarks copies a mark slice so siblings sharing a parent's mark
// stack do not alias each other's backing array.
func cloneMarks(marks []adf.Mark) []adf.Mark {
	if len(marks) == 0 {
		return nil
	}

	out := make([]adf.Mark, len(marks))
	copy(out, marks)

	return out
}

// blockText joins the raw source lines of a code block, trimming the
// trailing newline.
func blockText(n ast.Node, source []byte) string {
	var sb strings.Builder

	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

// nodeText collects the plain text beneath an inline node.
func nodeText(n ast.Node, source []byte) string {
	var sb strings.Builder

	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
		case *ast.String:
			sb.Write(t.Value)
		default:
			sb.WriteString(nodeText(c, source))
		}
	}

	return sb.String()
}
