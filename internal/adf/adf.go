// Package adf models the Atlassian Document Format tree: the JSON
// representation of rich text content exchanged with Confluence. It
// provides builders for the node types the renderer emits and a
// structural equality check used by the publish differ.
package adf

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Mark annotates inline text (strong, em, code, link, ...).
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Node is one node of an ADF document tree. The root node has type
// "doc" and carries the format version.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Version int            `json:"version,omitempty"`
}

// Parse decodes an ADF JSON document. An empty input yields an empty doc.
func Parse(data []byte) (*Node, error) {
	if len(data) == 0 {
		return Doc(), nil
	}

	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("parsing ADF document: %w", err)
	}

	return &n, nil
}

// Doc builds a document root node.
func Doc(content ...*Node) *Node {
	return &Node{Type: "doc", Version: 1, Content: content}
}

// Paragraph builds a paragraph node.
func Paragraph(content ...*Node) *Node {
	return &Node{Type: "paragraph", Content: content}
}

// Text builds an inline text node with optional marks.
func Text(text string, marks ...Mark) *Node {
	return &Node{Type: "text", Text: text, Marks: marks}
}

// Heading builds a heading node of the given level (1-6).
func Heading(level int, content ...*Node) *Node {
	return &Node{Type: "heading", Attrs: map[string]any{"level": level}, Content: content}
}

// CodeBlock builds a code block node. Language may be empty.
func CodeBlock(language, text string) *Node {
	n := &Node{Type: "codeBlock"}
	if language != "" {
		n.Attrs = map[string]any{"language": language}
	}

	if text != "" {
		n.Content = []*Node{{Type: "text", Text: text}}
	}

	return n
}

// BulletList builds a bullet list node.
func BulletList(items ...*Node) *Node {
	return &Node{Type: "bulletList", Content: items}
}

// OrderedList builds an ordered list node starting at the given number.
func OrderedList(start int, items ...*Node) *Node {
	return &Node{Type: "orderedList", Attrs: map[string]any{"order": start}, Content: items}
}

// ListItem builds a list item node.
func ListItem(content ...*Node) *Node {
	return &Node{Type: "listItem", Content: content}
}

// Blockquote builds a block quote node.
func Blockquote(content ...*Node) *Node {
	return &Node{Type: "blockquote", Content: content}
}

// Rule builds a thematic break node.
func Rule() *Node {
	return &Node{Type: "rule"}
}

// HardBreak builds an explicit line break node.
func HardBreak() *Node {
	return &Node{Type: "hardBreak"}
}

// LinkMark builds a link mark pointing at href.
func LinkMark(href string) Mark {
	return Mark{Type: "link", Attrs: map[string]any{"href": href}}
}

// MediaSingle wraps a media node for block-level display.
func MediaSingle(media *Node) *Node {
	return &Node{
		Type:    "mediaSingle",
		Attrs:   map[string]any{"layout": "center"},
		Content: []*Node{media},
	}
}

// Media builds a media node referencing an uploaded attachment by
// filename and collection.
func Media(fileID, collection string) *Node {
	return &Node{
		Type: "media",
		Attrs: map[string]any{
			"type":       "file",
			"id":         fileID,
			"collection": collection,
		},
	}
}

// ImagePlaceholderType is the node type the Markdown renderer emits for
// images. It is not valid ADF; the image processor rewrites these to
// media nodes (or strips them) before anything is sent to Confluence.
const ImagePlaceholderType = "imagePlaceholder"

// ImagePlaceholder builds a pre-pipeline placeholder for a Markdown image.
func ImagePlaceholder(src, alt string) *Node {
	return &Node{
		Type:  ImagePlaceholderType,
		Attrs: map[string]any{"src": src, "alt": alt},
	}
}

// JSON renders the node as compact JSON.
func (n *Node) JSON() ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encoding ADF document: %w", err)
	}

	return data, nil
}

// Walk visits n and every descendant in depth-first order. The visitor
// returns false to stop the walk.
func (n *Node) Walk(visit func(*Node) bool) bool {
	if n == nil {
		return true
	}

	if !visit(n) {
		return false
	}

	for _, c := range n.Content {
		if !c.Walk(visit) {
			return false
		}
	}

	return true
}

// Equal reports whether two documents are structurally identical.
// Inline mark order is normalized before comparison, so two text runs
// carrying the same marks in a different order compare equal. Empty
// attr maps and nil attr maps also compare equal.
func Equal(a, b *Node) bool {
	ca, err := canonical(a)
	if err != nil {
		return false
	}

	cb, err := canonical(b)
	if err != nil {
		return false
	}

	return string(ca) == string(cb)
}

// canonical renders a normalized copy of the node as JSON. Map keys are
// sorted by encoding/json; marks are sorted here.
func canonical(n *Node) ([]byte, error) {
	if n == nil {
		return []byte("null"), nil
	}

	return json.Marshal(normalize(n))
}

func normalize(n *Node) *Node {
	out := &Node{
		Type:    n.Type,
		Text:    n.Text,
		Version: n.Version,
	}

	if len(n.Attrs) > 0 {
		out.Attrs = n.Attrs
	}

	if len(n.Marks) > 0 {
		marks := make([]Mark, len(n.Marks))
		copy(marks, n.Marks)
		sort.Slice(marks, func(i, j int) bool {
			if marks[i].Type != marks[j].Type {
				return marks[i].Type < marks[j].Type
			}

			mi, _ := json.Marshal(marks[i].Attrs)
			mj, _ := json.Marshal(marks[j].Attrs)

			return string(mi) < string(mj)
		})
		out.Marks = marks
	}

	if len(n.Content) > 0 {
		out.Content = make([]*Node, len(n.Content))
		for i, c := range n.Content {
			out.Content[i] = normalize(c)
		}
	}

	return out
}
