package vault

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Front-matter keys understood by the publisher. Everything else in the
// block is preserved untouched.
const (
	keyPublish          = "confluence-publish"
	keyTitle            = "confluence-title"
	keyPageID           = "confluence-page-id"
	keyParentPageID     = "confluence-parent-page-id"
	keyParentFolderID   = "confluence-parent-folder-id"
	keyDontChangeParent = "confluence-dont-change-parent"
	keyContentType      = "confluence-content-type"
	keyBlogPostDate     = "confluence-blog-post-date"
	keyTags             = "tags"
)

var frontmatterDelim = []byte("---")

// splitFrontmatter separates a markdown document into its YAML
// front-matter block and body. Returns a nil block when the document
// has no front matter. The body always includes everything after the
// closing delimiter line.
func splitFrontmatter(content []byte) (block, body []byte) {
	if !bytes.HasPrefix(content, frontmatterDelim) {
		return nil, content
	}

	rest := content[len(frontmatterDelim):]

	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		return nil, content
	}
	rest = rest[idx+1:]

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, content
	}

	block = rest[:end]

	body = rest[end+len("\n---"):]
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = nil
	}

	return block, body
}

// parseFrontmatter decodes a front-matter block into a key/value map.
// A nil block yields an empty map.
func parseFrontmatter(block []byte) (map[string]any, error) {
	fm := map[string]any{}
	if len(block) == 0 {
		return fm, nil
	}

	if err := yaml.Unmarshal(block, &fm); err != nil {
		return nil, fmt.Errorf("parsing front matter: %w", err)
	}

	return fm, nil
}

// assembleDocument re-serializes a front-matter map ahead of the body.
// yaml.Marshal emits keys alphabetically; the body is preserved
// byte-for-byte.
func assembleDocument(fm map[string]any, body []byte) ([]byte, error) {
	if len(fm) == 0 {
		return body, nil
	}

	block, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("serializing front matter: %w", err)
	}

	var buf bytes.Buffer

	buf.WriteString("---\n")
	buf.Write(block)
	buf.WriteString("---\n")
	buf.Write(body)

	return buf.Bytes(), nil
}

// stringField reads a front-matter value as a string, tolerating YAML
// scalars that decode as numbers (page IDs are often unquoted).
func stringField(fm map[string]any, key string) string {
	v, ok := fm[key]
	if !ok || v == nil {
		return ""
	}

	switch t := v.(type) {
	case string:
		return t
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	case uint64:
		return fmt.Sprintf("%d", t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// boolField reads a front-matter value as a bool.
func boolField(fm map[string]any, key string) bool {
	v, ok := fm[key].(bool)
	return ok && v
}

// stringsField reads a front-matter value as a string list. A single
// scalar becomes a one-element list.
func stringsField(fm map[string]any, key string) []string {
	v, ok := fm[key]
	if !ok || v == nil {
		return nil
	}

	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}

		return out
	case string:
		if t == "" {
			return nil
		}

		return []string{t}
	default:
		return nil
	}
}
