package markdown

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/confluence-sync/internal/adf"
)

// UploadedAttachment describes the remote attachment an upload resolved
// to. Updated is false when the binary was already attached unchanged.
type UploadedAttachment struct {
	FileID     string
	Collection string
	Updated    bool
}

// Support is the shared context the publisher hands to processors:
// binary access, attachment upload, and page-link resolution.
type Support interface {
	// ReadBinary loads a binary referenced from a markdown file. The
	// path is resolved relative to referencedFrom when not absolute.
	ReadBinary(ctx context.Context, path, referencedFrom string) ([]byte, error)

	// UploadAttachment attaches data to the page being published.
	UploadAttachment(ctx context.Context, name string, data []byte) (UploadedAttachment, error)

	// ResolveLink maps a vault-relative markdown link to a remote page
	// URL. The second return is false when the target is not published.
	ResolveLink(ctx context.Context, target, referencedFrom string) (string, bool)
}

// Processor transforms an ADF document during the publish pipeline.
type Processor interface {
	Name() string
	Process(ctx context.Context, doc *adf.Node, sup Support) (*adf.Node, error)
}

// RunPipeline applies each processor in order, feeding the output of
// one into the next.
func RunPipeline(ctx context.Context, doc *adf.Node, processors []Processor, sup Support) (*adf.Node, error) {
	for _, p := range processors {
		next, err := p.Process(ctx, doc, sup)
		if err != nil {
			return nil, fmt.Errorf("processor %s: %w", p.Name(), err)
		}

		doc = next
	}

	return doc, nil
}

// ImageProcessor resolves image placeholder nodes: local binaries are
// uploaded as attachments and become media nodes, remote URLs become
// external media, unreadable references are dropped with a warning.
type ImageProcessor struct {
	// FilePath is the vault-relative path of the file being published,
	// used to resolve relative image references.
	FilePath string

	Logger *slog.Logger
}

func (p *ImageProcessor) Name() string { return "images" }

// Process rewrites placeholders bottom-up. A paragraph containing
// placeholders is split: inline runs stay paragraphs, each image becomes
// a block-level mediaSingle, since ADF media cannot sit inline.
func (p *ImageProcessor) Process(ctx context.Context, doc *adf.Node, sup Support) (*adf.Node, error) {
	out := &adf.Node{Type: doc.Type, Attrs: doc.Attrs, Marks: doc.Marks, Text: doc.Text, Version: doc.Version}

	for _, child := range doc.Content {
		if child.Type != "paragraph" {
			sub, err := p.Process(ctx, child, sup)
			if err != nil {
				return nil, err
			}

			out.Content = append(out.Content, sub)

			continue
		}

		blocks, err := p.splitParagraph(ctx, child, sup)
		if err != nil {
			return nil, err
		}

		out.Content = append(out.Content, blocks...)
	}

	return out, nil
}

func (p *ImageProcessor) splitParagraph(ctx context.Context, para *adf.Node, sup Support) ([]*adf.Node, error) {
	var (
		blocks []*adf.Node
		run    []*adf.Node
	)

	flush := func() {
		if len(run) > 0 {
			blocks = append(blocks, adf.Paragraph(run...))
			run = nil
		}
	}

	for _, inline := range para.Content {
		if inline.Type != adf.ImagePlaceholderType {
			run = append(run, inline)
			continue
		}

		media, err := p.resolveImage(ctx, inline, sup)
		if err != nil {
			return nil, err
		}

		if media != nil {
			flush()
			blocks = append(blocks, adf.MediaSingle(media))
		}
	}

	flush()

	if len(blocks) == 0 {
		return nil, nil
	}

	return blocks, nil
}

// resolveImage turns one placeholder into a media node, or nil when the
// reference cannot be resolved.
func (p *ImageProcessor) resolveImage(ctx context.Context, placeholder *adf.Node, sup Support) (*adf.Node, error) {
	src, _ := placeholder.Attrs["src"].(string)
	if src == "" {
		return nil, nil
	}

	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return &adf.Node{
			Type:  "media",
			Attrs: map[string]any{"type": "external", "url": src},
		}, nil
	}

	data, err := sup.ReadBinary(ctx, src, p.FilePath)
	if err != nil {
		if p.Logger != nil {
			p.Logger.Warn("image reference unresolved, dropping",
				slog.String("file", p.FilePath),
				slog.String("src", src),
				slog.String("error", err.Error()),
			)
		}

		return nil, nil
	}

	name := src
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}

	uploaded, err := sup.UploadAttachment(ctx, name, data)
	if err != nil {
		return nil, fmt.Errorf("uploading image %s: %w", src, err)
	}

	return adf.Media(uploaded.FileID, uploaded.Collection), nil
}

// LinkProcessor rewrites markdown links that point at other vault files
// to the corresponding remote page URLs. Unpublished targets keep their
// original href.
type LinkProcessor struct {
	FilePath string
}

func (p *LinkProcessor) Name() string { return "links" }

func (p *LinkProcessor) Process(ctx context.Context, doc *adf.Node, sup Support) (*adf.Node, error) {
	doc.Walk(func(n *adf.Node) bool {
		for i, m := range n.Marks {
			if m.Type != "link" {
				continue
			}

			href, _ := m.Attrs["href"].(string)
			if !isVaultLink(href) {
				continue
			}

			if resolved, ok := sup.ResolveLink(ctx, href, p.FilePath); ok {
				n.Marks[i] = adf.LinkMark(resolved)
			}
		}

		return true
	})

	return doc, nil
}

// isVaultLink reports whether href looks like a relative markdown file
// reference rather than an external URL or anchor.
func isVaultLink(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}

	if strings.Contains(href, "://") || strings.HasPrefix(href, "mailto:") {
		return false
	}

	base := href
	if idx := strings.IndexAny(base, "#?"); idx >= 0 {
		base = base[:idx]
	}

	return strings.HasSuffix(base, ".md")
}
