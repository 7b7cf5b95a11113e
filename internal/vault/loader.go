// Package vault loads markdown files and their front matter from a
// local content tree and persists resolved remote identity back into
// the front matter. Front matter is the only durable record of which
// local file maps to which Confluence object.
package vault

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MarkdownFile is one loaded markdown document: body plus the typed
// view of its front matter.
type MarkdownFile struct {
	// Path is the vault-relative path with forward slashes.
	Path     string
	FileName string

	// Contents is the markdown body, front matter stripped.
	Contents []byte

	PageTitle   string
	Frontmatter map[string]any
	Tags        []string

	// PageID is the remembered remote identity; may be stale or empty.
	PageID string

	// ParentPageID / ParentFolderID are explicit parent overrides.
	ParentPageID   string
	ParentFolderID string

	// DontChangeParent pins the current remote ancestry on update.
	DontChangeParent bool

	// ContentType is "page", "blogpost", or "folder" (empty means page).
	ContentType  string
	BlogPostDate string
}

// PartialValues carries front-matter fields to persist. Nil pointers
// leave the field untouched; an empty string removes the key.
type PartialValues struct {
	PageID *string
}

// Loader is the adaptor surface the publish engine consumes.
type Loader interface {
	// FilesToUpload returns every markdown file selected for publishing.
	FilesToUpload(ctx context.Context) ([]MarkdownFile, error)

	// LoadMarkdownFile loads a single file by vault-relative path.
	LoadMarkdownFile(ctx context.Context, path string) (*MarkdownFile, error)

	// ReadBinary loads a binary referenced from a markdown file,
	// resolving relative paths against the referencing file's directory.
	ReadBinary(ctx context.Context, path, referencedFrom string) ([]byte, error)

	// UpdateMarkdownValues persists values into the file's front matter.
	// It must complete before the caller publishes any child of the file.
	UpdateMarkdownValues(ctx context.Context, path string, values PartialValues) error

	// PublishRootsByFrontmatter maps folder-note directories that declare
	// an explicit parent page to that parent's ID. Used in
	// metadata-driven mode to discover independently-parented subtrees.
	PublishRootsByFrontmatter(ctx context.Context) (map[string]string, error)
}

// FSLoader loads markdown files from a directory tree.
type FSLoader struct {
	root   string
	logger *slog.Logger

	// RequireMarker selects only files with "confluence-publish: true"
	// when set. Otherwise every file publishes unless the marker is
	// explicitly false.
	RequireMarker bool
}

var _ Loader = (*FSLoader)(nil)

// NewFSLoader creates a loader rooted at the given directory.
func NewFSLoader(root string, logger *slog.Logger) (*FSLoader, error) {
	if root == "" {
		return nil, fmt.Errorf("content root must not be empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving content root: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("accessing content root: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("content root is not a directory: %s", abs)
	}

	return &FSLoader{root: abs, logger: logger}, nil
}

// shouldSkipDir hides dot-directories and underscore-prefixed
// directories from the walk.
func shouldSkipDir(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// FilesToUpload walks the content root and loads every selected file.
func (l *FSLoader) FilesToUpload(ctx context.Context) ([]MarkdownFile, error) {
	var files []MarkdownFile

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			if path != l.root && shouldSkipDir(d.Name()) {
				return filepath.SkipDir
			}

			return nil
		}

		if !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}

		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", path, err)
		}

		md, err := l.load(filepath.ToSlash(rel))
		if err != nil {
			return err
		}

		if !l.selected(md) {
			return nil
		}

		files = append(files, *md)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking content root: %w", err)
	}

	return files, nil
}

// selected applies the publish opt-in/opt-out marker.
func (l *FSLoader) selected(md *MarkdownFile) bool {
	if l.RequireMarker {
		return boolField(md.Frontmatter, keyPublish)
	}

	v, ok := md.Frontmatter[keyPublish].(bool)

	return !ok || v
}

// LoadMarkdownFile loads a single file by vault-relative path.
func (l *FSLoader) LoadMarkdownFile(_ context.Context, path string) (*MarkdownFile, error) {
	return l.load(path)
}

func (l *FSLoader) load(relPath string) (*MarkdownFile, error) {
	abs, err := l.confine(relPath)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", relPath, err)
	}

	block, body := splitFrontmatter(content)

	fm, err := parseFrontmatter(block)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", relPath, err)
	}

	fileName := filepath.Base(relPath)

	title := stringField(fm, keyTitle)
	if title == "" {
		title = strings.TrimSuffix(fileName, ".md")
	}

	contentType := stringField(fm, keyContentType)

	return &MarkdownFile{
		Path:             relPath,
		FileName:         fileName,
		Contents:         body,
		PageTitle:        norm.NFC.String(title),
		Frontmatter:      fm,
		Tags:             stringsField(fm, keyTags),
		PageID:           stringField(fm, keyPageID),
		ParentPageID:     stringField(fm, keyParentPageID),
		ParentFolderID:   stringField(fm, keyParentFolderID),
		DontChangeParent: boolField(fm, keyDontChangeParent),
		ContentType:      contentType,
		BlogPostDate:     stringField(fm, keyBlogPostDate),
	}, nil
}

// confine resolves a vault-relative path and rejects traversal outside
// the content root.
func (l *FSLoader) confine(relPath string) (string, error) {
	abs := filepath.Join(l.root, filepath.FromSlash(relPath))
	if abs != l.root && !strings.HasPrefix(abs, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes content root", relPath)
	}

	return abs, nil
}

// ReadBinary loads a binary referenced from a markdown file.
func (l *FSLoader) ReadBinary(_ context.Context, path, referencedFrom string) ([]byte, error) {
	rel := path
	if !strings.HasPrefix(rel, "/") {
		rel = filepath.ToSlash(filepath.Join(filepath.Dir(filepath.FromSlash(referencedFrom)), filepath.FromSlash(path)))
	} else {
		rel = strings.TrimPrefix(rel, "/")
	}

	abs, err := l.confine(rel)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading binary %s (from %s): %w", path, referencedFrom, err)
	}

	return data, nil
}

// UpdateMarkdownValues rewrites the file's front-matter block in place,
// preserving the body byte-for-byte. The write is synchronous: when it
// returns, the new values are on disk.
func (l *FSLoader) UpdateMarkdownValues(_ context.Context, path string, values PartialValues) error {
	abs, err := l.confine(path)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	block, body := splitFrontmatter(content)

	fm, err := parseFrontmatter(block)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if values.PageID != nil {
		if *values.PageID == "" {
			delete(fm, keyPageID)
		} else {
			fm[keyPageID] = *values.PageID
		}
	}

	out, err := assembleDocument(fm, body)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := os.WriteFile(abs, out, info.Mode().Perm()); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if l.logger != nil {
		l.logger.Debug("front matter updated", slog.String("path", path))
	}

	return nil
}

// PublishRootsByFrontmatter finds folder notes that declare an explicit
// parent page, keyed by their directory path.
func (l *FSLoader) PublishRootsByFrontmatter(ctx context.Context) (map[string]string, error) {
	files, err := l.FilesToUpload(ctx)
	if err != nil {
		return nil, err
	}

	roots := map[string]string{}

	for _, f := range files {
		if f.ParentPageID == "" {
			continue
		}

		dir := filepath.ToSlash(filepath.Dir(f.Path))
		stem := strings.TrimSuffix(f.FileName, ".md")

		if filepath.Base(dir) != stem {
			continue // not a folder note
		}

		roots[dir] = f.ParentPageID
	}

	return roots, nil
}
