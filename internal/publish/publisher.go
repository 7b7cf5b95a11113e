package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/confluence-sync/internal/adf"
	"github.com/alexjbarnes/confluence-sync/internal/cache"
	"github.com/alexjbarnes/confluence-sync/internal/confluence"
	"github.com/alexjbarnes/confluence-sync/internal/vault"
)

// Renderer converts markdown source into an ADF document.
type Renderer interface {
	Render(ctx context.Context, source []byte) (*adf.Node, error)
}

// defaultConcurrency bounds parallel node updates. The Confluence API
// rate-limits aggressively above this.
const defaultConcurrency = 4

// Options configure a publish run.
type Options struct {
	// ParentPageID is the global parent every top-level node attaches
	// to. When empty, top-level nodes must declare their own parent in
	// front matter and each such subtree is bounded independently.
	ParentPageID string

	// SingleFile restricts the update phase to one vault-relative path.
	// Reconciliation still covers the whole tree so the file's ancestry
	// resolves.
	SingleFile string

	// SyntheticType is the content type bare local directories publish
	// as; empty flattens them away.
	SyntheticType ContentType

	// Concurrency bounds parallel node updates; zero means the default.
	Concurrency int
}

// Publisher runs the full pipeline: load, render, build the local tree,
// reconcile it against Confluence, then update every node.
type Publisher struct {
	client     confluence.Client
	loader     vault.Loader
	renderer   Renderer
	reconciler *Reconciler
	updater    *Updater
	logger     *slog.Logger
	opts       Options

	mu        sync.Mutex
	accountID string
}

// NewPublisher wires the pipeline. attachments may be nil to disable
// the upload-skipping cache.
func NewPublisher(client confluence.Client, loader vault.Loader, renderer Renderer, attachments *cache.Cache, logger *slog.Logger, opts Options) *Publisher {
	return &Publisher{
		client:     client,
		loader:     loader,
		renderer:   renderer,
		reconciler: NewReconciler(client, loader, logger),
		updater:    NewUpdater(client, loader, attachments, logger),
		logger:     logger,
		opts:       opts,
	}
}

// Publish synchronizes the vault with Confluence and returns one result
// per file. The error is non-nil only for run-level failures (transport
// during reconciliation, unresolvable scope); per-file failures are
// reported in the results.
func (p *Publisher) Publish(ctx context.Context) ([]FileResult, error) {
	accountID, err := p.currentAccountID(ctx)
	if err != nil {
		return nil, fmt.Errorf("identifying current user: %w", err)
	}

	files, err := p.loader.FilesToUpload(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading vault: %w", err)
	}

	if len(files) == 0 {
		p.logger.Info("nothing to publish")
		return nil, nil
	}

	locals, results := p.render(ctx, files)

	tree := BuildTree(locals, TreeOptions{SyntheticType: p.opts.SyntheticType}, p.logger)

	spaceKey, rootParent, topID, err := p.resolveScope(ctx, locals)
	if err != nil {
		return nil, err
	}

	nodes, failed, err := p.reconciler.Reconcile(ctx, tree, spaceKey, rootParent, topID)
	if err != nil {
		return nil, fmt.Errorf("reconciling tree: %w", err)
	}

	for _, f := range failed {
		results = append(results, FileResult{Path: f.Path, Reason: f.Err.Error()})
	}

	p.updater.AccountID = accountID
	p.updater.Links = pageLinks(nodes)

	results = append(results, p.updateAll(ctx, nodes)...)

	return results, nil
}

// render converts each markdown file to a LocalFile. Files whose
// markdown does not render are reported as failed results and excluded
// from the tree.
func (p *Publisher) render(ctx context.Context, files []vault.MarkdownFile) ([]LocalFile, []FileResult) {
	locals := make([]LocalFile, 0, len(files))

	var results []FileResult

	for _, f := range files {
		doc, err := p.renderer.Render(ctx, f.Contents)
		if err != nil {
			p.logger.Warn("rendering failed",
				slog.String("path", f.Path),
				slog.String("error", err.Error()),
			)

			results = append(results, FileResult{Path: f.Path, Reason: fmt.Sprintf("rendering markdown: %v", err)})

			continue
		}

		locals = append(locals, localFile(f, doc))
	}

	return locals, results
}

func localFile(f vault.MarkdownFile, doc *adf.Node) LocalFile {
	contentType := ContentType(f.ContentType)
	if contentType == "" {
		contentType = ContentTypePage
	}

	return LocalFile{
		Path:             f.Path,
		FileName:         f.FileName,
		Contents:         doc,
		PageTitle:        f.PageTitle,
		Frontmatter:      f.Frontmatter,
		Tags:             f.Tags,
		PageID:           f.PageID,
		ParentPageID:     f.ParentPageID,
		ParentFolderID:   f.ParentFolderID,
		DontChangeParent: f.DontChangeParent,
		ContentType:      contentType,
		BlogPostDate:     f.BlogPostDate,
	}
}

// resolveScope determines the space and parent boundaries of the run.
// With a configured global parent the run is bounded by that page and
// its space. Without one, the space comes from a declared front-matter
// parent and each subtree bounds itself.
func (p *Publisher) resolveScope(ctx context.Context, locals []LocalFile) (spaceKey, rootParent, topID string, err error) {
	if p.opts.ParentPageID != "" {
		parent, err := p.client.GetContentByID(ctx, p.opts.ParentPageID)
		if err != nil {
			return "", "", "", fmt.Errorf("resolving configured parent page %s: %w", p.opts.ParentPageID, err)
		}

		if parent.Space == nil || parent.Space.Key == "" {
			return "", "", "", fmt.Errorf("configured parent page %s has no space", p.opts.ParentPageID)
		}

		return parent.Space.Key, p.opts.ParentPageID, p.opts.ParentPageID, nil
	}

	anchors, err := p.metadataAnchors(ctx, locals)
	if err != nil {
		return "", "", "", err
	}

	if len(anchors) == 0 {
		return "", "", "", errors.New("no parent page configured and no file declares confluence-parent-page-id; nothing to anchor the tree to")
	}

	for _, anchor := range anchors {
		parent, err := p.client.GetContentByID(ctx, anchor)
		if err != nil {
			p.logger.Warn("declared parent page did not resolve",
				slog.String("id", anchor),
				slog.String("error", err.Error()),
			)

			continue
		}

		if parent.Space == nil || parent.Space.Key == "" {
			continue
		}

		return parent.Space.Key, "", "", nil
	}

	return "", "", "", errors.New("no declared parent page resolved; nothing to anchor the tree to")
}

// metadataAnchors lists candidate parent pages for space resolution in
// metadata-driven mode: declared folder-note roots in path order, then
// any remaining file with an explicit parent. The space comes from the
// first candidate that resolves.
func (p *Publisher) metadataAnchors(ctx context.Context, locals []LocalFile) ([]string, error) {
	roots, err := p.loader.PublishRootsByFrontmatter(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering publish roots: %w", err)
	}

	dirs := make([]string, 0, len(roots))
	for dir := range roots {
		dirs = append(dirs, dir)
	}

	sort.Strings(dirs)

	var anchors []string

	seen := map[string]bool{}

	for _, dir := range dirs {
		if id := roots[dir]; !seen[id] {
			seen[id] = true
			anchors = append(anchors, id)
		}
	}

	for _, f := range locals {
		if f.ParentPageID != "" && !seen[f.ParentPageID] {
			seen[f.ParentPageID] = true
			anchors = append(anchors, f.ParentPageID)
		}
	}

	return anchors, nil
}

// updateAll fans node updates out across a bounded worker group. Every
// goroutine returns nil: a node failure becomes that node's result, not
// the group's error.
func (p *Publisher) updateAll(ctx context.Context, nodes []ReconciledNode) []FileResult {
	selected := nodes

	if p.opts.SingleFile != "" {
		selected = selected[:0:0]

		for _, n := range nodes {
			if n.File.File.Path == p.opts.SingleFile {
				selected = append(selected, n)
			}
		}
	}

	results := make([]FileResult, len(selected))

	g, gctx := errgroup.WithContext(ctx)

	concurrency := p.opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	g.SetLimit(concurrency)

	for i := range selected {
		node := &selected[i]
		result := &results[i]

		g.Go(func() error {
			result.Path = node.File.File.Path
			result.Node = node

			upload, err := p.updater.UpdateNode(gctx, node)
			if err != nil {
				p.logger.Warn("update failed",
					slog.String("path", node.File.File.Path),
					slog.String("error", err.Error()),
				)

				result.Reason = err.Error()

				return nil
			}

			result.Upload = upload

			return nil
		})
	}

	_ = g.Wait()

	return results
}

// pageLinks maps each published file's vault path to its page URL for
// cross-document link rewriting.
func pageLinks(nodes []ReconciledNode) map[string]string {
	links := make(map[string]string, len(nodes))

	for _, n := range nodes {
		if n.File.PageURL == "" || n.File.File.Synthetic {
			continue
		}

		links[n.File.File.Path] = n.File.PageURL
	}

	return links
}

// currentAccountID resolves and caches the synchronizing user's account
// ID for the foreign-edit guard.
func (p *Publisher) currentAccountID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accountID != "" {
		return p.accountID, nil
	}

	user, err := p.client.CurrentUser(ctx)
	if err != nil {
		return "", err
	}

	p.accountID = user.AccountID

	return p.accountID, nil
}

// renderFunc adapts a function to the Renderer interface, mainly for
// tests.
type renderFunc func(ctx context.Context, source []byte) (*adf.Node, error)

func (f renderFunc) Render(ctx context.Context, source []byte) (*adf.Node, error) {
	return f(ctx, source)
}

var _ Renderer = renderFunc(nil)
