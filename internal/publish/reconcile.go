package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/confluence-sync/internal/adf"
	"github.com/alexjbarnes/confluence-sync/internal/confluence"
	"github.com/alexjbarnes/confluence-sync/internal/vault"
)

// Reconciler maps each local tree node to exactly one remote object,
// creating it if absent. The walk is depth-first with the parent
// resolved before its children: a child's creation needs the parent's
// remote ID, so this ordering is load-bearing.
type Reconciler struct {
	client confluence.Client
	loader vault.Loader
	logger *slog.Logger
}

// NewReconciler creates a reconciler with the given dependencies.
func NewReconciler(client confluence.Client, loader vault.Loader, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		client: client,
		loader: loader,
		logger: logger,
	}
}

// reconcileRun holds per-run state so the Reconciler itself stays
// stateless across publishes.
type reconcileRun struct {
	r        *Reconciler
	spaceKey string
	spaceID  string
	out      []ReconciledNode
	failed   []FailedNode
}

// Reconcile resolves the remote object for every node of the tree and
// returns the flattened node list in depth-first order (the synthetic
// root is dropped). Node-scoped configuration and boundary errors fail
// that node's subtree and are returned in the second value; transport
// errors abort the whole run since later nodes depend on earlier
// resolution.
//
// rootParentID is the effective parent threaded to top-level nodes (may
// be empty in metadata-driven mode). topPageID bounds title-search
// adoption: a found page whose ancestor chain does not include it is
// rejected rather than silently overwritten.
func (r *Reconciler) Reconcile(ctx context.Context, tree *LocalNode, spaceKey, rootParentID, topPageID string) ([]ReconciledNode, []FailedNode, error) {
	run := &reconcileRun{r: r, spaceKey: spaceKey}

	var ancestors []string
	if rootParentID != "" {
		ancestors = []string{rootParentID}
	}

	for _, child := range tree.Children {
		if err := run.resolve(ctx, child, rootParentID, topPageID, ancestors); err != nil {
			return nil, nil, err
		}
	}

	return run.out, run.failed, nil
}

// resolve handles one node then recurses into its children with this
// node's freshly resolved remote ID as their parent. Node-scoped errors
// are recorded (failing the subtree) and nil is returned; only
// transport errors propagate.
func (run *reconcileRun) resolve(ctx context.Context, node *LocalNode, parentID, topID string, ancestors []string) error {
	file := node.File
	if file == nil {
		// Structural directory with no folder note: pass-through. The
		// children inherit this node's effective parent.
		for _, child := range node.Children {
			if err := run.resolve(ctx, child, parentID, topID, ancestors); err != nil {
				return err
			}
		}

		return nil
	}

	effectiveParent, nodeAncestors := effectiveParent(file, parentID, ancestors)

	rec, err := run.resolveFile(ctx, file, effectiveParent, topID)
	if err != nil {
		var nodeErr *NodeError
		if errors.As(err, &nodeErr) {
			run.failSubtree(node, err)
			return nil
		}

		return err
	}

	rec.Ancestors = nodeAncestors
	run.out = append(run.out, *rec)

	childTop := topID
	if childTop == "" {
		// Metadata-driven mode: this subtree's root becomes its own
		// boundary for descendant title searches.
		childTop = rec.File.PageID
	}

	childAncestors := append(append([]string(nil), nodeAncestors...), rec.File.PageID)

	for _, child := range node.Children {
		if err := run.resolve(ctx, child, rec.File.PageID, childTop, childAncestors); err != nil {
			return err
		}
	}

	return nil
}

// effectiveParent picks the parent remote ID for a node: explicit
// front-matter override (folder beats page) else the ID threaded from
// the recursive caller. An override restarts the ancestor chain.
func effectiveParent(file *LocalFile, parentID string, ancestors []string) (string, []string) {
	switch {
	case file.ParentFolderID != "":
		return file.ParentFolderID, []string{file.ParentFolderID}
	case file.ParentPageID != "":
		return file.ParentPageID, []string{file.ParentPageID}
	default:
		return parentID, ancestors
	}
}

// failSubtree records the node and every publishable descendant as
// failed: children of an unresolved node are unreachable.
func (run *reconcileRun) failSubtree(node *LocalNode, err error) {
	if node.File != nil {
		run.r.logger.Warn("reconcile: node failed",
			slog.String("path", node.File.Path),
			slog.String("error", err.Error()),
		)
		run.failed = append(run.failed, FailedNode{Path: node.File.Path, Err: err})
	}

	for _, child := range node.Children {
		childErr := err
		if node.File != nil {
			childErr = fmt.Errorf("parent %s failed to reconcile: %w", node.File.Path, err)
		}

		run.failSubtree(child, childErr)
	}
}

// resolveFile dispatches on content type.
func (run *reconcileRun) resolveFile(ctx context.Context, file *LocalFile, effectiveParent, topID string) (*ReconciledNode, error) {
	switch file.ContentType {
	case ContentTypeFolder:
		return run.resolveFolder(ctx, file, effectiveParent)
	case ContentTypePage, ContentTypeBlogpost:
		return run.resolveContent(ctx, file, effectiveParent, topID)
	default:
		return nil, &NodeError{Path: file.Path, Err: fmt.Errorf("unknown content type %q", file.ContentType)}
	}
}

// persistPageID writes a resolved (or cleared) remote ID back into the
// source file's front matter. This must complete before any child is
// reconciled: it is what makes a partially failed run safe to retry
// without creating duplicate remote objects.
func (run *reconcileRun) persistPageID(ctx context.Context, file *LocalFile, id string) error {
	if file.Synthetic {
		return nil
	}

	if err := run.r.loader.UpdateMarkdownValues(ctx, file.Path, vault.PartialValues{PageID: &id}); err != nil {
		return fmt.Errorf("persisting page id for %s: %w", file.Path, err)
	}

	return nil
}

// resolveFolder resolves a hierarchical-object node via the optional v2
// capability: remembered ID, then duplicate-avoidance title search,
// then creation.
func (run *reconcileRun) resolveFolder(ctx context.Context, file *LocalFile, effectiveParent string) (*ReconciledNode, error) {
	folders, ok := run.r.client.Folders(ctx)
	if !ok {
		return nil, &NodeError{Path: file.Path, Err: confluence.ErrCapabilityUnavailable}
	}

	if run.spaceID == "" {
		id, err := folders.SpaceID(ctx, run.spaceKey)
		if err != nil {
			return nil, fmt.Errorf("resolving space id: %w", err)
		}

		run.spaceID = id
	}

	var folder *confluence.Folder

	if file.PageID != "" {
		f, err := folders.GetFolder(ctx, file.PageID)

		switch {
		case err == nil:
			folder = f
		case errors.Is(err, confluence.ErrNotFound):
			run.r.logger.Info("remembered folder id is stale, clearing",
				slog.String("path", file.Path),
				slog.String("id", file.PageID),
			)

			if err := run.persistPageID(ctx, file, ""); err != nil {
				return nil, err
			}

			file.PageID = ""
		default:
			return nil, err
		}
	}

	if folder == nil {
		f, err := folders.FindFolderByTitle(ctx, run.spaceKey, file.PageTitle)

		switch {
		case err == nil:
			// Reuse the existing folder; re-parent it when it sits
			// somewhere else than intended.
			if effectiveParent != "" && f.ParentID != effectiveParent {
				run.r.logger.Info("re-parenting existing folder",
					slog.String("path", file.Path),
					slog.String("from", f.ParentID),
					slog.String("to", effectiveParent),
				)

				f, err = folders.UpdateFolder(ctx, f.ID, confluence.UpdateFolderRequest{
					Title:    f.Title,
					ParentID: effectiveParent,
					Version:  f.Version + 1,
				})
				if err != nil {
					return nil, err
				}
			}

			folder = f
		case errors.Is(err, confluence.ErrNotFound):
			if effectiveParent == "" {
				return nil, &NodeError{Path: file.Path, Err: errors.New("no parent available to create folder under; set confluence-parent-page-id or configure a global parent")}
			}

			created, err := folders.CreateFolder(ctx, run.spaceID, effectiveParent, file.PageTitle)
			if err != nil {
				return nil, err
			}

			run.r.logger.Info("created folder",
				slog.String("path", file.Path),
				slog.String("id", created.ID),
			)

			folder = created
		default:
			return nil, err
		}

		if err := run.persistPageID(ctx, file, folder.ID); err != nil {
			return nil, err
		}

		file.PageID = folder.ID
	}

	return &ReconciledNode{
		File: RemoteFile{
			File:     *file,
			PageID:   folder.ID,
			SpaceKey: run.spaceKey,
			PageURL:  folder.URL,
		},
		Version:       folder.Version,
		LastUpdatedBy: folder.AuthorID,
		Existing: ExistingPage{
			Title:       folder.Title,
			Ancestors:   ancestorsOf(folder.ParentID),
			ContentType: ContentTypeFolder,
		},
	}, nil
}

func ancestorsOf(parentID string) []string {
	if parentID == "" {
		return nil
	}

	return []string{parentID}
}

// resolveContent resolves a page or blogpost via the v1 content API:
// remembered ID, then boundary-checked title search, then creation of a
// blank placeholder document.
func (run *reconcileRun) resolveContent(ctx context.Context, file *LocalFile, effectiveParent, topID string) (*ReconciledNode, error) {
	var content *confluence.Content

	if file.PageID != "" {
		c, err := run.r.client.GetContentByID(ctx, file.PageID)

		switch {
		case err == nil:
			content = c
		case errors.Is(err, confluence.ErrNotFound):
			run.r.logger.Info("remembered page id is stale, clearing",
				slog.String("path", file.Path),
				slog.String("id", file.PageID),
			)

			if err := run.persistPageID(ctx, file, ""); err != nil {
				return nil, err
			}

			file.PageID = ""
		default:
			return nil, err
		}
	}

	if content == nil {
		c, err := run.r.client.FindContentByTitle(ctx, string(file.ContentType), run.spaceKey, file.PageTitle)

		switch {
		case err == nil:
			if topID != "" && !containsAncestor(c.Ancestors, topID) {
				return nil, &NodeError{
					Path: file.Path,
					Err:  fmt.Errorf("existing %s %q (id %s) is outside the allowed page subtree (top page %s); refusing to adopt it", file.ContentType, file.PageTitle, c.ID, topID),
				}
			}

			content = c
		case errors.Is(err, confluence.ErrNotFound):
			created, createErr := run.createBlankContent(ctx, file, effectiveParent)
			if createErr != nil {
				return nil, createErr
			}

			content = created
		default:
			return nil, err
		}

		if err := run.persistPageID(ctx, file, content.ID); err != nil {
			return nil, err
		}

		file.PageID = content.ID
	}

	existingDoc, err := existingContentDoc(content)
	if err != nil {
		return nil, &NodeError{Path: file.Path, Err: err}
	}

	version := 1

	var lastUpdatedBy string

	if content.Version != nil {
		version = content.Version.Number
		if content.Version.By != nil {
			lastUpdatedBy = content.Version.By.AccountID
		}
	}

	return &ReconciledNode{
		File: RemoteFile{
			File:     *file,
			PageID:   content.ID,
			SpaceKey: run.spaceKey,
			PageURL:  content.URL,
		},
		Version:       version,
		LastUpdatedBy: lastUpdatedBy,
		Existing: ExistingPage{
			Content:     existingDoc,
			Title:       content.Title,
			Ancestors:   ancestorIDs(content.Ancestors),
			ContentType: ContentType(content.Type),
		},
	}, nil
}

// createBlankContent creates the remote placeholder a brand-new node
// starts from. Ancestors are set only for pages with a known parent;
// blogposts are never parented.
func (run *reconcileRun) createBlankContent(ctx context.Context, file *LocalFile, effectiveParent string) (*confluence.Content, error) {
	req := confluence.CreateContentRequest{
		Type:     string(file.ContentType),
		Title:    file.PageTitle,
		SpaceKey: run.spaceKey,
	}

	if file.ContentType == ContentTypePage {
		if effectiveParent == "" {
			return nil, &NodeError{Path: file.Path, Err: errors.New("no parent available to create page under; set confluence-parent-page-id or configure a global parent")}
		}

		req.Ancestors = []string{effectiveParent}
	}

	blank, err := adf.Doc().JSON()
	if err != nil {
		return nil, err
	}

	req.BodyADF = string(blank)

	created, err := run.r.client.CreateContent(ctx, req)
	if err != nil {
		return nil, err
	}

	run.r.logger.Info("created "+string(file.ContentType),
		slog.String("path", file.Path),
		slog.String("id", created.ID),
	)

	return created, nil
}

func existingContentDoc(content *confluence.Content) (*adf.Node, error) {
	if content.Body == nil || content.Body.AtlasDocFormat == nil {
		return adf.Doc(), nil
	}

	doc, err := adf.Parse([]byte(content.Body.AtlasDocFormat.Value))
	if err != nil {
		return nil, fmt.Errorf("remote body of %s is not valid ADF: %w", content.ID, err)
	}

	return doc, nil
}

func containsAncestor(ancestors []confluence.Ancestor, id string) bool {
	for _, a := range ancestors {
		if a.ID == id {
			return true
		}
	}

	return false
}

func ancestorIDs(ancestors []confluence.Ancestor) []string {
	if len(ancestors) == 0 {
		return nil
	}

	out := make([]string, 0, len(ancestors))
	for _, a := range ancestors {
		out = append(out, a.ID)
	}

	return out
}
