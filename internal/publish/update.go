package publish

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/alexjbarnes/confluence-sync/internal/adf"
	"github.com/alexjbarnes/confluence-sync/internal/cache"
	"github.com/alexjbarnes/confluence-sync/internal/confluence"
	"github.com/alexjbarnes/confluence-sync/internal/markdown"
	"github.com/alexjbarnes/confluence-sync/internal/vault"
)

// Updater pushes one reconciled node's desired state to Confluence,
// writing only the aspects (content, attachments, labels) that differ
// from the observed remote state. Nodes are independent at this stage,
// so UpdateNode is safe to call concurrently for different nodes.
type Updater struct {
	client confluence.Client
	loader vault.Loader
	cache  *cache.Cache
	logger *slog.Logger

	// AccountID identifies the synchronizing user; a page last edited by
	// anyone else is refused rather than overwritten.
	AccountID string

	// Links maps vault-relative markdown paths to published page URLs
	// for cross-document link rewriting. Populated after reconciliation.
	Links map[string]string
}

// NewUpdater creates an updater. The cache may be nil, in which case
// every referenced attachment is re-uploaded.
func NewUpdater(client confluence.Client, loader vault.Loader, attachments *cache.Cache, logger *slog.Logger) *Updater {
	return &Updater{
		client: client,
		loader: loader,
		cache:  attachments,
		logger: logger,
		Links:  map[string]string{},
	}
}

// UpdateNode brings the remote object for node up to date. The returned
// error marks the whole node as failed; partial aspect failures that do
// not invalidate the rest (labels) are reported as StatusError instead.
func (u *Updater) UpdateNode(ctx context.Context, node *ReconciledNode) (*UploadResult, error) {
	file := node.File.File

	if u.AccountID != "" && node.LastUpdatedBy != "" && node.LastUpdatedBy != u.AccountID {
		return nil, fmt.Errorf("%s %s was last edited by another user (%s); refusing to overwrite",
			file.ContentType, node.File.PageID, node.LastUpdatedBy)
	}

	if file.ContentType == ContentTypeFolder {
		return u.updateFolder(ctx, node)
	}

	if node.Existing.ContentType != "" && node.Existing.ContentType != file.ContentType {
		return nil, fmt.Errorf("%s exists as %s but is declared %s; content type cannot change after creation",
			node.File.PageID, node.Existing.ContentType, file.ContentType)
	}

	support, err := u.newUploadSupport(ctx, node)
	if err != nil {
		return nil, err
	}

	doc := file.Contents
	if doc == nil {
		doc = adf.Doc()
	}

	processors := []markdown.Processor{
		&markdown.LinkProcessor{FilePath: file.Path},
		&markdown.ImageProcessor{FilePath: file.Path, Logger: u.logger},
	}

	doc, err = markdown.RunPipeline(ctx, doc, processors, support)
	if err != nil {
		return nil, fmt.Errorf("processing document %s: %w", file.Path, err)
	}

	result := &UploadResult{
		ContentResult: StatusSame,
		ImageResult:   support.status(),
		LabelResult:   StatusSame,
	}

	if err := u.updateContent(ctx, node, doc, result); err != nil {
		return nil, err
	}

	u.updateLabels(ctx, node, result)

	return result, nil
}

// updateContent issues the version-bumped write when content, title or
// parent drifted.
func (u *Updater) updateContent(ctx context.Context, node *ReconciledNode, doc *adf.Node, result *UploadResult) error {
	file := node.File.File

	contentSame := adf.Equal(doc, node.Existing.Content)
	titleSame := file.PageTitle == node.Existing.Title

	desiredParent, reparent := u.desiredParent(node)

	if contentSame && titleSame && !reparent {
		return nil
	}

	if !contentSame {
		u.logContentDiff(node, doc)
	}

	body, err := doc.JSON()
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", file.Path, err)
	}

	req := confluence.UpdateContentRequest{
		Type:    string(file.ContentType),
		Title:   file.PageTitle,
		Version: node.Version + 1,
		BodyADF: string(body),
	}

	if reparent {
		req.Ancestors = []string{desiredParent}
	}

	if _, err := u.client.UpdateContent(ctx, node.File.PageID, req); err != nil {
		return fmt.Errorf("updating %s (version %d): %w", node.File.PageID, node.Version+1, err)
	}

	u.logger.Info("updated content",
		slog.String("path", file.Path),
		slog.String("id", node.File.PageID),
		slog.Int("version", node.Version+1),
	)

	result.ContentResult = StatusUpdated

	return nil
}

// desiredParent returns the parent the node should sit under and
// whether a move is required. Blogposts are never parented and pinned
// nodes keep whatever ancestry they have.
func (u *Updater) desiredParent(node *ReconciledNode) (string, bool) {
	file := node.File.File

	if file.ContentType == ContentTypeBlogpost || file.DontChangeParent {
		return "", false
	}

	if len(node.Ancestors) == 0 {
		return "", false
	}

	want := node.Ancestors[len(node.Ancestors)-1]

	have := ""
	if n := len(node.Existing.Ancestors); n > 0 {
		have = node.Existing.Ancestors[n-1]
	}

	return want, want != have
}

func (u *Updater) logContentDiff(node *ReconciledNode, doc *adf.Node) {
	if !u.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	before, err := node.Existing.Content.JSON()
	if err != nil {
		return
	}

	after, err := doc.JSON()
	if err != nil {
		return
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(before), string(after), false)

	u.logger.Debug("content changed",
		slog.String("path", node.File.File.Path),
		slog.String("diff", dmp.DiffPrettyText(diffs)),
	)
}

// updateFolder handles the v2 folder path: folders have no body or
// attachments, so only a title change triggers a write, and
// re-parenting was already handled during reconciliation. Labels are
// still reconciled like any other content.
func (u *Updater) updateFolder(ctx context.Context, node *ReconciledNode) (*UploadResult, error) {
	result := &UploadResult{
		ContentResult: StatusSame,
		ImageResult:   StatusSame,
		LabelResult:   StatusSame,
	}

	file := node.File.File

	if file.PageTitle != node.Existing.Title {
		folders, ok := u.client.Folders(ctx)
		if !ok {
			return nil, confluence.ErrCapabilityUnavailable
		}

		parent := ""
		if len(node.Existing.Ancestors) > 0 {
			parent = node.Existing.Ancestors[len(node.Existing.Ancestors)-1]
		}

		_, err := folders.UpdateFolder(ctx, node.File.PageID, confluence.UpdateFolderRequest{
			Title:    file.PageTitle,
			ParentID: parent,
			Version:  node.Version + 1,
		})
		if err != nil {
			return nil, fmt.Errorf("renaming folder %s: %w", node.File.PageID, err)
		}

		u.logger.Info("renamed folder",
			slog.String("path", file.Path),
			slog.String("id", node.File.PageID),
			slog.String("title", file.PageTitle),
		)

		result.ContentResult = StatusUpdated
	}

	u.updateLabels(ctx, node, result)

	return result, nil
}

// updateLabels converges remote labels on the file's tags. Label drift
// never fails the node; the aspect is downgraded to StatusError so the
// run summary surfaces it.
func (u *Updater) updateLabels(ctx context.Context, node *ReconciledNode, result *UploadResult) {
	file := node.File.File

	remote, err := u.client.GetLabels(ctx, node.File.PageID)
	if err != nil {
		u.logger.Warn("listing labels failed",
			slog.String("id", node.File.PageID),
			slog.String("error", err.Error()),
		)

		result.LabelResult = StatusError

		return
	}

	have := make(map[string]bool, len(remote))
	for _, l := range remote {
		have[l.Name] = true
	}

	want := make(map[string]bool, len(file.Tags))

	var missing []string

	for _, tag := range file.Tags {
		want[tag] = true

		if !have[tag] {
			missing = append(missing, tag)
		}
	}

	var stale []string

	for _, l := range remote {
		if !want[l.Name] {
			stale = append(stale, l.Name)
		}
	}

	if len(missing) == 0 && len(stale) == 0 {
		return
	}

	if len(missing) > 0 {
		if err := u.client.AddLabels(ctx, node.File.PageID, missing); err != nil {
			u.logger.Warn("adding labels failed",
				slog.String("id", node.File.PageID),
				slog.String("error", err.Error()),
			)

			result.LabelResult = StatusError

			return
		}
	}

	for _, name := range stale {
		if err := u.client.RemoveLabel(ctx, node.File.PageID, name); err != nil {
			u.logger.Warn("removing label failed",
				slog.String("id", node.File.PageID),
				slog.String("label", name),
				slog.String("error", err.Error()),
			)

			result.LabelResult = StatusError

			return
		}
	}

	result.LabelResult = StatusUpdated
}

// uploadSupport adapts the loader, client and attachment cache into the
// document pipeline's Support interface for one node.
type uploadSupport struct {
	u        *Updater
	node     *ReconciledNode
	existing map[string]confluence.Attachment
	uploaded bool
}

func (u *Updater) newUploadSupport(ctx context.Context, node *ReconciledNode) (*uploadSupport, error) {
	attachments, err := u.client.GetAttachments(ctx, node.File.PageID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments of %s: %w", node.File.PageID, err)
	}

	existing := make(map[string]confluence.Attachment, len(attachments))
	for _, a := range attachments {
		existing[a.Title] = a
	}

	return &uploadSupport{u: u, node: node, existing: existing}, nil
}

func (s *uploadSupport) status() Status {
	if s.uploaded {
		return StatusUpdated
	}

	return StatusSame
}

func (s *uploadSupport) ReadBinary(ctx context.Context, path, referencedFrom string) ([]byte, error) {
	return s.u.loader.ReadBinary(ctx, path, referencedFrom)
}

func (s *uploadSupport) collection() string {
	return "contentId-" + s.node.File.PageID
}

// UploadAttachment pushes data as a named attachment of the node's
// content, skipping the upload when the checksum cache proves the
// remote copy is current.
func (s *uploadSupport) UploadAttachment(ctx context.Context, name string, data []byte) (markdown.UploadedAttachment, error) {
	sum := cache.Checksum(data)

	if existing, ok := s.existing[name]; ok && s.u.cache != nil {
		if s.u.cache.Unchanged(s.node.File.PageID, name, sum) {
			return markdown.UploadedAttachment{
				FileID:     existing.FileID,
				Collection: s.collection(),
				Updated:    false,
			}, nil
		}
	}

	attachment, err := s.u.client.CreateOrUpdateAttachment(ctx, s.node.File.PageID, name, data)
	if err != nil {
		return markdown.UploadedAttachment{}, fmt.Errorf("uploading attachment %s: %w", name, err)
	}

	if s.u.cache != nil {
		if err := s.u.cache.Record(s.node.File.PageID, name, sum); err != nil {
			s.u.logger.Warn("recording attachment checksum failed",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
		}
	}

	s.uploaded = true

	return markdown.UploadedAttachment{
		FileID:     attachment.FileID,
		Collection: s.collection(),
		Updated:    true,
	}, nil
}

// ResolveLink maps a vault-relative markdown target to its published
// page URL. The lookup tries the target as given first, then resolved
// against the referencing file's directory.
func (s *uploadSupport) ResolveLink(ctx context.Context, target, referencedFrom string) (string, bool) {
	if url, ok := s.u.Links[target]; ok {
		return url, true
	}

	resolved := path.Join(path.Dir(referencedFrom), target)
	if url, ok := s.u.Links[resolved]; ok {
		return url, true
	}

	return "", false
}

var _ markdown.Support = (*uploadSupport)(nil)
