// Package publish is the reconciliation engine: it builds a local
// document tree from loaded markdown files, walks it top-down resolving
// the matching remote Confluence object for every node, diffs each
// node's rendered content against the remote record, and issues the
// minimal set of write calls. Per-node failures during the update phase
// are isolated; failures during reconciliation abort the run because
// later nodes depend on earlier resolution.
package publish

import (
	"fmt"

	"github.com/alexjbarnes/confluence-sync/internal/adf"
)

// ContentType classifies what a local file becomes remotely.
type ContentType string

const (
	ContentTypePage     ContentType = "page"
	ContentTypeBlogpost ContentType = "blogpost"
	ContentTypeFolder   ContentType = "folder"
)

// LocalFile is the per-document payload of a tree node: rendered
// contents plus the publish-relevant front-matter fields.
type LocalFile struct {
	Path     string
	FileName string

	// Contents is the rendered ADF document, before pipeline processing.
	Contents *adf.Node

	PageTitle   string
	Frontmatter map[string]any
	Tags        []string

	// PageID is the remembered remote identity; may be stale or empty.
	PageID string

	// ParentPageID / ParentFolderID are explicit parent overrides from
	// front matter. Mutually exclusive; the folder wins when both are
	// set (the tree builder enforces this).
	ParentPageID   string
	ParentFolderID string

	// DontChangeParent pins the current remote ancestry on update.
	DontChangeParent bool

	ContentType  ContentType
	BlogPostDate string

	// Synthetic marks files the tree builder invented for bare
	// directories. They have no backing markdown file, so resolved IDs
	// are not persisted for them.
	Synthetic bool
}

// LocalNode is one directory level of the local tree. A node may carry
// its own file payload (folder note) in addition to children.
type LocalNode struct {
	Name     string
	Children []*LocalNode
	File     *LocalFile
}

// RemoteFile is a LocalFile with resolved remote identity. PageID is
// never empty; reconciliation fails the node otherwise.
type RemoteFile struct {
	File LocalFile

	PageID   string
	SpaceKey string
	PageURL  string
}

// ExistingPage is the remote state observed at resolution time.
type ExistingPage struct {
	Content     *adf.Node
	Title       string
	Ancestors   []string
	ContentType ContentType
}

// ReconciledNode is the flattened, order-independent unit the updater
// consumes. Ancestors is the chain of remote IDs from root to the
// immediate parent.
type ReconciledNode struct {
	File          RemoteFile
	Version       int
	LastUpdatedBy string
	Existing      ExistingPage
	Ancestors     []string
}

// Status reports the outcome of one aspect of a node update.
type Status string

const (
	StatusSame    Status = "same"
	StatusUpdated Status = "updated"
	StatusError   Status = "error"
)

// UploadResult is the per-aspect outcome of a successful node update.
type UploadResult struct {
	ContentResult Status
	ImageResult   Status
	LabelResult   Status
}

// FileResult is the per-file outcome of a publish run. Exactly one of
// Upload and Reason is set.
type FileResult struct {
	Path   string
	Node   *ReconciledNode
	Upload *UploadResult
	Reason string
}

// Success reports whether the file published without a fatal error.
func (r FileResult) Success() bool {
	return r.Reason == ""
}

// NodeError scopes a failure to a single node (and, transitively, its
// subtree) without aborting the rest of the reconciliation.
type NodeError struct {
	Path string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// FailedNode records a file that could not be reconciled.
type FailedNode struct {
	Path string
	Err  error
}
