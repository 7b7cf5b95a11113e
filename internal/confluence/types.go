// Package confluence defines the capability surface the publish engine
// depends on and the HTTP client that implements it against a real
// Confluence instance. The v1 "content" API covers pages and blogposts;
// folders exist only under the v2 API and are exposed as an optional
// capability so older instances degrade gracefully.
package confluence

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups when the remote object does not
// exist (or is not visible to the authenticated user).
var ErrNotFound = errors.New("confluence: not found")

// ErrCapabilityUnavailable is returned when a caller requires the v2
// folder capability on an instance that does not provide it.
var ErrCapabilityUnavailable = errors.New("confluence: folder capability unavailable")

// User is the authenticated Confluence user.
type User struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
}

// Space is a Confluence space.
type Space struct {
	ID   int64  `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Version is a content version record. By identifies the last editor.
type Version struct {
	Number int   `json:"number"`
	By     *User `json:"by,omitempty"`
}

// Ancestor is one entry of a content ancestor chain.
type Ancestor struct {
	ID string `json:"id"`
}

// Body carries the ADF representation of page content. Value is the
// ADF document serialized as JSON.
type Body struct {
	AtlasDocFormat *BodyValue `json:"atlas_doc_format,omitempty"`
}

// BodyValue is one body representation.
type BodyValue struct {
	Value          string `json:"value"`
	Representation string `json:"representation"`
}

// Content is a v1 content record (page or blogpost).
type Content struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	Title     string     `json:"title"`
	Space     *Space     `json:"space,omitempty"`
	Version   *Version   `json:"version,omitempty"`
	Ancestors []Ancestor `json:"ancestors,omitempty"`
	Body      *Body      `json:"body,omitempty"`

	// URL is the absolute webui link, filled in by the client.
	URL string `json:"-"`
}

// Attachment is a file attached to a content record.
type Attachment struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	FileID    string `json:"fileId"`
	MediaType string `json:"mediaType"`
}

// Label is a content label. Prefix is "global" for user labels.
type Label struct {
	Prefix string `json:"prefix"`
	Name   string `json:"name"`
}

// Folder is a v2 hierarchical object.
type Folder struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	ParentID string `json:"parentId"`
	SpaceID  string `json:"spaceId"`
	Version  int    `json:"-"`

	// AuthorID is the account that made the current version.
	AuthorID string `json:"-"`

	// URL is the absolute webui link, filled in by the client.
	URL string `json:"-"`
}

// CreateContentRequest creates a page or blogpost.
type CreateContentRequest struct {
	Type      string
	Title     string
	SpaceKey  string
	Ancestors []string
	BodyADF   string
}

// UpdateContentRequest updates a page or blogpost. Ancestors nil means
// "leave ancestry untouched"; an empty non-nil slice is never sent.
type UpdateContentRequest struct {
	Type      string
	Title     string
	Version   int
	Ancestors []string
	BodyADF   string
}

// UpdateFolderRequest renames and/or re-parents a folder.
type UpdateFolderRequest struct {
	Title    string
	ParentID string
	Version  int
}

// Client is the capability surface the publish engine depends on.
type Client interface {
	CurrentUser(ctx context.Context) (*User, error)

	// GetContentByID fetches a content record expanded with version,
	// ancestors, space, and ADF body. Returns ErrNotFound for 404.
	GetContentByID(ctx context.Context, id string) (*Content, error)

	// FindContentByTitle searches for content of the given type by exact
	// title within a space. Returns ErrNotFound when nothing matches.
	FindContentByTitle(ctx context.Context, contentType, spaceKey, title string) (*Content, error)

	CreateContent(ctx context.Context, req CreateContentRequest) (*Content, error)
	UpdateContent(ctx context.Context, id string, req UpdateContentRequest) (*Content, error)

	GetAttachments(ctx context.Context, contentID string) ([]Attachment, error)
	CreateOrUpdateAttachment(ctx context.Context, contentID, name string, data []byte) (*Attachment, error)

	GetLabels(ctx context.Context, contentID string) ([]Label, error)
	AddLabels(ctx context.Context, contentID string, names []string) error
	RemoveLabel(ctx context.Context, contentID, name string) error

	// Folders exposes the optional v2 hierarchical-object capability.
	// The second return is false when the instance does not support it.
	Folders(ctx context.Context) (FolderClient, bool)
}

// FolderClient is the optional v2 folder capability.
type FolderClient interface {
	GetFolder(ctx context.Context, id string) (*Folder, error)
	CreateFolder(ctx context.Context, spaceID, parentID, title string) (*Folder, error)
	UpdateFolder(ctx context.Context, id string, req UpdateFolderRequest) (*Folder, error)

	// FindFolderByTitle searches folders by exact title within a space.
	// Returns ErrNotFound when nothing matches.
	FindFolderByTitle(ctx context.Context, spaceKey, title string) (*Folder, error)

	// SpaceID resolves a space key to the v2 numeric space ID.
	SpaceID(ctx context.Context, spaceKey string) (string, error)
}
