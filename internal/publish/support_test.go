package publish

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/alexjbarnes/confluence-sync/internal/confluence"
	"github.com/alexjbarnes/confluence-sync/internal/vault"
)

// fakeClient is an in-memory Confluence. It assigns sequential IDs on
// creation and records every write so tests can assert exact call
// shapes.
type fakeClient struct {
	mu sync.Mutex

	user   confluence.User
	spaces map[string]*confluence.Space

	content map[string]*confluence.Content
	nextID  int

	attachments map[string][]confluence.Attachment
	labels      map[string][]confluence.Label

	creates       []confluence.CreateContentRequest
	updates       map[string][]confluence.UpdateContentRequest
	labelAdds     map[string][][]string
	labelRemovals map[string][]string
	uploads       map[string][]string

	// errOn injects a transport error for a method name.
	errOn map[string]error

	folders *fakeFolderClient
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		user:          confluence.User{AccountID: "me"},
		spaces:        map[string]*confluence.Space{"DOC": {ID: 1, Key: "DOC", Name: "Docs"}},
		content:       map[string]*confluence.Content{},
		attachments:   map[string][]confluence.Attachment{},
		labels:        map[string][]confluence.Label{},
		updates:       map[string][]confluence.UpdateContentRequest{},
		labelAdds:     map[string][][]string{},
		labelRemovals: map[string][]string{},
		uploads:       map[string][]string{},
		errOn:         map[string]error{},
	}
}

// seedPage registers an existing remote page and returns its ID.
func (f *fakeClient) seedPage(id, title, parentID, bodyADF string, version int, editedBy string) *confluence.Content {
	c := &confluence.Content{
		ID:      id,
		Type:    "page",
		Status:  "current",
		Title:   title,
		Space:   f.spaces["DOC"],
		Version: &confluence.Version{Number: version, By: &confluence.User{AccountID: editedBy}},
		Body:    &confluence.Body{AtlasDocFormat: &confluence.BodyValue{Value: bodyADF, Representation: "atlas_doc_format"}},
		URL:     "https://wiki.example.com/pages/" + id,
	}
	if parentID != "" {
		c.Ancestors = []confluence.Ancestor{{ID: parentID}}
	}

	f.content[id] = c

	return c
}

func (f *fakeClient) fail(method string, err error) { f.errOn[method] = err }

func (f *fakeClient) CurrentUser(ctx context.Context) (*confluence.User, error) {
	if err := f.errOn["CurrentUser"]; err != nil {
		return nil, err
	}

	u := f.user

	return &u, nil
}

func (f *fakeClient) GetContentByID(ctx context.Context, id string) (*confluence.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errOn["GetContentByID"]; err != nil {
		return nil, err
	}

	c, ok := f.content[id]
	if !ok {
		return nil, confluence.ErrNotFound
	}

	cp := *c

	return &cp, nil
}

func (f *fakeClient) FindContentByTitle(ctx context.Context, contentType, spaceKey, title string) (*confluence.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errOn["FindContentByTitle"]; err != nil {
		return nil, err
	}

	for _, c := range f.content {
		if c.Type == contentType && c.Title == title {
			cp := *c
			return &cp, nil
		}
	}

	return nil, confluence.ErrNotFound
}

func (f *fakeClient) CreateContent(ctx context.Context, req confluence.CreateContentRequest) (*confluence.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errOn["CreateContent"]; err != nil {
		return nil, err
	}

	f.creates = append(f.creates, req)
	f.nextID++

	id := fmt.Sprintf("new-%d", f.nextID)

	c := &confluence.Content{
		ID:      id,
		Type:    req.Type,
		Status:  "current",
		Title:   req.Title,
		Space:   f.spaces[req.SpaceKey],
		Version: &confluence.Version{Number: 1, By: &confluence.User{AccountID: f.user.AccountID}},
		Body:    &confluence.Body{AtlasDocFormat: &confluence.BodyValue{Value: req.BodyADF, Representation: "atlas_doc_format"}},
		URL:     "https://wiki.example.com/pages/" + id,
	}
	c.Ancestors = f.chain(req.Ancestors)

	f.content[id] = c
	cp := *c

	return &cp, nil
}

// chain expands an immediate-parent list into the full ancestor chain
// the way the real API reports it.
func (f *fakeClient) chain(parents []string) []confluence.Ancestor {
	var out []confluence.Ancestor

	for _, a := range parents {
		if p, ok := f.content[a]; ok {
			out = append(out, p.Ancestors...)
		}

		out = append(out, confluence.Ancestor{ID: a})
	}

	return out
}

func (f *fakeClient) UpdateContent(ctx context.Context, id string, req confluence.UpdateContentRequest) (*confluence.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errOn["UpdateContent"]; err != nil {
		return nil, err
	}

	c, ok := f.content[id]
	if !ok {
		return nil, confluence.ErrNotFound
	}

	f.updates[id] = append(f.updates[id], req)

	c.Title = req.Title
	c.Version = &confluence.Version{Number: req.Version, By: &confluence.User{AccountID: f.user.AccountID}}
	c.Body = &confluence.Body{AtlasDocFormat: &confluence.BodyValue{Value: req.BodyADF, Representation: "atlas_doc_format"}}

	if req.Ancestors != nil {
		c.Ancestors = f.chain(req.Ancestors)
	}

	cp := *c

	return &cp, nil
}

func (f *fakeClient) GetAttachments(ctx context.Context, contentID string) ([]confluence.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errOn["GetAttachments"]; err != nil {
		return nil, err
	}

	return append([]confluence.Attachment(nil), f.attachments[contentID]...), nil
}

func (f *fakeClient) CreateOrUpdateAttachment(ctx context.Context, contentID, name string, data []byte) (*confluence.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errOn["CreateOrUpdateAttachment"]; err != nil {
		return nil, err
	}

	f.uploads[contentID] = append(f.uploads[contentID], name)

	for i, a := range f.attachments[contentID] {
		if a.Title == name {
			f.attachments[contentID][i] = a
			return &a, nil
		}
	}

	a := confluence.Attachment{
		ID:     "att-" + name,
		Title:  name,
		FileID: "file-" + name,
	}
	f.attachments[contentID] = append(f.attachments[contentID], a)

	return &a, nil
}

func (f *fakeClient) GetLabels(ctx context.Context, contentID string) ([]confluence.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errOn["GetLabels"]; err != nil {
		return nil, err
	}

	return append([]confluence.Label(nil), f.labels[contentID]...), nil
}

func (f *fakeClient) AddLabels(ctx context.Context, contentID string, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errOn["AddLabels"]; err != nil {
		return err
	}

	f.labelAdds[contentID] = append(f.labelAdds[contentID], names)

	for _, n := range names {
		f.labels[contentID] = append(f.labels[contentID], confluence.Label{Prefix: "global", Name: n})
	}

	return nil
}

func (f *fakeClient) RemoveLabel(ctx context.Context, contentID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errOn["RemoveLabel"]; err != nil {
		return err
	}

	f.labelRemovals[contentID] = append(f.labelRemovals[contentID], name)

	kept := f.labels[contentID][:0]
	for _, l := range f.labels[contentID] {
		if l.Name != name {
			kept = append(kept, l)
		}
	}
	f.labels[contentID] = kept

	return nil
}

func (f *fakeClient) Folders(ctx context.Context) (confluence.FolderClient, bool) {
	if f.folders == nil {
		return nil, false
	}

	return f.folders, true
}

var _ confluence.Client = (*fakeClient)(nil)

// fakeFolderClient is the in-memory v2 folder capability.
type fakeFolderClient struct {
	mu sync.Mutex

	spaceIDs map[string]string
	folders  map[string]*confluence.Folder
	nextID   int

	creates []string
	updates map[string][]confluence.UpdateFolderRequest
}

func newFakeFolderClient() *fakeFolderClient {
	return &fakeFolderClient{
		spaceIDs: map[string]string{"DOC": "100"},
		folders:  map[string]*confluence.Folder{},
		updates:  map[string][]confluence.UpdateFolderRequest{},
	}
}

func (f *fakeFolderClient) GetFolder(ctx context.Context, id string) (*confluence.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	folder, ok := f.folders[id]
	if !ok {
		return nil, confluence.ErrNotFound
	}

	cp := *folder

	return &cp, nil
}

func (f *fakeFolderClient) CreateFolder(ctx context.Context, spaceID, parentID, title string) (*confluence.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++

	id := fmt.Sprintf("folder-%d", f.nextID)
	f.creates = append(f.creates, id)

	folder := &confluence.Folder{
		ID:       id,
		Title:    title,
		ParentID: parentID,
		SpaceID:  spaceID,
		Version:  1,
		URL:      "https://wiki.example.com/folders/" + id,
	}
	f.folders[id] = folder
	cp := *folder

	return &cp, nil
}

func (f *fakeFolderClient) UpdateFolder(ctx context.Context, id string, req confluence.UpdateFolderRequest) (*confluence.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	folder, ok := f.folders[id]
	if !ok {
		return nil, confluence.ErrNotFound
	}

	f.updates[id] = append(f.updates[id], req)

	folder.Title = req.Title
	folder.ParentID = req.ParentID
	folder.Version = req.Version

	cp := *folder

	return &cp, nil
}

func (f *fakeFolderClient) FindFolderByTitle(ctx context.Context, spaceKey, title string) (*confluence.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, folder := range f.folders {
		if folder.Title == title {
			cp := *folder
			return &cp, nil
		}
	}

	return nil, confluence.ErrNotFound
}

func (f *fakeFolderClient) SpaceID(ctx context.Context, spaceKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.spaceIDs[spaceKey]
	if !ok {
		return "", confluence.ErrNotFound
	}

	return id, nil
}

var _ confluence.FolderClient = (*fakeFolderClient)(nil)

// fakeLoader records front-matter persistence so tests can assert IDs
// were written before children were reconciled.
type fakeLoader struct {
	mu sync.Mutex

	files    []vault.MarkdownFile
	binaries map[string][]byte

	// persisted is the sequence of PageID values written per path.
	persisted map[string][]string
	// order records every persistence call across paths.
	order []string

	updateErr error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		binaries:  map[string][]byte{},
		persisted: map[string][]string{},
	}
}

func (l *fakeLoader) FilesToUpload(ctx context.Context) ([]vault.MarkdownFile, error) {
	return append([]vault.MarkdownFile(nil), l.files...), nil
}

func (l *fakeLoader) LoadMarkdownFile(ctx context.Context, path string) (*vault.MarkdownFile, error) {
	for i := range l.files {
		if l.files[i].Path == path {
			f := l.files[i]
			return &f, nil
		}
	}

	return nil, fmt.Errorf("no such file %s", path)
}

func (l *fakeLoader) ReadBinary(ctx context.Context, path, referencedFrom string) ([]byte, error) {
	data, ok := l.binaries[path]
	if !ok {
		return nil, fmt.Errorf("no such binary %s", path)
	}

	return data, nil
}

func (l *fakeLoader) UpdateMarkdownValues(ctx context.Context, path string, values vault.PartialValues) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.updateErr != nil {
		return l.updateErr
	}

	if values.PageID != nil {
		l.persisted[path] = append(l.persisted[path], *values.PageID)
		l.order = append(l.order, path+"="+*values.PageID)
	}

	return nil
}

func (l *fakeLoader) PublishRootsByFrontmatter(ctx context.Context) (map[string]string, error) {
	roots := map[string]string{}

	for _, f := range l.files {
		if f.ParentPageID == "" {
			continue
		}

		dir := path.Dir(f.Path)
		if path.Base(dir) != strings.TrimSuffix(f.FileName, ".md") {
			continue
		}

		roots[dir] = f.ParentPageID
	}

	return roots, nil
}

var _ vault.Loader = (*fakeLoader)(nil)
