package publish

import (
	"log/slog"
	"path"
	"sort"
	"strings"
)

// TreeOptions tunes how the local tree is assembled.
type TreeOptions struct {
	// SyntheticType is the content type invented for directories that
	// have children but no folder note: ContentTypeFolder mirrors them
	// as v2 folders, ContentTypePage as blank container pages. Empty
	// leaves such directories pass-through, attaching their children to
	// the nearest published ancestor.
	SyntheticType ContentType
}

// treeBuilder tracks directory nodes by full path so file leaves and
// directories sharing a name stay distinct.
type treeBuilder struct {
	root   *LocalNode
	dirs   map[string]*LocalNode
	logger *slog.Logger
}

// BuildTree assembles the nested directory tree from a flat file list.
// A file whose base name matches its containing directory becomes that
// directory node's own payload (folder note); every other file becomes
// a leaf child. Pure function of its input; no remote calls.
func BuildTree(files []LocalFile, opts TreeOptions, logger *slog.Logger) *LocalNode {
	b := &treeBuilder{
		root:   &LocalNode{},
		dirs:   map[string]*LocalNode{},
		logger: logger,
	}
	b.dirs["."] = b.root

	for i := range files {
		f := files[i]
		b.normalize(&f)
		b.place(f)
	}

	if opts.SyntheticType != "" {
		b.synthesize(b.root, opts.SyntheticType, true)
	}

	sortTree(b.root)

	return b.root
}

// normalize applies the metadata rules independent of tree position:
// the parent-page/parent-folder exclusivity rule and the content-type
// default.
func (b *treeBuilder) normalize(f *LocalFile) {
	if f.ParentPageID != "" && f.ParentFolderID != "" {
		if b.logger != nil {
			b.logger.Warn("both parent-page and parent-folder set, folder wins",
				slog.String("path", f.Path),
				slog.String("discarded_parent_page_id", f.ParentPageID),
			)
		}

		f.ParentPageID = ""
	}

	if f.ContentType == "" {
		f.ContentType = ContentTypePage
	}
}

func (b *treeBuilder) place(f LocalFile) {
	dir := path.Dir(f.Path)
	node := b.dir(dir)

	stem := strings.TrimSuffix(f.FileName, ".md")
	if dir != "." && path.Base(dir) == stem {
		// Folder note: the file represents the directory itself.
		node.File = &f
		return
	}

	node.Children = append(node.Children, &LocalNode{Name: stem, File: &f})
}

// dir returns (creating as needed) the node for a directory path.
func (b *treeBuilder) dir(dirPath string) *LocalNode {
	if dirPath == "" {
		dirPath = "."
	}

	if n, ok := b.dirs[dirPath]; ok {
		return n
	}

	parent := b.dir(path.Dir(dirPath))
	n := &LocalNode{Name: path.Base(dirPath)}
	parent.Children = append(parent.Children, n)
	b.dirs[dirPath] = n

	return n
}

// synthesize gives directory nodes without a payload a synthetic file
// of the given content type so they publish as real containers. The
// root never gets one.
func (b *treeBuilder) synthesize(n *LocalNode, contentType ContentType, isRoot bool) {
	for _, c := range n.Children {
		if len(c.Children) > 0 || c.File == nil {
			b.synthesize(c, contentType, false)
		}
	}

	if isRoot || n.File != nil || len(n.Children) == 0 {
		return
	}

	dirPath := b.pathOf(n)

	n.File = &LocalFile{
		Path:        dirPath,
		FileName:    n.Name + ".md",
		PageTitle:   n.Name,
		ContentType: contentType,
		Synthetic:   true,
	}
}

// pathOf looks up a directory node's full path in the index.
func (b *treeBuilder) pathOf(target *LocalNode) string {
	for p, n := range b.dirs {
		if n == target {
			return p
		}
	}

	return target.Name
}

// sortTree orders children by name for deterministic walks.
func sortTree(n *LocalNode) {
	sort.Slice(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}

		// A file leaf and a directory can share a stem; the leaf sorts
		// first so runs stay deterministic.
		return len(a.Children) < len(b.Children)
	})

	for _, c := range n.Children {
		sortTree(c)
	}
}
