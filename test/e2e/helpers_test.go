package e2e_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/confluence-sync/internal/confluence"
	"github.com/alexjbarnes/confluence-sync/internal/logging"
	"github.com/alexjbarnes/confluence-sync/internal/markdown"
	"github.com/alexjbarnes/confluence-sync/internal/publish"
	"github.com/alexjbarnes/confluence-sync/internal/vault"
)

// pageRec is one content record of the fake Confluence.
type pageRec struct {
	ID        string
	Type      string
	Title     string
	SpaceKey  string
	Version   int
	EditedBy  string
	Ancestors []string
	BodyADF   string
	Labels    []string
}

// fakeConfluence is an in-memory v1 content API good enough for the
// publisher's call patterns. The v2 endpoints 404, so the folder
// capability reads as unavailable.
type fakeConfluence struct {
	mu sync.Mutex

	pages  map[string]*pageRec
	nextID int

	// attachments maps contentID to attachment titles present.
	attachments map[string]map[string]bool
	uploadCount int
}

func newFakeConfluence() *fakeConfluence {
	return &fakeConfluence{
		pages:       map[string]*pageRec{},
		attachments: map[string]map[string]bool{},
	}
}

func (s *fakeConfluence) seed(id, title, parentID string) {
	var ancestors []string
	if parentID != "" {
		if p, ok := s.pages[parentID]; ok {
			ancestors = append(ancestors, p.Ancestors...)
		}

		ancestors = append(ancestors, parentID)
	}

	s.pages[id] = &pageRec{
		ID:        id,
		Type:      "page",
		Title:     title,
		SpaceKey:  "DOC",
		Version:   1,
		EditedBy:  "me",
		Ancestors: ancestors,
	}
}

func (s *fakeConfluence) contentJSON(p *pageRec) map[string]any {
	ancestors := make([]map[string]any, 0, len(p.Ancestors))
	for _, a := range p.Ancestors {
		ancestors = append(ancestors, map[string]any{"id": a})
	}

	return map[string]any{
		"id":     p.ID,
		"type":   p.Type,
		"status": "current",
		"title":  p.Title,
		"space":  map[string]any{"key": p.SpaceKey},
		"version": map[string]any{
			"number": p.Version,
			"by":     map[string]any{"accountId": p.EditedBy},
		},
		"ancestors": ancestors,
		"body": map[string]any{
			"atlas_doc_format": map[string]any{
				"value":          p.BodyADF,
				"representation": "atlas_doc_format",
			},
		},
		"_links": map[string]any{"webui": "/spaces/DOC/pages/" + p.ID},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var (
	cqlTitleRe = regexp.MustCompile(`title="((?:[^"\\]|\\.)*)"`)
	cqlTypeRe  = regexp.MustCompile(`type=(\w+)`)
)

func (s *fakeConfluence) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /rest/api/user/current", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"accountId": "me", "displayName": "Sync Bot"})
	})

	mux.HandleFunc("GET /rest/api/content/search", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		cql := r.URL.Query().Get("cql")

		var wantType, wantTitle string
		if m := cqlTypeRe.FindStringSubmatch(cql); m != nil {
			wantType = m[1]
		}

		if m := cqlTitleRe.FindStringSubmatch(cql); m != nil {
			wantTitle = unescapeCQL(m[1])
		}

		var results []map[string]any

		for _, p := range s.pages {
			if p.Type == wantType && p.Title == wantTitle {
				results = append(results, s.contentJSON(p))
				break
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	})

	mux.HandleFunc("GET /rest/api/content/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		p, ok := s.pages[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "no content"})
			return
		}

		writeJSON(w, http.StatusOK, s.contentJSON(p))
	})

	mux.HandleFunc("POST /rest/api/content", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		var req struct {
			Type      string `json:"type"`
			Title     string `json:"title"`
			Space     struct{ Key string }
			Ancestors []struct {
				ID string `json:"id"`
			} `json:"ancestors"`
			Body struct {
				AtlasDocFormat struct {
					Value string `json:"value"`
				} `json:"atlas_doc_format"`
			} `json:"body"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
			return
		}

		s.nextID++
		id := strconv.Itoa(2000 + s.nextID)

		var ancestors []string

		for _, a := range req.Ancestors {
			if parent, ok := s.pages[a.ID]; ok {
				ancestors = append(ancestors, parent.Ancestors...)
			}

			ancestors = append(ancestors, a.ID)
		}

		p := &pageRec{
			ID:        id,
			Type:      req.Type,
			Title:     req.Title,
			SpaceKey:  req.Space.Key,
			Version:   1,
			EditedBy:  "me",
			Ancestors: ancestors,
			BodyADF:   req.Body.AtlasDocFormat.Value,
		}
		s.pages[id] = p

		writeJSON(w, http.StatusOK, s.contentJSON(p))
	})

	mux.HandleFunc("PUT /rest/api/content/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		p, ok := s.pages[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "no content"})
			return
		}

		var req struct {
			Title   string `json:"title"`
			Version struct {
				Number int `json:"number"`
			} `json:"version"`
			Ancestors []struct {
				ID string `json:"id"`
			} `json:"ancestors"`
			Body struct {
				AtlasDocFormat struct {
					Value string `json:"value"`
				} `json:"atlas_doc_format"`
			} `json:"body"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
			return
		}

		if req.Version.Number != p.Version+1 {
			writeJSON(w, http.StatusConflict, map[string]any{"message": "version conflict"})
			return
		}

		p.Title = req.Title
		p.Version = req.Version.Number
		p.BodyADF = req.Body.AtlasDocFormat.Value

		if len(req.Ancestors) > 0 {
			p.Ancestors = nil
			for _, a := range req.Ancestors {
				if parent, ok := s.pages[a.ID]; ok {
					p.Ancestors = append(p.Ancestors, parent.Ancestors...)
				}

				p.Ancestors = append(p.Ancestors, a.ID)
			}
		}

		writeJSON(w, http.StatusOK, s.contentJSON(p))
	})

	mux.HandleFunc("GET /rest/api/content/{id}/label", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		p, ok := s.pages[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "no content"})
			return
		}

		results := make([]map[string]any, 0, len(p.Labels))
		for _, l := range p.Labels {
			results = append(results, map[string]any{"prefix": "global", "name": l})
		}

		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	})

	mux.HandleFunc("POST /rest/api/content/{id}/label", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		p, ok := s.pages[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "no content"})
			return
		}

		var labels []struct {
			Name string `json:"name"`
		}

		if err := json.NewDecoder(r.Body).Decode(&labels); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
			return
		}

		for _, l := range labels {
			p.Labels = append(p.Labels, l.Name)
		}

		writeJSON(w, http.StatusOK, map[string]any{"results": []any{}})
	})

	mux.HandleFunc("DELETE /rest/api/content/{id}/label", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		p, ok := s.pages[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "no content"})
			return
		}

		name := r.URL.Query().Get("name")

		kept := p.Labels[:0]
		for _, l := range p.Labels {
			if l != name {
				kept = append(kept, l)
			}
		}
		p.Labels = kept

		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /rest/api/content/{id}/child/attachment", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		id := r.PathValue("id")

		var results []map[string]any

		for name := range s.attachments[id] {
			results = append(results, map[string]any{
				"id":     "att-" + name,
				"title":  name,
				"fileId": "file-" + name,
			})
		}

		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	})

	mux.HandleFunc("PUT /rest/api/content/{id}/child/attachment", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Atlassian-Token") != "nocheck" {
			writeJSON(w, http.StatusForbidden, map[string]any{"message": "XSRF check failed"})
			return
		}

		if err := r.ParseMultipartForm(16 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
			return
		}
		defer file.Close()

		if _, err := io.Copy(io.Discard, file); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error()})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		id := r.PathValue("id")
		if s.attachments[id] == nil {
			s.attachments[id] = map[string]bool{}
		}

		s.attachments[id][header.Filename] = true
		s.uploadCount++

		writeJSON(w, http.StatusOK, map[string]any{
			"results": []map[string]any{{
				"id":     "att-" + header.Filename,
				"title":  header.Filename,
				"fileId": "file-" + header.Filename,
			}},
		})
	})

	// v2 endpoints are absent: the folder capability probe must fail.
	mux.HandleFunc("/api/v2/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"errors": []map[string]any{{"title": "not found"}},
		})
	})

	return mux
}

func unescapeCQL(s string) string {
	out := make([]byte, 0, len(s))

	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}

		out = append(out, s[i])
	}

	return string(out)
}

// harness is the full publishing stack against a fake Confluence and a
// temp vault on disk.
type harness struct {
	T         *testing.T
	Server    *fakeConfluence
	VaultDir  string
	Loader    *vault.FSLoader
	Client    *confluence.HTTPClient
	Publisher *publish.Publisher
}

func newHarness(t *testing.T, opts publish.Options) *harness {
	t.Helper()

	server := newFakeConfluence()
	server.seed("1000", "Root", "")

	ts := httptest.NewServer(server.handler())
	t.Cleanup(ts.Close)

	dir := t.TempDir()

	logger := logging.NewLogger("production")

	loader, err := vault.NewFSLoader(dir, logger)
	require.NoError(t, err)

	client := confluence.NewHTTPClient(ts.URL, "bot@example.com", "token", ts.Client())

	publisher := publish.NewPublisher(client, loader, markdown.NewRenderer(), nil, logger, opts)

	return &harness{
		T:         t,
		Server:    server,
		VaultDir:  dir,
		Loader:    loader,
		Client:    client,
		Publisher: publisher,
	}
}

// writeFile creates a vault file, making parent directories as needed.
func (h *harness) writeFile(relPath, contents string) {
	h.T.Helper()

	full := filepath.Join(h.VaultDir, filepath.FromSlash(relPath))
	require.NoError(h.T, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(h.T, os.WriteFile(full, []byte(contents), 0o644))
}

func (h *harness) readFile(relPath string) string {
	h.T.Helper()

	data, err := os.ReadFile(filepath.Join(h.VaultDir, filepath.FromSlash(relPath)))
	require.NoError(h.T, err)

	return string(data)
}

// pageByTitle finds a fake-server page by title.
func (h *harness) pageByTitle(title string) *pageRec {
	h.T.Helper()

	h.Server.mu.Lock()
	defer h.Server.mu.Unlock()

	for _, p := range h.Server.pages {
		if p.Title == title {
			return p
		}
	}

	h.T.Fatalf("no page titled %q", title)

	return nil
}

