package confluence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller could retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Page bodies can be
	// large but are bounded well below this in practice.
	maxAPIResponseBytes = 8 * 1024 * 1024

	// maxRedirects is the maximum number of HTTP redirects to follow,
	// matching the default net/http limit.
	maxRedirects = 10
)

// HTTPClient talks to a Confluence instance over REST.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	user       string
	token      string

	folderProbe sync.Once
	hasFolders  bool
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so credentials never leak to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient creates a Confluence client authenticating with basic
// auth (email + API token). If httpClient is nil, a client with a
// 30-second timeout and same-host redirect policy is created.
func NewHTTPClient(baseURL, user, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &HTTPClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		user:       user,
		token:      token,
	}
}

var _ Client = (*HTTPClient)(nil)

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// apiMessage pulls a human-readable message out of a Confluence error
// body. v1 errors carry "message", v2 errors carry "errors[0].title".
func apiMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "message"); msg.Exists() {
		return msg.String()
	}

	if msg := gjson.GetBytes(body, "errors.0.title"); msg.Exists() {
		return msg.String()
	}

	return ""
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// do sends a request with auth headers and returns the response body.
// 404 maps to ErrNotFound, transient statuses to TransientError.
func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.SetBasicAuth(c.user, c.token)
	req.Header.Set("Accept", "application/json")

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", path, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := apiMessage(respBody)
		if msg == "" {
			msg = sanitizeResponseBody(respBody)
		}

		wrapped := fmt.Errorf("API %s %s (%d): %s", method, path, resp.StatusCode, msg)
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: wrapped}
		}

		return nil, wrapped
	}

	return respBody, nil
}

// doJSON sends a JSON request body and decodes the response into result.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	contentType := ""
	if body != nil {
		contentType = "application/json"
	}

	respBody, err := c.do(ctx, method, path, reader, contentType)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}

	return nil
}

// CurrentUser returns the authenticated user.
func (c *HTTPClient) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.doJSON(ctx, http.MethodGet, "/rest/api/user/current", nil, &u); err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}

	return &u, nil
}

const contentExpand = "version,ancestors,space,body.atlas_doc_format"

// GetContentByID fetches a fully expanded content record.
func (c *HTTPClient) GetContentByID(ctx context.Context, id string) (*Content, error) {
	path := "/rest/api/content/" + url.PathEscape(id) + "?expand=" + url.QueryEscape(contentExpand)

	respBody, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, fmt.Errorf("fetching content %s: %w", id, err)
	}

	return c.decodeContent(respBody)
}

func (c *HTTPClient) decodeContent(body []byte) (*Content, error) {
	var content Content
	if err := json.Unmarshal(body, &content); err != nil {
		return nil, fmt.Errorf("decoding content record: %w", err)
	}

	if webui := gjson.GetBytes(body, "_links.webui"); webui.Exists() {
		content.URL = c.baseURL + webui.String()
	}

	return &content, nil
}

// cqlQuote escapes a string for inclusion in a CQL quoted literal.
func cqlQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)

	return `"` + s + `"`
}

// FindContentByTitle searches for content by exact title within a space.
func (c *HTTPClient) FindContentByTitle(ctx context.Context, contentType, spaceKey, title string) (*Content, error) {
	cql := fmt.Sprintf("type=%s and space=%s and title=%s", contentType, cqlQuote(spaceKey), cqlQuote(title))
	path := "/rest/api/content/search?limit=1&expand=" + url.QueryEscape(contentExpand) + "&cql=" + url.QueryEscape(cql)

	respBody, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, fmt.Errorf("searching %s titled %q: %w", contentType, title, err)
	}

	results := gjson.GetBytes(respBody, "results")
	if !results.Exists() || len(results.Array()) == 0 {
		return nil, fmt.Errorf("no %s titled %q in space %s: %w", contentType, title, spaceKey, ErrNotFound)
	}

	return c.decodeContent([]byte(results.Array()[0].Raw))
}

// adfBody wraps an ADF JSON string in the v1 body envelope.
func adfBody(value string) map[string]any {
	return map[string]any{
		"atlas_doc_format": map[string]any{
			"value":          value,
			"representation": "atlas_doc_format",
		},
	}
}

// CreateContent creates a page or blogpost.
func (c *HTTPClient) CreateContent(ctx context.Context, req CreateContentRequest) (*Content, error) {
	payload := map[string]any{
		"type":  req.Type,
		"title": req.Title,
		"space": map[string]any{"key": req.SpaceKey},
		"body":  adfBody(req.BodyADF),
	}

	if len(req.Ancestors) > 0 {
		payload["ancestors"] = ancestorList(req.Ancestors)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling create request: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPost, "/rest/api/content", bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, fmt.Errorf("creating %s %q: %w", req.Type, req.Title, err)
	}

	return c.decodeContent(respBody)
}

// UpdateContent updates an existing page or blogpost.
func (c *HTTPClient) UpdateContent(ctx context.Context, id string, req UpdateContentRequest) (*Content, error) {
	payload := map[string]any{
		"type":    req.Type,
		"title":   req.Title,
		"version": map[string]any{"number": req.Version},
		"body":    adfBody(req.BodyADF),
	}

	if len(req.Ancestors) > 0 {
		payload["ancestors"] = ancestorList(req.Ancestors)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling update request: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPut, "/rest/api/content/"+url.PathEscape(id), bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, fmt.Errorf("updating content %s: %w", id, err)
	}

	return c.decodeContent(respBody)
}

func ancestorList(ids []string) []map[string]string {
	out := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]string{"id": id})
	}

	return out
}

// GetAttachments lists the attachments of a content record.
func (c *HTTPClient) GetAttachments(ctx context.Context, contentID string) ([]Attachment, error) {
	path := "/rest/api/content/" + url.PathEscape(contentID) + "/child/attachment?limit=250&expand=" + url.QueryEscape("extensions")

	var resp struct {
		Results []Attachment `json:"results"`
	}

	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching attachments of %s: %w", contentID, err)
	}

	return resp.Results, nil
}

// CreateOrUpdateAttachment uploads data under the given filename,
// replacing an existing attachment with the same name.
func (c *HTTPClient) CreateOrUpdateAttachment(ctx context.Context, contentID, name string, data []byte) (*Attachment, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("building multipart body: %w", err)
	}

	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("writing multipart body: %w", err)
	}

	if err := writer.WriteField("minorEdit", "true"); err != nil {
		return nil, fmt.Errorf("writing multipart field: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	path := "/rest/api/content/" + url.PathEscape(contentID) + "/child/attachment"

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("creating attachment request: %w", err)
	}

	req.SetBasicAuth(c.user, c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", writer.FormDataContentType())
	// Required by Confluence for multipart uploads.
	req.Header.Set("X-Atlassian-Token", "nocheck")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("uploading attachment %s: %w", name, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading attachment response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := apiMessage(respBody)
		if msg == "" {
			msg = sanitizeResponseBody(respBody)
		}

		wrapped := fmt.Errorf("attachment upload %s (%d): %s", name, resp.StatusCode, msg)
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: wrapped}
		}

		return nil, wrapped
	}

	// The PUT endpoint returns {results: [...]} like the list endpoint.
	var listResp struct {
		Results []Attachment `json:"results"`
	}

	if err := json.Unmarshal(respBody, &listResp); err == nil && len(listResp.Results) > 0 {
		return &listResp.Results[0], nil
	}

	var att Attachment
	if err := json.Unmarshal(respBody, &att); err != nil {
		return nil, fmt.Errorf("decoding attachment response: %w", err)
	}

	return &att, nil
}

// GetLabels lists the labels of a content record.
func (c *HTTPClient) GetLabels(ctx context.Context, contentID string) ([]Label, error) {
	var resp struct {
		Results []Label `json:"results"`
	}

	if err := c.doJSON(ctx, http.MethodGet, "/rest/api/content/"+url.PathEscape(contentID)+"/label", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching labels of %s: %w", contentID, err)
	}

	return resp.Results, nil
}

// AddLabels adds all the given labels in one batched call.
func (c *HTTPClient) AddLabels(ctx context.Context, contentID string, names []string) error {
	if len(names) == 0 {
		return nil
	}

	payload := make([]Label, 0, len(names))
	for _, n := range names {
		payload = append(payload, Label{Prefix: "global", Name: n})
	}

	if err := c.doJSON(ctx, http.MethodPost, "/rest/api/content/"+url.PathEscape(contentID)+"/label", payload, nil); err != nil {
		return fmt.Errorf("adding labels to %s: %w", contentID, err)
	}

	return nil
}

// RemoveLabel removes a single label. The API has no batch remove.
func (c *HTTPClient) RemoveLabel(ctx context.Context, contentID, name string) error {
	path := "/rest/api/content/" + url.PathEscape(contentID) + "/label?name=" + url.QueryEscape(name)

	if _, err := c.do(ctx, http.MethodDelete, path, nil, ""); err != nil {
		return fmt.Errorf("removing label %q from %s: %w", name, contentID, err)
	}

	return nil
}

// Folders probes the v2 API once and returns the folder capability when
// the instance supports it.
func (c *HTTPClient) Folders(ctx context.Context) (FolderClient, bool) {
	c.folderProbe.Do(func() {
		_, err := c.do(ctx, http.MethodGet, "/api/v2/spaces?limit=1", nil, "")
		if err != nil && !IsTransient(err) {
			return
		}

		c.hasFolders = err == nil
	})

	if !c.hasFolders {
		return nil, false
	}

	return &httpFolderClient{c: c}, true
}

// httpFolderClient implements FolderClient over the v2 REST API.
type httpFolderClient struct {
	c *HTTPClient
}

func (f *httpFolderClient) GetFolder(ctx context.Context, id string) (*Folder, error) {
	respBody, err := f.c.do(ctx, http.MethodGet, "/api/v2/folders/"+url.PathEscape(id), nil, "")
	if err != nil {
		return nil, fmt.Errorf("fetching folder %s: %w", id, err)
	}

	return f.decodeFolder(respBody)
}

func (f *httpFolderClient) decodeFolder(body []byte) (*Folder, error) {
	var folder Folder
	if err := json.Unmarshal(body, &folder); err != nil {
		return nil, fmt.Errorf("decoding folder record: %w", err)
	}

	folder.Version = int(gjson.GetBytes(body, "version.number").Int())
	folder.AuthorID = gjson.GetBytes(body, "version.authorId").String()

	if webui := gjson.GetBytes(body, "_links.webui"); webui.Exists() {
		folder.URL = f.c.baseURL + webui.String()
	}

	return &folder, nil
}

func (f *httpFolderClient) CreateFolder(ctx context.Context, spaceID, parentID, title string) (*Folder, error) {
	payload := map[string]any{
		"spaceId": spaceID,
		"title":   title,
	}

	if parentID != "" {
		payload["parentId"] = parentID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling folder create request: %w", err)
	}

	respBody, err := f.c.do(ctx, http.MethodPost, "/api/v2/folders", bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, fmt.Errorf("creating folder %q: %w", title, err)
	}

	return f.decodeFolder(respBody)
}

func (f *httpFolderClient) UpdateFolder(ctx context.Context, id string, req UpdateFolderRequest) (*Folder, error) {
	payload := map[string]any{
		"id":      id,
		"title":   req.Title,
		"version": map[string]any{"number": req.Version},
	}

	if req.ParentID != "" {
		payload["parentId"] = req.ParentID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling folder update request: %w", err)
	}

	respBody, err := f.c.do(ctx, http.MethodPut, "/api/v2/folders/"+url.PathEscape(id), bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, fmt.Errorf("updating folder %s: %w", id, err)
	}

	return f.decodeFolder(respBody)
}

func (f *httpFolderClient) FindFolderByTitle(ctx context.Context, spaceKey, title string) (*Folder, error) {
	cql := fmt.Sprintf("type=folder and space=%s and title=%s", cqlQuote(spaceKey), cqlQuote(title))
	path := "/rest/api/content/search?limit=1&cql=" + url.QueryEscape(cql)

	respBody, err := f.c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, fmt.Errorf("searching folder titled %q: %w", title, err)
	}

	results := gjson.GetBytes(respBody, "results")
	if !results.Exists() || len(results.Array()) == 0 {
		return nil, fmt.Errorf("no folder titled %q in space %s: %w", title, spaceKey, ErrNotFound)
	}

	id := gjson.Get(results.Array()[0].Raw, "id").String()

	// The search result is a v1 record; fetch the v2 view for version
	// and parent information.
	return f.GetFolder(ctx, id)
}

func (f *httpFolderClient) SpaceID(ctx context.Context, spaceKey string) (string, error) {
	path := "/api/v2/spaces?keys=" + url.QueryEscape(spaceKey)

	respBody, err := f.c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return "", fmt.Errorf("resolving space id for %s: %w", spaceKey, err)
	}

	id := gjson.GetBytes(respBody, "results.0.id")
	if !id.Exists() {
		return "", fmt.Errorf("space %s not visible via v2 API: %w", spaceKey, ErrNotFound)
	}

	return id.String(), nil
}
