package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultChunkAlignment is the granularity non-final chunks of a resumable upload must respect.
const DefaultChunkAlignment = 256 * 1024

const objectFields = "id,name,size,mimeType,webViewLink,webContentLink"

// ResumableConfig configures the resumable-upload API client.
type ResumableConfig struct {
	// UploadURL is the endpoint that creates upload sessions,
	// e.g. https://www.googleapis.com/upload/drive/v3/files.
	UploadURL string
	// APIURL is the metadata API root used by the publisher,
	// e.g. https://www.googleapis.com/drive/v3.
	APIURL string
	// Token is the OAuth bearer token. Acquiring it is up to the caller.
	Token string
	// FolderID is the parent the object is created in. Empty means the root.
	FolderID string
	// ChunkAlignment is the required multiple for non-final chunk sizes. Zero disables the check.
	ChunkAlignment int
	// OwnerEmail, when set, receives ownership of every published object. When
	// the transfer is refused the account is made a writer instead.
	OwnerEmail string
}

type resumableMetadata struct {
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType,omitempty"`
	Parents  []string `json:"parents,omitempty"`
}

type resumableObject struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Size           int64  `json:"size,string"`
	MimeType       string `json:"mimeType"`
	WebViewLink    string `json:"webViewLink"`
	WebContentLink string `json:"webContentLink"`
}

func (o resumableObject) toObject() *Object {
	link := o.WebContentLink
	if link == "" {
		link = o.WebViewLink
	}
	return &Object{ID: o.ID, Name: o.Name, Size: o.Size, ContentType: o.MimeType, Link: link}
}

// ResumableClient uploads through a resumable-upload HTTP API: the session is
// created with a POST, chunks are sent with PUT and a Content-Range header.
type ResumableClient struct {
	httpClient *retryablehttp.Client
	config     ResumableConfig
	logger     log.Logger
}

// NewResumableClient creates a client with a retryable HTTP client for session
// creation. Chunk requests bypass the client's retries, the upload driver owns those.
func NewResumableClient(config ResumableConfig, logger log.Logger) *ResumableClient {
	client := retryhttp.NewClient(logger)
	client.HTTPClient.Timeout = 0
	return NewResumableClientWithHTTPClient(client, config, logger)
}

// NewResumableClientWithHTTPClient creates a client using the given HTTP client.
func NewResumableClientWithHTTPClient(client *retryablehttp.Client, config ResumableConfig, logger log.Logger) *ResumableClient {
	return &ResumableClient{httpClient: client, config: config, logger: logger}
}

// Open creates an upload session and returns its session URI.
func (c *ResumableClient) Open(ctx context.Context, params OpenParams) (Session, error) {
	const op = "open session"

	if align := c.config.ChunkAlignment; align > 0 && params.ChunkSize%align != 0 {
		return nil, failure.Newf(failure.InvalidInput, op, "chunk size %d is not a multiple of %d", params.ChunkSize, align)
	}

	u, err := url.Parse(c.config.UploadURL)
	if err != nil {
		return nil, failure.New(failure.InvalidInput, op, err)
	}
	query := u.Query()
	query.Set("uploadType", "resumable")
	if query.Get("fields") == "" {
		query.Set("fields", objectFields)
	}
	query.Set("supportsAllDrives", "true")
	u.RawQuery = query.Encode()

	metadata := resumableMetadata{Name: params.Name, MimeType: params.ContentType}
	if c.config.FolderID != "" {
		metadata.Parents = []string{c.config.FolderID}
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return nil, failure.New(failure.SessionOpenFailure, op, err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, u.String(), body)
	if err != nil {
		return nil, failure.New(failure.SessionOpenFailure, op, err)
	}
	req = req.WithContext(ctx)
	c.authorize(req.Request)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if params.ContentType != "" {
		req.Header.Set("X-Upload-Content-Type", params.ContentType)
	}
	if params.SizeHint >= 0 {
		req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(params.SizeHint, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isCancelled(ctx, err) {
			return nil, failure.New(failure.Cancelled, op, err)
		}
		return nil, failure.New(failure.SessionOpenFailure, op, err)
	}
	defer closeBody(resp.Body, c.logger.Printf)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, failure.New(failure.SessionOpenFailure, op, unwrapError(resp))
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, failure.New(failure.SessionOpenFailure, op, errors.New("response has no session URI"))
	}
	c.logger.Debugf("Upload session opened for %s", params.Name)

	return &resumableSession{client: c, uri: location}, nil
}

func (c *ResumableClient) authorize(req *http.Request) {
	if c.config.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.config.Token))
	}
}

type resumableSession struct {
	client *ResumableClient
	uri    string
}

func (s *resumableSession) ID() string {
	return s.uri
}

// PutChunk sends one chunk. A 308 answer reports the committed range, a 200 or
// 201 answer carries the finished object.
func (s *resumableSession) PutChunk(ctx context.Context, offset int64, data []byte, final bool) (ChunkResult, error) {
	const op = "put chunk"

	end := offset + int64(len(data))
	var contentRange string
	switch {
	case len(data) > 0 && final:
		contentRange = fmt.Sprintf("bytes %d-%d/%d", offset, end-1, end)
	case len(data) > 0:
		contentRange = fmt.Sprintf("bytes %d-%d/*", offset, end-1)
	case final:
		contentRange = fmt.Sprintf("bytes */%d", offset)
	default:
		return ChunkResult{}, failure.Newf(failure.InvalidInput, op, "empty non-final chunk at offset %d", offset)
	}

	resp, err := s.do(ctx, contentRange, data)
	if err != nil {
		return ChunkResult{}, requestError(ctx, op, err)
	}
	defer closeBody(resp.Body, s.client.logger.Printf)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var object resumableObject
		if err := json.NewDecoder(resp.Body).Decode(&object); err != nil {
			return ChunkResult{}, failure.New(failure.UploadRejected, op, fmt.Errorf("decode object: %w", err))
		}
		return ChunkResult{Committed: end, Object: object.toObject()}, nil
	case resp.StatusCode == http.StatusPermanentRedirect:
		committed, err := parseRange(resp.Header.Get("Range"))
		if err != nil {
			return ChunkResult{}, failure.New(failure.UploadChunkFailure, op, err)
		}
		return ChunkResult{Committed: committed}, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return ChunkResult{}, failure.NewOffsetMismatch(op, offset, -1)
	default:
		return ChunkResult{}, statusError(op, resp)
	}
}

// Status asks the destination how many bytes it holds with an empty PUT.
func (s *resumableSession) Status(ctx context.Context) (ChunkResult, error) {
	const op = "query upload status"

	resp, err := s.do(ctx, "bytes */*", nil)
	if err != nil {
		return ChunkResult{}, requestError(ctx, op, err)
	}
	defer closeBody(resp.Body, s.client.logger.Printf)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var object resumableObject
		if err := json.NewDecoder(resp.Body).Decode(&object); err != nil {
			return ChunkResult{}, failure.New(failure.UploadRejected, op, fmt.Errorf("decode object: %w", err))
		}
		return ChunkResult{Committed: object.Size, Object: object.toObject()}, nil
	case http.StatusPermanentRedirect:
		committed, err := parseRange(resp.Header.Get("Range"))
		if err != nil {
			return ChunkResult{}, failure.New(failure.UploadChunkFailure, op, err)
		}
		return ChunkResult{Committed: committed}, nil
	default:
		return ChunkResult{}, statusError(op, resp)
	}
}

// Abort deletes the upload session. The API answers 499 on success.
func (s *resumableSession) Abort(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.uri, nil)
	if err != nil {
		return err
	}
	s.client.authorize(req)

	resp, err := s.client.httpClient.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	defer closeBody(resp.Body, s.client.logger.Printf)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("abort session: %w", unwrapError(resp))
	}
	return nil
}

func (s *resumableSession) do(ctx context.Context, contentRange string, data []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.uri, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	s.client.authorize(req)
	req.Header.Set("Content-Range", contentRange)

	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		s.client.logger.Warnf("error while dumping request: %s", err)
	}
	s.client.logger.Debugf("Chunk request dump: %s", string(dump))

	return s.client.httpClient.HTTPClient.Do(req)
}

// parseRange converts a "bytes=0-N" header into the committed length N+1.
// A missing header means nothing was committed.
func parseRange(header string) (int64, error) {
	if header == "" {
		return 0, nil
	}
	spec := strings.TrimPrefix(header, "bytes=")
	_, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, fmt.Errorf("malformed Range header %q", header)
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header %q: %w", header, err)
	}
	return n + 1, nil
}

func requestError(ctx context.Context, op string, err error) error {
	if isCancelled(ctx, err) {
		return failure.New(failure.Cancelled, op, err)
	}
	// Timeouts, resets and refused connections are worth another attempt.
	return failure.New(failure.UploadChunkFailure, op, err)
}

func statusError(op string, resp *http.Response) error {
	err := unwrapError(resp)
	switch {
	case transientStatus(resp.StatusCode):
		return failure.New(failure.UploadChunkFailure, op, err)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return failure.New(failure.UploadRejected, op, fmt.Errorf("upload session expired: %w", err))
	default:
		return failure.New(failure.UploadRejected, op, err)
	}
}

// ResumablePublisher moves and shares objects through the metadata API.
type ResumablePublisher struct {
	client *ResumableClient
}

// NewResumablePublisher creates a publisher sharing the client's configuration.
func NewResumablePublisher(client *ResumableClient) *ResumablePublisher {
	return &ResumablePublisher{client: client}
}

type permission struct {
	Type         string `json:"type"`
	Role         string `json:"role"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

// EnsureVisible adds the object to the folder identified by path, then hands
// it over to the configured owner. Failing to hand it over is only logged.
func (p *ResumablePublisher) EnsureVisible(ctx context.Context, object Object, path string) error {
	if path != "" {
		query := url.Values{}
		query.Set("addParents", path)
		query.Set("fields", "id,parents")
		query.Set("supportsAllDrives", "true")
		if err := p.call(ctx, http.MethodPatch, p.fileURL(object.ID, "", query), []byte("{}")); err != nil {
			return err
		}
	}

	if email := p.client.config.OwnerEmail; email != "" {
		p.transferOwnership(ctx, object, email)
	}
	return nil
}

func (p *ResumablePublisher) transferOwnership(ctx context.Context, object Object, email string) {
	query := url.Values{}
	query.Set("transferOwnership", "true")
	query.Set("supportsAllDrives", "true")
	err := p.createPermission(ctx, object.ID, query, permission{Type: "user", Role: "owner", EmailAddress: email})
	if err == nil {
		p.client.logger.Debugf("Ownership of %s transferred to %s", object.ID, email)
		return
	}
	p.client.logger.Warnf("Failed to transfer ownership of %s to %s, granting write access instead: %s", object.ID, email, err)

	query = url.Values{}
	query.Set("supportsAllDrives", "true")
	if err := p.createPermission(ctx, object.ID, query, permission{Type: "user", Role: "writer", EmailAddress: email}); err != nil {
		p.client.logger.Warnf("Failed to grant write access on %s to %s: %s", object.ID, email, err)
	}
}

// GrantRead gives anyone with the link read access and returns the link.
func (p *ResumablePublisher) GrantRead(ctx context.Context, object Object) (string, error) {
	query := url.Values{}
	query.Set("supportsAllDrives", "true")
	if err := p.createPermission(ctx, object.ID, query, permission{Type: "anyone", Role: "reader"}); err != nil {
		return "", err
	}
	return object.Link, nil
}

func (p *ResumablePublisher) createPermission(ctx context.Context, id string, query url.Values, perm permission) error {
	body, err := json.Marshal(perm)
	if err != nil {
		return err
	}
	return p.call(ctx, http.MethodPost, p.fileURL(id, "/permissions", query), body)
}

func (p *ResumablePublisher) fileURL(id, suffix string, query url.Values) string {
	return fmt.Sprintf("%s/files/%s%s?%s",
		strings.TrimSuffix(p.client.config.APIURL, "/"), url.PathEscape(id), suffix, query.Encode())
}

func (p *ResumablePublisher) call(ctx context.Context, method, endpoint string, body []byte) error {
	req, err := retryablehttp.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	p.client.authorize(req.Request)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp.Body, p.client.logger.Printf)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}
	return nil
}
