// Package networktest provides an in-memory resumable-upload server for tests.
package networktest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/bitrise-io/go-transferbridge/transfer/network"
)

// Put is a chunk request received by the server.
type Put struct {
	Session string
	Start   int64
	Length  int
	Final   bool
	Status  int
}

// Permission is a permission request received by the server.
type Permission struct {
	FileID            string
	Type              string
	Role              string
	EmailAddress      string
	TransferOwnership bool
	Status            int
}

// ResumableServer implements the resumable-upload protocol on top of httptest.
type ResumableServer struct {
	*httptest.Server

	mu       sync.Mutex
	sessions map[string]*resumableSession
	nextID   int
	puts     []Put
	grants   []string
	perms    []Permission
	parents  map[string]string
	// missingSharedDrives counts POST and PATCH requests sent without supportsAllDrives=true.
	missingSharedDrives int

	// OpenStatus, when set, is returned for session creation requests.
	OpenStatus int
	// Failures maps a chunk start offset to statuses returned, in order, before the chunk is accepted.
	Failures map[int64][]int
	// MaxAccept limits the bytes committed per request to simulate partial acceptance.
	MaxAccept int64
	// ReportSize overrides the size reported for finished objects.
	ReportSize func(actual int64) int64
	// GrantStatus, when set, is returned for public read permission requests.
	GrantStatus int
	// OwnerStatus, when set, is returned for ownership transfers.
	OwnerStatus int
	// WriterStatus, when set, is returned for writer permission requests.
	WriterStatus int
}

type resumableSession struct {
	name     string
	mimeType string
	parents  []string
	data     bytes.Buffer
	total    int64
	complete bool
	aborted  bool
}

// NewResumableServer starts a server. It is closed with t.Cleanup by the caller.
func NewResumableServer() *ResumableServer {
	s := &ResumableServer{
		sessions: map[string]*resumableSession{},
		parents:  map[string]string{},
		Failures: map[int64][]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Config returns a client configuration pointing at the server.
func (s *ResumableServer) Config() network.ResumableConfig {
	return network.ResumableConfig{
		UploadURL: s.URL + "/upload",
		APIURL:    s.URL,
		Token:     "test-token",
	}
}

// Puts returns the chunk requests received so far.
func (s *ResumableServer) Puts() []Put {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Put(nil), s.puts...)
}

// Data returns the bytes committed to the given session.
func (s *ResumableServer) Data(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return append([]byte(nil), sess.data.Bytes()...)
	}
	return nil
}

// Name returns the object name the session was opened with.
func (s *ResumableServer) Name(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.name
	}
	return ""
}

// Parents returns the parents the session was opened with.
func (s *ResumableServer) Parents(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.parents
	}
	return nil
}

// Aborted reports whether the session was deleted.
func (s *ResumableServer) Aborted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return ok && sess.aborted
}

// Complete reports whether the session finished.
func (s *ResumableServer) Complete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return ok && sess.complete
}

// Grants returns the IDs of the objects shared publicly.
func (s *ResumableServer) Grants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.grants...)
}

// Permissions returns every permission request received, including refused ones.
func (s *ResumableServer) Permissions() []Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Permission(nil), s.perms...)
}

// MissingSharedDrives returns the number of session, folder and permission
// requests sent without supportsAllDrives=true.
func (s *ResumableServer) MissingSharedDrives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missingSharedDrives
}

// Folder returns the folder an object was added to.
func (s *ResumableServer) Folder(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parents[id]
}

// SessionIDs returns the IDs of every session opened, in order.
func (s *ResumableServer) SessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, s.nextID)
	for i := 1; i <= s.nextID; i++ {
		ids = append(ids, strconv.Itoa(i))
	}
	return ids
}

func (s *ResumableServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Method == http.MethodPost || r.Method == http.MethodPatch {
		if r.URL.Query().Get("supportsAllDrives") != "true" {
			s.missingSharedDrives++
		}
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/upload":
		s.open(w, r)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/session/"):
		s.put(w, r, strings.TrimPrefix(r.URL.Path, "/session/"))
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/session/"):
		if sess, ok := s.sessions[strings.TrimPrefix(r.URL.Path, "/session/")]; ok {
			sess.aborted = true
		}
		w.WriteHeader(499)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/permissions"):
		s.permission(w, r, strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/files/"), "/permissions"))
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/files/"):
		s.parents[strings.TrimPrefix(r.URL.Path, "/files/")] = r.URL.Query().Get("addParents")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	default:
		http.NotFound(w, r)
	}
}

func (s *ResumableServer) permission(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Type         string `json:"type"`
		Role         string `json:"role"`
		EmailAddress string `json:"emailAddress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	perm := Permission{
		FileID:            id,
		Type:              body.Type,
		Role:              body.Role,
		EmailAddress:      body.EmailAddress,
		TransferOwnership: r.URL.Query().Get("transferOwnership") == "true",
		Status:            http.StatusOK,
	}
	switch {
	case perm.Type == "anyone" && s.GrantStatus != 0:
		perm.Status = s.GrantStatus
	case perm.Role == "owner" && s.OwnerStatus != 0:
		perm.Status = s.OwnerStatus
	case perm.Role == "owner" && !perm.TransferOwnership:
		perm.Status = http.StatusForbidden
	case perm.Role == "writer" && s.WriterStatus != 0:
		perm.Status = s.WriterStatus
	}
	s.perms = append(s.perms, perm)

	if perm.Status != http.StatusOK {
		http.Error(w, "permission denied", perm.Status)
		return
	}
	if perm.Type == "anyone" {
		s.grants = append(s.grants, id)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"id":"perm-%d"}`, len(s.perms))
}

func (s *ResumableServer) open(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if s.OpenStatus != 0 {
		http.Error(w, "cannot open session", s.OpenStatus)
		return
	}

	var metadata struct {
		Name     string   `json:"name"`
		MimeType string   `json:"mimeType"`
		Parents  []string `json:"parents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&metadata); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.sessions[id] = &resumableSession{name: metadata.Name, mimeType: metadata.MimeType, parents: metadata.Parents, total: -1}
	w.Header().Set("Location", s.URL+"/session/"+id)
	w.WriteHeader(http.StatusOK)
}

func (s *ResumableServer) put(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := s.sessions[id]
	if !ok || sess.aborted {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start, total, isQuery, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if isQuery {
		s.reply(w, id, sess)
		return
	}

	put := Put{Session: id, Start: start, Length: len(body), Final: total >= 0}
	record := func(status int) {
		put.Status = status
		s.puts = append(s.puts, put)
	}

	if statuses := s.Failures[start]; len(statuses) > 0 {
		s.Failures[start] = statuses[1:]
		record(statuses[0])
		http.Error(w, "injected failure", statuses[0])
		return
	}
	committed := int64(sess.data.Len())
	if start != committed {
		record(http.StatusRequestedRangeNotSatisfiable)
		http.Error(w, fmt.Sprintf("expected offset %d", committed), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	accepted := body
	if s.MaxAccept > 0 && int64(len(accepted)) > s.MaxAccept {
		accepted = accepted[:s.MaxAccept]
	}
	sess.data.Write(accepted)
	if total >= 0 {
		sess.total = total
	}
	if sess.total >= 0 && int64(sess.data.Len()) == sess.total {
		sess.complete = true
	}
	if sess.complete {
		record(http.StatusOK)
	} else {
		record(http.StatusPermanentRedirect)
	}
	s.reply(w, id, sess)
}

func (s *ResumableServer) reply(w http.ResponseWriter, id string, sess *resumableSession) {
	committed := int64(sess.data.Len())
	if !sess.complete {
		if committed > 0 {
			w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", committed-1))
		}
		w.WriteHeader(http.StatusPermanentRedirect)
		return
	}

	size := committed
	if s.ReportSize != nil {
		size = s.ReportSize(size)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":             id,
		"name":           sess.name,
		"size":           strconv.FormatInt(size, 10),
		"mimeType":       sess.mimeType,
		"webViewLink":    s.URL + "/view/" + id,
		"webContentLink": s.URL + "/download/" + id,
	})
}

// parseContentRange parses "bytes a-b/total", "bytes a-b/*", "bytes */total" and "bytes */*".
func parseContentRange(header string) (start, total int64, isQuery bool, err error) {
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, false, fmt.Errorf("malformed Content-Range %q", header)
	}
	rng, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, false, fmt.Errorf("malformed Content-Range %q", header)
	}

	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, false, err
		}
	}
	if rng == "*" {
		if total < 0 {
			return 0, -1, true, nil
		}
		return total, total, false, nil
	}

	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, false, fmt.Errorf("malformed Content-Range %q", header)
	}
	start, err = strconv.ParseInt(first, 10, 64)
	return start, total, false, err
}
