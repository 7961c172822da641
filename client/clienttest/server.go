// Package clienttest provides an in-process fake of the transcription
// service for tests.
package clienttest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Prefix is the API prefix the fake serves under.
const Prefix = "/api/v1"

// Credentials accepted by /auth/login.
const (
	Email    = "ada@example.com"
	Password = "correct horse"
)

// Meeting is a record as the fake stores and returns it.
type Meeting map[string]interface{}

// Server is a fake transcription service. The zero state accepts the token
// returned by Login and serves an empty meeting list.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	meetings     map[string]Meeting
	order        []string
	scripts      map[string][]Meeting
	accessToken  string
	refreshToken string
	requireAuth  bool
	envelope     bool
	failures     []int
	drops        int
	requests     []string
	uploads      []Upload
	tokenTTL     time.Duration
}

// Upload records one received upload.
type Upload struct {
	Title    string
	FileName string
	Body     []byte
}

// NewServer starts a fake service. Close it when done.
func NewServer() *Server {
	s := &Server{
		meetings:     map[string]Meeting{},
		scripts:      map[string][]Meeting{},
		accessToken:  "access-" + uuid.NewString(),
		refreshToken: "refresh-" + uuid.NewString(),
		requireAuth:  true,
		tokenTTL:     time.Hour,
	}

	r := mux.NewRouter().UseEncodedPath()
	api := r.PathPrefix(Prefix).Subrouter()
	api.Use(s.record, s.faults)

	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.authenticate)
	authed.HandleFunc("/meetings", s.handleList).Methods(http.MethodGet)
	authed.HandleFunc("/meetings/upload", s.handleUpload).Methods(http.MethodPost)
	authed.HandleFunc("/meetings/validate", s.handleValidate).Methods(http.MethodPost)
	authed.HandleFunc("/meetings/{id}", s.handleGet).Methods(http.MethodGet)
	authed.HandleFunc("/meetings/{id}", s.handleDelete).Methods(http.MethodDelete)
	authed.HandleFunc("/meetings/{id}/retry", s.handleRetry).Methods(http.MethodPost)

	// Without keep-alives net/http never replays a request on a fresh
	// connection, so dropped connections reach the client.
	s.Server = httptest.NewUnstartedServer(r)
	s.Server.Config.SetKeepAlivesEnabled(false)
	s.Server.Start()
	return s
}

// BaseURL is the URL API paths are relative to.
func (s *Server) BaseURL() string {
	return s.URL + Prefix
}

// AccessToken returns the currently accepted token.
func (s *Server) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// RefreshToken returns the currently accepted refresh token.
func (s *Server) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

// RotateToken invalidates the current access token, as if it had expired.
func (s *Server) RotateToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = "access-" + uuid.NewString()
}

// RevokeRefresh invalidates the refresh token.
func (s *Server) RevokeRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshToken = "refresh-" + uuid.NewString()
}

// SetRequireAuth toggles bearer token checks.
func (s *Server) SetRequireAuth(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireAuth = v
}

// SetEnvelope wraps list responses as {"meetings": [...]}.
func (s *Server) SetEnvelope(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelope = v
}

// Add stores m, which must carry an "id".
func (s *Server) Add(m Meeting) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprint(m["id"])
	if _, ok := s.meetings[id]; !ok {
		s.order = append(s.order, id)
	}
	s.meetings[id] = m
	return id
}

// Delete removes a meeting as if another client had deleted it.
func (s *Server) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id)
}

func (s *Server) remove(id string) bool {
	if _, ok := s.meetings[id]; !ok {
		return false
	}
	delete(s.meetings, id)
	delete(s.scripts, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Script makes successive GETs of id return states in order. The last state
// sticks. A nil state answers 404 and deletes the meeting.
func (s *Server) Script(id string, states ...Meeting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[id]; !ok {
		s.order = append(s.order, id)
		s.meetings[id] = Meeting{"id": id, "status": "pending"}
	}
	s.scripts[id] = states
}

// FailNext answers the next len(statuses) requests with those status codes.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// DropNext closes the connection of the next n requests without answering.
func (s *Server) DropNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops += n
}

// Requests returns "METHOD /path" for every request received, without the
// API prefix.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Count returns how many received requests match "METHOD /path".
func (s *Server) Count(request string) int {
	n := 0
	for _, r := range s.Requests() {
		if r == request {
			n++
		}
	}
	return n
}

// Uploads returns every upload received.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+strings.TrimPrefix(r.URL.EscapedPath(), Prefix))
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		drop := s.drops > 0
		if drop {
			s.drops--
		}
		status := 0
		if !drop && len(s.failures) > 0 {
			status, s.failures = s.failures[0], s.failures[1:]
		}
		s.mu.Unlock()

		if drop {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
		}
		if status != 0 {
			writeJSON(w, status, map[string]string{"detail": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		ok := !s.requireAuth || r.Header.Get("Authorization") == "Bearer "+s.accessToken
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokens() map[string]interface{} {
	return map[string]interface{}{
		"access_token":  s.accessToken,
		"refresh_token": s.refreshToken,
		"token_type":    "bearer",
		"expires_in":    int(s.tokenTTL.Seconds()),
		"user":          map[string]string{"id": "user-1", "email": Email},
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
		return
	}
	if body.Email != Email || body.Password != Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect email or password"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.tokens())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()
	if body.RefreshToken != s.refreshToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid refresh token"})
		return
	}
	s.accessToken = "access-" + uuid.NewString()
	writeJSON(w, http.StatusOK, s.tokens())
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]Meeting, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.meetings[id])
	}
	if s.envelope {
		writeJSON(w, http.StatusOK, map[string]interface{}{"meetings": list})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := meetingID(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	if script, ok := s.scripts[id]; ok && len(script) > 0 {
		state := script[0]
		if len(script) > 1 {
			s.scripts[id] = script[1:]
		}
		if state == nil {
			s.remove(id)
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Meeting not found"})
			return
		}
		merged := Meeting{"id": id}
		for k, v := range state {
			merged[k] = v
		}
		s.meetings[id] = merged
	}

	m, ok := s.meetings[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Meeting not found"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "file is required"})
		return
	}
	defer file.Close()
	body, _ := io.ReadAll(file)

	up := Upload{Title: r.FormValue("title"), FileName: header.Filename, Body: body}
	id := uuid.NewString()
	m := Meeting{
		"id":                   id,
		"name":                 up.Title,
		"transcription_status": "uploaded",
		"uploaded_at":          time.Now().UTC().Format(time.RFC3339),
	}
	if up.Title == "" {
		delete(m, "name")
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, up)
	s.meetings[id] = m
	s.order = append(s.order, id)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{"meeting": m})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := meetingID(r)

	s.mu.Lock()
	ok := s.remove(id)
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Meeting not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := meetingID(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Meeting not found"})
		return
	}
	retried := Meeting{}
	for k, v := range m {
		retried[k] = v
	}
	retried["transcription_status"] = "queued"
	delete(retried, "status")
	delete(retried, "error_message")
	delete(retried, "error")
	s.meetings[id] = retried
	writeJSON(w, http.StatusAccepted, retried)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	valid, invalid := []string{}, []string{}
	for _, id := range body.IDs {
		if _, ok := s.meetings[id]; ok {
			valid = append(valid, id)
		} else {
			invalid = append(invalid, id)
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"valid_ids": valid, "invalid_ids": invalid})
}

func meetingID(r *http.Request) string {
	id := mux.Vars(r)["id"]
	if unescaped, err := url.PathUnescape(id); err == nil {
		return unescaped
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
