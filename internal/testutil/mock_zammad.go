// Package testutil provides testing utilities for the Zammad extractor.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines a canned response for a mock endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Request is a request received by the mock server.
type Request struct {
	Path     string
	RawQuery string
	Header   http.Header
}

// MockZammad is a configurable mock of the Zammad REST API.
type MockZammad struct {
	server *httptest.Server
	mu     sync.RWMutex

	token    string
	handlers map[string]http.HandlerFunc

	tickets       *Dataset
	users         *Dataset
	organizations *Dataset
	groups        *Dataset
	tags          map[int][]string

	requests  []Request
	onRequest func(r *http.Request)
}

// NewMockZammad creates and starts a mock server that accepts the given API
// token. An empty token disables authentication checks.
func NewMockZammad(token string) *MockZammad {
	mock := &MockZammad{
		token:         token,
		handlers:      make(map[string]http.HandlerFunc),
		tickets:       NewDataset(nil),
		users:         NewDataset(nil),
		organizations: NewDataset(nil),
		groups:        NewDataset(nil),
		tags:          make(map[int][]string),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the mock server URL.
func (m *MockZammad) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockZammad) Close() {
	m.server.Close()
}

// SetTickets replaces the ticket dataset.
func (m *MockZammad) SetTickets(rows []Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets = NewDataset(rows)
}

// SetUsers replaces the user dataset.
func (m *MockZammad) SetUsers(rows []Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = NewDataset(rows)
}

// SetOrganizations replaces the organization dataset.
func (m *MockZammad) SetOrganizations(rows []Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.organizations = NewDataset(rows)
}

// SetGroups replaces the group dataset.
func (m *MockZammad) SetGroups(rows []Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = NewDataset(rows)
}

// SetTags sets the tags of a ticket.
func (m *MockZammad) SetTags(ticketID int, tags []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[ticketID] = tags
}

// OnRequest registers a hook called for every request before it is served.
func (m *MockZammad) OnRequest(fn func(r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRequest = fn
}

// SetHandler overrides the handler for a path.
func (m *MockZammad) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// ClearHandler removes an override set with SetHandler or SetResponse.
func (m *MockZammad) ClearHandler(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, path)
}

// SetResponse configures a canned response for a path.
func (m *MockZammad) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// Requests returns a copy of the requests received so far.
func (m *MockZammad) Requests() []Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of requests made to path.
func (m *MockZammad) RequestCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.Path == path {
			n++
		}
	}
	return n
}

// Reset clears the request log.
func (m *MockZammad) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

func (m *MockZammad) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, Request{
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
	})
	hook := m.onRequest
	handler, overridden := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if hook != nil {
		hook(r)
	}

	if m.token != "" && r.Header.Get("Authorization") != "Token token="+m.token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication failed"})
		return
	}

	if overridden {
		handler(w, r)
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	switch r.URL.Path {
	case "/tickets/search":
		m.serveTickets(w, r)
	case "/users/search":
		m.serveSearch(w, r, m.users)
	case "/organizations/search":
		m.serveSearch(w, r, m.organizations)
	case "/groups":
		m.serveList(w, r, m.groups)
	case "/tags":
		m.serveTags(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no route matches"})
	}
}

func (m *MockZammad) serveTickets(w http.ResponseWriter, r *http.Request) {
	rows, err := m.tickets.Search(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	// assets are keyed by id and carry no order; the tickets list does
	ids := make([]int, 0, len(rows))
	byID := make(map[string]any, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		byID[strconv.Itoa(row.ID)] = row.JSON()
	}
	assets := map[string]any{"Ticket": byID}

	writeJSON(w, http.StatusOK, map[string]any{
		"tickets":       ids,
		"tickets_count": len(ids),
		"assets":        assets,
	})
}

func (m *MockZammad) serveSearch(w http.ResponseWriter, r *http.Request, ds *Dataset) {
	rows, err := ds.Search(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeRows(w, rows)
}

func (m *MockZammad) serveList(w http.ResponseWriter, r *http.Request, ds *Dataset) {
	rows, err := ds.List(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeRows(w, rows)
}

func (m *MockZammad) serveTags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("object") != "Ticket" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "unknown object"})
		return
	}
	id, err := strconv.Atoi(q.Get("o_id"))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "invalid o_id"})
		return
	}
	tags := m.tags[id]
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func writeRows(w http.ResponseWriter, rows []Row) {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.JSON())
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response asking the
// client to wait retryAfter seconds.
func NewRateLimitResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Too many requests"}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(retryAfter),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates a 404 response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
