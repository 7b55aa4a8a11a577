package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Endpoint paths served by FakeTwitterAPI
const (
	StreamPath = "/2/tweets/search/stream"
	RulesPath  = "/2/tweets/search/stream/rules"
)

// FakeRule is the wire form of a stream rule
type FakeRule struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
}

// FakeProblem is the wire form of a rules endpoint error
type FakeProblem struct {
	Title   string   `json:"title,omitempty"`
	Details []string `json:"details,omitempty"`
	Detail  string   `json:"detail,omitempty"`
	Type    string   `json:"type,omitempty"`
	Value   string   `json:"value,omitempty"`
}

// RecordedRequest is a request seen by FakeTwitterAPI
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

// FakeTwitterAPI is an in-process stand-in for the filtered stream API.
// It keeps a rule set, serves a scripted stream and can inject failures.
// Thread-safe for concurrent use.
type FakeTwitterAPI struct {
	Server *httptest.Server
	Token  string

	mu       sync.Mutex
	rules    []FakeRule
	nextID   int
	requests []RecordedRequest

	addProblems    []FakeProblem
	deleteProblems []FakeProblem
	dropAdds       bool

	failCount  int
	failStatus int
	failBody   string

	streamLines  []string
	holdOpen     bool
	streamStatus int
	streamBody   string
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewFakeTwitterAPI starts a fake API that accepts token as the bearer
// credential. The server is closed on test cleanup.
func NewFakeTwitterAPI(t testing.TB, token string) *FakeTwitterAPI {
	t.Helper()

	f := &FakeTwitterAPI{
		Token:  token,
		nextID: 1000,
		stop:   make(chan struct{}),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// URL returns the base URL of the fake
func (f *FakeTwitterAPI) URL() string {
	return f.Server.URL
}

// Close releases any held stream connection and shuts the server down.
func (f *FakeTwitterAPI) Close() {
	f.stopOnce.Do(func() { close(f.stop) })
	f.Server.Close()
}

// SetRules replaces the active rule set. Rules without an ID get one.
func (f *FakeTwitterAPI) SetRules(rules ...FakeRule) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = f.rules[:0]
	for _, r := range rules {
		if r.ID == "" {
			r.ID = f.newID()
		}
		f.rules = append(f.rules, r)
	}
}

// Rules returns a copy of the active rule set
func (f *FakeTwitterAPI) Rules() []FakeRule {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]FakeRule, len(f.rules))
	copy(out, f.rules)
	return out
}

// RejectAdds makes add requests answer with the given problems
func (f *FakeTwitterAPI) RejectAdds(problems ...FakeProblem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addProblems = problems
}

// RejectDeletes makes delete requests answer with the given problems
func (f *FakeTwitterAPI) RejectDeletes(problems ...FakeProblem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteProblems = problems
}

// DropAdds makes add requests succeed without reporting the new rule
func (f *FakeTwitterAPI) DropAdds() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropAdds = true
}

// FailNext answers the next n requests with status and body
func (f *FakeTwitterAPI) FailNext(n, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCount = n
	f.failStatus = status
	f.failBody = body
}

// SetStream scripts the lines written on the stream connection. Each line
// is terminated by CRLF. With holdOpen the connection stays open after the
// last line until the fake is closed or the client disconnects.
func (f *FakeTwitterAPI) SetStream(holdOpen bool, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamLines = lines
	f.holdOpen = holdOpen
}

// FailStream answers stream requests with status and body
func (f *FakeTwitterAPI) FailStream(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamStatus = status
	f.streamBody = body
}

// Requests returns the requests served so far
func (f *FakeTwitterAPI) Requests() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]RecordedRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// RequestCount returns the number of requests for method and path
func (f *FakeTwitterAPI) RequestCount(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func (f *FakeTwitterAPI) newID() string {
	f.nextID++
	return strconv.Itoa(f.nextID)
}

func (f *FakeTwitterAPI) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   string(body),
	})

	if r.Header.Get("Authorization") != "Bearer "+f.Token {
		f.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"title":  "Unauthorized",
			"type":   "about:blank",
			"status": http.StatusUnauthorized,
			"detail": "Unauthorized",
		})
		return
	}

	if f.failCount > 0 {
		f.failCount--
		status, failBody := f.failStatus, f.failBody
		f.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, failBody)
		return
	}
	f.mu.Unlock()

	switch {
	case r.URL.Path == StreamPath && r.Method == http.MethodGet:
		f.serveStream(w, r)
	case r.URL.Path == RulesPath && r.Method == http.MethodGet:
		f.serveRules(w)
	case r.URL.Path == RulesPath && r.Method == http.MethodPost:
		f.serveChange(w, body)
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeTwitterAPI) serveRules(w http.ResponseWriter) {
	f.mu.Lock()
	resp := map[string]any{
		"meta": map[string]any{"result_count": len(f.rules), "sent": "2024-01-01T00:00:00.000Z"},
	}
	if len(f.rules) > 0 {
		data := make([]FakeRule, len(f.rules))
		copy(data, f.rules)
		resp["data"] = data
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (f *FakeTwitterAPI) serveChange(w http.ResponseWriter, body []byte) {
	var req struct {
		Add    []FakeRule `json:"add"`
		Delete *struct {
			IDs    []string `json:"ids"`
			Values []string `json:"values"`
		} `json:"delete"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"title":  "Invalid Request",
			"detail": fmt.Sprintf("One or more parameters to your request was invalid: %v", err),
		})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case req.Delete != nil:
		if len(f.deleteProblems) > 0 {
			writeJSON(w, http.StatusOK, map[string]any{
				"errors": f.deleteProblems,
				"meta":   summary(0, 0, 0, len(req.Delete.IDs)),
			})
			return
		}

		remove := make(map[string]bool, len(req.Delete.IDs))
		for _, id := range req.Delete.IDs {
			remove[id] = true
		}
		kept := f.rules[:0]
		deleted := 0
		for _, r := range f.rules {
			if remove[r.ID] {
				deleted++
				continue
			}
			kept = append(kept, r)
		}
		f.rules = kept

		writeJSON(w, http.StatusOK, map[string]any{
			"meta": summary(0, 0, deleted, len(req.Delete.IDs)-deleted),
		})

	case len(req.Add) > 0:
		if len(f.addProblems) > 0 {
			writeJSON(w, http.StatusOK, map[string]any{
				"errors": f.addProblems,
				"meta":   summary(0, len(req.Add), 0, 0),
			})
			return
		}

		created := make([]FakeRule, 0, len(req.Add))
		for _, r := range req.Add {
			r.ID = f.newID()
			f.rules = append(f.rules, r)
			created = append(created, r)
		}

		resp := map[string]any{"meta": summary(len(created), 0, 0, 0)}
		if !f.dropAdds {
			resp["data"] = created
		}
		writeJSON(w, http.StatusCreated, resp)

	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"title":  "Invalid Request",
			"detail": "One of add or delete is required",
		})
	}
}

func (f *FakeTwitterAPI) serveStream(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	lines := append([]string(nil), f.streamLines...)
	holdOpen := f.holdOpen
	status, failBody := f.streamStatus, f.streamBody
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, failBody)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\r\n"); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if holdOpen {
		select {
		case <-f.stop:
		case <-r.Context().Done():
		}
	}
}

func summary(created, notCreated, deleted, notDeleted int) map[string]any {
	return map[string]any{
		"sent": "2024-01-01T00:00:00.000Z",
		"summary": map[string]int{
			"created":     created,
			"not_created": notCreated,
			"deleted":     deleted,
			"not_deleted": notDeleted,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TweetLine renders a stream line carrying one tweet
func TweetLine(id, text string) string {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]string{"id": id, "text": text},
		"matching_rules": []map[string]string{
			{"id": "1", "tag": ""},
		},
	})
	return string(b)
}

// ErrorLine renders a stream line carrying only problems
func ErrorLine(details ...string) string {
	problems := make([]map[string]string, len(details))
	for i, d := range details {
		problems[i] = map[string]string{
			"title":  "operational-disconnect",
			"detail": d,
			"type":   "https://api.twitter.com/2/problems/operational-disconnect",
		}
	}
	b, _ := json.Marshal(map[string]any{"errors": problems})
	return string(b)
}

// JoinLines joins lines the way the stream frames them
func JoinLines(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}
