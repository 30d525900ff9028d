package providers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/ratelimit"
)

// recordedRequest is one request seen by a fake provider server.
type recordedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Header http.Header
	Body   []byte
}

func (r recordedRequest) json(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(r.Body, &m); err != nil {
		t.Fatalf("decoding %s %s body %q: %v", r.Method, r.Path, r.Body, err)
	}
	return m
}

// fakeProvider routes "METHOD /path" to handlers and records every request.
type fakeProvider struct {
	t      *testing.T
	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	seen   []recordedRequest
	srv    *httptest.Server
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{t: t, routes: map[string]http.HandlerFunc{}}
	fp.srv = httptest.NewServer(http.HandlerFunc(fp.serve))
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) handle(route string, h http.HandlerFunc) { fp.routes[route] = h }

func (fp *fakeProvider) json(route string, status int, body any) {
	fp.handle(route, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			json.NewEncoder(w).Encode(body)
		}
	})
}

func (fp *fakeProvider) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	fp.mu.Lock()
	fp.seen = append(fp.seen, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	fp.mu.Unlock()

	h, ok := fp.routes[r.Method+" "+r.URL.Path]
	if !ok {
		fp.t.Logf("unrouted request %s %s", r.Method, r.URL.Path)
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		return
	}
	h(w, r)
}

func (fp *fakeProvider) requests(method, path string) []recordedRequest {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	var out []recordedRequest
	for _, r := range fp.seen {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// testFactory points provider p at fp with pacing disabled.
func testFactory(p integration.ProviderType, baseURL string) *Factory {
	return NewFactory(Deps{
		BaseURLs: map[integration.ProviderType]string{p: baseURL},
		Limits:   map[integration.ProviderType]func() ratelimit.Policy{p: nil},
	})
}

func mustCreate(t *testing.T, f *Factory, conn integration.Connection) integration.Integration {
	t.Helper()
	in, err := f.Create(conn)
	if err != nil {
		t.Fatalf("Create(%s): %v", conn.Provider, err)
	}
	return in
}

func futureExpiry() *time.Time {
	exp := time.Now().Add(time.Hour)
	return &exp
}
