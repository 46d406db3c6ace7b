package yagna

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"
)

const (
	testAppKey   = "test-app-key"
	testSHA3     = "abc123"
	testImageURL = "http://registry.test/image.gvmi"
)

type fakeDaemon struct {
	*httptest.Server
	mux *http.ServeMux

	mu       sync.Mutex
	requests []string
	bodies   map[string][]byte
	queries  map[string][]string
	auth     []string
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	d := &fakeDaemon{
		mux:     http.NewServeMux(),
		bodies:  make(map[string][]byte),
		queries: make(map[string][]string),
	}
	d.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		key := r.Method + " " + r.URL.Path

		d.mu.Lock()
		d.requests = append(d.requests, key)
		d.bodies[key] = body
		d.queries[key] = append(d.queries[key], r.URL.RawQuery)
		d.auth = append(d.auth, r.Header.Get("Authorization"))
		d.mu.Unlock()

		d.mux.ServeHTTP(w, r)
	}))
	d.mux.HandleFunc("GET /v1/image/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, imageInfo{URL: testImageURL, SHA3: testSHA3})
	})
	t.Cleanup(d.Close)
	return d
}

func (d *fakeDaemon) handle(pattern string, h http.HandlerFunc) {
	d.mux.HandleFunc(pattern, h)
}

func (d *fakeDaemon) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:       d.URL,
		AppKey:        testAppKey,
		RegistryURL:   d.URL,
		PollTimeout:   time.Second,
		RatePerSecond: 1000,
		Burst:         100,
	}, log.NewNopLogger())
	require.NoError(t, err)
	return c
}

func (d *fakeDaemon) count(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.requests {
		if r == key {
			n++
		}
	}
	return n
}

func (d *fakeDaemon) body(key string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bodies[key]
}

func (d *fakeDaemon) query(key string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.queries[key]...)
}

func (d *fakeDaemon) authHeaders() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.auth...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// idle answers an empty event batch after a short pause, like a long poll
// that timed out.
func idle(w http.ResponseWriter, r *http.Request) {
	select {
	case <-time.After(10 * time.Millisecond):
	case <-r.Context().Done():
	}
	writeJSON(w, []any{})
}
