// Package testutil provides fixtures shared by package tests: a fake model origin
// and generated images.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Origin is an in-memory HTTP server for model artifacts that counts requests per file
type Origin struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	requests map[string]int
	statuses map[string]int
}

// NewOrigin starts an origin serving files under /models/
func NewOrigin(t *testing.T, files map[string][]byte) *Origin {
	t.Helper()

	o := &Origin{
		files:    make(map[string][]byte),
		requests: make(map[string]int),
		statuses: make(map[string]int),
	}
	for name, data := range files {
		o.files[name] = data
	}

	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Server.Close)
	return o
}

// BaseURL is the directory URL the files are served under
func (o *Origin) BaseURL() string {
	return o.Server.URL + "/models/"
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/models/")

	o.mu.Lock()
	if r.Method == http.MethodGet {
		o.requests[name]++
	}
	data, ok := o.files[name]
	status := o.statuses[name]
	o.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

// SetFile replaces or adds a file
func (o *Origin) SetFile(name string, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[name] = data
}

// SetStatus forces a status code for a file; 0 restores normal serving
func (o *Origin) SetStatus(name string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[name] = status
}

// Requests returns how many GET requests a file received
func (o *Origin) Requests(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[name]
}

// TotalRequests returns the number of GET requests across all files
func (o *Origin) TotalRequests() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.requests {
		total += n
	}
	return total
}

// Descriptor builds a minimal onnx descriptor listing the given shards
func Descriptor(shards ...string) []byte {
	quoted := make([]string, len(shards))
	for i, s := range shards {
		quoted[i] = `"` + s + `"`
	}
	return []byte(`{"format":"onnx","weightsManifest":[{"paths":[` + strings.Join(quoted, ",") + `]}]}`)
}
