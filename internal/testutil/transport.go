package testutil

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/roach88/geosync/internal/geo"
)

// FakeBlobs is an in-memory blob source. Failures can be injected per
// resource key ("type/id").
type FakeBlobs struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	failures  map[string][]error
	downloads map[string]int
}

// NewFakeBlobs creates an empty blob source.
func NewFakeBlobs() *FakeBlobs {
	return &FakeBlobs{
		blobs:     make(map[string][]byte),
		failures:  make(map[string][]error),
		downloads: make(map[string]int),
	}
}

// Put stores the primary's content of a blob.
func (f *FakeBlobs) Put(t geo.ResourceType, id int64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[geo.ResourceKey(t, id)] = data
}

// FailNext makes the next len(errs) downloads of a blob fail with errs in order.
func (f *FakeBlobs) FailNext(t geo.ResourceType, id int64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := geo.ResourceKey(t, id)
	f.failures[key] = append(f.failures[key], errs...)
}

// Downloads returns how many downloads of a blob were attempted.
func (f *FakeBlobs) Downloads(t geo.ResourceType, id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[geo.ResourceKey(t, id)]
}

// Download writes the blob to w.
func (f *FakeBlobs) Download(_ context.Context, res geo.Resource, w io.Writer) error {
	f.mu.Lock()
	key := geo.ResourceKey(res.Type, res.ID)
	f.downloads[key]++
	if errs := f.failures[key]; len(errs) > 0 {
		f.failures[key] = errs[1:]
		f.mu.Unlock()
		return errs[0]
	}
	data, ok := f.blobs[key]
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("download %s: 404 Not Found", key)
	}
	_, err := w.Write(data)
	return err
}

// FakeRepos is an in-memory repository source. A fetch copies the primary's
// refs into a file inside the mirror directory.
type FakeRepos struct {
	mu       sync.Mutex
	refs     map[string]map[string]string
	failures map[string][]error
	fetches  map[string]int
}

// NewFakeRepos creates an empty repository source.
func NewFakeRepos() *FakeRepos {
	return &FakeRepos{
		refs:     make(map[string]map[string]string),
		failures: make(map[string][]error),
		fetches:  make(map[string]int),
	}
}

// SetRefs sets the primary's refs of a repository.
func (f *FakeRepos) SetRefs(t geo.ResourceType, id int64, refs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[geo.ResourceKey(t, id)] = maps.Clone(refs)
}

// FailNext makes the next len(errs) fetches of a repository fail.
func (f *FakeRepos) FailNext(t geo.ResourceType, id int64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := geo.ResourceKey(t, id)
	f.failures[key] = append(f.failures[key], errs...)
}

// Fetches returns how many fetches of a repository were attempted.
func (f *FakeRepos) Fetches(t geo.ResourceType, id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[geo.ResourceKey(t, id)]
}

// Fetch mirrors the primary's refs into dir.
func (f *FakeRepos) Fetch(_ context.Context, res geo.Resource, dir string) error {
	f.mu.Lock()
	key := geo.ResourceKey(res.Type, res.ID)
	f.fetches[key]++
	if errs := f.failures[key]; len(errs) > 0 {
		f.failures[key] = errs[1:]
		f.mu.Unlock()
		return errs[0]
	}
	refs, ok := f.refs[key]
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("fetch %s: repository not found", key)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var content []byte
	for name, oid := range refs {
		content = fmt.Appendf(content, "%s %s\n", oid, name)
	}
	return os.WriteFile(filepath.Join(dir, "packed-refs"), content, 0o644)
}

// RefState reads back the refs written by Fetch.
func (f *FakeRepos) RefState(_ context.Context, dir string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "packed-refs"))
	if err != nil {
		return nil, err
	}
	refs := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if oid, name, ok := strings.Cut(line, " "); ok {
			refs[name] = oid
		}
	}
	return refs, nil
}
