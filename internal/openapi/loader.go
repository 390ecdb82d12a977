// Package openapi loads the OpenAPI descriptions a document references,
// indexes their operations, and compiles workflow steps into immutable
// CompiledSteps shared by every run of the same document.
package openapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/tombee/arazzo/pkg/arazzo"
	"github.com/tombee/arazzo/pkg/errors"
)

// Source is a loaded and indexed OpenAPI description.
type Source struct {
	// Name is the source description name from the document.
	Name string

	// URL is the location the description was declared at.
	URL string

	// Version is the description's info.version, part of the compile
	// cache key.
	Version string

	// BaseURL is the first server URL, the prefix of every operation
	// URL template.
	BaseURL string

	// Doc is the parsed description.
	Doc *openapi3.T

	// Raw is the description's raw bytes, frozen into the store
	// alongside the document that references it.
	Raw []byte
}

// Loader fetches and parses OpenAPI descriptions. Documents fetched by
// URL are cached by ETag for the lifetime of the loader.
type Loader struct {
	// Overrides maps source names to local paths supplied via
	// --openapi name=path; an override wins over the declared URL.
	Overrides map[string]string

	// Preloaded maps source names to raw description bytes (persisted
	// snapshots on resume). Preloaded content wins over everything.
	Preloaded map[string][]byte

	// HTTP is the client used for URL sources. Defaults to a plain
	// 30-second-timeout client: source fetching happens before any run
	// exists and is not subject to run policy.
	HTTP *http.Client

	mu    sync.Mutex
	etags map[string]etagEntry
}

type etagEntry struct {
	etag string
	data []byte
}

// NewLoader creates a loader with the given per-source path overrides.
func NewLoader(overrides map[string]string) *Loader {
	return &Loader{
		Overrides: overrides,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		etags:     make(map[string]etagEntry),
	}
}

// Load fetches and parses one source description. It does not build the
// operation index; BuildIndex does that.
func (l *Loader) Load(ctx context.Context, src arazzo.SourceDescription) (*Source, error) {
	if src.Type == "arazzo" {
		return nil, &errors.ResolveError{
			Source:  src.Name,
			Message: "arazzo-typed sources are referenced as sub-workflows, not loaded as OpenAPI",
		}
	}

	data, err := l.fetch(ctx, src)
	if err != nil {
		return nil, err
	}

	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, &errors.ResolveError{
			Source:  src.Name,
			Message: fmt.Sprintf("cannot parse OpenAPI description: %v", err),
		}
	}

	out := &Source{Name: src.Name, URL: src.URL, Doc: doc, Raw: data}
	if doc.Info != nil {
		out.Version = doc.Info.Version
	}
	if len(doc.Servers) > 0 {
		out.BaseURL = strings.TrimSuffix(doc.Servers[0].URL, "/")
	}
	return out, nil
}

// fetch reads the raw description bytes: override path, URL with ETag
// revalidation, or a filesystem path.
func (l *Loader) fetch(ctx context.Context, src arazzo.SourceDescription) ([]byte, error) {
	if data, ok := l.Preloaded[src.Name]; ok {
		return data, nil
	}
	if path, ok := l.Overrides[src.Name]; ok {
		return readFile(src.Name, path)
	}

	u, err := url.Parse(src.URL)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return l.fetchURL(ctx, src.Name, src.URL)
	}
	return readFile(src.Name, src.URL)
}

func (l *Loader) fetchURL(ctx context.Context, name, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &errors.ResolveError{Source: name, Message: fmt.Sprintf("bad source URL: %v", err)}
	}

	l.mu.Lock()
	cached, hasCached := l.etags[rawURL]
	l.mu.Unlock()
	if hasCached && cached.etag != "" {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := l.HTTP.Do(req)
	if err != nil {
		return nil, &errors.ResolveError{Source: name, Message: fmt.Sprintf("fetch source: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && hasCached {
		return cached.data, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &errors.ResolveError{Source: name, Message: fmt.Sprintf("fetch source: HTTP %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.ResolveError{Source: name, Message: fmt.Sprintf("read source: %v", err)}
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		l.mu.Lock()
		l.etags[rawURL] = etagEntry{etag: etag, data: data}
		l.mu.Unlock()
	}
	return data, nil
}

func readFile(name, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ResolveError{Source: name, Message: fmt.Sprintf("read source: %v", err)}
	}
	return data, nil
}
