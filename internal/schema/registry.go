package schema

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/beswatch/beswatch/internal/logging"
)

// Fetcher retrieves one schema source by its proto import path.
type Fetcher func(ctx context.Context, path string) ([]byte, error)

// NewHTTPFetcher fetches proto sources relative to baseURL. A nil client
// falls back to http.DefaultClient.
func NewHTTPFetcher(baseURL string, client *http.Client) Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	base := strings.TrimSuffix(baseURL, "/") + "/"

	return func(ctx context.Context, path string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %s", resp.Status)
		}
		return io.ReadAll(resp.Body)
	}
}

// MapFetcher serves schema sources from memory. Intended for tests.
func MapFetcher(sources map[string]string) Fetcher {
	return func(_ context.Context, path string) ([]byte, error) {
		src, ok := sources[path]
		if !ok {
			return nil, fmt.Errorf("unknown schema source %q", path)
		}
		return []byte(src), nil
	}
}

// Registry compiles schema sources into a Set. Stateless apart from the
// fetch cache populated during a single Load call.
type Registry struct {
	fetch Fetcher
	log   logging.ServiceLogger
}

// NewRegistry builds a Registry around the given fetcher.
func NewRegistry(fetch Fetcher, log logging.ServiceLogger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{fetch: fetch, log: log}
}

// Load fetches and compiles every root, in order, into one consistent type
// universe. Later roots extend or shadow earlier ones for equal
// fully-qualified names. Any unreachable source aborts with *FetchError;
// any parse or link failure aborts with *CompileError.
func (r *Registry) Load(ctx context.Context, roots []string) (*Set, error) {
	if len(roots) == 0 {
		return nil, &CompileError{Source: "", Err: errors.New("no schema roots configured")}
	}

	cache := &fetchCache{fetch: r.fetch, sources: map[string][]byte{}}

	resolver := protocompile.WithStandardImports(&protocompile.SourceResolver{
		Accessor: func(path string) (io.ReadCloser, error) {
			raw, err := cache.get(ctx, path)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(bytes.NewReader(raw)), nil
		},
	})
	compiler := protocompile.Compiler{Resolver: resolver}

	set := &Set{
		byName: map[string]protoreflect.MessageDescriptor{},
		files:  &protoregistry.Files{},
	}
	registered := map[string]bool{}

	for _, root := range roots {
		files, err := compiler.Compile(ctx, root)
		if err != nil {
			if fetchErr := cache.firstFailure(); fetchErr != nil {
				return nil, fetchErr
			}
			return nil, &CompileError{Source: root, Err: err}
		}

		for _, fd := range files {
			registerFileTree(set, registered, fd)
		}

		r.log.Debug("Compiled schema source", logging.LogFields{
			"source": root,
			"types":  set.Len(),
		})
	}

	set.types = dynamicpb.NewTypes(set.files)

	r.log.Info("Schema loaded", logging.LogFields{
		"sources": len(roots),
		"types":   set.Len(),
	})
	return set, nil
}

// registerFileTree walks a file and its transitive imports, registering every
// message type. Later calls overwrite map entries, which is what gives later
// schema sources shadowing rights.
func registerFileTree(set *Set, registered map[string]bool, fd protoreflect.FileDescriptor) {
	imports := fd.Imports()
	for i := 0; i < imports.Len(); i++ {
		registerFileTree(set, registered, imports.Get(i).FileDescriptor)
	}

	if !registered[fd.Path()] {
		// Registration conflicts only arise for well-known types pulled in
		// by several sources; the first registration wins for Any
		// resolution, the byName map still honours source order.
		if err := set.files.RegisterFile(fd); err == nil {
			registered[fd.Path()] = true
		}
	}

	registerMessages(set, fd.Messages())
}

func registerMessages(set *Set, msgs protoreflect.MessageDescriptors) {
	for i := 0; i < msgs.Len(); i++ {
		md := msgs.Get(i)
		set.byName[string(md.FullName())] = md
		registerMessages(set, md.Messages())
	}
}

// fetchCache memoises source fetches within one Load call and records the
// first failure so it can be surfaced as a FetchError instead of the
// compiler's wrapped version.
type fetchCache struct {
	fetch   Fetcher
	mu      sync.Mutex
	sources map[string][]byte
	failure *FetchError
}

func (c *fetchCache) get(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	raw, ok := c.sources[path]
	c.mu.Unlock()
	if ok {
		return raw, nil
	}

	raw, err := c.fetch(ctx, path)
	if err != nil {
		fetchErr := &FetchError{Path: path, Err: err}
		// Well-known types fall back to the compiler's bundled standard
		// imports, so a miss there is not a real fetch failure.
		if !strings.HasPrefix(path, "google/protobuf/") {
			c.mu.Lock()
			if c.failure == nil {
				c.failure = fetchErr
			}
			c.mu.Unlock()
		}
		return nil, fetchErr
	}

	c.mu.Lock()
	c.sources[path] = raw
	c.mu.Unlock()
	return raw, nil
}

func (c *fetchCache) firstFailure() *FetchError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}
