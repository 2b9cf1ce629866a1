// Package backend provides byte transport to and from the stores jobs ingest
// from. Backends are resolved by type tag and expose only the capabilities
// they support.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"

	"github.com/mattjoyce/scatter/internal/job"
)

// SizeLookup resolves an object's size in bytes.
type SizeLookup interface {
	GetSize(ctx context.Context, locator string) (uint64, error)
}

// RangeReader reads up to length bytes starting at offset. Reading past the
// end of the object is not an error: the available bytes are returned and the
// caller compares lengths.
type RangeReader interface {
	ReadRange(ctx context.Context, locator string, offset, length uint64) ([]byte, error)
}

// Writer stores a blob at destination, replacing any existing one.
type Writer interface {
	Put(ctx context.Context, destination string, data []byte) error
}

// ErrNotFound is wrapped by backends when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Canonical backend tags.
const (
	TagFile   = "file"
	TagS3     = "s3"
	TagHTTP   = "http"
	TagBuffer = "buffer"
)

var aliases = map[string]string{
	"posix":      TagFile,
	"local":      TagFile,
	"filesystem": TagFile,
	"amazon":     TagS3,
	"https":      TagHTTP,
}

// Canonical maps a user-supplied tag or alias to its canonical form.
func Canonical(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if c, ok := aliases[tag]; ok {
		return c
	}
	return tag
}

// InferTag picks a backend from the locator's scheme. Bare paths are local files.
func InferTag(locator string) string {
	scheme, _, found := strings.Cut(locator, "://")
	if !found {
		return TagFile
	}
	return Canonical(scheme)
}

// Registry resolves tags to backends and caches size lookups.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]any
	sizes    *lru.Cache
}

// NewRegistry creates an empty registry. cacheEntries <= 0 disables the
// size cache.
func NewRegistry(cacheEntries int) *Registry {
	r := &Registry{backends: make(map[string]any)}
	if cacheEntries > 0 {
		// lru.New only fails for non-positive sizes.
		r.sizes, _ = lru.New(cacheEntries)
	}
	return r
}

// Register adds b under tag. b must implement at least one capability.
func (r *Registry) Register(tag string, b any) error {
	switch b.(type) {
	case SizeLookup, RangeReader, Writer:
	default:
		return fmt.Errorf("backend %q implements no capability (%T)", tag, b)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[Canonical(tag)] = b
	return nil
}

// Resolve returns the canonical tag for an entry: the explicit tag when set,
// otherwise the one inferred from locator.
func (r *Registry) Resolve(tag, locator string) string {
	if strings.TrimSpace(tag) != "" {
		return Canonical(tag)
	}
	return InferTag(locator)
}

// Tags lists registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.backends))
	for t := range r.backends {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

func (r *Registry) lookup(tag string) (any, error) {
	r.mu.RLock()
	b, ok := r.backends[Canonical(tag)]
	r.mu.RUnlock()
	if !ok {
		return nil, job.Configf("backend", "unknown backend %q (registered: %s)", tag, strings.Join(r.Tags(), ", "))
	}
	return b, nil
}

// SizeLookup returns the SizeLookup capability of tag.
func (r *Registry) SizeLookup(tag string) (SizeLookup, error) {
	b, err := r.lookup(tag)
	if err != nil {
		return nil, err
	}
	s, ok := b.(SizeLookup)
	if !ok {
		return nil, job.Configf("backend", "backend %q cannot look up sizes", tag)
	}
	return s, nil
}

// Reader returns the RangeReader capability of tag.
func (r *Registry) Reader(tag string) (RangeReader, error) {
	b, err := r.lookup(tag)
	if err != nil {
		return nil, err
	}
	rr, ok := b.(RangeReader)
	if !ok {
		return nil, job.Configf("backend", "backend %q cannot read ranges", tag)
	}
	return rr, nil
}

// Writer returns the Writer capability of tag.
func (r *Registry) Writer(tag string) (Writer, error) {
	b, err := r.lookup(tag)
	if err != nil {
		return nil, err
	}
	w, ok := b.(Writer)
	if !ok {
		return nil, job.Configf("backend", "backend %q cannot write", tag)
	}
	return w, nil
}

// GetSize looks up locator's size through tag, consulting the cache first.
func (r *Registry) GetSize(ctx context.Context, tag, locator string) (uint64, error) {
	key := Canonical(tag) + "|" + locator
	if r.sizes != nil {
		if v, ok := r.sizes.Get(key); ok {
			return v.(uint64), nil
		}
	}

	s, err := r.SizeLookup(tag)
	if err != nil {
		return 0, err
	}
	size, err := s.GetSize(ctx, locator)
	if err != nil {
		return 0, err
	}
	if r.sizes != nil {
		r.sizes.Add(key, size)
	}
	return size, nil
}

// Close releases backends holding resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result *multierror.Error
	for tag, b := range r.backends {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close %s: %w", tag, err))
			}
		}
	}
	return result.ErrorOrNil()
}
