// Package format turns raw byte ranges into records at a destination.
package format

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/mattjoyce/scatter/internal/backend"
	"github.com/mattjoyce/scatter/internal/job"
)

// TagBinary is the only built-in format: bytes are forwarded unchanged.
const TagBinary = "binary"

var aliases = map[string]string{
	"posix": TagBinary,
	"raw":   TagBinary,
}

// Chunk is one contiguous slice of a source object.
type Chunk struct {
	Locator string
	Offset  uint64
	Data    []byte
}

// Importer decodes chunks and sinks the result.
type Importer interface {
	Import(ctx context.Context, c Chunk) error
	Stats() Stats
}

// Stats counts what an importer has handled.
type Stats struct {
	Chunks uint64 `json:"chunks"`
	Bytes  uint64 `json:"bytes"`
}

// Canonical maps a format tag or alias to its canonical name. Empty means binary.
func Canonical(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return TagBinary
	}
	if c, ok := aliases[tag]; ok {
		return c
	}
	return tag
}

// New builds the importer for tag. w may be nil when destination is empty.
func New(tag string, w backend.Writer, destination string) (Importer, error) {
	switch Canonical(tag) {
	case TagBinary:
		if destination != "" && w == nil {
			return nil, job.Configf("destination", "no writer for destination %q", destination)
		}
		return &Binary{writer: w, destination: strings.TrimRight(destination, "/")}, nil
	default:
		return nil, job.Configf("format", "unknown format %q", tag)
	}
}

// Supported reports whether tag names a known format.
func Supported(tag string) bool {
	return Canonical(tag) == TagBinary
}

// Binary writes each chunk as its own blob keyed by source base name and
// offset. Without a destination the chunks are counted and dropped.
type Binary struct {
	writer      backend.Writer
	destination string

	chunks atomic.Uint64
	bytes  atomic.Uint64
}

// Key returns the blob name a chunk is written to.
func Key(destination, locator string, offset uint64) string {
	base := path.Base(strings.TrimRight(locator, "/"))
	return destination + "/" + base + "/" + strconv.FormatUint(offset, 10)
}

// Import sinks one chunk.
func (b *Binary) Import(ctx context.Context, c Chunk) error {
	if b.destination != "" {
		key := Key(b.destination, c.Locator, c.Offset)
		if err := b.writer.Put(ctx, key, c.Data); err != nil {
			return fmt.Errorf("sink chunk at %d: %w", c.Offset, err)
		}
	}
	b.chunks.Add(1)
	b.bytes.Add(uint64(len(c.Data)))
	return nil
}

// Stats returns the running totals.
func (b *Binary) Stats() Stats {
	return Stats{Chunks: b.chunks.Load(), Bytes: b.bytes.Load()}
}
