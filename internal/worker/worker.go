// Package worker is the per-rank ingest loop. Each rank derives its own
// sub-range of the job, reads it in fixed chunks and hands every chunk to
// the format importer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/mattjoyce/scatter/internal/backend"
	"github.com/mattjoyce/scatter/internal/format"
	"github.com/mattjoyce/scatter/internal/integrity"
	"github.com/mattjoyce/scatter/internal/job"
	"github.com/mattjoyce/scatter/internal/log"
	"github.com/mattjoyce/scatter/internal/partition"
	"github.com/mattjoyce/scatter/internal/protocol"
)

// Chunk size bounds.
const (
	DefaultChunkSize = 4 << 20
	MinChunkSize     = 1 << 20
	MaxChunkSize     = 16 << 20
)

// rankEnv lists the rank and world-size variables of the MPI launchers we
// know, in lookup order.
var rankEnv = [][2]string{
	{"OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"},
	{"PMI_RANK", "PMI_SIZE"},
	{"PMIX_RANK", "PMIX_SIZE"},
	{"SCATTER_RANK", "SCATTER_WORLD_SIZE"},
}

// Worker runs ranks against a backend registry.
type Worker struct {
	registry *backend.Registry
	progress io.Writer
	getenv   func(string) string
}

// Option configures a Worker.
type Option func(*Worker)

// WithProgressOutput sets where the progress bar is drawn. Default stderr.
func WithProgressOutput(w io.Writer) Option {
	return func(wk *Worker) { wk.progress = w }
}

// WithEnv replaces the environment lookup used to resolve MPI ranks.
func WithEnv(getenv func(string) string) Option {
	return func(wk *Worker) { wk.getenv = getenv }
}

// New creates a Worker.
func New(registry *backend.Registry, opts ...Option) *Worker {
	w := &Worker{registry: registry, progress: os.Stderr, getenv: os.Getenv}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ResolveRank returns the rank and world size for req. A request rank of
// protocol.RankFromEnv is looked up in the MPI environment.
func ResolveRank(req protocol.Request, getenv func(string) string) (rank, world int, err error) {
	if req.Rank != protocol.RankFromEnv {
		world = max(req.WorldSize, 1)
		if req.Rank < 0 || req.Rank >= world {
			return 0, 0, fmt.Errorf("rank %d outside world of %d", req.Rank, world)
		}
		return req.Rank, world, nil
	}

	for _, vars := range rankEnv {
		rv := getenv(vars[0])
		if rv == "" {
			continue
		}
		rank, err = strconv.Atoi(rv)
		if err != nil {
			return 0, 0, fmt.Errorf("%s=%q: %w", vars[0], rv, err)
		}
		world = req.WorldSize
		if wv := getenv(vars[1]); wv != "" {
			if world, err = strconv.Atoi(wv); err != nil {
				return 0, 0, fmt.Errorf("%s=%q: %w", vars[1], wv, err)
			}
		}
		world = max(world, 1)
		if rank < 0 || rank >= world {
			return 0, 0, fmt.Errorf("%s=%d outside world of %d", vars[0], rank, world)
		}
		return rank, world, nil
	}
	return 0, 0, errors.New("rank not set in request or MPI environment")
}

// ChunkSize clamps n to the allowed range; zero selects the default.
func ChunkSize(n uint64) uint64 {
	if n == 0 {
		return DefaultChunkSize
	}
	return min(max(n, MinChunkSize), MaxChunkSize)
}

// Run ingests the rank's share of req and reports the result. It never
// returns a nil-status response: failures are described in the response.
func (w *Worker) Run(ctx context.Context, req protocol.Request) protocol.Response {
	rank, world, err := ResolveRank(req, w.getenv)
	if err != nil {
		return failed(protocol.Response{Rank: req.Rank}, job.Configf("rank", "%w", err))
	}
	resp := protocol.Response{Rank: rank}
	logger := log.WithRank(req.SubjobID, rank, world).With("locator", req.Locator)

	rg, err := partition.ForRank(req.Offset, req.Size, rank, world)
	if err != nil {
		return failed(resp, err)
	}
	resp.Begin, resp.End = rg.Begin, rg.End

	if !req.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.DeadlineAt)
		defer cancel()
	}

	reporter := NewReporter(req.Progress, req.Locator, w.progress, logger)
	stats, digest, err := w.ingest(ctx, req, rank, rg, reporter, logger)
	resp.BytesProcessed = stats.Bytes
	resp.Chunks = stats.Chunks
	reporter.Finish(rank, stats.Bytes, rg.Len(), err)
	if err != nil {
		logger.Error("rank failed", "range", rg.String(), "error", err)
		return failed(resp, err)
	}
	resp.Digest = digest

	// Only a rank holding the whole entry range can check the entry hash.
	if req.Hash != "" && world == 1 {
		if err := integrity.Verify(req.Hash, digest); err != nil {
			return failed(resp, &job.WorkerIOError{Rank: rank, Locator: req.Locator, Offset: rg.Begin, Size: rg.Len(), Err: err})
		}
		resp.Verified = true
	}

	resp.Status = protocol.StatusOK
	logger.Info("rank complete", "range", rg.String(), "bytes", stats.Bytes, "chunks", stats.Chunks)
	return resp
}

func (w *Worker) ingest(ctx context.Context, req protocol.Request, rank int, rg partition.Range, reporter Reporter, logger *slog.Logger) (format.Stats, string, error) {
	digest := integrity.New()
	if rg.Empty() {
		logger.Debug("empty sub-range, nothing to read")
		return format.Stats{}, digest.Hex(), nil
	}

	reader, err := w.registry.Reader(w.registry.Resolve(req.Backend, req.Locator))
	if err != nil {
		return format.Stats{}, "", err
	}
	var writer backend.Writer
	if req.Destination != "" {
		if writer, err = w.registry.Writer(backend.InferTag(req.Destination)); err != nil {
			return format.Stats{}, "", err
		}
	}
	importer, err := format.New(req.Format, writer, req.Destination)
	if err != nil {
		return format.Stats{}, "", err
	}

	ioErr := func(offset, size uint64, err error) error {
		return &job.WorkerIOError{Rank: rank, Locator: req.Locator, Offset: offset, Size: size, Err: err}
	}

	chunk := ChunkSize(req.ChunkSize)
	total := rg.Len()
	var done uint64
	for pos := rg.Begin; pos < rg.End; {
		if err := ctx.Err(); err != nil {
			return importer.Stats(), "", ioErr(pos, rg.End-pos, err)
		}
		n := min(chunk, rg.End-pos)

		data, err := reader.ReadRange(ctx, req.Locator, pos, n)
		if err != nil {
			return importer.Stats(), "", ioErr(pos, n, err)
		}
		if uint64(len(data)) < n {
			short := &job.ShortReadError{Requested: total, Available: done + uint64(len(data))}
			return importer.Stats(), "", ioErr(rg.Begin, total, short)
		}

		_, _ = digest.Write(data)
		if err := importer.Import(ctx, format.Chunk{Locator: req.Locator, Offset: pos, Data: data}); err != nil {
			return importer.Stats(), "", ioErr(pos, n, err)
		}

		pos += n
		done += n
		reporter.Report(rank, done, total)
	}
	return importer.Stats(), digest.Hex(), nil
}

func failed(resp protocol.Response, err error) protocol.Response {
	resp.Status = protocol.StatusError
	resp.Error = err.Error()
	resp.Kind = string(job.KindOf(err))
	return resp
}
