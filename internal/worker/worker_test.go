package worker

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scatter/internal/backend"
	"github.com/mattjoyce/scatter/internal/format"
	"github.com/mattjoyce/scatter/internal/integrity"
	"github.com/mattjoyce/scatter/internal/job"
	"github.com/mattjoyce/scatter/internal/log"
	"github.com/mattjoyce/scatter/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json", io.Discard)
	os.Exit(m.Run())
}

func noEnv(string) string { return "" }

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func newTestWorker(t *testing.T, opts ...Option) *Worker {
	t.Helper()
	reg := backend.NewRegistry(0)
	require.NoError(t, reg.Register(backend.TagFile, backend.NewFile()))
	return New(reg, append([]Option{WithProgressOutput(io.Discard), WithEnv(noEnv)}, opts...)...)
}

func writeSource(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestResolveRank(t *testing.T) {
	tests := []struct {
		name      string
		req       protocol.Request
		env       map[string]string
		wantRank  int
		wantWorld int
		wantErr   bool
	}{
		{name: "explicit", req: protocol.Request{Rank: 2, WorldSize: 3}, wantRank: 2, wantWorld: 3},
		{name: "world defaults to one", req: protocol.Request{Rank: 0}, wantRank: 0, wantWorld: 1},
		{name: "explicit out of range", req: protocol.Request{Rank: 3, WorldSize: 3}, wantErr: true},
		{
			name:     "open mpi",
			req:      protocol.Request{Rank: protocol.RankFromEnv, WorldSize: 4},
			env:      map[string]string{"OMPI_COMM_WORLD_RANK": "3", "OMPI_COMM_WORLD_SIZE": "4"},
			wantRank: 3, wantWorld: 4,
		},
		{
			name:     "pmi falls back to request world size",
			req:      protocol.Request{Rank: protocol.RankFromEnv, WorldSize: 2},
			env:      map[string]string{"PMI_RANK": "1"},
			wantRank: 1, wantWorld: 2,
		},
		{
			name:    "env rank not a number",
			req:     protocol.Request{Rank: protocol.RankFromEnv, WorldSize: 2},
			env:     map[string]string{"PMI_RANK": "x"},
			wantErr: true,
		},
		{
			name:    "env rank beyond world",
			req:     protocol.Request{Rank: protocol.RankFromEnv},
			env:     map[string]string{"OMPI_COMM_WORLD_RANK": "5", "OMPI_COMM_WORLD_SIZE": "2"},
			wantErr: true,
		},
		{name: "no env", req: protocol.Request{Rank: protocol.RankFromEnv}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rank, world, err := ResolveRank(tt.req, envMap(tt.env))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRank, rank)
			assert.Equal(t, tt.wantWorld, world)
		})
	}
}

func TestChunkSize(t *testing.T) {
	assert.Equal(t, uint64(DefaultChunkSize), ChunkSize(0))
	assert.Equal(t, uint64(MinChunkSize), ChunkSize(10))
	assert.Equal(t, uint64(MaxChunkSize), ChunkSize(1<<30))
	assert.Equal(t, uint64(2<<20), ChunkSize(2<<20))
}

func TestRunWholeRangeVerifiesHash(t *testing.T) {
	data := bytes.Repeat([]byte("scatter!"), (5<<20)/16) // 2.5 MiB
	src := writeSource(t, data)
	w := newTestWorker(t)

	resp := w.Run(context.Background(), protocol.Request{
		Rank: 0, WorldSize: 1,
		Locator:   src,
		Size:      uint64(len(data)),
		ChunkSize: MinChunkSize,
		Hash:      "blake3:" + integrity.Sum(data),
		Progress:  ProgressNone,
	})
	require.True(t, resp.OK(), resp.Error)
	assert.Equal(t, uint64(len(data)), resp.BytesProcessed)
	assert.Equal(t, uint64(3), resp.Chunks)
	assert.True(t, resp.Verified)
	assert.Equal(t, integrity.Sum(data), resp.Digest)
}

func TestRunHashMismatch(t *testing.T) {
	src := writeSource(t, []byte("0123456789"))
	w := newTestWorker(t)

	resp := w.Run(context.Background(), protocol.Request{
		Rank: 0, WorldSize: 1, Locator: src, Size: 10,
		Hash: integrity.Sum([]byte("something else")),
	})
	assert.False(t, resp.OK())
	assert.Equal(t, string(job.KindWorkerIO), resp.Kind)
	assert.False(t, resp.Verified)
}

func TestRunRanksCoverRange(t *testing.T) {
	src := writeSource(t, []byte("0123456789"))
	w := newTestWorker(t)

	want := [][2]uint64{{0, 4}, {4, 7}, {7, 10}}
	var total uint64
	for rank := range 3 {
		resp := w.Run(context.Background(), protocol.Request{
			Rank: rank, WorldSize: 3, Locator: src, Size: 10,
			// Not checked when the range is split.
			Hash: integrity.Sum([]byte("ignored")),
		})
		require.True(t, resp.OK(), resp.Error)
		assert.Equal(t, want[rank][0], resp.Begin)
		assert.Equal(t, want[rank][1], resp.End)
		assert.False(t, resp.Verified)
		total += resp.BytesProcessed
	}
	assert.Equal(t, uint64(10), total)
}

func TestRunShortRead(t *testing.T) {
	src := writeSource(t, []byte("0123456789"))
	w := newTestWorker(t)

	resp := w.Run(context.Background(), protocol.Request{Rank: 0, WorldSize: 1, Locator: src, Offset: 4, Size: 10})
	assert.False(t, resp.OK())
	assert.Equal(t, string(job.KindWorkerIO), resp.Kind)
	assert.Contains(t, resp.Error, "short read: requested 10 bytes, 6 available")
	assert.Zero(t, resp.BytesProcessed)
}

func TestRunMissingSource(t *testing.T) {
	w := newTestWorker(t)
	resp := w.Run(context.Background(), protocol.Request{Rank: 0, WorldSize: 1, Locator: "/nonexistent/file", Size: 5})
	assert.False(t, resp.OK())
	assert.Equal(t, string(job.KindWorkerIO), resp.Kind)
	assert.Contains(t, resp.Error, "not found")
}

func TestRunEmptyRangeSkipsIO(t *testing.T) {
	w := newTestWorker(t)
	resp := w.Run(context.Background(), protocol.Request{Rank: 1, WorldSize: 2, Locator: "/nonexistent/file", Size: 1})
	require.True(t, resp.OK(), resp.Error)
	assert.Equal(t, resp.Begin, resp.End)
	assert.Zero(t, resp.BytesProcessed)
}

func TestRunUnknownBackend(t *testing.T) {
	w := newTestWorker(t)
	resp := w.Run(context.Background(), protocol.Request{Rank: 0, WorldSize: 1, Backend: "tape", Locator: "x", Size: 1})
	assert.False(t, resp.OK())
	assert.Equal(t, string(job.KindConfiguration), resp.Kind)
}

func TestRunWritesDestination(t *testing.T) {
	src := writeSource(t, []byte("0123456789"))
	dest := t.TempDir()
	w := newTestWorker(t)

	resp := w.Run(context.Background(), protocol.Request{Rank: 1, WorldSize: 2, Locator: src, Size: 10, Destination: dest})
	require.True(t, resp.OK(), resp.Error)

	got, err := os.ReadFile(format.Key(dest, src, 5))
	require.NoError(t, err)
	assert.Equal(t, "56789", string(got))
}

func TestRunCancelled(t *testing.T) {
	src := writeSource(t, []byte("0123456789"))
	w := newTestWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := w.Run(ctx, protocol.Request{Rank: 0, WorldSize: 1, Locator: src, Size: 10})
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, context.Canceled.Error())
}

func TestRunExpiredDeadline(t *testing.T) {
	src := writeSource(t, []byte("0123456789"))
	w := newTestWorker(t)

	resp := w.Run(context.Background(), protocol.Request{
		Rank: 0, WorldSize: 1, Locator: src, Size: 10,
		DeadlineAt: time.Now().Add(-time.Minute),
	})
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, context.DeadlineExceeded.Error())
}

func TestServeStdinToStdout(t *testing.T) {
	src := writeSource(t, []byte("abcdef"))
	w := newTestWorker(t)

	var in, out bytes.Buffer
	require.NoError(t, protocol.EncodeRequest(&in, &protocol.Request{Protocol: protocol.Version, Rank: 0, WorldSize: 1, Locator: src, Size: 6}))

	resp, err := w.Serve(context.Background(), "", &in, &out)
	require.NoError(t, err)
	assert.True(t, resp.OK())

	decoded, err := protocol.DecodeResponse(&out)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), decoded.BytesProcessed)
}

func TestServeRequestFileToResponseDir(t *testing.T) {
	src := writeSource(t, []byte("abcdef"))
	dir := t.TempDir()
	w := newTestWorker(t, WithEnv(envMap(map[string]string{"OMPI_COMM_WORLD_RANK": "1", "OMPI_COMM_WORLD_SIZE": "2"})))

	reqPath := filepath.Join(dir, "request.json")
	require.NoError(t, protocol.WriteRequestFile(reqPath, &protocol.Request{
		Protocol: protocol.Version, Rank: protocol.RankFromEnv, WorldSize: 2,
		Locator: src, Size: 6, ResponseDir: dir,
	}))

	var out bytes.Buffer
	_, err := w.Serve(context.Background(), reqPath, nil, &out)
	require.NoError(t, err)
	assert.Zero(t, out.Len())

	f, err := os.Open(protocol.ResponsePath(dir, 1))
	require.NoError(t, err)
	defer f.Close()
	resp, err := protocol.DecodeResponse(f)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Rank)
	assert.Equal(t, uint64(3), resp.Begin)
	assert.Equal(t, uint64(3), resp.BytesProcessed)
}

func TestServeBadRequest(t *testing.T) {
	w := newTestWorker(t)
	var out bytes.Buffer
	_, err := w.Serve(context.Background(), "", strings.NewReader("{not json"), &out)
	require.Error(t, err)

	resp, err := protocol.DecodeResponse(&out)
	require.NoError(t, err)
	assert.Equal(t, string(job.KindConfiguration), resp.Kind)
}
