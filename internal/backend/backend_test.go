package backend

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scatter/internal/job"
)

type countingSizer struct {
	calls atomic.Int32
	size  uint64
}

func (c *countingSizer) GetSize(context.Context, string) (uint64, error) {
	c.calls.Add(1)
	return c.size, nil
}

type writeOnly struct{}

func (writeOnly) Put(context.Context, string, []byte) error { return nil }

func TestCanonical(t *testing.T) {
	tests := map[string]string{
		"posix":      TagFile,
		"LOCAL":      TagFile,
		"filesystem": TagFile,
		"amazon":     TagS3,
		"https":      TagHTTP,
		" s3 ":       TagS3,
		"buffer":     TagBuffer,
		"custom":     "custom",
	}
	for in, want := range tests {
		assert.Equal(t, want, Canonical(in), in)
	}
}

func TestInferTag(t *testing.T) {
	assert.Equal(t, TagFile, InferTag("/data/a.bin"))
	assert.Equal(t, TagFile, InferTag("file:///data/a.bin"))
	assert.Equal(t, TagS3, InferTag("s3://bucket/key"))
	assert.Equal(t, TagHTTP, InferTag("https://example.com/x"))
	assert.Equal(t, TagHTTP, InferTag("http://example.com/x"))
	assert.Equal(t, TagBuffer, InferTag("buffer://tier/blob"))
}

func TestRegistryResolvePrefersExplicitTag(t *testing.T) {
	r := NewRegistry(0)
	assert.Equal(t, TagFile, r.Resolve("posix", "s3://bucket/key"))
	assert.Equal(t, TagS3, r.Resolve("", "s3://bucket/key"))
}

func TestRegistryUnknownBackendIsConfigError(t *testing.T) {
	r := NewRegistry(0)
	for _, tag := range []string{"tape", "globus"} {
		_, err := r.Reader(tag)
		require.Error(t, err, tag)
		assert.Equal(t, job.KindConfiguration, job.KindOf(err))
	}
}

func TestRegistryCapabilities(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, r.Register("sink", writeOnly{}))

	_, err := r.Writer("sink")
	assert.NoError(t, err)

	_, err = r.Reader("sink")
	assert.ErrorContains(t, err, "cannot read ranges")

	_, err = r.SizeLookup("sink")
	assert.ErrorContains(t, err, "cannot look up sizes")

	assert.Error(t, r.Register("nothing", struct{}{}))
	assert.Equal(t, []string{"sink"}, r.Tags())
}

func TestRegistrySizeCache(t *testing.T) {
	sizer := &countingSizer{size: 42}
	r := NewRegistry(8)
	require.NoError(t, r.Register("mem", sizer))

	for range 3 {
		size, err := r.GetSize(context.Background(), "mem", "obj")
		require.NoError(t, err)
		assert.Equal(t, uint64(42), size)
	}
	assert.Equal(t, int32(1), sizer.calls.Load())

	_, err := r.GetSize(context.Background(), "mem", "other")
	require.NoError(t, err)
	assert.Equal(t, int32(2), sizer.calls.Load())
}

func TestRegistryWithoutCache(t *testing.T) {
	sizer := &countingSizer{size: 7}
	r := NewRegistry(0)
	require.NoError(t, r.Register("mem", sizer))

	for range 2 {
		_, err := r.GetSize(context.Background(), "mem", "obj")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), sizer.calls.Load())
}
