package nodepool

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scatter/internal/job"
)

func TestAllocateLeastLoadedFirst(t *testing.T) {
	p := New([]string{"n1", "n2", "n3"})

	assert.Equal(t, []string{"n1", "n2"}, p.Allocate(2))
	assert.Equal(t, []string{"n3", "n1"}, p.Allocate(2))

	loads := p.Snapshot()
	assert.Equal(t, []NodeLoad{{"n1", 2}, {"n2", 1}, {"n3", 1}}, loads)
}

func TestAllocateIsDeterministic(t *testing.T) {
	a := New([]string{"a", "b", "c", "d"})
	b := New([]string{"a", "b", "c", "d"})
	for _, n := range []int{1, 3, 2, 5} {
		assert.Equal(t, a.Allocate(n), b.Allocate(n))
	}
}

func TestAllocateOverSubscribes(t *testing.T) {
	p := New([]string{"n1", "n2"})
	got := p.Allocate(5)
	assert.Equal(t, []string{"n1", "n2", "n1", "n2", "n1"}, got)
	assert.Equal(t, 5, p.TotalAssigned())
}

func TestAllocateEmptyPool(t *testing.T) {
	p := New(nil)
	assert.False(t, p.Configured())
	assert.Nil(t, p.Allocate(3))
	assert.NoError(t, p.Release([]string{"n1"}))
	assert.Equal(t, 0, p.Size())
}

func TestReleaseRestoresCounters(t *testing.T) {
	p := New([]string{"n1", "n2", "n3"})
	first := p.Allocate(2)
	second := p.Allocate(4)

	require.NoError(t, p.Release(first))
	require.NoError(t, p.Release(second))
	assert.Equal(t, 0, p.TotalAssigned())
}

func TestDuplicateRosterEntriesShareACounter(t *testing.T) {
	p := New([]string{"n1", "n1", "n2"})
	assert.Equal(t, 2, p.Size())

	a := p.Allocate(1)
	b := p.Allocate(1)
	assert.Equal(t, []string{"n1"}, a)
	assert.Equal(t, []string{"n2"}, b)

	require.NoError(t, p.Release(a))
	require.NoError(t, p.Release(b))
	assert.Equal(t, []NodeLoad{{"n1", 0}, {"n2", 0}}, p.Snapshot())
	assert.Equal(t, 0, p.TotalAssigned())
}

func TestReleaseUnknownNode(t *testing.T) {
	p := New([]string{"n1"})
	p.Allocate(1)

	err := p.Release([]string{"n1", "ghost"})
	assert.ErrorIs(t, err, ErrUnknownNode)
	assert.Equal(t, 0, p.TotalAssigned())
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	p := New([]string{"n1"})
	require.NoError(t, p.Release([]string{"n1", "n1"}))
	assert.Equal(t, []NodeLoad{{"n1", 0}}, p.Snapshot())
}

func TestConcurrentAllocateRelease(t *testing.T) {
	p := New([]string{"n1", "n2", "n3", "n4"})

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for range 50 {
				got := p.Allocate(n%5 + 1)
				assert.NoError(t, p.Release(got))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, p.TotalAssigned())
}

func TestConcurrentAllocateBalances(t *testing.T) {
	p := New([]string{"n1", "n2", "n3", "n4"})

	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Allocate(1)
		}()
	}
	wg.Wait()

	for _, nl := range p.Snapshot() {
		assert.Equal(t, 10, nl.Assigned, nl.Node)
	}
}

func TestExpand(t *testing.T) {
	assert.Nil(t, Expand(nil, 3))
	assert.Equal(t, []string{"a", "b", "a"}, Expand([]string{"a", "b"}, 3))
	assert.Equal(t, []string{"a"}, Expand([]string{"a", "b"}, 1))
}

func TestLoadRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	content := "# cluster\nnode01\n\n  node02 slots=4\n#node03\nnode04\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	nodes, err := LoadRoster(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"node01", "node02", "node04"}, nodes)
}

func TestLoadRosterMissingFile(t *testing.T) {
	_, err := LoadRoster(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, job.KindConfiguration, job.KindOf(err))
}

func TestWriteHostfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostfile")
	require.NoError(t, WriteHostfile(path, []string{"a", "b", "a"}))

	nodes, err := LoadRoster(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a"}, nodes)
}
