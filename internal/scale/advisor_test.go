package scale

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

const mib = 1 << 20

func TestRecommend(t *testing.T) {
	a := NewAdvisor(0, 0)

	tests := []struct {
		name     string
		size     uint64
		ceiling  int
		expected int
	}{
		{"empty object", 0, 8, 1},
		{"one byte", 1, 8, 1},
		{"exactly one process", 64 * mib, 8, 1},
		{"one byte over", 64*mib + 1, 8, 2},
		{"100MiB ceiling 8", 100 * mib, 8, 2},
		{"clamped by ceiling", 10 * 64 * mib, 4, 4},
		{"ceiling below one", 10 * 64 * mib, 0, 1},
		{"huge object", math.MaxUint64, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.Recommend(tt.size, tt.ceiling)
			assert.Equal(t, tt.expected, rec.Processes)
			assert.Equal(t, 1, rec.ThreadsPerProcess)
		})
	}
}

func TestRecommendWithinBounds(t *testing.T) {
	a := NewAdvisor(1000, 1)
	for size := uint64(0); size < 50_000; size += 777 {
		for ceiling := 1; ceiling <= 16; ceiling++ {
			rec := a.Recommend(size, ceiling)
			if rec.Processes < 1 || rec.Processes > ceiling {
				t.Fatalf("Recommend(%d, %d) = %d processes, out of [1,%d]", size, ceiling, rec.Processes, ceiling)
			}
		}
	}
}

func TestZeroValueAdvisorUsesDefaults(t *testing.T) {
	var a Advisor
	rec := a.Recommend(100*mib, 8)
	assert.Equal(t, 2, rec.Processes)
	assert.Equal(t, DefaultThreadsPerProcess, rec.ThreadsPerProcess)
}

func TestCustomThreads(t *testing.T) {
	rec := NewAdvisor(mib, 4).Recommend(3*mib, 10)
	assert.Equal(t, 3, rec.Processes)
	assert.Equal(t, 4, rec.ThreadsPerProcess)
}
