// Package scale recommends how many worker processes an input deserves.
package scale

const (
	// DefaultMinBytesPerProcess is the smallest payload worth a dedicated process.
	DefaultMinBytesPerProcess uint64 = 64 << 20

	// DefaultThreadsPerProcess is one reader per rank; ingestion is I/O bound.
	DefaultThreadsPerProcess = 1
)

// Recommendation is the advised worker layout for one object.
type Recommendation struct {
	Processes         int
	ThreadsPerProcess int
}

// Advisor turns object sizes into process counts.
type Advisor struct {
	MinBytesPerProcess uint64
	ThreadsPerProcess  int
}

// NewAdvisor returns an Advisor, replacing zero values with the defaults.
func NewAdvisor(minBytesPerProcess uint64, threadsPerProcess int) Advisor {
	if minBytesPerProcess == 0 {
		minBytesPerProcess = DefaultMinBytesPerProcess
	}
	if threadsPerProcess < 1 {
		threadsPerProcess = DefaultThreadsPerProcess
	}
	return Advisor{MinBytesPerProcess: minBytesPerProcess, ThreadsPerProcess: threadsPerProcess}
}

// Recommend returns ceil(size / MinBytesPerProcess) processes, at least one and
// at most ceiling. A ceiling below one is treated as one.
func (a Advisor) Recommend(objectSize uint64, ceiling int) Recommendation {
	a = NewAdvisor(a.MinBytesPerProcess, a.ThreadsPerProcess)
	if ceiling < 1 {
		ceiling = 1
	}

	// Computed in uint64 so huge objects cannot overflow int before clamping.
	procs := objectSize / a.MinBytesPerProcess
	if objectSize%a.MinBytesPerProcess != 0 {
		procs++
	}
	if procs < 1 {
		procs = 1
	}
	if procs > uint64(ceiling) {
		procs = uint64(ceiling)
	}

	return Recommendation{
		Processes:         int(procs),
		ThreadsPerProcess: a.ThreadsPerProcess,
	}
}
