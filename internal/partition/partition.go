// Package partition splits a byte range across worker ranks.
package partition

import "fmt"

// Range is a half-open byte interval [Begin, End).
type Range struct {
	Begin uint64 `json:"begin"`
	End   uint64 `json:"end"`
}

// Len returns the number of bytes in r.
func (r Range) Len() uint64 { return r.End - r.Begin }

// Empty reports whether r holds no bytes.
func (r Range) Empty() bool { return r.End <= r.Begin }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Begin, r.End) }

// ForRank returns the sub-range of [offset, offset+size) owned by rank.
// The first size%ranks ranks receive one extra byte.
func ForRank(offset, size uint64, rank, ranks int) (Range, error) {
	if ranks < 1 {
		return Range{}, fmt.Errorf("rank count must be positive, got %d", ranks)
	}
	if rank < 0 || rank >= ranks {
		return Range{}, fmt.Errorf("rank %d outside [0,%d)", rank, ranks)
	}

	n := uint64(ranks)
	r := uint64(rank)
	base := size / n
	remainder := size % n

	begin := offset + r*base + min(r, remainder)
	length := base
	if r < remainder {
		length++
	}
	return Range{Begin: begin, End: begin + length}, nil
}

// Partition returns every rank's sub-range in rank order.
func Partition(offset, size uint64, ranks int) ([]Range, error) {
	if ranks < 1 {
		return nil, fmt.Errorf("rank count must be positive, got %d", ranks)
	}
	out := make([]Range, ranks)
	for r := range ranks {
		rg, err := ForRank(offset, size, r, ranks)
		if err != nil {
			return nil, err
		}
		out[r] = rg
	}
	return out, nil
}
