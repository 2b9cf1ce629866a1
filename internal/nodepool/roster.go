package nodepool

import (
	"bufio"
	"os"
	"strings"

	"github.com/mattjoyce/scatter/internal/job"
)

// LoadRoster reads a hostfile: one node id per line, blank lines and lines
// starting with # ignored. Only the first field of a line is used, so MPI
// style "node01 slots=4" entries are accepted.
func LoadRoster(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, job.Configf("hosts.roster", "open roster %s: %w", path, err)
	}
	defer f.Close()

	var nodes []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		nodes = append(nodes, strings.Fields(line)[0])
	}
	if err := sc.Err(); err != nil {
		return nil, job.Configf("hosts.roster", "read roster %s: %w", path, err)
	}
	return nodes, nil
}

// WriteHostfile writes hosts one per line, the format mpirun expects.
func WriteHostfile(path string, hosts []string) error {
	var b strings.Builder
	for _, h := range hosts {
		b.WriteString(h)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
