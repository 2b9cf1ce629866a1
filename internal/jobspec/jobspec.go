// Package jobspec loads job description files: a named list of data entries,
// each naming one or more source objects and the byte range to ingest.
package jobspec

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/scatter/internal/config"
	"github.com/mattjoyce/scatter/internal/format"
	"github.com/mattjoyce/scatter/internal/integrity"
	"github.com/mattjoyce/scatter/internal/job"
)

// File is the YAML document.
type File struct {
	Name     string      `yaml:"name"`
	MaxScale *int        `yaml:"max_scale"`
	Data     []DataEntry `yaml:"data"`
}

// DataEntry is one item of the data list. Range, when present, is
// [begin, end) and wins over Offset and Size. Size 0 means the rest of
// the object.
type DataEntry struct {
	Path        string   `yaml:"path"`
	Range       []uint64 `yaml:"range"`
	Offset      uint64   `yaml:"offset"`
	Size        uint64   `yaml:"size"`
	Description []string `yaml:"description"`
	Hash        string   `yaml:"hash"`
	Backend     string   `yaml:"backend"`
	Format      string   `yaml:"format"`
	Destination string   `yaml:"destination"`
}

// Job is a parsed, structurally valid job file. Locators are not yet
// expanded or sized; see Resolve.
type Job struct {
	Name     string
	MaxScale int
	Data     []DataEntry

	// SourcePath and Fingerprint identify the file the job came from.
	SourcePath  string
	Fingerprint string
	// BaseDir anchors relative local paths.
	BaseDir string
}

// Load reads and parses the job file at path.
func Load(path string, defaultMaxScale int) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, job.Configf("job", "read job file: %w", err)
	}
	j, err := Parse(data, defaultMaxScale)
	if err != nil {
		return nil, err
	}
	j.SourcePath = path
	j.BaseDir = filepath.Dir(path)
	return j, nil
}

// Parse decodes and validates a job document. Every problem found is
// reported, not just the first.
func Parse(data []byte, defaultMaxScale int) (*Job, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, job.Configf("job", "parse job file: %w", err)
	}

	j := &Job{
		Name:        f.Name,
		MaxScale:    defaultMaxScale,
		Data:        f.Data,
		Fingerprint: config.Fingerprint(data),
	}
	if j.MaxScale < 1 {
		j.MaxScale = 100
	}
	if f.MaxScale != nil {
		j.MaxScale = *f.MaxScale
	}
	if j.Name == "" {
		j.Name = "job"
	}

	if err := j.validate(); err != nil {
		return nil, &job.ConfigError{Field: "job", Err: err}
	}
	return j, nil
}

func (j *Job) validate() error {
	var result *multierror.Error
	if j.MaxScale < 1 {
		result = multierror.Append(result, fmt.Errorf("max_scale must be at least 1, got %d", j.MaxScale))
	}
	if len(j.Data) == 0 {
		result = multierror.Append(result, fmt.Errorf("data: at least one entry is required"))
	}
	for i, d := range j.Data {
		field := fmt.Sprintf("data[%d]", i)
		if d.Path == "" {
			result = multierror.Append(result, fmt.Errorf("%s.path is required", field))
		}
		if len(d.Range) > 0 {
			if len(d.Range) != 2 {
				result = multierror.Append(result, fmt.Errorf("%s.range must be [begin, end], got %d values", field, len(d.Range)))
			} else if d.Range[1] < d.Range[0] {
				result = multierror.Append(result, fmt.Errorf("%s.range end %d is before begin %d", field, d.Range[1], d.Range[0]))
			}
		}
		if d.Hash != "" {
			if err := integrity.Validate(d.Hash); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s.hash: %w", field, err))
			}
		}
		if !format.Supported(d.Format) {
			result = multierror.Append(result, fmt.Errorf("%s.format: unknown format %q", field, d.Format))
		}
	}
	return result.ErrorOrNil()
}

// Requested returns the offset and size the entry asks for. Range wins.
func (d DataEntry) Requested() (offset, size uint64) {
	if len(d.Range) == 2 {
		return d.Range[0], d.Range[1] - d.Range[0]
	}
	return d.Offset, d.Size
}
