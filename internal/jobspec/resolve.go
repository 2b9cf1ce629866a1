package jobspec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-zglob"

	"github.com/mattjoyce/scatter/internal/backend"
	"github.com/mattjoyce/scatter/internal/format"
	"github.com/mattjoyce/scatter/internal/integrity"
	"github.com/mattjoyce/scatter/internal/job"
)

// Sizer resolves backend tags and object sizes. *backend.Registry
// implements it.
type Sizer interface {
	Resolve(tag, locator string) string
	GetSize(ctx context.Context, tag, locator string) (uint64, error)
}

// Resolve expands every entry's path into locators and sizes each one,
// producing entries ready for the orchestrator. All problems are collected
// into a single configuration error.
func Resolve(ctx context.Context, j *Job, sizer Sizer) ([]job.Entry, error) {
	var (
		result  *multierror.Error
		entries []job.Entry
	)
	for i, d := range j.Data {
		e, err := j.resolveEntry(ctx, i, d, sizer)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		entries = append(entries, e)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, &job.ConfigError{Field: "job", Err: err}
	}
	return entries, nil
}

func (j *Job) resolveEntry(ctx context.Context, i int, d DataEntry, sizer Sizer) (job.Entry, error) {
	field := fmt.Sprintf("data[%d]", i)
	tag := sizer.Resolve(d.Backend, d.Path)
	offset, size := d.Requested()

	e := job.Entry{
		ID:          fmt.Sprintf("%s/%d", j.Name, i),
		Job:         j.Name,
		MaxScale:    j.MaxScale,
		Backend:     tag,
		Format:      format.Canonical(d.Format),
		Offset:      offset,
		Size:        size,
		Description: d.Description,
		Destination: d.Destination,
	}
	if d.Hash != "" {
		e.Hash = integrity.Normalize(d.Hash)
	}

	locators, err := j.expand(tag, d.Path)
	if err != nil {
		return job.Entry{}, fmt.Errorf("%s.path: %w", field, err)
	}
	e.Locators = locators

	for _, loc := range locators {
		objSize, err := sizer.GetSize(ctx, tag, loc)
		if err != nil {
			return job.Entry{}, fmt.Errorf("%s: %s: %w", field, loc, err)
		}
		t, err := resolveRange(loc, offset, size, objSize)
		if err != nil {
			return job.Entry{}, fmt.Errorf("%s: %w", field, err)
		}
		e.Targets = append(e.Targets, t)
	}
	return e, nil
}

func resolveRange(locator string, offset, size, objSize uint64) (job.Target, error) {
	if offset > objSize {
		return job.Target{}, fmt.Errorf("%s: offset %d beyond object size %d", locator, offset, objSize)
	}
	if size == 0 {
		size = objSize - offset
	}
	if size > objSize-offset {
		return job.Target{}, fmt.Errorf("%s: %d bytes at offset %d beyond object size %d", locator, size, offset, objSize)
	}
	return job.Target{Locator: locator, Offset: offset, Size: size}, nil
}

// expand turns a path into locators. Only local paths are patterns.
func (j *Job) expand(tag, path string) ([]string, error) {
	if tag != backend.TagFile {
		return []string{path}, nil
	}
	path = strings.TrimPrefix(path, "file://")
	if !filepath.IsAbs(path) && j.BaseDir != "" {
		path = filepath.Join(j.BaseDir, path)
	}
	if !strings.ContainsAny(path, "*?[{") {
		return []string{path}, nil
	}

	matches, err := zglob.Glob(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("expand %q: %w", path, err)
	}
	var files []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, m)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("pattern %q matched no files", path)
	}
	sort.Strings(files)
	return files, nil
}
