package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scatter/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json", io.Discard)
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain concurrently so a chatty command cannot fill the pipe buffers.
	stdoutCh := make(chan string, 1)
	stderrCh := make(chan string, 1)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- string(b) }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- string(b) }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdout, stderr := <-stdoutCh, <-stderrCh
	_ = stdoutR.Close()
	_ = stderrR.Close()
	return code, stdout, stderr
}

func runCaptured(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

type fixture struct {
	dir    string
	config string
	roster string
	data   string
	out    string
}

func newFixture(t *testing.T, dataSize int) fixture {
	t.Helper()
	t.Setenv("SCATTER_CONFIG", "")

	dir := t.TempDir()
	f := fixture{
		dir:    dir,
		config: filepath.Join(dir, "config.yaml"),
		roster: filepath.Join(dir, "hosts"),
		data:   filepath.Join(dir, "input.bin"),
		out:    filepath.Join(dir, "out"),
	}

	payload := make([]byte, dataSize)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(f.data, payload, 0o644))
	require.NoError(t, os.WriteFile(f.roster, []byte("n1\nn2\n"), 0o644))

	cfg := fmt.Sprintf(`
service:
  log_level: error
state:
  path: %[1]s/state/ledger.db
  workspace_dir: %[1]s/state/workspaces
  lock_path: %[1]s/state/scatter.lock
scale:
  min_bytes_per_process: 1KiB
  default_max_scale: 4
worker:
  chunk_size: 1MiB
  progress: none
launcher:
  mode: inprocess
  timeout: 1m
hosts:
  roster: %[2]s
backends:
  buffer:
    path: %[1]s/state/buffer.db
`, dir, f.roster)
	require.NoError(t, os.WriteFile(f.config, []byte(cfg), 0o644))
	return f
}

func (f fixture) writeJob(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(f.dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func dirBytes(t *testing.T, root string) int64 {
	t.Helper()
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	require.NoError(t, err)
	return total
}

var runIDPattern = regexp.MustCompile(`Run ID: (\S+)`)

func TestRunIngestsAndInspects(t *testing.T) {
	f := newFixture(t, 10*1024)
	jobPath := f.writeJob(t, fmt.Sprintf(`
name: smoke
data:
  - path: input.bin
    destination: %s
    description: [fixture]
`, f.out))

	code, stdout, stderr := runCaptured(t, "run", jobPath, "--config", f.config)
	require.Equal(t, exitOK, code, "stdout=%s stderr=%s", stdout, stderr)
	assert.Contains(t, stdout, "ok    smoke/0 (1 sub-jobs)")
	assert.Contains(t, stderr, "inprocess")
	assert.Equal(t, int64(10*1024), dirBytes(t, f.out))

	m := runIDPattern.FindStringSubmatch(stdout)
	require.Len(t, m, 2)
	runID := m[1]

	code, stdout, stderr = runCaptured(t, "job", "inspect", runID, "--config", f.config)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Run ID      : "+runID)
	assert.Contains(t, stdout, "Status      : succeeded")
	assert.Contains(t, stdout, "processes  : 4")
	assert.Contains(t, stdout, "hosts      : n1,n2,n1,n2")
	assert.Contains(t, stdout, "rank split : [0,2560) [2560,5120) [5120,7680) [7680,10240)")

	code, stdout, _ = runCaptured(t, "job", "inspect", runID, "--config", f.config, "--json")
	require.Equal(t, exitOK, code)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, runID, report["id"])
}

func TestRunReportsFailedEntry(t *testing.T) {
	f := newFixture(t, 2048)
	jobPath := f.writeJob(t, `
name: mixed
max_scale: 1
data:
  - path: input.bin
  - path: input.bin
    hash: "blake3:0000000000000000000000000000000000000000000000000000000000000000"
    range: [0, 2048]
`)

	code, stdout, stderr := runCaptured(t, "run", "--config", f.config, "--json", jobPath)
	require.Equal(t, exitFailed, code, "stdout=%s stderr=%s", stdout, stderr)

	var result struct {
		RunID    string `json:"run_id"`
		Outcomes []struct {
			EntryID   string `json:"entry_id"`
			Succeeded bool   `json:"succeeded"`
		} `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	require.Len(t, result.Outcomes, 2)
	assert.NotEmpty(t, result.RunID)
	assert.True(t, result.Outcomes[0].Succeeded)
	assert.False(t, result.Outcomes[1].Succeeded)
}

func TestRunConfigurationErrors(t *testing.T) {
	f := newFixture(t, 16)

	t.Run("missing locator", func(t *testing.T) {
		jobPath := f.writeJob(t, "data:\n  - path: nope.bin\n")
		code, _, stderr := runCaptured(t, "run", jobPath, "--config", f.config)
		assert.Equal(t, exitConfig, code)
		assert.Contains(t, stderr, "nope.bin")
	})

	t.Run("invalid job file", func(t *testing.T) {
		jobPath := f.writeJob(t, "max_scale: 0\ndata: []\n")
		code, _, stderr := runCaptured(t, "run", jobPath, "--config", f.config)
		assert.Equal(t, exitConfig, code)
		assert.Contains(t, stderr, "Preflight failed")
	})

	t.Run("usage", func(t *testing.T) {
		code, _, stderr := runCaptured(t, "run", "--config", f.config)
		assert.Equal(t, exitFailed, code)
		assert.Contains(t, stderr, "Usage: scatter run")
	})
}

func TestConfigCheck(t *testing.T) {
	f := newFixture(t, 16)

	code, stdout, _ := runCaptured(t, "config", "check", "--config", f.config)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Preflight passed")

	jobPath := f.writeJob(t, "data:\n  - path: missing.bin\n")
	code, stdout, _ = runCaptured(t, "config", "check", "--config", f.config, "--job", jobPath, "--resolve", "--format", "json")
	assert.Equal(t, exitConfig, code)
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.Equal(t, false, result["valid"])
}

func TestHostsShow(t *testing.T) {
	f := newFixture(t, 16)

	code, stdout, _ := runCaptured(t, "hosts", "show", "--config", f.config)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "(2 nodes)")
	assert.Contains(t, stdout, "n2")

	code, stdout, _ = runCaptured(t, "hosts", "show", "--config", f.config, "--json")
	require.Equal(t, exitOK, code)
	var out struct {
		Nodes []string `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, []string{"n1", "n2"}, out.Nodes)
}

func TestJobInspectUnknownRun(t *testing.T) {
	f := newFixture(t, 16)
	code, _, stderr := runCaptured(t, "job", "inspect", "does-not-exist", "--config", f.config)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "run not found")
}

func TestVersionJSON(t *testing.T) {
	code, stdout, _ := runCaptured(t, "version", "--json")
	require.Equal(t, exitOK, code)
	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, strings.TrimSpace(version), info.Version)
}

func TestUnknownCommand(t *testing.T) {
	code, stdout, stderr := runCaptured(t, "launch-everything")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr, "Unknown command: launch-everything")
	assert.Contains(t, stdout, "Usage:")
}

func TestParseInterspersed(t *testing.T) {
	fs := newTestFlagSet()
	pos, err := parseInterspersed(fs, []string{"a.yaml", "--config", "c.yaml", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.yaml", "b"}, pos)
	assert.Equal(t, "c.yaml", fs.Lookup("config").Value.String())
}

func newTestFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.String("config", "", "")
	return fs
}
