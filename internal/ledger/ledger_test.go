package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/scatter/internal/job"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func seedRun(t *testing.T, l *Ledger) {
	t.Helper()
	ctx := context.Background()
	if err := l.StartRun(ctx, Run{ID: "run-1", JobName: "nightly", JobFile: "/jobs/nightly.yaml", Entries: 2}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	for _, s := range []Subjob{
		{ID: "sj-a", RunID: "run-1", EntryID: "nightly/0", Locator: "/data/a.bin", Offset: 0, Size: 100 << 20},
		{ID: "sj-b", RunID: "run-1", EntryID: "nightly/1", Locator: "s3://b/k", Offset: 10, Size: 5},
	} {
		if err := l.CreateSubjob(ctx, s); err != nil {
			t.Fatalf("CreateSubjob(%s): %v", s.ID, err)
		}
	}
}

func TestSubjobLifecycle(t *testing.T) {
	l := openTestLedger(t)
	seedRun(t, l)
	ctx := context.Background()

	steps := []struct {
		id string
		u  SubjobUpdate
	}{
		{"sj-a", SubjobUpdate{Status: job.StatusScaleComputed, Processes: 2}},
		{"sj-a", SubjobUpdate{Status: job.StatusNodesAllocated, Hosts: []string{"n1", "n2"}}},
		{"sj-a", SubjobUpdate{Status: job.StatusLaunched}},
		{"sj-a", SubjobUpdate{Status: job.StatusSucceeded}},
		{"sj-b", SubjobUpdate{Status: job.StatusLaunched}},
		{"sj-b", SubjobUpdate{Status: job.StatusFailed, Error: "rank 0: short read", Stderr: "[rank 0] boom\n"}},
	}
	for _, s := range steps {
		if err := l.UpdateSubjob(ctx, s.id, s.u); err != nil {
			t.Fatalf("UpdateSubjob(%s, %s): %v", s.id, s.u.Status, err)
		}
	}
	if err := l.CompleteRun(ctx, "run-1", false, "1 of 2 sub-jobs failed"); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	r, err := l.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != RunFailed || r.CompletedAt == nil || r.LastError == nil {
		t.Fatalf("run = %+v, want failed with completion and error", r)
	}
	if len(r.Subjobs) != 2 {
		t.Fatalf("subjobs = %d, want 2", len(r.Subjobs))
	}

	a := r.Subjobs[0]
	if a.Status != job.StatusSucceeded || a.Processes != 2 {
		t.Fatalf("sj-a = %+v", a)
	}
	if strings.Join(a.Hosts, ",") != "n1,n2" {
		t.Fatalf("sj-a hosts = %v, want [n1 n2] kept across updates", a.Hosts)
	}
	if a.StartedAt == nil || a.CompletedAt == nil {
		t.Fatalf("sj-a timestamps not set: %+v", a)
	}

	b := r.Subjobs[1]
	if b.Status != job.StatusFailed || b.LastError == nil || *b.LastError != "rank 0: short read" {
		t.Fatalf("sj-b = %+v", b)
	}
	if b.Stderr == nil || !strings.Contains(*b.Stderr, "boom") {
		t.Fatalf("sj-b stderr = %v", b.Stderr)
	}
	if b.Offset != 10 || b.Size != 5 {
		t.Fatalf("sj-b range = %d+%d, want 10+5", b.Offset, b.Size)
	}
}

func TestStderrCapped(t *testing.T) {
	l := openTestLedger(t)
	seedRun(t, l)
	ctx := context.Background()

	long := strings.Repeat("e", maxStderrBytes+100)
	if err := l.UpdateSubjob(ctx, "sj-a", SubjobUpdate{Status: job.StatusFailed, Stderr: long}); err != nil {
		t.Fatalf("UpdateSubjob: %v", err)
	}
	r, err := l.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got := len(*r.Subjobs[0].Stderr); got != maxStderrBytes {
		t.Fatalf("stderr length = %d, want %d", got, maxStderrBytes)
	}
}

func TestNotFound(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if _, err := l.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("GetRun error = %v, want ErrRunNotFound", err)
	}
	if err := l.CompleteRun(ctx, "nope", true, ""); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("CompleteRun error = %v, want ErrRunNotFound", err)
	}
	if err := l.UpdateSubjob(ctx, "nope", SubjobUpdate{Status: job.StatusLaunched}); err == nil {
		t.Fatal("UpdateSubjob on missing subjob succeeded")
	}
	if err := l.UpdateSubjob(ctx, "nope", SubjobUpdate{}); err == nil {
		t.Fatal("UpdateSubjob without status succeeded")
	}
}

func TestListRuns(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := l.StartRun(ctx, Run{ID: id, JobName: "j"}); err != nil {
			t.Fatalf("StartRun(%s): %v", id, err)
		}
	}
	runs, err := l.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r3" || runs[1].ID != "r2" {
		t.Fatalf("ListRuns = %+v, want r3, r2", runs)
	}
}

func TestBuildReport(t *testing.T) {
	l := openTestLedger(t)
	seedRun(t, l)
	ctx := context.Background()
	_ = l.UpdateSubjob(ctx, "sj-a", SubjobUpdate{Status: job.StatusNodesAllocated, Processes: 2, Hosts: []string{"n1", "n2"}})
	_ = l.UpdateSubjob(ctx, "sj-b", SubjobUpdate{Status: job.StatusFailed, Error: "rank 0: short read", Stderr: "line one\nline two\n"})

	out, err := BuildReport(ctx, l, "run-1")
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{
		"Run ID      : run-1",
		"Job         : nightly",
		"[1] nightly/0 :: /data/a.bin",
		"range      : [0,104857600) 100 MiB",
		"hosts      : n1,n2",
		"hosts      : <default placement>",
		"error      : rank 0: short read",
		"      line two",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}

	if _, err := BuildReport(ctx, l, " "); err == nil {
		t.Fatal("BuildReport with empty id succeeded")
	}
}

func TestBuildJSONReport(t *testing.T) {
	l := openTestLedger(t)
	seedRun(t, l)

	out, err := BuildJSONReport(context.Background(), l, "run-1")
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var r Run
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.ID != "run-1" || len(r.Subjobs) != 2 {
		t.Fatalf("report = %+v", r)
	}
}

func TestRankSplit(t *testing.T) {
	tests := []struct {
		name string
		s    Subjob
		want string
	}{
		{"single rank", Subjob{Offset: 0, Size: 10, Processes: 1}, ""},
		{"three ranks", Subjob{Offset: 0, Size: 10, Processes: 3}, "[0,4) [4,7) [7,10)"},
		{"offset", Subjob{Offset: 100, Size: 4, Processes: 2}, "[100,102) [102,104)"},
		{"many ranks", Subjob{Offset: 0, Size: 10 << 20, Processes: 12}, "12 ranks of 853 KiB, first 4 one byte larger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rankSplit(tt.s); got != tt.want {
				t.Fatalf("rankSplit() = %q, want %q", got, tt.want)
			}
		})
	}
}
