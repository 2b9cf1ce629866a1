package worker

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// Progress modes accepted in worker.progress.
const (
	ProgressBar  = "bar"
	ProgressLog  = "log"
	ProgressNone = "none"
)

// Reporter receives chunk progress for a rank.
type Reporter interface {
	Report(rank int, done, total uint64)
	Finish(rank int, done, total uint64, err error)
}

// NewReporter returns the reporter for mode. Bar output goes to w, which
// should be stderr in a worker since stdout carries the response.
func NewReporter(mode, title string, w io.Writer, logger *slog.Logger) Reporter {
	switch mode {
	case ProgressBar:
		return newBarReporter(title, w)
	case ProgressLog:
		return &logReporter{logger: logger, step: 10}
	default:
		return nopReporter{}
	}
}

type nopReporter struct{}

func (nopReporter) Report(int, uint64, uint64)        {}
func (nopReporter) Finish(int, uint64, uint64, error) {}

// logReporter logs whenever another step percent of the range is done.
type logReporter struct {
	logger *slog.Logger
	step   uint64
	last   uint64
}

func (r *logReporter) Report(rank int, done, total uint64) {
	if total == 0 {
		return
	}
	pct := done * 100 / total
	if pct < r.last+r.step && done < total {
		return
	}
	r.last = pct - pct%r.step
	r.logger.Info("progress",
		"rank", rank,
		"bytes_done", done,
		"bytes_total", total,
		"percent", pct,
	)
}

func (r *logReporter) Finish(rank int, done, total uint64, err error) {
	if err != nil {
		r.logger.Error("rank failed", "rank", rank, "bytes_done", done, "bytes_total", total, "error", err)
		return
	}
	r.logger.Info("rank complete", "rank", rank, "bytes_done", done, "bytes_total", total)
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
)

// barReporter redraws a single terminal line per update.
type barReporter struct {
	mu       sync.Mutex
	w        io.Writer
	title    string
	bar      progress.Model
	started  time.Time
	lastDraw time.Time
	interval time.Duration
	now      func() time.Time
}

func newBarReporter(title string, w io.Writer) *barReporter {
	return &barReporter{
		w:        w,
		title:    title,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		interval: 100 * time.Millisecond,
		now:      time.Now,
	}
}

func (r *barReporter) Report(rank int, done, total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.started.IsZero() {
		r.started = now
	}
	if done < total && now.Sub(r.lastDraw) < r.interval {
		return
	}
	r.lastDraw = now
	fmt.Fprintf(r.w, "\r%s", r.line(rank, done, total, now))
}

func (r *barReporter) Finish(rank int, done, total uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.started.IsZero() {
		r.started = now
	}
	status := okStyle.Render("done")
	if err != nil {
		status = failStyle.Render("failed")
	}
	fmt.Fprintf(r.w, "\r%s %s\n", r.line(rank, done, total, now), status)
}

func (r *barReporter) line(rank int, done, total uint64, now time.Time) string {
	pct := 1.0
	if total > 0 {
		pct = float64(done) / float64(total)
	}
	elapsed := now.Sub(r.started)

	var rate uint64
	if elapsed > 0 {
		rate = uint64(float64(done) / elapsed.Seconds())
	}
	eta := "--"
	if rate > 0 && done < total {
		eta = time.Duration(float64(total-done) / float64(rate) * float64(time.Second)).Round(time.Second).String()
	}

	return fmt.Sprintf("%s %s %s %s",
		titleStyle.Render(fmt.Sprintf("%s [rank %d]", r.title, rank)),
		r.bar.ViewAs(pct),
		fmt.Sprintf("%s/%s", humanize.IBytes(done), humanize.IBytes(total)),
		dimStyle.Render(fmt.Sprintf("%s/s eta %s", humanize.IBytes(rate), eta)),
	)
}
