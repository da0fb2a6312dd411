package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// ProgressTracker shows the progress of one transfer
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	startTime time.Time
	total     int64
	current   int64
	mutex     sync.Mutex
}

// DownloadSummary contains final download statistics
type DownloadSummary struct {
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64 // bytes per second
	Filename     string
}

const progressTemplate = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}}`

// NewProgressTracker creates a tracker writing to stderr. A negative total
// means the size is unknown.
func NewProgressTracker(total int64, label string, quiet bool) *ProgressTracker {
	return newProgressTracker(os.Stderr, total, label, quiet)
}

func newProgressTracker(out io.Writer, total int64, label string, quiet bool) *ProgressTracker {
	tracker := &ProgressTracker{
		quiet:     quiet,
		startTime: time.Now(),
		total:     total,
	}

	if !quiet {
		tracker.bar = pb.New64(max64(total, 0)).
			SetTemplate(pb.ProgressBarTemplate(progressTemplate)).
			SetWriter(out).
			Set(pb.Bytes, true).
			Set(pb.SIBytesPrefix, true).
			Set("prefix", label+" ").
			Start()
	}

	return tracker
}

// SetTotal updates the expected size once it is known
func (p *ProgressTracker) SetTotal(total int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.total = total
	if p.bar != nil && total > 0 {
		p.bar.SetTotal(total)
	}
}

// Update sets the absolute number of bytes on disk
func (p *ProgressTracker) Update(current int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.current = current
	if p.bar != nil {
		p.bar.SetCurrent(current)
	}
}

// Add records n more bytes
func (p *ProgressTracker) Add(n int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.current += int64(n)
	if p.bar != nil {
		p.bar.Add(n)
	}
}

// Finish completes the progress bar and returns download summary
func (p *ProgressTracker) Finish(filename string) *DownloadSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	totalTime := time.Since(p.startTime)
	if p.bar != nil {
		p.bar.Finish()
	}

	var avg float64
	if secs := totalTime.Seconds(); secs > 0 {
		avg = float64(p.current) / secs
	}

	return &DownloadSummary{
		TotalBytes:   p.current,
		TotalTime:    totalTime,
		AverageSpeed: avg,
		Filename:     filename,
	}
}

// String renders the summary for the CLI
func (s *DownloadSummary) String() string {
	return fmt.Sprintf("%s: %s in %v (%s/s)",
		s.Filename, FormatBytes(s.TotalBytes), s.TotalTime.Round(time.Millisecond), FormatBytes(int64(s.AverageSpeed)))
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}

// FormatBytes formats byte count as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
