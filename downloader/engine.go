package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	"mangafetch/internal"
	"mangafetch/utils"
)

const (
	defaultChunkSize   = 32 * 1024
	defaultMaxAttempts = 5
)

// Config configures a ResumableDownloader
type Config struct {
	ChunkSize   int
	MaxAttempts int
	RetryPolicy internal.RetryPolicy
	// TrackedHosts lists the image-delivery domains whose successful
	// transfers are reported.
	TrackedHosts []string
	Progress     bool
}

// Options apply to a single Download call
type Options struct {
	// Force re-downloads even when the destination already matches
	Force bool
	// Quiet suppresses the progress bar
	Quiet bool
}

// Result describes a finished transfer
type Result struct {
	ID       string
	Outcome  internal.Outcome
	Path     string
	Bytes    int64
	Attempts int
	Cached   bool
	Duration time.Duration
}

// Option customizes a ResumableDownloader
type Option func(*ResumableDownloader)

// WithRateLimiter caps the bandwidth of every transfer
func WithRateLimiter(l internal.RateLimiter) Option {
	return func(d *ResumableDownloader) { d.limiter = l }
}

// WithDownloaderLogger sets the logger
func WithDownloaderLogger(l *internal.SecureLogger) Option {
	return func(d *ResumableDownloader) { d.logger = l }
}

// WithDownloaderClock replaces time.Now for elapsed-time reporting
func WithDownloaderClock(now func() time.Time) Option {
	return func(d *ResumableDownloader) { d.now = now }
}

// ResumableDownloader transfers single files to disk through a
// RequestExecutor, resuming from a partial file with range requests where
// the server allows it. Instances are safe for concurrent use as long as
// each call targets a different destination.
type ResumableDownloader struct {
	executor internal.RequestExecutor
	reports  internal.ReportSubmitter
	limiter  internal.RateLimiter
	config   Config
	fileOps  *utils.FileOperations
	states   *StateStore
	logger   *internal.SecureLogger
	now      func() time.Time
}

// NewResumableDownloader creates a downloader. reports may be nil.
func NewResumableDownloader(executor internal.RequestExecutor, reports internal.ReportSubmitter, config Config, opts ...Option) *ResumableDownloader {
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaultChunkSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}

	d := &ResumableDownloader{
		executor: executor,
		reports:  reports,
		config:   config,
		fileOps:  utils.NewFileOperations(),
		states:   NewStateStore(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = internal.GetLogger()
	}
	return d
}

// errRestart discards the partial file before the next attempt
var errRestart = errors.New("partial file discarded")

// attemptError is a failure the next attempt may recover from. The partial
// file is kept unless restart is set.
type attemptError struct {
	restart bool
	err     error
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

// transfer is the bookkeeping of one Download call
type transfer struct {
	state    *internal.TransferState
	opts     Options
	progress *utils.ProgressTracker
	cached   bool
}

// Download fetches url into dest. An existing destination whose size
// matches the remote resource is left alone unless opts.Force is set.
// Cancelling ctx stops the transfer and keeps the partial file for a later
// resume.
func (d *ResumableDownloader) Download(ctx context.Context, url, dest string, opts Options) (*Result, error) {
	if err := utils.ValidateURL(url); err != nil {
		return nil, err
	}
	if dest == "" {
		return nil, internal.NewValidationError("destination", "destination path cannot be empty")
	}
	if err := d.fileOps.EnsureDir(dest); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	t := &transfer{
		state: &internal.TransferState{
			ID:              ksuid.New().String(),
			URL:             url,
			DestinationPath: dest,
			TempPath:        d.fileOps.TempPath(dest),
			ExpectedSize:    -1,
			StartedAt:       d.now(),
		},
		opts: opts,
	}
	result := &Result{ID: t.state.ID, Path: dest}

	if !opts.Force && d.fileOps.FileExists(dest) {
		if d.alreadyComplete(ctx, t) {
			d.logger.Info("Skipping %s, %s already complete", url, dest)
			result.Outcome = internal.OutcomeSkipped
			result.Bytes = t.state.ExpectedSize
			return result, nil
		}
	}

	d.logger.Debug("Transfer %s: %s -> %s", t.state.ID, url, dest)
	defer func() {
		if t.progress != nil {
			t.progress.Finish(dest)
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := d.attempt(ctx, t)
		if err == nil {
			if err := d.finalize(t); err != nil {
				return d.fail(t, result, err)
			}
			result.Outcome = internal.OutcomeComplete
			result.Bytes = t.state.BytesWritten
			result.Cached = t.cached
			result.Duration = d.now().Sub(t.state.StartedAt)
			d.reportSuccess(t, result)
			d.logger.Info("Downloaded %s (%s)", dest, utils.FormatBytes(result.Bytes))
			return result, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			d.logger.Info("Transfer of %s interrupted at %s; run again to resume", url, utils.FormatBytes(t.state.BytesWritten))
			result.Outcome = internal.OutcomeFailed
			result.Bytes = t.state.BytesWritten
			return result, ctxErr
		}

		var ae *attemptError
		if !errors.As(err, &ae) {
			return d.fail(t, result, err)
		}

		lastErr = ae.err
		if ae.restart {
			d.discard(t)
		}
		d.logger.Warn("Transfer attempt %d/%d for %s failed: %v", attempt, d.config.MaxAttempts, url, ae.err)
	}

	integrity := internal.NewIntegrityError(url, t.state.ExpectedSize, t.state.BytesWritten, result.Attempts).WithCause(lastErr)
	return d.fail(t, result, integrity)
}

// alreadyComplete compares the destination size with a HEAD response.
// Any probe failure means the body is fetched.
func (d *ResumableDownloader) alreadyComplete(ctx context.Context, t *transfer) bool {
	size, err := d.fileOps.GetFileSize(t.state.DestinationPath)
	if err != nil {
		return false
	}

	resp, err := d.executor.Execute(ctx, internal.NewRequest(http.MethodHead, t.state.URL, nil), d.config.RetryPolicy)
	if err != nil {
		d.logger.Debug("Size probe for %s failed: %v", t.state.URL, err)
		return false
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || resp.ContentLength < 0 {
		return false
	}
	t.state.ExpectedSize = resp.ContentLength
	return resp.ContentLength == size
}

// prepareResume returns the offset to resume from, discarding partial
// files that cannot belong to this transfer.
func (d *ResumableDownloader) prepareResume(t *transfer) (int64, *ResumeState) {
	exists, size, err := d.fileOps.DetectPartialDownload(t.state.DestinationPath)
	if err != nil {
		d.logger.Warn("Cannot inspect partial file: %v", err)
		return 0, nil
	}
	if !exists {
		d.states.Remove(t.state.DestinationPath)
		return 0, nil
	}

	rs, err := d.states.Load(t.state.DestinationPath)
	if err == nil {
		err = d.states.Compatible(rs, t.state.URL, size)
	}
	if err != nil {
		d.logger.Info("Discarding partial file: %v", err)
		d.discard(t)
		return 0, nil
	}
	return size, rs
}

func (d *ResumableDownloader) attempt(ctx context.Context, t *transfer) error {
	offset, rs := d.prepareResume(t)
	t.state.BytesWritten = offset

	req := internal.NewRequest(http.MethodGet, t.state.URL, nil)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if rs != nil {
			if v := rs.validator(); v != "" {
				req.Header.Set("If-Range", v)
			}
		}
		d.logger.Debug("Resuming %s from byte %d", t.state.URL, offset)
	}

	resp, err := d.executor.Execute(ctx, req, d.config.RetryPolicy)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	t.cached = strings.HasPrefix(strings.ToUpper(resp.Header.Get("X-Cache")), "HIT")
	t.state.SupportsRange = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		return d.rangeNotSatisfiable(t, resp, rs, offset)

	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			return &attemptError{restart: true, err: fmt.Errorf("server answered range %q for offset %d", resp.Header.Get("Content-Range"), offset)}
		}
		t.state.SupportsRange = true
		t.state.ExpectedSize = total
		if total < 0 && resp.ContentLength >= 0 {
			t.state.ExpectedSize = offset + resp.ContentLength
		}

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if offset > 0 {
			// never append a full body to previously downloaded bytes
			d.logger.Info("Server ignored the range request, restarting %s from zero", t.state.URL)
			offset = 0
			t.state.BytesWritten = 0
		}
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		t.state.ExpectedSize = resp.ContentLength

	default:
		return internal.NewHTTPStatusError(t.state.URL, resp)
	}

	t.state.ETag = resp.Header.Get("ETag")
	t.state.LastModified = resp.Header.Get("Last-Modified")
	if err := d.states.Save(t.state); err != nil {
		d.logger.Warn("Failed to save transfer state: %v", err)
	}

	file, err := os.OpenFile(t.state.TempPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open partial file: %w", err)
	}
	defer file.Close()

	d.startProgress(t, offset)

	body := io.Reader(resp.Body)
	if t.state.ExpectedSize >= 0 {
		body = io.LimitReader(resp.Body, t.state.ExpectedSize-offset)
	}
	n, err := d.stream(ctx, &progressWriter{dst: file, progress: t.progress}, body)
	t.state.BytesWritten = offset + n
	if err != nil {
		var we *writeError
		if errors.As(err, &we) || ctx.Err() != nil {
			return err
		}
		return &attemptError{err: fmt.Errorf("connection lost after %d bytes: %w", t.state.BytesWritten, err)}
	}

	if t.state.ExpectedSize >= 0 && t.state.BytesWritten < t.state.ExpectedSize {
		return &attemptError{restart: true, err: fmt.Errorf("stream ended at %d of %d bytes", t.state.BytesWritten, t.state.ExpectedSize)}
	}
	if t.state.ExpectedSize < 0 {
		t.state.ExpectedSize = t.state.BytesWritten
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync partial file: %w", err)
	}
	return nil
}

// rangeNotSatisfiable handles a 416 on resume: the partial file already
// holds the whole resource unless the server reports a different size.
func (d *ResumableDownloader) rangeNotSatisfiable(t *transfer, resp *http.Response, rs *ResumeState, offset int64) error {
	total := int64(-1)
	if _, n, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
		total = n
	} else if rs != nil {
		total = rs.ExpectedSize
	}
	if total >= 0 && total != offset {
		return &attemptError{restart: true, err: fmt.Errorf("%w: partial file has %d of %d bytes", errRestart, offset, total)}
	}

	d.logger.Debug("Range not satisfiable at %d, partial file is complete", offset)
	t.state.ExpectedSize = offset
	t.state.BytesWritten = offset
	return nil
}

type writeError struct{ err error }

func (e *writeError) Error() string { return "failed to write partial file: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// stream copies src to dst one chunk at a time. Every chunk is written
// before the next read so the file is always a valid prefix. dst is an
// unbuffered *os.File, so each Write reaches the OS before the next read.
func (d *ResumableDownloader) stream(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buffer := make([]byte, d.config.ChunkSize)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, readErr := src.Read(buffer)
		if n > 0 {
			if d.limiter != nil {
				if err := d.limiter.Wait(ctx, n); err != nil {
					return total, err
				}
			}
			written, err := dst.Write(buffer[:n])
			total += int64(written)
			if err == nil && written != n {
				err = io.ErrShortWrite
			}
			if err != nil {
				return total, &writeError{err: err}
			}
		}

		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}

func (d *ResumableDownloader) startProgress(t *transfer, offset int64) {
	if t.progress == nil {
		quiet := t.opts.Quiet || !d.config.Progress
		t.progress = utils.NewProgressTracker(t.state.ExpectedSize, filepath.Base(t.state.DestinationPath), quiet)
	}
	t.progress.SetTotal(t.state.ExpectedSize)
	t.progress.Update(offset)
}

type progressWriter struct {
	dst      io.Writer
	progress *utils.ProgressTracker
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	w.progress.Add(n)
	return n, err
}

func (d *ResumableDownloader) finalize(t *transfer) error {
	if err := d.fileOps.ReplaceFile(t.state.TempPath, t.state.DestinationPath); err != nil {
		return err
	}
	if err := d.states.Remove(t.state.DestinationPath); err != nil {
		d.logger.Debug("Failed to remove transfer state: %v", err)
	}
	return nil
}

func (d *ResumableDownloader) discard(t *transfer) {
	if err := d.fileOps.RemoveIfExists(t.state.TempPath); err != nil {
		d.logger.Warn("Failed to remove partial file: %v", err)
	}
	if err := d.states.Remove(t.state.DestinationPath); err != nil {
		d.logger.Debug("Failed to remove transfer state: %v", err)
	}
	t.state.BytesWritten = 0
}

// fail ends a transfer that cannot succeed. Unlike cancellation it removes
// the partial file and its sidecar.
func (d *ResumableDownloader) fail(t *transfer, result *Result, err error) (*Result, error) {
	result.Outcome = internal.OutcomeFailed
	result.Bytes = t.state.BytesWritten
	result.Duration = d.now().Sub(t.state.StartedAt)
	d.discard(t)

	if d.reports != nil {
		d.reports.Submit(internal.ReportRecord{
			URL:        t.state.URL,
			Success:    false,
			Cached:     t.cached,
			Bytes:      result.Bytes,
			DurationMS: result.Duration.Milliseconds(),
		})
	}
	return result, err
}

func (d *ResumableDownloader) reportSuccess(t *transfer, result *Result) {
	if d.reports == nil || !utils.HostMatches(t.state.URL, d.config.TrackedHosts) {
		return
	}
	d.reports.Submit(internal.ReportRecord{
		URL:        t.state.URL,
		Success:    true,
		Cached:     result.Cached,
		Bytes:      result.Bytes,
		DurationMS: result.Duration.Milliseconds(),
	})
}

// parseContentRange parses "bytes start-end/total" and "bytes */total". An
// unknown total ("*") is returned as -1.
func parseContentRange(header string) (start, total int64, ok bool) {
	value, found := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, size, found := strings.Cut(value, "/")
	if !found {
		return 0, 0, false
	}

	total = -1
	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		total = n
	}

	if rng == "*" {
		return -1, total, true
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	return start, total, true
}
