package downloader

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"mangafetch/internal"
	"mangafetch/utils"
)

const (
	defaultReportQueueSize = 64
	reportTimeout          = 10 * time.Second
)

// ReportSink delivers transfer reports in the background. Submit never
// blocks; when the queue is full the record is dropped. A single worker
// posts the records in submission order.
type ReportSink struct {
	executor internal.RequestExecutor
	endpoint string
	policy   internal.RetryPolicy
	logger   *internal.SecureLogger

	mu     sync.RWMutex // guards closed against sends on queue
	closed bool
	queue  chan internal.ReportRecord

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewReportSink starts the report worker
func NewReportSink(executor internal.RequestExecutor, endpoint string, policy internal.RetryPolicy, queueSize int) *ReportSink {
	if queueSize <= 0 {
		queueSize = defaultReportQueueSize
	}
	// a report is never worth waiting indefinitely for
	if policy.Unlimited() {
		policy.MaxAttempts = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ReportSink{
		executor: executor,
		endpoint: endpoint,
		policy:   policy,
		logger:   internal.GetLogger(),
		queue:    make(chan internal.ReportRecord, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit implements internal.ReportSubmitter
func (s *ReportSink) Submit(record internal.ReportRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}

	select {
	case s.queue <- record:
	default:
		s.dropped.Add(1)
		s.logger.Debug("Report queue full, dropping report for %s", record.URL)
	}
}

// Close stops accepting records and waits for the queued ones to be sent.
// Records still queued when ctx expires are abandoned.
func (s *ReportSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return ctx.Err()
	}
}

// Stats returns how many reports were sent, dropped and failed
func (s *ReportSink) Stats() (sent, dropped, failed int64) {
	return s.sent.Load(), s.dropped.Load(), s.failed.Load()
}

func (s *ReportSink) run() {
	defer close(s.done)
	defer s.cancel()

	for record := range s.queue {
		if s.ctx.Err() != nil {
			s.dropped.Add(1)
			continue
		}
		if err := s.send(record); err != nil {
			s.failed.Add(1)
			s.logger.Debug("Failed to send report for %s: %v", record.URL, err)
			continue
		}
		s.sent.Add(1)
	}
}

func (s *ReportSink) send(record internal.ReportRecord) error {
	ctx, cancel := context.WithTimeout(s.ctx, reportTimeout)
	defer cancel()

	req, err := utils.NewJSONRequest(http.MethodPost, s.endpoint, record)
	if err != nil {
		return err
	}
	resp, err := s.executor.Execute(ctx, req, s.policy)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return internal.NewHTTPStatusError(s.endpoint, resp)
	}
	return nil
}
