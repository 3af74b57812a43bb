package usagelog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/metrics"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/observability"
)

// Config configures the Logger.
type Config struct {
	QueueSize    int           `yaml:"queue_size"`
	Workers      int           `yaml:"workers"`
	SinkTimeout  time.Duration `yaml:"sink_timeout"`
	HashClientIP bool          `yaml:"hash_client_ip"`
	IPSalt       string        `yaml:"ip_salt"`
}

// DefaultConfig returns the defaults used when a field is unset.
func DefaultConfig() Config {
	return Config{
		QueueSize:   1024,
		Workers:     2,
		SinkTimeout: 5 * time.Second,
	}
}

// Logger hands entries to background workers over a bounded queue.
type Logger struct {
	cfg      Config
	sinks    []Sink
	spool    *Spool
	redactor *observability.Redactor
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	wg     sync.WaitGroup
}

// New starts the workers. spool may be nil.
func New(cfg Config, sinks []Sink, spool *Spool, logger *slog.Logger) *Logger {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Logger{
		cfg:      cfg,
		sinks:    sinks,
		spool:    spool,
		redactor: observability.NewRedactor(),
		logger:   logger.With("component", "usagelog"),
		queue:    make(chan Entry, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

// Submit enqueues e and returns immediately. It reports false when the
// entry was dropped because the queue is full or the logger is closed.
func (l *Logger) Submit(e Entry) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		metrics.UsageLogEvents.WithLabelValues("queue", "dropped").Inc()
		return false
	}

	select {
	case l.queue <- e:
		metrics.UsageLogQueueSize.Set(float64(len(l.queue)))
		return true
	default:
		metrics.UsageLogEvents.WithLabelValues("queue", "dropped").Inc()
		l.logger.Warn("usage log queue full, dropping entry", "request_id", e.RequestID)
		return false
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to
// end, then closes the sinks.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		l.logger.Warn("usage log drain interrupted", "pending", len(l.queue))
		return ctx.Err()
	}

	var firstErr error
	for _, s := range l.sinks {
		if err := s.Close(ctx); err != nil {
			l.logger.Warn("usage log sink close failed", "sink", s.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for e := range l.queue {
		metrics.UsageLogQueueSize.Set(float64(len(l.queue)))
		l.deliver(l.sanitize(e))
	}
}

func (l *Logger) deliver(e Entry) {
	for _, s := range l.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.SinkTimeout)
		err := s.Send(ctx, e)
		cancel()

		if err == nil {
			metrics.UsageLogEvents.WithLabelValues(s.Name(), "accepted").Inc()
			continue
		}

		metrics.UsageLogEvents.WithLabelValues(s.Name(), "failed").Inc()
		l.logger.Warn("usage log delivery failed",
			"sink", s.Name(),
			"request_id", e.RequestID,
			"error", err,
		)
		l.spoolEntry(s.Name(), e)
	}
}

func (l *Logger) spoolEntry(sink string, e Entry) {
	if l.spool == nil {
		metrics.UsageLogEvents.WithLabelValues(sink, "dropped").Inc()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.SinkTimeout)
	defer cancel()
	if err := l.spool.Save(ctx, sink, e); err != nil {
		metrics.UsageLogEvents.WithLabelValues(sink, "dropped").Inc()
		l.logger.Error("usage log spool write failed", "request_id", e.RequestID, "error", err)
		return
	}
	metrics.UsageLogEvents.WithLabelValues(sink, "spooled").Inc()
}

// sanitize masks credentials in the copied bodies and hashes the client
// address when configured.
func (l *Logger) sanitize(e Entry) Entry {
	e.Request = l.redactor.RedactMap(e.Request)
	e.Response = l.redactor.RedactMap(e.Response)
	if e.Error != nil {
		detail := *e.Error
		detail.Message = l.redactor.Redact(detail.Message)
		e.Error = &detail
	}
	if len(e.Metadata) > 0 {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = l.redactor.Redact(v)
		}
		e.Metadata = md
	}
	if l.cfg.HashClientIP {
		e.ClientIP = observability.HashIP(e.ClientIP, l.cfg.IPSalt)
	}
	return e
}
