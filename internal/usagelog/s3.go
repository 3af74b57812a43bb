package usagelog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/metrics"
)

// S3Config configures the archive sink.
type S3Config struct {
	Bucket        string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	AccessKeyID   string        `yaml:"access_key_id"`
	SecretKey     string        `yaml:"secret_access_key"`
	Endpoint      string        `yaml:"endpoint"` // MinIO and other S3-compatible stores
	PathPrefix    string        `yaml:"path_prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// maxPendingBatches caps the retained backlog while uploads fail.
const maxPendingBatches = 10

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink batches entries into JSONL objects under hour partitions.
type S3Sink struct {
	cfg    S3Config
	client objectPutter
	logger *slog.Logger

	mu    sync.Mutex
	queue []Entry

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewS3Sink loads AWS config and starts the flush loop.
func NewS3Sink(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 sink: bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 sink: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return newS3Sink(cfg, s3.NewFromConfig(awsCfg, s3Opts...), logger), nil
}

func newS3Sink(cfg S3Config, client objectPutter, logger *slog.Logger) *S3Sink {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &S3Sink{
		cfg:    cfg,
		client: client,
		logger: logger,
		queue:  make([]Entry, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// Name implements Sink.
func (s *S3Sink) Name() string { return "s3" }

// Send implements Sink. Entries are uploaded by the flush loop or once a
// batch fills, so Send itself never fails.
func (s *S3Sink) Send(ctx context.Context, e Entry) error {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	full := len(s.queue) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		// A failed upload keeps the batch queued for the next flush.
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("usage log archive upload failed", "error", err)
		}
	}
	return nil
}

// Close stops the loop and uploads what is left.
func (s *S3Sink) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.Flush(ctx)
}

func (s *S3Sink) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushInterval)
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("usage log archive upload failed", "error", err)
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// Flush uploads queued entries as one object. On failure the batch is put
// back at the head of the queue.
func (s *S3Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	entries := s.queue
	s.queue = make([]Entry, 0, s.cfg.BatchSize)
	s.mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			s.logger.Warn("skip unencodable usage entry", "request_id", entries[i].RequestID, "error", err)
		}
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.objectKey(s.now().UTC())),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		metrics.UsageLogEvents.WithLabelValues(s.Name(), "upload_failed").Add(float64(len(entries)))
		s.mu.Lock()
		s.queue = append(entries, s.queue...)
		if over := len(s.queue) - s.cfg.BatchSize*maxPendingBatches; over > 0 {
			s.queue = s.queue[over:]
			metrics.UsageLogEvents.WithLabelValues(s.Name(), "dropped").Add(float64(over))
		}
		s.mu.Unlock()
		return fmt.Errorf("s3 sink: upload: %w", err)
	}

	metrics.UsageLogEvents.WithLabelValues(s.Name(), "uploaded").Add(float64(len(entries)))
	return nil
}

// objectKey returns prefix/year=YYYY/month=MM/day=DD/hour=HH/logs_<nanos>.jsonl.
func (s *S3Sink) objectKey(t time.Time) string {
	partition := fmt.Sprintf("year=%d/month=%02d/day=%02d/hour=%02d",
		t.Year(), t.Month(), t.Day(), t.Hour())
	filename := fmt.Sprintf("logs_%d.jsonl", t.UnixNano())
	return path.Join(s.cfg.PathPrefix, partition, filename)
}
