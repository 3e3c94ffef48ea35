package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/resume-worker/internal/analysis"
	"github.com/spigell/resume-worker/internal/logger"
	"github.com/spigell/resume-worker/internal/metrics"
	"github.com/spigell/resume-worker/internal/queue"
	"github.com/spigell/resume-worker/internal/webhook"
)

//go:generate mockgen -source=./consumer.go -destination=./mocks/consumer.mock.go -package=workermocks

const defaultConcurrency = 2

var (
	ErrResumeRequired = errors.New("resume text is required")
	ErrJobIDRequired  = errors.New("job id is required")
	ErrAnalyzerPanic  = errors.New("analysis crashed")
)

type Analyzer interface {
	Analyze(ctx context.Context, resumeText, jobDescription string) (*analysis.Result, error)
}

type Notifier interface {
	Notify(ctx context.Context, payload webhook.Payload)
}

// Runtime creates queue workers. queue.Runtime satisfies it.
type Runtime interface {
	NewWorker(queueName string, handler queue.Handler, opts queue.WorkerOptions) (queue.Worker, error)
}

// JobData is the payload producers enqueue.
type JobData struct {
	JobID          string `json:"jobId"`
	ResumeText     string `json:"resumeText"`
	JobDescription string `json:"jobDescription,omitempty"`
}

type Config struct {
	QueueName   string
	Concurrency int
}

type Deps struct {
	Runtime  Runtime
	Analyzer Analyzer
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Consumer runs analysis jobs from one queue and reports every outcome to the backend.
type Consumer struct {
	cfg      Config
	runtime  Runtime
	analyzer Analyzer
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	worker queue.Worker
}

func New(cfg Config, deps Deps) (*Consumer, error) {
	if cfg.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	if deps.Runtime == nil || deps.Analyzer == nil || deps.Notifier == nil {
		return nil, errors.New("runtime, analyzer and notifier are required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = defaultConcurrency
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Consumer{
		cfg:      cfg,
		runtime:  deps.Runtime,
		analyzer: deps.Analyzer,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger.Named("consumer"),
	}, nil
}

// Start registers the consumer with the queue runtime and begins taking jobs.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.worker != nil {
		return queue.ErrWorkerStarted
	}

	w, err := c.runtime.NewWorker(c.cfg.QueueName, c.Handle, queue.WorkerOptions{Concurrency: c.cfg.Concurrency})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	c.worker = w
	c.logger.Info("consumer started",
		zap.String(logger.FieldQueue, c.cfg.QueueName),
		zap.Int("concurrency", c.cfg.Concurrency),
	)
	return nil
}

// Done reports the queue worker stopping; see queue.Worker. It is nil before Start.
func (c *Consumer) Done() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.worker == nil {
		return nil
	}
	return c.worker.Done()
}

// Stop stops taking jobs and waits for in-flight ones until ctx is done.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	w := c.worker
	c.mu.Unlock()

	if w == nil {
		return nil
	}

	c.logger.Info("stopping consumer, waiting for in-flight jobs")
	if err := w.Close(ctx); err != nil {
		return err
	}
	c.logger.Info("consumer stopped")
	return nil
}

// Handle processes one queue job. The returned error tells the runtime the attempt failed.
func (c *Consumer) Handle(ctx context.Context, job *queue.Job) (any, error) {
	log := logger.WithJob(c.logger, c.cfg.QueueName, job.ID, "")

	var data JobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		c.metrics.JobRejected()
		log.Error("invalid job payload", zap.Error(err))
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	if strings.TrimSpace(data.JobID) == "" {
		c.metrics.JobRejected()
		log.Error("invalid job payload", zap.Error(ErrJobIDRequired))
		return nil, ErrJobIDRequired
	}

	r := &run{
		state:  StateReceived,
		logger: logger.WithJob(c.logger, c.cfg.QueueName, job.ID, data.JobID),
	}
	r.logger.Info("job received",
		zap.Int("attempt", job.AttemptsMade+1),
		zap.Bool("with_job_description", strings.TrimSpace(data.JobDescription) != ""),
	)

	c.metrics.JobStarted()

	result, err := c.analyze(ctx, r, data)
	if err != nil {
		r.advance(StateAnalysisFailed, zap.Error(err))
		r.advance(StateNotifyingFailure)
		c.notifier.Notify(ctx, webhook.Failure(data.JobID, err))
		r.advance(StateFailed)
		c.metrics.JobFinished(metrics.OutcomeFailed)
		return nil, err
	}

	r.advance(StateNotifyingSuccess)
	c.notifier.Notify(ctx, webhook.Success(data.JobID, *result))
	r.advance(StateCompleted)
	c.metrics.JobFinished(metrics.OutcomeSuccess)
	return result, nil
}

func (c *Consumer) analyze(ctx context.Context, r *run, data JobData) (*analysis.Result, error) {
	if strings.TrimSpace(data.ResumeText) == "" {
		return nil, ErrResumeRequired
	}

	r.advance(StateAnalyzing)
	start := time.Now()
	result, err := c.callAnalyzer(ctx, data)
	c.metrics.ObserveAnalysis(time.Since(start))
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("analyzer returned no result")
	}
	return result, nil
}

// callAnalyzer turns an analyzer panic into an error so the job still gets its failure webhook.
func (c *Consumer) callAnalyzer(ctx context.Context, data JobData) (result *analysis.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrAnalyzerPanic, p)
		}
	}()

	return c.analyzer.Analyze(ctx, data.ResumeText, data.JobDescription)
}

// run tracks the state of a single job.
type run struct {
	state  State
	logger *zap.Logger
}

func (r *run) advance(to State, fields ...zap.Field) {
	if !IsValidTransition(r.state, to) {
		r.logger.DPanic("invalid job state transition",
			zap.Stringer("from", r.state),
			zap.Stringer("to", to),
		)
	}
	r.state = to

	fields = append(fields, zap.Stringer("state", to))
	if to == StateAnalysisFailed {
		r.logger.Warn("job state changed", fields...)
		return
	}
	r.logger.Debug("job state changed", fields...)
}
