package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	BackendRedis    = "redis"
	BackendRabbitMQ = "rabbitmq"
)

const (
	defaultPrefix             = "rw"
	defaultBackoff            = 5 * time.Second
	defaultCompletedRetention = 24 * time.Hour
	defaultKeepCompleted      = 1000
	defaultLockDuration       = 30 * time.Second
	defaultStalledInterval    = 30 * time.Second
	defaultMaxStalledCount    = 1
	maxBackoff                = time.Hour
)

var (
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrWorkerStarted = errors.New("worker already started")
	ErrWorkerLost    = errors.New("worker lost its connection")
)

// Job is one unit of work handed to a Handler.
type Job struct {
	ID   string
	Name string
	// Data is the JSON document passed to Enqueue.
	Data []byte
	// AttemptsMade counts previous failed attempts.
	AttemptsMade int
	MaxAttempts  int
	Timestamp    time.Time
}

// Handler processes a job. A non-nil error marks the attempt as failed; the
// returned value is stored as the job result on success.
type Handler func(ctx context.Context, job *Job) (any, error)

type WorkerOptions struct {
	Concurrency int
}

type Worker interface {
	// Start begins fetching jobs and returns immediately.
	Start(ctx context.Context) error
	// Close stops fetching and waits for in-flight handlers until ctx is done.
	Close(ctx context.Context) error
	// Done is closed once a started worker has stopped. A worker that stopped
	// on its own, e.g. after losing the broker, first sends the cause.
	Done() <-chan error
}

// Runtime owns queue storage, delivery and the retry policy.
type Runtime interface {
	Enqueue(ctx context.Context, queueName, name string, data any) (string, error)
	NewWorker(queueName string, handler Handler, opts WorkerOptions) (Worker, error)
	Close() error
}

// Options is the retry and retention policy shared by all runtimes.
type Options struct {
	// Prefix namespaces Redis keys.
	Prefix string
	// Attempts is the total number of tries per job. 1 disables retries.
	Attempts int
	// Backoff is the delay before the first retry; it doubles on every further retry.
	Backoff time.Duration
	// CompletedRetention is how long finished Redis jobs are kept.
	CompletedRetention time.Duration
	// KeepCompleted bounds the Redis completed list.
	KeepCompleted int64
	// LockDuration is the TTL of the per-job lock a Redis worker renews while
	// the handler runs. A job in the active list without a lock is stalled.
	LockDuration time.Duration
	// StalledInterval is how often Redis workers look for stalled jobs.
	StalledInterval time.Duration
	// MaxStalledCount is how many times a job may be recovered from a dead
	// worker before it is moved to the failed list.
	MaxStalledCount int
	Logger          *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = defaultPrefix
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultBackoff
	}
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = defaultCompletedRetention
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = defaultKeepCompleted
	}
	if o.LockDuration <= 0 {
		o.LockDuration = defaultLockDuration
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = defaultStalledInterval
	}
	if o.MaxStalledCount < 1 {
		o.MaxStalledCount = defaultMaxStalledCount
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Config selects and locates the queue backend.
type Config struct {
	Backend     string
	Redis       RedisConfig
	RabbitMQURL string
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config, opts Options) (Runtime, error) {
	switch cfg.Backend {
	case "", BackendRedis:
		return DialRedis(ctx, cfg.Redis, opts)
	case BackendRabbitMQ:
		return DialRabbitMQ(cfg.RabbitMQURL, opts)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// backoffDelay returns the wait before retry number attempt (1-based).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// runHandler calls handler and turns a panic into an error.
func runHandler(ctx context.Context, handler Handler, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, job)
}
