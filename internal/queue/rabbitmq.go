package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/resume-worker/internal/logger"
	"github.com/spigell/resume-worker/internal/utils"
)

const (
	headerAttempts    = "x-attempts"
	headerMaxAttempts = "x-max-attempts"
	deadLetterSuffix  = ".failed"
	contentTypeJSON   = "application/json"
)

// amqpChannel is the part of *amqp.Channel the runtime uses.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// envelope is the message body: the job data plus the fields Redis keeps in its hash.
type envelope struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// RabbitMQ delivers jobs through one durable queue per job queue. Exhausted
// jobs are dead-lettered to "<queue>.failed".
type RabbitMQ struct {
	conn        *amqp.Connection
	openChannel func() (amqpChannel, error)
	opts        Options
	logger      *zap.Logger

	declareMu sync.Mutex
	declared  map[string]bool

	publishMu sync.Mutex
	publishCh amqpChannel
}

var _ Runtime = (*RabbitMQ)(nil)

func DialRabbitMQ(url string, opts Options) (*RabbitMQ, error) {
	if url == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	r := newRabbitMQ(func() (amqpChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, opts)
	r.conn = conn

	return r, nil
}

func newRabbitMQ(openChannel func() (amqpChannel, error), opts Options) *RabbitMQ {
	opts = opts.withDefaults()
	return &RabbitMQ{
		openChannel: openChannel,
		opts:        opts,
		logger:      opts.Logger.Named("rabbitmq-queue"),
		declared:    make(map[string]bool),
	}
}

func (r *RabbitMQ) Close() error {
	r.publishMu.Lock()
	if r.publishCh != nil {
		_ = r.publishCh.Close()
		r.publishCh = nil
	}
	r.publishMu.Unlock()

	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// queueArgs routes rejected messages to the dead-letter queue through the default exchange.
func queueArgs(queueName string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queueName + deadLetterSuffix,
	}
}

func (r *RabbitMQ) ensureQueue(ch amqpChannel, queueName string) error {
	r.declareMu.Lock()
	defer r.declareMu.Unlock()

	if r.declared[queueName] {
		return nil
	}

	if _, err := ch.QueueDeclare(queueName+deadLetterSuffix, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName+deadLetterSuffix, err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, queueArgs(queueName)); err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	r.declared[queueName] = true
	r.logger.Debug("queue declared", zap.String(logger.FieldQueue, queueName))
	return nil
}

func (r *RabbitMQ) Enqueue(ctx context.Context, queueName, name string, data any) (string, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode job data: %w", err)
	}

	env := envelope{
		ID:        uuid.NewString(),
		Name:      name,
		Data:      body,
		Timestamp: time.Now().UnixMilli(),
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}

	headers := amqp.Table{
		headerAttempts:    int32(0),
		headerMaxAttempts: int32(r.opts.Attempts),
	}
	if err := r.publish(ctx, queueName, env.ID, msg, headers); err != nil {
		return "", err
	}

	r.logger.Debug("job enqueued", zap.String(logger.FieldQueue, queueName), zap.String(logger.FieldQueueJobID, env.ID))
	return env.ID, nil
}

func (r *RabbitMQ) publish(ctx context.Context, queueName, id string, body []byte, headers amqp.Table) error {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	if r.publishCh == nil {
		ch, err := r.openChannel()
		if err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
		r.publishCh = ch
	}

	if err := r.ensureQueue(r.publishCh, queueName); err != nil {
		r.dropPublishChannel()
		return err
	}

	err := r.publishCh.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  contentTypeJSON,
		MessageId:    id,
		Headers:      headers,
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		r.dropPublishChannel()
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}
	return nil
}

// dropPublishChannel discards a channel that failed so the next publish opens
// a fresh one. The broker closes a channel on any channel-level exception.
// publishMu must be held.
func (r *RabbitMQ) dropPublishChannel() {
	if r.publishCh == nil {
		return
	}
	if err := r.publishCh.Close(); err != nil {
		r.logger.Debug("close publish channel", zap.Error(err))
	}
	r.publishCh = nil
}

func (r *RabbitMQ) NewWorker(queueName string, handler Handler, opts WorkerOptions) (Worker, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	return &rabbitWorker{
		runtime:     r,
		queue:       queueName,
		handler:     handler,
		concurrency: concurrency,
		tag:         "resume-worker-" + uuid.NewString(),
		logger:      r.logger.With(zap.String(logger.FieldQueue, queueName)),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		errc:        make(chan error, 1),
	}, nil
}

type rabbitWorker struct {
	runtime     *RabbitMQ
	queue       string
	handler     Handler
	concurrency int
	tag         string
	logger      *zap.Logger

	mu       sync.Mutex
	started  bool
	closed   bool
	ch       amqpChannel
	stopOnce sync.Once
	closing  chan struct{}
	done     chan struct{}
	errc     chan error
	// waitCtx ends when the worker stops so retry backoff does not delay shutdown.
	waitCtx    context.Context
	cancelWait context.CancelFunc
}

func (w *rabbitWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}
	if w.started {
		return ErrWorkerStarted
	}

	ch, err := w.runtime.openChannel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(w.concurrency, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	if err := w.runtime.ensureQueue(ch, w.queue); err != nil {
		_ = ch.Close()
		return err
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := ch.Consume(w.queue, w.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("register consumer: %w", err)
	}

	w.ch = ch
	w.started = true

	base := context.WithoutCancel(ctx)
	w.waitCtx, w.cancelWait = context.WithCancel(base)

	go w.dispatch(base, deliveries, closed)
	go func() {
		select {
		case <-ctx.Done():
			w.stop()
		case <-w.closing:
		}
	}()

	w.logger.Info("worker started", zap.Int("concurrency", w.concurrency), zap.String("consumer", w.tag))
	return nil
}

func (w *rabbitWorker) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	defer close(w.done)
	defer close(w.errc)

	var g errgroup.Group
	g.SetLimit(w.concurrency)

	for d := range deliveries {
		if w.isClosing() {
			if err := d.Nack(false, true); err != nil {
				w.logger.Warn("requeue message failed", zap.Error(err))
			}
			continue
		}

		g.Go(func() error {
			w.process(ctx, d)
			return nil
		})
	}

	_ = g.Wait()

	// Only stop closes the delivery channel on purpose.
	if !w.isClosing() {
		err := lostCause(closed)
		w.logger.Error("worker stopped unexpectedly", zap.Error(err))
		w.errc <- err
	}
}

// lostCause reports why the broker ended the delivery channel.
func lostCause(closed <-chan *amqp.Error) error {
	select {
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			return fmt.Errorf("%w: %w", ErrWorkerLost, amqpErr)
		}
	default:
	}
	return fmt.Errorf("%w: deliveries closed by the server", ErrWorkerLost)
}

func (w *rabbitWorker) Done() <-chan error {
	return w.errc
}

func (w *rabbitWorker) isClosing() bool {
	select {
	case <-w.closing:
		return true
	default:
		return false
	}
}

// stop cancels the consumer; the server then closes the delivery channel.
func (w *rabbitWorker) stop() {
	w.stopOnce.Do(func() {
		close(w.closing)
		w.cancelWait()
		if err := w.ch.Cancel(w.tag, false); err != nil {
			w.logger.Warn("cancel consumer failed", zap.Error(err))
		}
	})
}

func (w *rabbitWorker) Close(ctx context.Context) error {
	w.mu.Lock()
	started := w.started
	w.closed = true
	w.mu.Unlock()

	if !started {
		return nil
	}

	w.stop()

	select {
	case <-w.done:
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight jobs: %w", ctx.Err())
	}

	if err := w.ch.Close(); err != nil {
		w.logger.Debug("close channel", zap.Error(err))
	}
	w.logger.Info("worker stopped")
	return nil
}

func (w *rabbitWorker) process(ctx context.Context, d amqp.Delivery) {
	log := w.logger.With(zap.String(logger.FieldQueueJobID, d.MessageId))

	job, err := w.decode(d)
	if err != nil {
		log.Error("undecodable message, dead-lettering", zap.Error(err))
		if err := d.Nack(false, false); err != nil {
			log.Warn("reject message failed", zap.Error(err))
		}
		return
	}

	_, handlerErr := runHandler(ctx, w.handler, job)
	if handlerErr == nil {
		if err := d.Ack(false); err != nil {
			log.Warn("ack failed", zap.Error(err))
		}
		return
	}

	attempt := job.AttemptsMade + 1
	if attempt >= job.MaxAttempts {
		log.Warn("job failed", zap.Int("attempts", attempt), zap.Error(handlerErr))
		if err := d.Nack(false, false); err != nil {
			log.Warn("reject message failed", zap.Error(err))
		}
		return
	}

	delay := backoffDelay(w.runtime.opts.Backoff, attempt)
	log.Info("job attempt failed, retrying",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Duration("backoff", delay),
		zap.Error(handlerErr),
	)

	// The slot stays taken during backoff; a stopping worker republishes at once.
	_ = utils.WaitFor(w.waitCtx, delay)

	headers := amqp.Table{
		headerAttempts:    int32(attempt),
		headerMaxAttempts: int32(job.MaxAttempts),
	}
	if err := w.runtime.publish(ctx, w.queue, job.ID, d.Body, headers); err != nil {
		// A requeue would redeliver the old attempt count and retry forever.
		log.Error("republish failed, dead-lettering", zap.Error(err))
		if err := d.Nack(false, false); err != nil {
			log.Warn("reject message failed", zap.Error(err))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
}

func (w *rabbitWorker) decode(d amqp.Delivery) (*Job, error) {
	var env envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	id := env.ID
	if id == "" {
		id = d.MessageId
	}

	job := &Job{
		ID:           id,
		Name:         env.Name,
		Data:         env.Data,
		AttemptsMade: headerInt(d.Headers, headerAttempts),
		MaxAttempts:  headerInt(d.Headers, headerMaxAttempts),
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = w.runtime.opts.Attempts
	}
	if env.Timestamp > 0 {
		job.Timestamp = time.UnixMilli(env.Timestamp)
	}

	return job, nil
}

// headerInt reads a numeric header whatever integer width the publisher used.
func headerInt(headers amqp.Table, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
