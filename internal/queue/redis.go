package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/resume-worker/internal/logger"
	"github.com/spigell/resume-worker/internal/utils"
)

const (
	// fetchBlock bounds BLMOVE so a closing worker notices within a second.
	fetchBlock      = time.Second
	promoteInterval = 500 * time.Millisecond
	promoteBatch    = 100
	errorBackoff    = time.Second
	pingTimeout     = 5 * time.Second
)

// Job hash fields.
const (
	fieldName         = "name"
	fieldData         = "data"
	fieldAttemptsMade = "attemptsMade"
	fieldMaxAttempts  = "maxAttempts"
	fieldTimestamp    = "timestamp"
	fieldReturnValue  = "returnvalue"
	fieldFailedReason = "failedReason"
	fieldFinishedOn   = "finishedOn"
	fieldStalled      = "stalledCounter" // written by moveStalledScript
)

const stalledReason = "job stalled more than allowable limit"

// moveStalledScript recovers jobs whose worker died. Ids marked on the previous
// run that still sit in the active list without a lock go back to the head of
// the wait list, or to the failed list once they stalled too often. Then every
// id in the active list is marked for the next run. The check key makes one
// run per interval across all workers of a queue.
//
// KEYS: active, wait, stalled, failed, stalled-check.
// ARGV: job key prefix, max stalled count, interval ms, now ms, failed reason.
var moveStalledScript = redis.NewScript(`
if not redis.call("SET", KEYS[5], ARGV[4], "PX", ARGV[3], "NX") then
  return {{}, {}}
end

local recovered, dead = {}, {}
local marked = redis.call("SMEMBERS", KEYS[3])
for _, id in ipairs(marked) do
  local jobKey = ARGV[1] .. id
  if redis.call("EXISTS", jobKey .. ":lock") == 0 and redis.call("LREM", KEYS[1], 1, id) > 0 then
    local count = redis.call("HINCRBY", jobKey, "stalledCounter", 1)
    if count > tonumber(ARGV[2]) then
      redis.call("HSET", jobKey, "failedReason", ARGV[5], "finishedOn", ARGV[4])
      redis.call("LPUSH", KEYS[4], id)
      table.insert(dead, id)
    else
      redis.call("RPUSH", KEYS[2], id)
      table.insert(recovered, id)
    end
  end
end

redis.call("DEL", KEYS[3])
local active = redis.call("LRANGE", KEYS[1], 0, -1)
for _, id in ipairs(active) do
  redis.call("SADD", KEYS[3], id)
end

return {recovered, dead}
`)

// RedisConfig locates the Redis server. URL wins over the discrete fields.
type RedisConfig struct {
	URL      string
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
}

// ClientOptions converts the config to go-redis options.
func (c RedisConfig) ClientOptions() (*redis.Options, error) {
	if c.URL != "" {
		opt, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if c.TLS && opt.TLSConfig == nil {
			opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return opt, nil
	}

	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 6379
	}

	opt := &redis.Options{
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		Username: c.Username,
		Password: c.Password,
	}
	if c.TLS {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	}
	return opt, nil
}

// Redis is a list-based job queue on a single Redis server.
type Redis struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
}

var _ Runtime = (*Redis)(nil)

func DialRedis(ctx context.Context, cfg RedisConfig, opts Options) (*Redis, error) {
	clientOpts, err := cfg.ClientOptions()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(clientOpts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", clientOpts.Addr, err)
	}

	return NewRedis(client, opts), nil
}

// NewRedis wraps an existing client. Close closes the client.
func NewRedis(client *redis.Client, opts Options) *Redis {
	opts = opts.withDefaults()
	return &Redis{
		client: client,
		opts:   opts,
		logger: opts.Logger.Named("redis-queue"),
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type keyspace string

func (r *Redis) keys(queueName string) keyspace {
	return keyspace(r.opts.Prefix + ":" + queueName + ":")
}

func (k keyspace) id() string           { return string(k) + "id" }
func (k keyspace) job(id string) string { return string(k) + "job:" + id }
func (k keyspace) lock(id string) string { return k.job(id) + ":lock" }
func (k keyspace) wait() string         { return string(k) + "wait" }
func (k keyspace) active() string       { return string(k) + "active" }
func (k keyspace) delayed() string      { return string(k) + "delayed" }
func (k keyspace) completed() string    { return string(k) + "completed" }
func (k keyspace) failed() string       { return string(k) + "failed" }
func (k keyspace) stalled() string      { return string(k) + "stalled" }
func (k keyspace) stalledCheck() string { return string(k) + "stalled-check" }

// Enqueue stores data as a new job at the back of the wait list.
func (r *Redis) Enqueue(ctx context.Context, queueName, name string, data any) (string, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode job data: %w", err)
	}

	keys := r.keys(queueName)

	seq, err := r.client.Incr(ctx, keys.id()).Result()
	if err != nil {
		return "", fmt.Errorf("allocate job id: %w", err)
	}
	id := strconv.FormatInt(seq, 10)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keys.job(id), map[string]any{
			fieldName:         name,
			fieldData:         string(body),
			fieldAttemptsMade: 0,
			fieldMaxAttempts:  r.opts.Attempts,
			fieldTimestamp:    time.Now().UnixMilli(),
		})
		pipe.LPush(ctx, keys.wait(), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store job %s: %w", id, err)
	}

	r.logger.Debug("job enqueued", zap.String(logger.FieldQueue, queueName), zap.String(logger.FieldQueueJobID, id))
	return id, nil
}

func (r *Redis) NewWorker(queueName string, handler Handler, opts WorkerOptions) (Worker, error) {
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

	return &redisWorker{
		runtime:     r,
		queue:       queueName,
		keys:        r.keys(queueName),
		handler:     handler,
		concurrency: concurrency,
		token:       uuid.NewString(),
		logger:      r.logger.With(zap.String(logger.FieldQueue, queueName)),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		errc:        make(chan error, 1),
	}, nil
}

type redisWorker struct {
	runtime     *Redis
	queue       string
	keys        keyspace
	handler     Handler
	concurrency int
	// token is stored in the locks this worker holds.
	token  string
	logger *zap.Logger

	mu        sync.Mutex
	started   bool
	closed    bool
	closing   chan struct{}
	done      chan struct{}
	errc      chan error
	closeOnce sync.Once
}

func (w *redisWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}
	if w.started {
		return ErrWorkerStarted
	}
	w.started = true

	// Redis calls and handlers outlive ctx; only closing stops the loops.
	base := context.WithoutCancel(ctx)

	// A fetch loop that cannot go on cancels loopCtx and stops the others.
	g, loopCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.fetchLoop(loopCtx, base)
		})
	}
	g.Go(func() error {
		w.promoteLoop(loopCtx, base)
		return nil
	})
	g.Go(func() error {
		w.stalledLoop(loopCtx, base)
		return nil
	})

	go func() {
		if err := g.Wait(); err != nil {
			w.logger.Error("worker stopped unexpectedly", zap.Error(err))
			w.errc <- err
		}
		close(w.errc)
		close(w.done)
	}()

	w.logger.Info("worker started", zap.Int("concurrency", w.concurrency))
	return nil
}

func (w *redisWorker) Close(ctx context.Context) error {
	w.mu.Lock()
	started := w.started
	w.closed = true
	w.mu.Unlock()

	w.closeOnce.Do(func() { close(w.closing) })

	if !started {
		return nil
	}

	select {
	case <-w.done:
		w.logger.Info("worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight jobs: %w", ctx.Err())
	}
}

func (w *redisWorker) Done() <-chan error {
	return w.errc
}

func (w *redisWorker) stopping(ctx context.Context) bool {
	select {
	case <-w.closing:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// fetchLoop returns an error only when the client was closed under a running worker.
func (w *redisWorker) fetchLoop(ctx, base context.Context) error {
	for !w.stopping(ctx) {
		id, err := w.runtime.client.BLMove(base, w.keys.wait(), w.keys.active(), "RIGHT", "LEFT", fetchBlock).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.ErrClosed) {
				if w.stopping(ctx) {
					return nil
				}
				return fmt.Errorf("%w: %w", ErrWorkerLost, err)
			}
			w.logger.Warn("fetch job failed", zap.Error(err))
			if utils.WaitFor(ctx, errorBackoff) != nil {
				return nil
			}
			continue
		}

		w.process(base, id)
	}
	return nil
}

// promoteLoop moves due retries from the delayed set back to the wait list.
// ZREM decides ownership when several workers race for the same id.
func (w *redisWorker) promoteLoop(ctx, base context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.closing:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := w.promoteDue(base); err != nil && !errors.Is(err, redis.ErrClosed) {
			w.logger.Warn("promote delayed jobs failed", zap.Error(err))
		}
	}
}

func (w *redisWorker) promoteDue(ctx context.Context) error {
	ids, err := w.runtime.client.ZRangeByScore(ctx, w.keys.delayed(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		removed, err := w.runtime.client.ZRem(ctx, w.keys.delayed(), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := w.runtime.client.LPush(ctx, w.keys.wait(), id).Err(); err != nil {
			return err
		}
		w.logger.Debug("retry promoted", zap.String(logger.FieldQueueJobID, id))
	}
	return nil
}

// stalledLoop recovers jobs left in the active list by workers that died
// without recording an outcome.
func (w *redisWorker) stalledLoop(ctx, base context.Context) {
	ticker := time.NewTicker(w.runtime.opts.StalledInterval)
	defer ticker.Stop()

	for {
		if err := w.moveStalled(base); err != nil && !errors.Is(err, redis.ErrClosed) {
			w.logger.Warn("check stalled jobs failed", zap.Error(err))
		}

		select {
		case <-w.closing:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *redisWorker) moveStalled(ctx context.Context) error {
	opts := w.runtime.opts

	res, err := moveStalledScript.Run(ctx, w.runtime.client,
		[]string{w.keys.active(), w.keys.wait(), w.keys.stalled(), w.keys.failed(), w.keys.stalledCheck()},
		w.keys.job(""),
		opts.MaxStalledCount,
		opts.StalledInterval.Milliseconds(),
		time.Now().UnixMilli(),
		stalledReason,
	).Slice()
	if err != nil {
		return err
	}

	if len(res) != 2 {
		return fmt.Errorf("unexpected stalled check reply: %v", res)
	}
	for _, id := range replyStrings(res[0]) {
		w.logger.Warn("stalled job moved back to wait", zap.String(logger.FieldQueueJobID, id))
	}
	for _, id := range replyStrings(res[1]) {
		w.logger.Error("stalled job failed", zap.String(logger.FieldQueueJobID, id), zap.String("reason", stalledReason))
	}
	return nil
}

func replyStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// holdLock takes the job lock and renews it until the returned func is called.
func (w *redisWorker) holdLock(ctx context.Context, log *zap.Logger, id string) (release func(), err error) {
	ttl := w.runtime.opts.LockDuration
	key := w.keys.lock(id)

	if err := w.runtime.client.Set(ctx, key, w.token, ttl).Err(); err != nil {
		return nil, fmt.Errorf("lock job %s: %w", id, err)
	}

	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()

		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
			}

			ok, err := w.runtime.client.PExpire(renewCtx, key, ttl).Result()
			switch {
			case renewCtx.Err() != nil:
				return
			case err != nil:
				log.Warn("renew job lock failed", zap.Error(err))
			case !ok:
				log.Warn("job lock lost, the job may run twice")
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func (w *redisWorker) process(ctx context.Context, id string) {
	log := w.logger.With(zap.String(logger.FieldQueueJobID, id))

	release, err := w.holdLock(ctx, log, id)
	if err != nil {
		// The stalled check returns the job to wait once the lock is missing.
		log.Error("lock job failed", zap.Error(err))
		return
	}

	job, err := w.load(ctx, id)
	if err != nil {
		release()
		log.Error("load job failed, dropping", zap.Error(err))
		_, err := w.runtime.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, w.keys.active(), 1, id)
			pipe.Del(ctx, w.keys.lock(id))
			return nil
		})
		if err != nil {
			log.Warn("remove job from active list failed", zap.Error(err))
		}
		return
	}

	result, handlerErr := runHandler(ctx, w.handler, job)
	// The lock stays until the outcome below deletes it or its TTL runs out.
	release()

	var returnValue []byte
	if handlerErr == nil {
		returnValue, err = json.Marshal(result)
		if err != nil {
			handlerErr = fmt.Errorf("encode return value: %w", err)
		}
	}

	attempt := job.AttemptsMade + 1
	now := time.Now().UnixMilli()

	if handlerErr == nil {
		err = w.complete(ctx, id, attempt, returnValue, now)
	} else {
		err = w.fail(ctx, log, job, attempt, handlerErr, now)
	}
	if err != nil {
		log.Error("record job outcome failed", zap.Error(err))
	}
}

func (w *redisWorker) load(ctx context.Context, id string) (*Job, error) {
	fields, err := w.runtime.client.HGetAll(ctx, w.keys.job(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s has no data", id)
	}

	job := &Job{
		ID:   id,
		Name: fields[fieldName],
		Data: []byte(fields[fieldData]),
	}
	job.AttemptsMade, _ = strconv.Atoi(fields[fieldAttemptsMade])
	job.MaxAttempts, _ = strconv.Atoi(fields[fieldMaxAttempts])
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}
	if ms, err := strconv.ParseInt(fields[fieldTimestamp], 10, 64); err == nil {
		job.Timestamp = time.UnixMilli(ms)
	}

	return job, nil
}

func (w *redisWorker) complete(ctx context.Context, id string, attempt int, returnValue []byte, now int64) error {
	opts := w.runtime.opts

	_, err := w.runtime.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, w.keys.job(id), map[string]any{
			fieldReturnValue:  string(returnValue),
			fieldAttemptsMade: attempt,
			fieldFinishedOn:   now,
		})
		pipe.Expire(ctx, w.keys.job(id), opts.CompletedRetention)
		pipe.LRem(ctx, w.keys.active(), 1, id)
		pipe.Del(ctx, w.keys.lock(id))
		pipe.LPush(ctx, w.keys.completed(), id)
		pipe.LTrim(ctx, w.keys.completed(), 0, opts.KeepCompleted-1)
		return nil
	})
	return err
}

func (w *redisWorker) fail(ctx context.Context, log *zap.Logger, job *Job, attempt int, cause error, now int64) error {
	id := job.ID
	retry := attempt < job.MaxAttempts

	_, err := w.runtime.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields := map[string]any{
			fieldAttemptsMade: attempt,
			fieldFailedReason: cause.Error(),
		}
		if !retry {
			fields[fieldFinishedOn] = now
		}
		pipe.HSet(ctx, w.keys.job(id), fields)
		pipe.LRem(ctx, w.keys.active(), 1, id)
		pipe.Del(ctx, w.keys.lock(id))

		if retry {
			due := time.Now().Add(backoffDelay(w.runtime.opts.Backoff, attempt))
			pipe.ZAdd(ctx, w.keys.delayed(), redis.Z{Score: float64(due.UnixMilli()), Member: id})
		} else {
			pipe.LPush(ctx, w.keys.failed(), id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if retry {
		log.Info("job attempt failed, retry scheduled",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(cause),
		)
	} else {
		log.Warn("job failed", zap.Int("attempts", attempt), zap.Error(cause))
	}
	return nil
}
