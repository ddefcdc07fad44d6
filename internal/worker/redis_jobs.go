package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/service"
)

const (
	jobDefsKey     = "chatdesk:jobs:defs"
	jobDueKey      = "chatdesk:jobs:due"
	jobHighQueue   = "chatdesk:jobs:queue:high"
	jobNormalQueue = "chatdesk:jobs:queue:normal"
)

// JobHandler executes a job.
type JobHandler interface {
	HandleJob(ctx context.Context, job service.Job) error
}

type jobDefinition struct {
	Cadence string      `json:"cadence"`
	Job     service.Job `json:"job"`
}

// RedisJobs is a durable job scheduler backed by Redis. Repeating jobs live
// in a hash of definitions plus a sorted set of due times; runnable jobs are
// pushed to one list per priority.
type RedisJobs struct {
	client *redis.Client
	poll   time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisJobs constructs the scheduler.
func NewRedisJobs(client *redis.Client, poll time.Duration, logger *zap.Logger) *RedisJobs {
	if poll <= 0 {
		poll = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisJobs{client: client, poll: poll, logger: logger, now: time.Now}
}

// RegisterRepeating stores the job under key. Registering the same key again
// updates its definition without resetting its next run.
func (r *RedisJobs) RegisterRepeating(ctx context.Context, key, cadence string, job service.Job) error {
	next, err := gronx.NextTickAfter(cadence, r.now(), false)
	if err != nil {
		return fmt.Errorf("invalid cadence %q: %w", cadence, err)
	}
	data, err := json.Marshal(jobDefinition{Cadence: cadence, Job: job})
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, jobDefsKey, key, data)
	pipe.ZAddNX(ctx, jobDueKey, redis.Z{Score: float64(next.Unix()), Member: key})
	_, err = pipe.Exec(ctx)
	return err
}

// EnqueueOnce pushes a one-off job.
func (r *RedisJobs) EnqueueOnce(ctx context.Context, job service.Job, priority service.JobPriority) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return r.client.LPush(ctx, queueFor(priority), data).Err()
}

// Run promotes due repeating jobs and executes queued jobs until ctx is done.
func (r *RedisJobs) Run(ctx context.Context, handler JobHandler) {
	go r.promoteLoop(ctx)
	for ctx.Err() == nil {
		res, err := r.client.BRPop(ctx, r.poll, jobHighQueue, jobNormalQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			r.logger.Warn("job queue read failed", zap.Error(err))
			r.sleep(ctx)
			continue
		}
		var job service.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			r.logger.Error("dropping malformed job", zap.String("queue", res[0]), zap.Error(err))
			continue
		}
		r.execute(ctx, handler, job)
	}
}

func (r *RedisJobs) execute(ctx context.Context, handler JobHandler, job service.Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("job panicked", zap.String("job", job.Key()), zap.Any("panic", rec))
		}
	}()
	if err := handler.HandleJob(ctx, job); err != nil {
		r.logger.Error("job failed", zap.String("job", job.Key()), zap.Error(err))
	}
}

func (r *RedisJobs) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		if err := r.promoteDue(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("promoting due jobs failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// promoteScript pushes a due job to the queue and moves its key to the next
// tick in one step. A key whose score is already past now was promoted by
// another instance and is left alone.
var promoteScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 1
`)

// promoteDue moves due repeating jobs to the normal queue. A key stays due
// until its promotion succeeds, so a failed step is retried on the next poll.
func (r *RedisJobs) promoteDue(ctx context.Context) error {
	now := r.now()
	keys, err := r.client.ZRangeByScore(ctx, jobDueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := r.promote(ctx, key, now); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("promoting job failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

func (r *RedisJobs) promote(ctx context.Context, key string, now time.Time) error {
	raw, err := r.client.HGet(ctx, jobDefsKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return r.client.ZRem(ctx, jobDueKey, key).Err()
	}
	if err != nil {
		return err
	}
	var def jobDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		r.logger.Error("dropping malformed job definition", zap.String("key", key), zap.Error(err))
		return r.client.ZRem(ctx, jobDueKey, key).Err()
	}
	next, err := gronx.NextTickAfter(def.Cadence, now, false)
	if err != nil {
		r.logger.Error("job cadence no longer valid", zap.String("key", key), zap.Error(err))
		return r.client.ZRem(ctx, jobDueKey, key).Err()
	}
	payload, err := json.Marshal(def.Job)
	if err != nil {
		return err
	}
	return promoteScript.Run(ctx, r.client,
		[]string{jobDueKey, jobNormalQueue},
		key, now.Unix(), payload, next.Unix(),
	).Err()
}

func (r *RedisJobs) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.poll):
	}
}

func queueFor(priority service.JobPriority) string {
	if priority >= service.PriorityHigh {
		return jobHighQueue
	}
	return jobNormalQueue
}
