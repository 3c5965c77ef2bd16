package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/models"
)

// RedisDispatcher hands jobs to an external worker fleet through
// Redis: a sorted-set queue ordered by priority then submission order,
// plus one hash per task carrying its fields and status. Workers pop
// the lowest score, flip the hash status while running and write the
// terminal status and error message when done.
type RedisDispatcher struct {
	rdb    *redis.Client
	prefix string
	log    *zap.SugaredLogger
}

// NewRedisDispatcher creates a dispatcher over an existing client.
// prefix namespaces every key; it defaults to "lrsched".
func NewRedisDispatcher(rdb *redis.Client, prefix string, logger *zap.SugaredLogger) *RedisDispatcher {
	if prefix == "" {
		prefix = "lrsched"
	}
	return &RedisDispatcher{
		rdb:    rdb,
		prefix: prefix,
		log:    logger.Named("dispatch"),
	}
}

func (d *RedisDispatcher) queueKey() string        { return d.prefix + ":queue" }
func (d *RedisDispatcher) pausedKey() string       { return d.prefix + ":intake_paused" }
func (d *RedisDispatcher) seqKey() string          { return d.prefix + ":seq" }
func (d *RedisDispatcher) taskKey(id string) string { return d.prefix + ":task:" + id }

func (d *RedisDispatcher) Submit(ctx context.Context, job *models.Job) (Handle, error) {
	paused, err := d.rdb.Exists(ctx, d.pausedKey()).Result()
	if err != nil {
		return Handle{}, fmt.Errorf("check intake flag: %w", err)
	}
	if paused > 0 {
		return Handle{}, ErrIntakePaused
	}

	seq, err := d.rdb.Incr(ctx, d.seqKey()).Result()
	if err != nil {
		return Handle{}, fmt.Errorf("advance submission sequence: %w", err)
	}

	id := uuid.NewString()
	// Negated priority makes ZPopMin take the highest priority first;
	// the sequence term keeps FIFO order within one priority.
	score := -float64(job.Priority) + float64(seq)*1e-12

	pipe := d.rdb.TxPipeline()
	pipe.HSet(ctx, d.taskKey(id), map[string]interface{}{
		"job_id":      job.ID,
		"photo_id":    job.PhotoID,
		"priority":    job.Priority,
		"status":      string(TaskQueued),
		"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, d.queueKey(), redis.Z{Score: score, Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return Handle{}, fmt.Errorf("enqueue task: %w", err)
	}

	d.log.Infow("task enqueued", "task_id", id, "job_id", job.ID, "priority", job.Priority)
	return Handle{TaskID: id, JobID: job.ID}, nil
}

func (d *RedisDispatcher) Status(ctx context.Context, h Handle) (Result, error) {
	vals, err := d.rdb.HGetAll(ctx, d.taskKey(h.TaskID)).Result()
	if err != nil {
		return Result{}, fmt.Errorf("read task %s: %w", h.TaskID, err)
	}
	if len(vals) == 0 {
		return Result{}, ErrUnknownTask
	}

	res := Result{State: TaskState(vals["status"])}
	if msg := vals["error"]; msg != "" {
		res.Err = errors.New(msg)
	}
	return res, nil
}

func (d *RedisDispatcher) Cancel(ctx context.Context, h Handle) (bool, error) {
	removed, err := d.rdb.ZRem(ctx, d.queueKey(), h.TaskID).Result()
	if err != nil {
		return false, fmt.Errorf("withdraw task %s: %w", h.TaskID, err)
	}
	if removed == 0 {
		// A worker already claimed it.
		return false, nil
	}
	if err := d.rdb.HSet(ctx, d.taskKey(h.TaskID), "status", string(TaskCancelled)).Err(); err != nil {
		return false, fmt.Errorf("mark task %s cancelled: %w", h.TaskID, err)
	}
	return true, nil
}

func (d *RedisDispatcher) PauseIntake(ctx context.Context) error {
	if err := d.rdb.Set(ctx, d.pausedKey(), "1", 0).Err(); err != nil {
		return fmt.Errorf("set intake flag: %w", err)
	}
	d.log.Infow("intake paused")
	return nil
}

func (d *RedisDispatcher) ResumeIntake(ctx context.Context) error {
	if err := d.rdb.Del(ctx, d.pausedKey()).Err(); err != nil {
		return fmt.Errorf("clear intake flag: %w", err)
	}
	d.log.Infow("intake resumed")
	return nil
}
