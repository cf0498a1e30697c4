package redisstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/animus-labs/transit-ingest/internal/domain"
)

const maxWatchAttempts = 5

// TaskCache holds live TaskResult progress in Redis for polling by the
// registry API. The same terminal and monotonic rules as the database apply.
type TaskCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewTaskCache(client redis.UniversalClient, prefix string, ttl time.Duration) *TaskCache {
	if client == nil {
		return nil
	}
	return &TaskCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *TaskCache) taskKey(taskID string) string {
	return key(c.prefix, "task", taskID)
}

// Seed stores the initial snapshot of a task.
func (c *TaskCache) Seed(ctx context.Context, task domain.TaskResult) error {
	if c == nil {
		return errors.New("task cache not initialized")
	}
	k := c.taskKey(task.TaskID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, encodeTask(task))
		if c.ttl > 0 {
			pipe.Expire(ctx, k, c.ttl)
		}
		return nil
	})
	return err
}

// Apply merges u into the cached task. It reports false when the task is
// missing or already terminal.
func (c *TaskCache) Apply(ctx context.Context, taskID string, u domain.TaskUpdate) (bool, error) {
	if c == nil {
		return false, errors.New("task cache not initialized")
	}
	k := c.taskKey(taskID)
	changed := false
	apply := func(tx *redis.Tx) error {
		changed = false
		fields, err := tx.HGetAll(ctx, k).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		task := decodeTask(taskID, fields)
		if !task.Apply(u) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, encodeTask(task))
			if c.ttl > 0 {
				pipe.Expire(ctx, k, c.ttl)
			}
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}

	var err error
	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err = c.client.Watch(ctx, apply, k)
		if !errors.Is(err, redis.TxFailedErr) {
			return changed, err
		}
	}
	return false, err
}

func (c *TaskCache) Get(ctx context.Context, taskID string) (domain.TaskResult, bool, error) {
	if c == nil {
		return domain.TaskResult{}, false, errors.New("task cache not initialized")
	}
	fields, err := c.client.HGetAll(ctx, c.taskKey(taskID)).Result()
	if err != nil {
		return domain.TaskResult{}, false, err
	}
	if len(fields) == 0 {
		return domain.TaskResult{}, false, nil
	}
	return decodeTask(taskID, fields), true, nil
}

func encodeTask(task domain.TaskResult) map[string]any {
	out := map[string]any{
		"revision_id":     task.RevisionID,
		"pipeline":        task.Pipeline,
		"status":          string(task.Status),
		"progress":        task.Progress,
		"stage":           task.Stage,
		"error_code":      string(task.ErrorCode),
		"additional_info": task.AdditionalInfo,
		"created_at":      task.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":      task.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"completed_at":    "",
	}
	if task.CompletedAt != nil {
		out["completed_at"] = task.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func decodeTask(taskID string, fields map[string]string) domain.TaskResult {
	task := domain.TaskResult{
		TaskID:         taskID,
		RevisionID:     fields["revision_id"],
		Pipeline:       fields["pipeline"],
		Status:         domain.TaskStatus(fields["status"]),
		Stage:          fields["stage"],
		ErrorCode:      domain.ErrorCode(fields["error_code"]),
		AdditionalInfo: fields["additional_info"],
	}
	task.Progress, _ = strconv.Atoi(fields["progress"])
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		task.UpdatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["completed_at"]); err == nil {
		task.CompletedAt = &t
	}
	return task
}
