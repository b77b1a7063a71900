package insights

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// queriedStatuses are the terminal statuses Totals reads back. Waiting and
// running executions are live state, not insights.
var queriedStatuses = []string{"success", "error", "canceled", "crashed"}

// RedisRecorder implements Recorder on a Redis client.
type RedisRecorder struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisRecorder(client *redis.Client, retention time.Duration) *RedisRecorder {
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	return &RedisRecorder{client: client, retention: retention}
}

func (r *RedisRecorder) RecordExecution(ctx context.Context, ev ExecutionEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	bucket := hourBucket(at)

	pipe := r.client.Pipeline()
	for _, key := range []string{
		statusKey(ev.WorkflowID, string(ev.Status), bucket),
		statusKey("", string(ev.Status), bucket),
	} {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, r.retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (r *RedisRecorder) Totals(ctx context.Context, workflowID string, since time.Time) (*Totals, error) {
	buckets := hourBuckets(since, time.Now())
	totals := &Totals{ByStatus: make(map[string]int64, len(queriedStatuses))}

	for _, status := range queriedStatuses {
		keys := make([]string, len(buckets))
		for i, b := range buckets {
			keys[i] = statusKey(workflowID, status, b)
		}
		values, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis mget: %w", err)
		}
		var sum int64
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				continue
			}
			sum += n
		}
		totals.ByStatus[status] = sum
		totals.Executions += sum
	}

	return totals, nil
}

func statusKey(workflowID, status, bucket string) string {
	if workflowID == "" {
		return fmt.Sprintf("insights:all:%s:%s", status, bucket)
	}
	return fmt.Sprintf("insights:wf:%s:%s:%s", workflowID, status, bucket)
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}

// hourBuckets lists every hourly bucket from since through now, inclusive.
func hourBuckets(since, now time.Time) []string {
	start := since.UTC().Truncate(time.Hour)
	end := now.UTC().Truncate(time.Hour)
	var buckets []string
	for t := start; !t.After(end); t = t.Add(time.Hour) {
		buckets = append(buckets, hourBucket(t))
	}
	return buckets
}
