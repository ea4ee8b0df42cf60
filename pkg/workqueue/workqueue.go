// Package workqueue implements the per-submission work queue: three
// Redis lists (job items, a stop sentinel list, and job errors) that
// the provisioned worker pods drain directly. Grounded in the
// original broker's direct use of redis.StrictRedis per submission.
package workqueue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const stopSentinel = "__stop__"

// Queue is the per-submission work-queue client. One Queue is owned
// exclusively by the executor task that created it.
type Queue struct {
	client *redis.Client
	appID  string
}

// New connects to a per-submission Redis instance at addr (the
// address returned by the Orchestrator Adapter's
// ProvisionQueueDatabase call) and scopes all operations to appID.
func New(addr, appID string) *Queue {
	return &Queue{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		appID:  appID,
	}
}

func (q *Queue) jobKey() string    { return "job:" + q.appID }
func (q *Queue) stopKey() string   { return "stop:" + q.appID }
func (q *Queue) errorsKey() string { return "job:errors:" + q.appID }

// PushItems appends workload items to the job list, in order.
func (q *Queue) PushItems(ctx context.Context, items []string) error {
	if len(items) == 0 {
		return nil
	}
	args := make([]interface{}, len(items))
	for i, item := range items {
		args[i] = item
	}
	if err := q.client.RPush(ctx, q.jobKey(), args...).Err(); err != nil {
		return fmt.Errorf("push work items: %w", err)
	}
	return nil
}

// Stop clears the job list and pushes a sentinel to the stop list,
// signaling in-flight workers to drain rather than pull more work.
func (q *Queue) Stop(ctx context.Context) error {
	if err := q.client.Del(ctx, q.jobKey()).Err(); err != nil {
		return fmt.Errorf("clear job list: %w", err)
	}
	if err := q.client.RPush(ctx, q.stopKey(), stopSentinel).Err(); err != nil {
		return fmt.Errorf("push stop sentinel: %w", err)
	}
	return nil
}

// Errors returns the contents of the job:errors list. Returns an
// empty slice (not an error) if the queue is unreachable, matching
// the broker's tolerant error-reporting contract.
func (q *Queue) Errors(ctx context.Context) []string {
	errs, err := q.client.LRange(ctx, q.errorsKey(), 0, -1).Result()
	if err != nil {
		return nil
	}
	return errs
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
