package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMirror copies events into one Redis stream per task so other
// instances can replay rounds they did not run.
type RedisMirror struct {
	client *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisMirror creates a mirror writing to "<prefix>:<task id>" streams.
func NewRedisMirror(client *redis.Client, prefix string, maxLen int64, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	if prefix == "" {
		prefix = "a2a:events"
	}
	if maxLen <= 0 {
		maxLen = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{client: client, prefix: prefix, maxLen: maxLen, ttl: ttl, logger: logger}
}

func (r *RedisMirror) streamKey(taskID string) string {
	return r.prefix + ":" + taskID
}

// Append writes evt to the task stream. Errors are logged.
func (r *RedisMirror) Append(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.AppendContext(ctx, evt); err != nil {
		r.logger.Warn("Failed to mirror stream event", zap.String("task_id", evt.TaskID), zap.Error(err))
	}
}

// AppendContext writes evt and refreshes the stream TTL.
func (r *RedisMirror) AppendContext(ctx context.Context, evt Event) error {
	key := r.streamKey(evt.TaskID)
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":  strconv.FormatUint(evt.Seq, 10),
			"data": evt.Marshal(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	if r.ttl > 0 {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

// ReplaySince reads events with Seq > since from the task stream.
func (r *RedisMirror) ReplaySince(ctx context.Context, taskID string, since uint64) ([]Event, error) {
	msgs, err := r.client.XRange(ctx, r.streamKey(taskID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", taskID, err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	// concurrent publishers may append out of order
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
