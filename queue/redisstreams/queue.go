// Package redisstreams backs the dispatch queue with a Redis stream and a
// consumer group, for deployments where the webhook receiver and the
// dispatch worker should survive process restarts without dropping events.
package redisstreams

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomhq/loom/queue"
)

const (
	defaultPrefix = "loom:dispatch"
	defaultGroup  = "dispatchers"
	defaultBlock  = 5 * time.Second
)

type Queue struct {
	client   *goredis.Client
	addr     string
	password string
	db       int
	prefix   string
	group    string
	consumer string
	stream   string
}

type Option func(*Queue)

func WithClient(client *goredis.Client) Option {
	return func(q *Queue) {
		if client != nil {
			q.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

func WithGroup(group string) Option {
	return func(q *Queue) {
		group = strings.TrimSpace(group)
		if group != "" {
			q.group = group
		}
	}
}

func WithConsumer(consumer string) Option {
	return func(q *Queue) {
		consumer = strings.TrimSpace(consumer)
		if consumer != "" {
			q.consumer = consumer
		}
	}
}

func WithPassword(password string) Option {
	return func(q *Queue) { q.password = password }
}

func WithDB(db int) Option {
	return func(q *Queue) { q.db = db }
}

func New(addr string, opts ...Option) (*Queue, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	q := &Queue{
		addr:     addr,
		prefix:   defaultPrefix,
		group:    defaultGroup,
		consumer: "worker-1",
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.client == nil {
		q.client = goredis.NewClient(&goredis.Options{Addr: q.addr, Password: q.password, DB: q.db})
	}
	if err := q.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	q.stream = q.prefix + ":events"
	if err := q.ensureGroup(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	res := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0")
	if err := res.Err(); err != nil && !strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return fmt.Errorf("failed to ensure redis stream group: %w", err)
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	if job.Plugin == "" || job.Action == "" {
		return "", fmt.Errorf("plugin and action are required")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dispatch job: %w", err)
	}
	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue dispatch job: %w", err)
	}
	return id, nil
}

func (q *Queue) Dequeue(ctx context.Context) (queue.Job, error) {
	for {
		res, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    defaultBlock,
		}).Result()
		if err != nil {
			if err == goredis.Nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return queue.Job{}, ctxErr
				}
				continue
			}
			return queue.Job{}, fmt.Errorf("failed to read dispatch job: %w", err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				payload, _ := msg.Values["payload"].(string)
				if payload == "" {
					_ = q.client.XAck(ctx, q.stream, q.group, msg.ID).Err()
					continue
				}
				var job queue.Job
				if err := json.Unmarshal([]byte(payload), &job); err != nil {
					_ = q.client.XAck(ctx, q.stream, q.group, msg.ID).Err()
					continue
				}
				if job.ID == "" {
					job.ID = msg.ID
				}
				if err := q.client.XAck(ctx, q.stream, q.group, msg.ID).Err(); err != nil {
					return queue.Job{}, fmt.Errorf("failed to ack dispatch job: %w", err)
				}
				return job, nil
			}
		}
	}
}

func (q *Queue) Close() error {
	return q.client.Close()
}
