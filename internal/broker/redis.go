// ============================================================================
// taskpool Broker Client
// ============================================================================
//
// Package: internal/broker
// File: redis.go
// Purpose: Everything the coordinator, collector, workers and executor need
//          from the Redis broker, behind one client.
//
// Key layout (prefix is job-scoped, e.g. "taskpool:12345.gadi-pbs"):
//   <prefix>:events          stream   task/worker lifecycle deltas (XADD / XREAD BLOCK)
//   <prefix>:tasks           list     pending task messages (LPUSH / BRPOP)
//   <prefix>:result:<id>     list     one result message per task (RPUSH / BLPOP)
//   <prefix>:control         pub/sub  stop-all-workers signal
//   <prefix>:control:stop    string   sticky copy of the stop signal for late workers
//
// The stream is never trimmed: the collector reads it from the beginning, so a
// collector that subscribes late still observes every event.
//
// ============================================================================

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	goredis "github.com/redis/go-redis/v9"
)

var (
	// ErrUnreachable 表示 broker 在重試次數內都無法連線
	ErrUnreachable = errors.New("broker: unreachable")
	// ErrNoResult 表示等待結果逾時
	ErrNoResult = errors.New("broker: no result before timeout")
)

const (
	stopMessage     = "shutdown"
	resultTTL       = 24 * time.Hour
	streamReadCount = 100
)

// Config holds connection parameters.
type Config struct {
	Host        string
	Port        int
	Password    string
	Prefix      string
	DialTimeout time.Duration
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TaskMessage is one unit of work waiting in the queue.
type TaskMessage struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Args    string  `json:"args,omitempty"`
	Kwargs  string  `json:"kwargs,omitempty"`
	SentAt  float64 `json:"sent_at"`
	Timeout float64 `json:"timeout,omitempty"` // seconds, 0 = worker default
}

// ResultMessage is stored by a worker when a task finishes.
type ResultMessage struct {
	ID         string  `json:"id"`
	Success    bool    `json:"success"`
	Result     string  `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	Hostname   string  `json:"hostname"`
	FinishedAt float64 `json:"finished_at"`
}

// Client is a connected broker handle.
type Client struct {
	rdb    *goredis.Client
	prefix string
}

// Connect dials the broker and verifies it answers PING.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("broker prefix required")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DialTimeout: dial,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr(), err)
	}
	return &Client{rdb: rdb, prefix: cfg.Prefix}, nil
}

// CheckHealth performs a single PING against addr.
func CheckHealth(ctx context.Context, addr, password string) error {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DialTimeout: time.Second,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return rdb.Ping(pingCtx).Err()
}

// WaitReachable retries CheckHealth up to attempts times, interval apart.
func WaitReachable(ctx context.Context, addr, password string, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, CheckHealth(ctx, addr, password)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(uint(attempts)),
	)
	if err != nil {
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrUnreachable, addr, attempts, err)
	}
	return nil
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// ============================================================================
// Event stream
// ============================================================================

// Emit appends one event to the stream.
func (c *Client) Emit(ctx context.Context, ev RawEvent) error {
	raw, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: c.key("events"),
		Values: map[string]interface{}{"event": raw},
	}).Err()
}

// Stream reads the event stream in delivery order.
type Stream struct {
	client *Client
	lastID string

	// OnMalformed is called for entries that cannot be decoded; they are skipped.
	OnMalformed func(id string, err error)
}

// Subscribe returns a reader positioned at the start of the stream.
func (c *Client) Subscribe() *Stream {
	return &Stream{client: c, lastID: "0"}
}

// Consume blocks up to timeout for new events. A timeout returns no events and no error.
func (s *Stream) Consume(ctx context.Context, timeout time.Duration) ([]RawEvent, error) {
	if timeout < time.Millisecond {
		timeout = time.Millisecond // BLOCK 0 would wait forever
	}
	streams, err := s.client.rdb.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{s.client.key("events"), s.lastID},
		Count:   streamReadCount,
		Block:   timeout,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []RawEvent
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			s.lastID = msg.ID
			raw, _ := msg.Values["event"].(string)
			ev, err := decodeEvent(raw)
			if err != nil {
				if s.OnMalformed != nil {
					s.OnMalformed(msg.ID, err)
				}
				continue
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

// ============================================================================
// Task queue and results
// ============================================================================

// Enqueue pushes a task onto the queue.
func (c *Client) Enqueue(ctx context.Context, task TaskMessage) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return c.rdb.LPush(ctx, c.key("tasks"), raw).Err()
}

// Poll waits up to timeout (minimum one second) for a task. No task returns nil, nil.
func (c *Client) Poll(ctx context.Context, timeout time.Duration) (*TaskMessage, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := c.rdb.BRPop(ctx, timeout, c.key("tasks")).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var task TaskMessage
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// QueueLength returns the number of tasks not yet polled.
func (c *Client) QueueLength(ctx context.Context) (int64, error) {
	return c.rdb.LLen(ctx, c.key("tasks")).Result()
}

// StoreResult records the outcome of a task.
func (c *Client) StoreResult(ctx context.Context, res ResultMessage) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	key := c.key("result", res.ID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.Expire(ctx, key, resultTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// WaitResult blocks until the result for id arrives or timeout elapses.
func (c *Client) WaitResult(ctx context.Context, id string, timeout time.Duration) (*ResultMessage, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := c.rdb.BLPop(ctx, timeout, c.key("result", id)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, err
	}
	var out ResultMessage
	if err := json.Unmarshal([]byte(res[1]), &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &out, nil
}

// DropResult deletes any stored result for id.
func (c *Client) DropResult(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, c.key("result", id)).Err()
}

// ============================================================================
// Control channel
// ============================================================================

// BroadcastShutdown tells every worker to stop accepting tasks and exit.
func (c *Client) BroadcastShutdown(ctx context.Context) error {
	if err := c.rdb.Set(ctx, c.key("control", "stop"), "1", resultTTL).Err(); err != nil {
		return fmt.Errorf("set stop flag: %w", err)
	}
	return c.rdb.Publish(ctx, c.key("control"), stopMessage).Err()
}

// ShutdownRequested reports whether the sticky stop flag is set.
func (c *Client) ShutdownRequested(ctx context.Context) (bool, error) {
	_, err := c.rdb.Get(ctx, c.key("control", "stop")).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// WatchShutdown returns a channel closed when a stop signal is seen. The
// subscription is confirmed before returning, then the sticky flag is checked
// so a signal published before subscribing is not missed.
func (c *Client) WatchShutdown(ctx context.Context) (<-chan struct{}, error) {
	sub := c.rdb.Subscribe(ctx, c.key("control"))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	stop := make(chan struct{})
	requested, err := c.ShutdownRequested(ctx)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	if requested {
		_ = sub.Close()
		close(stop)
		return stop, nil
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				if m.Payload == stopMessage {
					close(stop)
					return
				}
			}
		}
	}()
	return stop, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
