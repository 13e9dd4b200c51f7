package relay

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MaxQueueAttempts bounds how many times a queued message is handed back to
// a caller for redelivery. A message whose Attempts reaches this cap is
// marked terminal Failed via Fail and never returned by Peek again.
const MaxQueueAttempts = 5

// QueuedMessage is one outbound frame waiting to be (re)sent to a relay.
type QueuedMessage struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts  int       `json:"attempts"`
	Failed    bool      `json:"failed"`
}

// MessageQueue is a durable, at-least-once FIFO outbox: messages are
// enqueued while a relay connection is down (or while back-pressured) and
// drained in order once it reconnects. Peek does not remove a message —
// callers must Ack it after a confirmed send, so a crash mid-send replays
// the message rather than losing it. A message that keeps failing delivery
// is marked Failed via Fail; Peek skips Failed messages rather than
// retrying them forever, so one poison message never blocks the outbox.
type MessageQueue interface {
	Enqueue(ctx context.Context, payload []byte) (QueuedMessage, error)
	Peek(ctx context.Context) (QueuedMessage, bool, error)
	Ack(ctx context.Context, id string) error
	Fail(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

// InProcessQueue is the default MessageQueue backend: an in-memory FIFO
// guarded by a mutex. Durable across reconnects but not across process
// restarts — see RedisQueue for that.
type InProcessQueue struct {
	mu       sync.Mutex
	messages *list.List // of *QueuedMessage
	seq      uint64
}

func NewInProcessQueue() *InProcessQueue {
	return &InProcessQueue{messages: list.New()}
}

func (q *InProcessQueue) Enqueue(_ context.Context, payload []byte) (QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	msg := QueuedMessage{
		ID:         fmt.Sprintf("qm_%d", q.seq),
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	q.messages.PushBack(&msg)
	return msg, nil
}

func (q *InProcessQueue) Peek(_ context.Context) (QueuedMessage, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.messages.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedMessage)
		if msg.Failed {
			continue // terminal; skip so one poison message doesn't block the outbox
		}
		msg.Attempts++
		return *msg, true, nil
	}
	return QueuedMessage{}, false, nil
}

func (q *InProcessQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.messages.Front(); e != nil; e = e.Next() {
		if e.Value.(*QueuedMessage).ID == id {
			q.messages.Remove(e)
			return nil
		}
	}
	return nil // acking an already-removed message is a no-op, not an error
}

// Fail marks a message terminal Failed. It remains in the queue (so Len and
// inspection still see it) but Peek will never hand it out again.
func (q *InProcessQueue) Fail(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.messages.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedMessage)
		if msg.ID == id {
			msg.Failed = true
			return nil
		}
	}
	return nil
}

func (q *InProcessQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.messages.Len(), nil
}

// RedisQueue persists the outbox in a Redis list keyed per relay, so queued
// messages survive a process restart. Wired per SPEC_FULL.md's domain stack
// table; the in-process queue remains the default.
type RedisQueue struct {
	client *redis.Client
	key    string
	seqKey string
}

func NewRedisQueue(client *redis.Client, relayName string) *RedisQueue {
	return &RedisQueue{
		client: client,
		key:    "relay:queue:" + relayName,
		seqKey: "relay:queue:" + relayName + ":seq",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) (QueuedMessage, error) {
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return QueuedMessage{}, fmt.Errorf("relay: redis queue seq: %w", err)
	}
	msg := QueuedMessage{
		ID:         fmt.Sprintf("qm_%d", seq),
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return QueuedMessage{}, err
	}
	if err := q.client.RPush(ctx, q.key, encoded).Err(); err != nil {
		return QueuedMessage{}, fmt.Errorf("relay: redis queue push: %w", err)
	}
	return msg, nil
}

// redisPeekScanLimit bounds how many entries from the front of the list
// Peek will walk over looking for a non-terminal message, so a long run of
// already-Failed messages can't turn a single Peek into an unbounded scan.
const redisPeekScanLimit = 100

func (q *RedisQueue) Peek(ctx context.Context) (QueuedMessage, bool, error) {
	vals, err := q.client.LRange(ctx, q.key, 0, redisPeekScanLimit-1).Result()
	if err != nil {
		return QueuedMessage{}, false, fmt.Errorf("relay: redis queue peek: %w", err)
	}
	for i, raw := range vals {
		var msg QueuedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return QueuedMessage{}, false, fmt.Errorf("relay: redis queue decode: %w", err)
		}
		if msg.Failed {
			continue // terminal; skip so one poison message doesn't block the outbox
		}
		msg.Attempts++
		encoded, _ := json.Marshal(msg)
		_ = q.client.LSet(ctx, q.key, int64(i), encoded).Err()
		return msg, true, nil
	}
	return QueuedMessage{}, false, nil
}

// Fail marks a message terminal Failed in place. It remains in the list
// (so Len still counts it) but Peek skips it from then on.
func (q *RedisQueue) Fail(ctx context.Context, id string) error {
	vals, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("relay: redis queue fail-scan: %w", err)
	}
	for i, raw := range vals {
		var msg QueuedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return fmt.Errorf("relay: redis queue decode: %w", err)
		}
		if msg.ID != id {
			continue
		}
		msg.Failed = true
		encoded, _ := json.Marshal(msg)
		return q.client.LSet(ctx, q.key, int64(i), encoded).Err()
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	vals, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("relay: redis queue ack-scan: %w", err)
	}
	for _, raw := range vals {
		var msg QueuedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return fmt.Errorf("relay: redis queue decode: %w", err)
		}
		if msg.ID != id {
			continue
		}
		return q.client.LRem(ctx, q.key, 1, raw).Err()
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	return int(n), err
}
