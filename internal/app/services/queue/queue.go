// Package queue implements Component G: an at-least-once work queue backed
// by Redis Streams consumer groups (see Queue for ordering). The visibility
// timeout is modeled via XCLAIM's min-idle-time, redelivery count via
// XPENDING's per-message delivery counter, and dead-lettering via a
// dedicated stream once that counter exceeds the configured maximum.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Kind distinguishes the two families of work this queue carries (spec
// §4.A "batched write to the work queue keyed by (account, instance)" and
// §4.E's inspection side-effect steps).
type Kind string

const (
	KindInstanceEvent Kind = "instance_event"
	KindInspection     Kind = "inspection"
)

// Envelope is the wire format every message takes regardless of which
// broker carries it (spec SPEC_FULL.md §6): the reconciler/orchestrator
// only ever see the envelope, never a broker-specific message. This
// package's Queue is the only broker implementation (Redis Streams).
type Envelope struct {
	Key     string          `json:"key"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Message is a received envelope plus the redelivery bookkeeping needed
// to Ack or Nack it.
type Message struct {
	ID       string
	Envelope Envelope
	Deliveries int64
}

// Config carries the queue's topology and retry policy.
type Config struct {
	Stream        string
	ConsumerGroup string
	Consumer      string
	DeadLetter    string
	MaxDeliveries int64         // redeliveries before dead-lettering
	ClaimMinIdle  time.Duration // visibility timeout
	ReceiveBatch  int           // queue.batch_size.receive, capped at 10
	SendBatch     int           // queue.batch_size.send, capped at 10
}

func (c Config) normalized() Config {
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 30 * time.Second
	}
	if c.ReceiveBatch <= 0 || c.ReceiveBatch > 10 {
		c.ReceiveBatch = 10
	}
	if c.SendBatch <= 0 || c.SendBatch > 10 {
		c.SendBatch = 10
	}
	return c
}

// Queue is a Redis-Streams-backed work queue over the single stream
// Config.Stream. Send stores key only inside the envelope; it does not
// choose a stream or partition by key, so all messages share one stream
// and are handed out in stream order. Ordering per key is not enforced:
// two consumers of the group may process messages with the same key at
// the same time, and a reclaimed message is handed out again after newer
// ones.
type Queue struct {
	client *redis.Client
	cfg    Config
}

// New returns a Queue bound to one Redis stream + consumer group. EnsureGroup
// must be called once (idempotently) before Receive.
func New(client *redis.Client, cfg Config) *Queue {
	return &Queue{client: client, cfg: cfg.normalized()}
}

// EnsureGroup creates the consumer group at the stream's current tail if
// it does not already exist. Safe to call on every process start.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.ConsumerGroup, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("queue: create group %s on %s: %w", q.cfg.ConsumerGroup, q.cfg.Stream, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// Send enqueues one envelope, keyed and typed per SPEC_FULL.md §6.
func (q *Queue) Send(ctx context.Context, key string, kind Kind, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload for key %s: %w", key, err)
	}
	env := Envelope{Key: key, Kind: kind, Payload: raw}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope for key %s: %w", key, err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]interface{}{"envelope": body},
	}).Err()
}

// Receive first reclaims messages whose visibility timeout has elapsed
// (the Redis-Streams analogue of SQS's visibility timeout), dead-lettering
// those past MaxDeliveries. If any were reclaimed, they alone are
// returned; otherwise it reads up to ReceiveBatch never-delivered messages
// for this consumer.
func (q *Queue) Receive(ctx context.Context) ([]Message, error) {
	reclaimed, err := q.reclaimExpired(ctx)
	if err != nil {
		return nil, err
	}
	if len(reclaimed) > 0 {
		return reclaimed, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.ConsumerGroup,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    int64(q.cfg.ReceiveBatch),
		Block:    0,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: read group on %s: %w", q.cfg.Stream, err)
	}

	var out []Message
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			msg, ok, decodeErr := q.decode(xmsg)
			if decodeErr != nil {
				// CorruptPayload: do not ack, let it redeliver/dead-letter.
				continue
			}
			if ok {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

// reclaimExpired inspects the pending-entries list for messages idle
// longer than ClaimMinIdle (the Redis-Streams analogue of an SQS
// visibility timeout) and either dead-letters them, if they have already
// been delivered MaxDeliveries times, or reclaims them for this consumer.
func (q *Queue) reclaimExpired(ctx context.Context) ([]Message, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.ConsumerGroup,
		Idle:   q.cfg.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(q.cfg.ReceiveBatch),
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: xpending on %s: %w", q.cfg.Stream, err)
	}

	var toClaim []string
	deliveriesByID := make(map[string]int64, len(pending))
	for _, p := range pending {
		deliveriesByID[p.ID] = p.RetryCount
		if p.RetryCount > q.cfg.MaxDeliveries {
			continue
		}
		toClaim = append(toClaim, p.ID)
	}
	if len(toClaim) == 0 {
		return nil, q.deadLetterExpired(ctx, pending)
	}

	claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.ConsumerGroup,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ClaimMinIdle,
		Messages: toClaim,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: xclaim on %s: %w", q.cfg.Stream, err)
	}

	var out []Message
	for _, xmsg := range claimed {
		msg, ok, decodeErr := q.decode(xmsg)
		if decodeErr != nil {
			continue
		}
		if !ok {
			continue
		}
		msg.Deliveries = deliveriesByID[xmsg.ID]
		out = append(out, msg)
	}
	return out, q.deadLetterExpired(ctx, pending)
}

func (q *Queue) deadLetterExpired(ctx context.Context, pending []redis.XPendingExt) error {
	for _, p := range pending {
		if p.RetryCount <= q.cfg.MaxDeliveries {
			continue
		}
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.ConsumerGroup,
			Consumer: q.cfg.Consumer,
			MinIdle:  q.cfg.ClaimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}
		msg, ok, decodeErr := q.decode(claimed[0])
		if decodeErr != nil || !ok {
			continue
		}
		msg.Deliveries = p.RetryCount
		if err := q.deadLetter(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) decode(xmsg redis.XMessage) (Message, bool, error) {
	raw, ok := xmsg.Values["envelope"].(string)
	if !ok {
		return Message{}, false, fmt.Errorf("queue: message %s missing envelope field", xmsg.ID)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Message{}, false, fmt.Errorf("queue: decode envelope for %s: %w", xmsg.ID, err)
	}
	return Message{ID: xmsg.ID, Envelope: env}, true, nil
}

// Ack removes a successfully processed message from the pending-entries
// list (at-least-once: duplicate Acks are harmless no-ops in Redis).
func (q *Queue) Ack(ctx context.Context, msg Message) error {
	return q.client.XAck(ctx, q.cfg.Stream, q.cfg.ConsumerGroup, msg.ID).Err()
}

// Nack leaves the message pending for redelivery; the next Receive or
// reclaimExpired pass will pick it up once ClaimMinIdle has elapsed.
func (q *Queue) Nack(ctx context.Context, msg Message) error {
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg.Envelope)
	if err != nil {
		return fmt.Errorf("queue: marshal dead-letter envelope: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.DeadLetter,
		Values: map[string]interface{}{"envelope": body, "original_id": msg.ID},
	}).Err(); err != nil {
		return fmt.Errorf("queue: write dead-letter for %s: %w", msg.ID, err)
	}
	return q.client.XAck(ctx, q.cfg.Stream, q.cfg.ConsumerGroup, msg.ID).Err()
}
