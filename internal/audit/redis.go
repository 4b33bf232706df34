package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisStreamSink appends events to a Redis stream with XADD
type RedisStreamSink struct {
	pool   *redis.Pool
	stream string
}

// NewRedisStreamSink creates a sink writing to stream
func NewRedisStreamSink(pool *redis.Pool, stream string) *RedisStreamSink {
	return &RedisStreamSink{
		pool:   pool,
		stream: stream,
	}
}

// Record appends event to the stream
func (s *RedisStreamSink) Record(ctx context.Context, event Event) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	args := redis.Args{}.Add(s.stream, "*").
		Add("transition", event.Transition).
		Add("transaction_id", event.TransactionID).
		Add("bridge_request_id", event.BridgeRequestID).
		Add("from", string(event.From)).
		Add("to", string(event.To)).
		Add("actor", event.Actor).
		Add("note", event.Note).
		Add("at", event.At.UTC().Format(time.RFC3339Nano))

	if _, err := redis.DoContext(conn, ctx, "XADD", args...); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}
