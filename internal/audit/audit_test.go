package audit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ckbridge/settlement/internal/models"
)

type failingSink struct{ calls int }

func (f *failingSink) Record(context.Context, Event) error {
	f.calls++
	return errors.New("sink unavailable")
}

func TestEmitter_FailureOnCompletionIsHighSeverity(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := &failingSink{}
	e := NewEmitter(sink, zap.New(core))

	e.Emit(context.Background(), Event{
		Transition:      TransitionComplete,
		BridgeRequestID: "42",
		From:            models.BridgeStatusProcessing,
		To:              models.BridgeStatusCompleted,
	})

	require.Equal(t, 1, sink.calls)
	entries := logs.FilterField(zap.String("severity", "high")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestEmitter_FailureOnOtherTransitionsIsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e := NewEmitter(&failingSink{}, zap.New(core))

	e.Emit(context.Background(), Event{
		Transition: TransitionCancel,
		From:       models.BridgeStatusPending,
		To:         models.BridgeStatusCancelled,
	})

	assert.Equal(t, 0, logs.FilterField(zap.String("severity", "high")).Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestEmitter_SurvivesCancelledContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e := NewEmitter(NewLogSink(zap.New(core)), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Emit(ctx, Event{Transition: TransitionFail, To: models.BridgeStatusFailed})

	entries := logs.FilterMessage("Audit event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "fail", entries[0].ContextMap()["transition"])
}

func TestRedisStreamSink(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	pool := &redis.Pool{Dial: func() (redis.Conn, error) { return redis.Dial("tcp", addr) }}
	defer pool.Close()

	stream := "test:audit:" + time.Now().Format("150405.000000")
	sink := NewRedisStreamSink(pool, stream)
	require.NoError(t, sink.Record(context.Background(), Event{
		Transition:      TransitionInitiate,
		TransactionID:   "7b1f0c1e-2d4a-4c1a-9e55-0d3f2a9b6c11",
		BridgeRequestID: "123",
		To:              models.BridgeStatusPending,
		At:              time.Now(),
	}))

	conn := pool.Get()
	defer conn.Close()
	n, err := redis.Int(conn.Do("XLEN", stream))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, _ = conn.Do("DEL", stream)
}
