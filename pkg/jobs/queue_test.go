package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessesJobs(t *testing.T) {
	done := make(chan string, 1)
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		done <- job.Payload.(string)
		return nil
	}, QueueConfig{})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{Type: "echo", Payload: "hello"}))

	select {
	case got := <-done:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	assert.Eventually(t, func() bool { return q.Stats().Succeeded == 1 }, time.Second, 10*time.Millisecond)
}

func TestQueueRetriesThenExhausts(t *testing.T) {
	var calls atomic.Int32
	exhausted := make(chan Job, 1)
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		calls.Add(1)
		return errors.New("boom")
	}, QueueConfig{
		MaxRetries:  2,
		RetryDelay:  5 * time.Millisecond,
		OnExhausted: func(job Job, err error) { exhausted <- job },
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "job-1", Type: "fail"}))

	select {
	case job := <-exhausted:
		assert.Equal(t, "job-1", job.ID)
		assert.Equal(t, 3, job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job never exhausted")
	}
	assert.Equal(t, int32(3), calls.Load())
	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(2), stats.Retried)
	assert.Equal(t, uint64(1), stats.Exhausted)
}

func TestQueueRejectsBeforeStart(t *testing.T) {
	q := NewQueue("idle", func(ctx context.Context, job Job) error { return nil }, QueueConfig{})
	assert.Error(t, q.Enqueue(Job{Type: "noop"}))
}
