package agents

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T, path string, max int) *Queue {
	t.Helper()
	q, err := OpenQueue(path, max, nil)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), 10)
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, base.Add(time.Duration(i)*time.Second), json.RawMessage(`{"seq":`+string(rune('0'+i))+`}`))
		require.NoError(t, err)
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for i := 0; i < 3; i++ {
		it, err := q.Peek(ctx)
		require.NoError(t, err)
		require.NotNil(t, it)
		assert.True(t, it.CollectedAt.Equal(base.Add(time.Duration(i)*time.Second)))
		assert.JSONEq(t, `{"seq":`+string(rune('0'+i))+`}`, string(it.Metrics))
		require.NoError(t, q.Ack(ctx, it.ID))
	}

	it, err := q.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, it)
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), 3)
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	total := 0
	for i := 0; i < 5; i++ {
		dropped, err := q.Enqueue(ctx, base.Add(time.Duration(i)*time.Minute), nil)
		require.NoError(t, err)
		total += dropped
	}
	assert.Equal(t, 2, total)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	it, err := q.Peek(ctx)
	require.NoError(t, err)
	assert.True(t, it.CollectedAt.Equal(base.Add(2*time.Minute)), "oldest surviving item")
	assert.JSONEq(t, `{}`, string(it.Metrics))
}

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	collected := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	q, err := OpenQueue(path, 0, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, collected, json.RawMessage(`{"cpu":{"percent":12.5}}`))
	require.NoError(t, err)
	it, err := q.Peek(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkAttempt(ctx, it.ID))
	require.NoError(t, q.Close())

	q = openTestQueue(t, path, 0)
	it, err = q.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, 1, it.Attempts)
	assert.True(t, it.CollectedAt.Equal(collected))
}
