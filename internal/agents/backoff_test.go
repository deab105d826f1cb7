package agents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

func TestBackoffDoublesToCap(t *testing.T) {
	b := NewBackoff()
	b.rand = fixedRand(0.5) // zero jitter

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Next(), "attempt %d", i)
	}
	assert.Equal(t, len(want), b.Attempts())

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff()
	b.rand = fixedRand(0)
	assert.Equal(t, 800*time.Millisecond, b.Next())

	b = NewBackoff()
	b.rand = fixedRand(1)
	assert.Equal(t, 1200*time.Millisecond, b.Next())

	b = NewBackoff()
	for i := 0; i < 50; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 72*time.Second)
	}
}
