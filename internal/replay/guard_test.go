package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard(t *testing.T, opts ...Option) *Guard {
	t.Helper()
	g, err := NewGuard(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestSingleSlot(t *testing.T) {
	g := newGuard(t, WithWindow(0))

	assert.NoError(t, g.CheckNonce("dev-1", "", "aa"))
	assert.ErrorIs(t, g.CheckNonce("dev-1", "aa", "aa"), ErrReplay)
	assert.NoError(t, g.CheckNonce("dev-1", "aa", "bb"))
	// without the window an older nonce is only caught if it is the last one
	assert.NoError(t, g.CheckNonce("dev-1", "bb", "aa"))
}

func TestRecentWindowCatchesOlderNonces(t *testing.T) {
	g := newGuard(t)

	g.Remember("dev-1", "aa")
	g.Remember("dev-1", "bb")

	assert.ErrorIs(t, g.CheckNonce("dev-1", "bb", "aa"), ErrReplay)
	assert.NoError(t, g.CheckNonce("dev-2", "", "aa"), "windows are per device")
	assert.NoError(t, g.CheckNonce("dev-1", "bb", "cc"))
}

func TestCheckFreshness(t *testing.T) {
	g := newGuard(t, WithWindow(0))
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		ts      time.Time
		wantErr bool
	}{
		{"now", now, false},
		{"59s old", now.Add(-59 * time.Second), false},
		{"60s old", now.Add(-60 * time.Second), false},
		{"70s old", now.Add(-70 * time.Second), true},
		{"30s ahead", now.Add(30 * time.Second), false},
		{"2m ahead", now.Add(2 * time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.CheckFreshness(tt.ts, now)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrStale)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, RecordOnCheck, ParsePolicy("check"))
	assert.Equal(t, RecordOnCommit, ParsePolicy("commit"))
	assert.Equal(t, RecordOnCommit, ParsePolicy(""))
	assert.Equal(t, "check", RecordOnCheck.String())
}
