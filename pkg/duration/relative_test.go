package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelativeFrom(t *testing.T) {
	anchor := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		input    string
		expected time.Time
		wantErr  bool
	}{
		{"ago", "2h ago", anchor.Add(-2 * time.Hour), false},
		{"ago with days", "3 days ago", anchor.Add(-3 * 24 * time.Hour), false},
		{"ago extra spaces", "  30m ago  ", anchor.Add(-30 * time.Minute), false},
		{"in", "in 45m", anchor.Add(45 * time.Minute), false},
		{"in with weeks", "in 2w", anchor.Add(14 * 24 * time.Hour), false},
		{"bare duration reads as past", "1h", anchor.Add(-time.Hour), false},
		{"bare extended duration", "1d12h", anchor.Add(-36 * time.Hour), false},

		{"rfc3339", "2026-08-20T10:30:00Z", time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC), false},
		{"date only", "2026-08-20", time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC), false},
		{"date and time", "2026-08-20 10:30:00", time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC), false},

		{"empty", "", time.Time{}, true},
		{"blank", "   ", time.Time{}, true},
		{"garbage", "whenever", time.Time{}, true},
		{"ago without duration", "ago", time.Time{}, true},
		{"in without duration", "in ", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRelativeFrom(tt.input, anchor)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.expected), "got %v, expected %v", got, tt.expected)
		})
	}
}

func TestParseRelativeEmptyError(t *testing.T) {
	_, err := ParseRelative("")
	assert.ErrorIs(t, err, ErrEmptyRelative)
}

func TestParseRelativeUsesNowAsAnchor(t *testing.T) {
	before := time.Now()
	got, err := ParseRelative("1h ago")
	require.NoError(t, err)
	after := time.Now()

	assert.True(t, got.After(before.Add(-time.Hour-time.Second)))
	assert.True(t, got.Before(after.Add(-time.Hour+time.Second)))
}
