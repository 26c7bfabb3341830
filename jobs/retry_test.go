package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pulse/models"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name     string
		lane     string
		attempts int
		expected time.Duration
	}{
		{
			name:     "email first retry starts at one second",
			lane:     models.LaneEmail,
			attempts: 1,
			expected: time.Second,
		},
		{
			name:     "email second retry doubles",
			lane:     models.LaneEmail,
			attempts: 2,
			expected: 2 * time.Second,
		},
		{
			name:     "email third retry doubles again",
			lane:     models.LaneEmail,
			attempts: 3,
			expected: 4 * time.Second,
		},
		{
			name:     "analytics uses the default policy",
			lane:     models.LaneAnalytics,
			attempts: 1,
			expected: 30 * time.Second,
		},
		{
			name:     "notification delay grows with attempts",
			lane:     models.LaneNotification,
			attempts: 3,
			expected: 90 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, retryDelay(tt.lane, tt.attempts))
		})
	}
}
