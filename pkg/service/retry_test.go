package service_test

import (
	"testing"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/service"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Decide(t *testing.T) {
	policy := service.NewRetryPolicy(nil)

	tests := []struct {
		name       string
		attempts   int
		maxRetries int
		retry      bool
		delay      time.Duration
	}{
		{"first attempt", 0, 3, true, 2 * time.Second},
		{"second attempt", 1, 3, true, 4 * time.Second},
		{"third attempt", 2, 3, true, 8 * time.Second},
		{"exhausted", 3, 3, false, 0},
		{"beyond table is capped", 7, 10, true, 8 * time.Second},
		{"no retries allowed", 0, 0, false, 0},
		{"negative attempts", -1, 3, true, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.Decide(tt.attempts, tt.maxRetries)
			assert.Equal(t, tt.retry, d.Retry)
			assert.Equal(t, tt.delay, d.Delay)
			assert.Equal(t, tt.delay.Milliseconds(), d.DelayMs())
		})
	}
}

func TestRetryPolicy_CustomBackoff(t *testing.T) {
	policy := service.NewRetryPolicy([]time.Duration{time.Second})
	assert.Equal(t, time.Second, policy.Decide(2, 5).Delay)

	table := policy.Backoff()
	table[0] = time.Hour
	assert.Equal(t, time.Second, policy.Backoff()[0])
}
