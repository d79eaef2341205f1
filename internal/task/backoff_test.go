package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextIdleInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cur, max, want time.Duration
	}{
		{time.Second, time.Minute, 2 * time.Second},
		{32 * time.Second, time.Minute, time.Minute},
		{time.Minute, time.Minute, time.Minute},
		{100 * time.Millisecond, time.Minute, time.Second},
		{0, time.Minute, time.Second},
		{10 * time.Second, 0, 20 * time.Second},
		{time.Minute, 0, MaxIdleInterval},
		{time.Duration(1 << 62), time.Hour, time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, nextIdleInterval(tt.cur, tt.max), "cur=%s max=%s", tt.cur, tt.max)
	}
}

func TestExponentialRetryDelay(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ExponentialRetryDelay(BackoffConfig{}))

	delay := ExponentialRetryDelay(BackoffConfig{BaseDelay: time.Second, MaxDelay: 10 * time.Second})
	assert.Equal(t, time.Second, delay(0))
	assert.Equal(t, time.Second, delay(1))
	assert.Equal(t, 2*time.Second, delay(2))
	assert.Equal(t, 4*time.Second, delay(3))
	assert.Equal(t, 8*time.Second, delay(4))
	assert.Equal(t, 10*time.Second, delay(5))
	assert.Equal(t, 10*time.Second, delay(500))
}

func TestExponentialRetryDelay_MaxBelowBase(t *testing.T) {
	t.Parallel()
	delay := ExponentialRetryDelay(BackoffConfig{BaseDelay: time.Minute, MaxDelay: time.Second})
	assert.Equal(t, time.Minute, delay(3))
}

func TestExponentialRetryDelay_Jitter(t *testing.T) {
	t.Parallel()
	var bounds []int64
	delay := ExponentialRetryDelay(BackoffConfig{
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
		Jitter:    true,
		Int64N: func(n int64) int64 {
			bounds = append(bounds, n)
			return n / 2
		},
	})

	assert.Equal(t, 2*time.Second, delay(3))
	assert.Equal(t, []int64{int64(4*time.Second) + 1}, bounds)

	random := ExponentialRetryDelay(BackoffConfig{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: true})
	for i := 0; i < 50; i++ {
		d := random(4)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 8*time.Second)
	}
}
