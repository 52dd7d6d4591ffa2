package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	assert.NotNil(t, timer)
	assert.False(t, timer.start.IsZero())
	assert.LessOrEqual(t, time.Since(timer.start), time.Second)
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	sleep := 50 * time.Millisecond
	time.Sleep(sleep)
	assert.GreaterOrEqual(t, timer.Duration(), sleep)
}
