package utils

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestTimerMeasuresElapsedTime(t *testing.T) {
	timer := NewTimer("test_operation", zerolog.Nop())
	time.Sleep(5 * time.Millisecond)

	duration := timer.Stop()

	assert.GreaterOrEqual(t, duration, 5*time.Millisecond)
	assert.Less(t, duration, time.Second)
}

func TestOperationTimerIsDeferFriendly(t *testing.T) {
	stop := OperationTimer("test_operation", zerolog.Nop())

	assert.NotPanics(t, func() { stop() })
}
