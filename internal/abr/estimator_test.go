package abr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimatorDefault(t *testing.T) {
	e := NewEstimator(3*time.Second, 9*time.Second, 500000)
	assert.Equal(t, 500000.0, e.Estimate())
	assert.Equal(t, 0, e.Samples())

	e.Sample(0, time.Second)
	assert.Equal(t, 500000.0, e.Estimate(), "empty downloads are ignored")
}

func TestEstimatorSingleSample(t *testing.T) {
	e := NewEstimator(3*time.Second, 9*time.Second, 500000)
	e.Sample(250000, time.Second)

	assert.InDelta(t, 2000000, e.Estimate(), 1)
	assert.Equal(t, 1, e.Samples())
}

func TestEstimatorMinimumDuration(t *testing.T) {
	e := NewEstimator(3*time.Second, 9*time.Second, 500000)
	e.Sample(1000, time.Microsecond)

	// 1000 bytes over the 50ms floor
	assert.InDelta(t, 160000, e.Estimate(), 1)
}

func TestEstimatorReactsFasterToDrops(t *testing.T) {
	e := NewEstimator(3*time.Second, 9*time.Second, 500000)
	for i := 0; i < 5; i++ {
		e.Sample(1000000, time.Second) // 8 Mbps
	}
	high := e.Estimate()
	assert.InDelta(t, 8000000, high, 1)

	e.Sample(50000, time.Second) // 400 kbps
	dropped := e.Estimate()

	assert.Less(t, dropped, high)
	assert.Equal(t, dropped, e.fast.value(), "the pessimistic fast average wins after a drop")
	assert.Less(t, e.fast.value(), e.slow.value())
}

func TestEstimatorConvergesToSteadyRate(t *testing.T) {
	e := NewEstimator(3*time.Second, 9*time.Second, 500000)
	e.Sample(1000000, time.Second)
	for i := 0; i < 60; i++ {
		e.Sample(100000, time.Second) // 800 kbps
	}
	assert.InDelta(t, 800000, e.Estimate(), 1000)
}
