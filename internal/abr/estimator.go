package abr

import (
	"math"
	"time"
)

// minSampleDuration keeps cached or local responses from reporting absurd throughput
const minSampleDuration = 50 * time.Millisecond

// ewma is an exponentially weighted moving average whose decay is expressed
// as a half-life in sample weight (seconds of download time)
type ewma struct {
	alpha       float64
	estimate    float64
	totalWeight float64
}

func newEWMA(halfLife time.Duration) *ewma {
	hl := halfLife.Seconds()
	if hl <= 0 {
		hl = 1
	}
	return &ewma{alpha: math.Exp(math.Log(0.5) / hl)}
}

func (e *ewma) sample(weight, value float64) {
	adjAlpha := math.Pow(e.alpha, weight)
	e.estimate = value*(1-adjAlpha) + adjAlpha*e.estimate
	e.totalWeight += weight
}

// value corrects the zero-initialisation bias of the average
func (e *ewma) value() float64 {
	zeroFactor := 1 - math.Pow(e.alpha, e.totalWeight)
	if zeroFactor <= 0 {
		return 0
	}
	return e.estimate / zeroFactor
}

// Estimator tracks download throughput with a fast and a slow moving
// average and reports the more pessimistic of the two, so a sudden drop
// is seen quickly while a sudden spike is trusted slowly.
type Estimator struct {
	fast            *ewma
	slow            *ewma
	defaultEstimate float64
	samples         int
}

// NewEstimator creates an estimator seeded with defaultEstimate bits/s
func NewEstimator(fastHalfLife, slowHalfLife time.Duration, defaultEstimate float64) *Estimator {
	return &Estimator{
		fast:            newEWMA(fastHalfLife),
		slow:            newEWMA(slowHalfLife),
		defaultEstimate: defaultEstimate,
	}
}

// Sample records one completed download
func (e *Estimator) Sample(bytes int64, elapsed time.Duration) {
	if bytes <= 0 {
		return
	}
	if elapsed < minSampleDuration {
		elapsed = minSampleDuration
	}

	seconds := elapsed.Seconds()
	bps := float64(bytes) * 8 / seconds

	e.fast.sample(seconds, bps)
	e.slow.sample(seconds, bps)
	e.samples++
}

// Estimate returns the current bandwidth estimate in bits/s
func (e *Estimator) Estimate() float64 {
	if e.samples == 0 {
		return e.defaultEstimate
	}
	return math.Min(e.fast.value(), e.slow.value())
}

// Samples returns how many downloads have been measured
func (e *Estimator) Samples() int {
	return e.samples
}
