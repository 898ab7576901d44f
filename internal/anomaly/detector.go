package anomaly

import (
	"fmt"
	"math"
)

// Default per-metric deviation thresholds, in the metric's own unit
var DefaultThresholds = map[string]float64{
	"temperature": 10,
	"humidity":    30,
}

// Detector flags climate values that jump away from a sensor's recent history
type Detector struct {
	thresholds                map[string]float64
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds.
// Metrics without a threshold are never flagged.
func NewDetector(thresholds map[string]float64, minDataPointsForDetection int) *Detector {
	t := make(map[string]float64, len(thresholds))
	for metric, v := range thresholds {
		if v > 0 {
			t[metric] = v
		}
	}
	return &Detector{
		thresholds:                t,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// Watches reports whether metric has a threshold configured
func (d *Detector) Watches(metric string) bool {
	_, ok := d.thresholds[metric]
	return ok
}

// Detect checks if value deviates from the rolling average of history by
// more than the metric's threshold
func (d *Detector) Detect(metric string, value float64, history []float64) (bool, string) {
	threshold, ok := d.thresholds[metric]
	if !ok {
		return false, ""
	}

	// Need enough historical data for spike detection
	if len(history) < d.minDataPointsForDetection || len(history) == 0 {
		return false, ""
	}

	sum := 0.0
	for _, v := range history {
		sum += v
	}
	average := sum / float64(len(history))

	if deviation := math.Abs(value - average); deviation > threshold {
		return true, fmt.Sprintf("%s jump detected: value %.2f deviates %.2f from rolling average %.2f (threshold %.1f)",
			metric, value, deviation, average, threshold)
	}

	return false, ""
}
