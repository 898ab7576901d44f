package anomaly_test

import (
	"strings"
	"testing"

	"github.com/septivank/climax-ledger/internal/anomaly"
)

func TestDetect(t *testing.T) {
	detector := anomaly.NewDetector(anomaly.DefaultThresholds, 3)

	tests := []struct {
		name     string
		metric   string
		value    float64
		history  []float64
		expected bool
	}{
		{"steady temperature", "temperature", 21.4, []float64{21.0, 21.2, 21.1}, false},
		{"temperature jump", "temperature", 35.0, []float64{21.0, 21.2, 21.1}, true},
		{"temperature drop", "temperature", 5.0, []float64{21.0, 21.2, 21.1}, true},
		{"exactly at threshold", "temperature", 31.0, []float64{21.0, 21.0, 21.0}, false},
		{"humidity jump", "humidity", 95.0, []float64{40, 42, 41}, true},
		{"not enough history", "temperature", 50.0, []float64{21.0, 21.0}, false},
		{"unwatched metric", "pressure", 500, []float64{1013, 1012, 1013}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isAnomaly, reason := detector.Detect(tt.metric, tt.value, tt.history)
			if isAnomaly != tt.expected {
				t.Errorf("Expected anomaly=%v, got %v (%s)", tt.expected, isAnomaly, reason)
			}
			if isAnomaly && !strings.Contains(reason, tt.metric) {
				t.Errorf("Expected reason to name %s, got %q", tt.metric, reason)
			}
		})
	}
}

func TestDetect_ZeroMinimumStillNeedsHistory(t *testing.T) {
	detector := anomaly.NewDetector(anomaly.DefaultThresholds, 0)

	if isAnomaly, _ := detector.Detect("temperature", 80, nil); isAnomaly {
		t.Error("Expected no anomaly without history")
	}
}

func TestNewDetector_IgnoresNonPositiveThresholds(t *testing.T) {
	detector := anomaly.NewDetector(map[string]float64{"temperature": 0, "humidity": 5}, 1)

	if detector.Watches("temperature") {
		t.Error("Expected zero threshold to disable temperature")
	}
	if !detector.Watches("humidity") {
		t.Error("Expected humidity to be watched")
	}
}
