package testsupport

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// GetMetricValue reads one series from the default registry. Counters and
// gauges report their value, histograms their sample count. Series that do
// not exist yet read as zero so deltas work on first use.
func GetMetricValue(t *testing.T, metricName string, labels map[string]string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err, "gather metrics")

	for _, family := range families {
		if family.GetName() != metricName {
			continue
		}
		var total float64
		for _, m := range family.GetMetric() {
			if hasLabels(m, labels) {
				total += sampleValue(family.GetType(), m)
			}
		}
		return total
	}
	return 0
}

// sampleValue extracts the number a test compares for one series.
func sampleValue(kind dto.MetricType, m *dto.Metric) float64 {
	switch kind {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}

// hasLabels reports whether m carries every pair in want. Extra labels on m
// are allowed, so a partial filter sums across the remaining dimensions.
func hasLabels(m *dto.Metric, want map[string]string) bool {
	for name, value := range want {
		found := false
		for _, pair := range m.GetLabel() {
			if pair.GetName() == name && pair.GetValue() == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AssertMetricDelta runs fn and asserts the series moved by exactly delta.
// Tests sharing a series must not run in parallel.
func AssertMetricDelta(t *testing.T, metricName string, labels map[string]string, delta float64, fn func()) {
	t.Helper()

	before := GetMetricValue(t, metricName, labels)
	fn()
	after := GetMetricValue(t, metricName, labels)

	assert.InDelta(t, delta, after-before, 1e-9, "metric %s%v delta", metricName, labels)
}

// AssertHistogramRecorded asserts the histogram has at least one observation.
func AssertHistogramRecorded(t *testing.T, metricName string, labels map[string]string) {
	t.Helper()

	assert.Positive(t, GetMetricValue(t, metricName, labels), "histogram %s%v has no samples", metricName, labels)
}
