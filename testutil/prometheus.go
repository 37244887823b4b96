package testutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// PromCounterValue gathers reg and returns the counter name with exactly the
// given label values, failing the test when it is missing.
func PromCounterValue(t testing.TB, reg prometheus.Gatherer, name string, label ...string) float64 {
	t.Helper()
	m := findMetric(t, reg, name, label...)
	require.NotNil(t, m, "counter %s%v not found", name, label)
	return m.GetCounter().GetValue()
}

func PromGaugeValue(t testing.TB, reg prometheus.Gatherer, name string, label ...string) float64 {
	t.Helper()
	m := findMetric(t, reg, name, label...)
	require.NotNil(t, m, "gauge %s%v not found", name, label)
	return m.GetGauge().GetValue()
}

func PromCounterHasValue(t testing.TB, reg prometheus.Gatherer, value float64, name string, label ...string) bool {
	t.Helper()
	m := findMetric(t, reg, name, label...)
	return m != nil && m.GetCounter().GetValue() == value
}

func PromGaugeHasValue(t testing.TB, reg prometheus.Gatherer, value float64, name string, label ...string) bool {
	t.Helper()
	m := findMetric(t, reg, name, label...)
	return m != nil && m.GetGauge().GetValue() == value
}

func findMetric(t testing.TB, reg prometheus.Gatherer, name string, label ...string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metricsLoop:
		for _, m := range family.GetMetric() {
			if len(label) != len(m.GetLabel()) {
				continue
			}
			for i, lv := range label {
				if lv != m.GetLabel()[i].GetValue() {
					continue metricsLoop
				}
			}
			return m
		}
	}
	return nil
}
