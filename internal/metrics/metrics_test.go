package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAndIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.LAPICalls.Inc()
	m.RemediationsApplied.WithLabelValues("ban").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	var found bool
	for _, f := range families {
		if f.GetName() == "remediation_lapi_requests_total" {
			found = true
			require.Equal(t, float64(1), f.Metric[0].Counter.GetValue())
		}
	}
	require.True(t, found)
}
