package objects

import (
	"github.com/forgelet/forgelet/pkg/metrics"
)

// M describes metrics for the objects package
type M struct {
	Volume struct {
		IO metrics.IOMetrics
	}
	Usage metrics.UsageMetrics
}

// Describe registers the metric bundles of this package
func (m *M) Describe(prefix string) {
	m.Volume.IO.Describe(prefix + "/io")
	m.Usage.Describe(prefix + "/telemetry")
}
