package metrics

import (
	"path"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

func registerViews(measures ...stats.Measure) {
	keys := []tag.Key{tag.MustNewKey("kind"), tag.MustNewKey("operation"), tag.MustNewKey("method")}
	for _, m := range measures {
		var agg *view.Aggregation
		switch m.(type) {
		case *stats.Float64Measure:
			agg = view.Distribution(1, 5, 10, 50, 100, 500, 1000, 5000)
		default:
			agg = view.Count()
		}
		_ = view.Register(&view.View{
			Name:        m.Name(),
			Measure:     m,
			Description: m.Description(),
			Aggregation: agg,
			TagKeys:     keys,
		})
	}
}

// IOMetrics is a common set of metrics reporting about IO activity
type IOMetrics struct {
	Count    *stats.Int64Measure
	Timing   *stats.Float64Measure
	Failures *stats.Int64Measure
	IOSize   *stats.Int64Measure
}

// Describe builds and registers the measures of this bundle
func (n *IOMetrics) Describe(prefix string) {
	n.Count = stats.Int64(path.Join(prefix, "ioCount"), "number of IO requests", stats.UnitDimensionless)
	n.Timing = stats.Float64(path.Join(prefix, "timing"), "response time in milliseconds", stats.UnitMilliseconds)
	n.Failures = stats.Int64(path.Join(prefix, "ioFailures"), "number of failed IOs", stats.UnitDimensionless)
	n.IOSize = stats.Int64(path.Join(prefix, "ioSize"), "IO chunk size in bytes", stats.UnitBytes)
	registerViews(n.Count, n.Timing, n.Failures, n.IOSize)
}

func (n *IOMetrics) tags(operation string) map[string]string {
	return map[string]string{"kind": "io", "operation": operation}
}

// Size records the size of some IO operation. Zero sizes are not recorded.
func (n *IOMetrics) Size(size int64, operation string) {
	if size == 0 {
		return
	}
	Int64(n.IOSize, size, n.tags(operation))
}

// Failed records a failure on some IO operation
func (n *IOMetrics) Failed(operation string) {
	Inc(n.Failures, n.tags(operation))
}

// IORecord records all metrics for an IO operation in one deferred call.
//
// Example:
//
//	defer func(start time.Time) {
//	  m.IO.IORecord(start, "read")(size, err)
//	}(time.Now())
func (n *IOMetrics) IORecord(start time.Time, operation string) func(int64, error) {
	return func(size int64, err error) {
		Duration(start, time.Now(), n.Timing, n.tags(operation))
		Inc(n.Count, n.tags(operation))
		n.Size(size, operation)
		if err != nil {
			Inc(n.Failures, n.tags(operation))
		}
	}
}

// UsageMetrics is a common set of metrics reporting about usage
type UsageMetrics struct {
	Count    *stats.Int64Measure
	Failures *stats.Int64Measure
	Timing   *stats.Float64Measure
}

// Describe builds and registers the measures of this bundle
func (u *UsageMetrics) Describe(prefix string) {
	u.Count = stats.Int64(path.Join(prefix, "usageCount"), "number of calls", stats.UnitDimensionless)
	u.Failures = stats.Int64(path.Join(prefix, "usageFailures"), "number of failed calls", stats.UnitDimensionless)
	u.Timing = stats.Float64(path.Join(prefix, "timing"), "duration of a call", stats.UnitMilliseconds)
	registerViews(u.Count, u.Failures, u.Timing)
}

func (u *UsageMetrics) tags(method string) map[string]string {
	return map[string]string{"kind": "usage", "method": method}
}

// Inc records the usage of some method, without timings or failure reporting
func (u *UsageMetrics) Inc(method string) {
	Inc(u.Count, u.tags(method))
}

// Failed records a failure on some instrumented entry point
func (u *UsageMetrics) Failed(method string) {
	Inc(u.Failures, u.tags(method))
}

// UsedAll records usage of some instrumented entry point with failures, in one go.
//
// Example:
//
//	defer func(start time.Time) {
//	  m.Usage.UsedAll(start, "Put")(err)
//	}(time.Now())
func (u *UsageMetrics) UsedAll(start time.Time, method string) func(error) {
	return func(err error) {
		Since(start, u.Timing, u.tags(method))
		Inc(u.Count, u.tags(method))
		if err != nil {
			Inc(u.Failures, u.tags(method))
		}
	}
}
