// Package metrics provides a lightweight opencensus-based metrics
// collection layer.
//
// Instrumented components embed Enable and register their metric
// bundles lazily with EnsureMetrics.
package metrics

import (
	"context"
	"path"
	"sync"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.opencensus.io/stats/view"
)

var (
	// global settings for metrics
	mp       *settings
	initOnce sync.Once
)

type settings struct {
	basePath  string
	contexter func() context.Context
	exporter  view.Exporter

	// a map of all registered modules
	modules   map[string]Describer
	exclusive sync.Mutex

	d time.Duration
}

func defaultSettings() *settings {
	return &settings{
		modules:   make(map[string]Describer),
		contexter: context.Background,
	}
}

// Init global settings for metrics collection, such as base path and exporter.
//
// Init may be called multiple times: only the first time matters.
func Init(opts ...Option) {
	initOnce.Do(func() {
		mp = defaultSettings()
		for _, apply := range opts {
			apply(mp)
		}
		if mp.exporter != nil {
			view.RegisterExporter(mp.exporter)
		}
		if mp.d >= time.Second {
			view.SetReportingPeriod(mp.d)
		}
	})
}

func ensure() *settings {
	Init()
	return mp
}

// Flush collected metrics to the exporter, if it supports flushing
func Flush() {
	s := ensure()
	if f, ok := s.exporter.(interface{ Flush() }); ok {
		f.Flush()
	}
}

// Describer is a bundle of metrics able to build and register its measures
// under a given path in the metrics tree.
type Describer interface {
	Describe(prefix string)
}

// EnsureMetrics allows for lazy registration of metrics definitions.
//
// It may safely be called several times: only the first registration
// for a given unique location is retained.
func EnsureMetrics(location string, m Describer) Describer {
	s := ensure()
	s.exclusive.Lock()
	defer s.exclusive.Unlock()

	if registered, ok := s.modules[location]; ok {
		return registered
	}
	m.Describe(path.Join(s.basePath, location))
	s.modules[location] = m
	return m
}

// Inc increments a counter-like metric
func Inc(counter *stats.Int64Measure, tags ...map[string]string) {
	if counter == nil {
		return
	}
	_ = stats.RecordWithTags(ensure().contexter(), mergeTags(tags), counter.M(1))
}

// Int64 sets a value to a measurement
func Int64(measure *stats.Int64Measure, value int64, tags ...map[string]string) {
	if measure == nil {
		return
	}
	_ = stats.RecordWithTags(ensure().contexter(), mergeTags(tags), measure.M(value))
}

// Float64 sets a value to a measurement
func Float64(measure *stats.Float64Measure, value float64, tags ...map[string]string) {
	if measure == nil {
		return
	}
	_ = stats.RecordWithTags(ensure().contexter(), mergeTags(tags), measure.M(value))
}

// Since feeds a millisecs timing measurement from some start time
func Since(start time.Time, measure *stats.Float64Measure, tags ...map[string]string) {
	Duration(start, time.Now(), measure, tags...)
}

// Duration feeds a millisecs timing measurement from some start to end timings
func Duration(start, end time.Time, measure *stats.Float64Measure, tags ...map[string]string) {
	if measure == nil {
		return
	}
	ms := float64(end.Sub(start).Nanoseconds()) / 1e6
	_ = stats.RecordWithTags(ensure().contexter(), mergeTags(tags), measure.M(ms))
}

// mergeTags adds some dynamically defined tags to a single measurement
func mergeTags(extras []map[string]string) []tag.Mutator {
	mutators := make([]tag.Mutator, 0, 10)
	for _, extra := range extras {
		for k, v := range extra {
			mutators = append(mutators, tag.Upsert(tag.MustNewKey(k), v))
		}
	}
	return mutators
}

// Enable equips any type with the capability to toggle metrics collection.
//
// Sample usage:
//
//	type myType struct{
//	  ...
//	  metrics.Enable
//	  m *myMetrics // m points to the globally registered metrics bundle
//	}
type Enable struct {
	metricsEnabled bool
}

// MetricsEnabled tells whether metrics are enabled or not
func (e Enable) MetricsEnabled() bool {
	return e.metricsEnabled
}

// EnableMetrics toggles metrics collection
func (e *Enable) EnableMetrics(enabled bool) {
	e.metricsEnabled = enabled
}

// EnsureMetrics registers a bundle describing metrics to the global metrics collection
func (e *Enable) EnsureMetrics(name string, m Describer) Describer {
	return EnsureMetrics(name, m)
}
