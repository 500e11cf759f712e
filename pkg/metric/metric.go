// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package metric provides primitives for collecting metrics and exporting
// them in the Prometheus text exposition format.
package metric

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/reasm/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name does not have the form
	// "/component/name" with lowercase letters, digits and underscores.
	ErrInvalidName = errors.New("metric name is invalid")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

func (f Field) validate() error {
	if len(f.allowedValues) == 0 {
		return ErrFieldHasNoAllowedValues
	}
	for _, v := range f.allowedValues {
		if strings.ContainsAny(v, "\",\n\\") {
			return ErrFieldValueContainsIllegalChar
		}
	}
	return nil
}

// customUint64Metric is a metric whose value is read on demand.
type customUint64Metric struct {
	name        string
	description string

	// cumulative is true for counters and false for gauges.
	cumulative bool

	// value returns the current value of the metric for the given set of
	// fields. It takes a variadic number of field values as argument.
	value func(fieldValues ...string) uint64

	// field is the optional breakdown of the metric.
	field *Field
}

// Registry is a set of metrics that are exported together.
type Registry struct {
	mu sync.RWMutex
	// +checklocks:mu
	metrics map[string]customUint64Metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]customUint64Metric)}
}

func validName(name string) bool {
	if len(name) < 2 || name[0] != '/' || name[len(name)-1] == '/' {
		return false
	}
	for _, c := range name[1:] {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '/':
		default:
			return false
		}
	}
	return true
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is read from value at export time.
//
// Preconditions:
//   - value is expected to accept exactly len(fields) arguments.
func (r *Registry) RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	// Metrics can exist without fields.
	if l := len(fields); l > 1 {
		return fmt.Errorf("%d fields provided, must be <= 1", l)
	}
	m := customUint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		value:       value,
	}
	if len(fields) == 1 {
		if err := fields[0].validate(); err != nil {
			return err
		}
		m.field = &fields[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; ok {
		return ErrNameInUse
	}
	r.metrics[name] = m
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func (r *Registry) MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) {
	if err := r.RegisterCustomUint64Metric(name, cumulative, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	value atomic.Uint64
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func (r *Registry) NewUint64Metric(name string, description string) (*Uint64Metric, error) {
	m := &Uint64Metric{}
	return m, r.RegisterCustomUint64Metric(name, true /* cumulative */, description, func(...string) uint64 {
		return m.Value()
	})
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func (r *Registry) MustCreateNewUint64Metric(name string, description string) *Uint64Metric {
	m, err := r.NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// promName converts "/reasm/queues" to "reasm_queues".
func promName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

func (m customUint64Metric) family() *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if m.cumulative {
		typ = dto.MetricType_COUNTER
	}
	sample := func(v uint64, labels []*dto.LabelPair) *dto.Metric {
		pm := &dto.Metric{Label: labels}
		if m.cumulative {
			pm.Counter = &dto.Counter{Value: proto.Float64(float64(v))}
		} else {
			pm.Gauge = &dto.Gauge{Value: proto.Float64(float64(v))}
		}
		return pm
	}

	mf := &dto.MetricFamily{
		Name: proto.String(promName(m.name)),
		Help: proto.String(m.description),
		Type: typ.Enum(),
	}
	if m.field == nil {
		mf.Metric = append(mf.Metric, sample(m.value(), nil))
		return mf
	}
	for _, fv := range m.field.allowedValues {
		mf.Metric = append(mf.Metric, sample(m.value(fv), []*dto.LabelPair{{
			Name:  proto.String(m.field.name),
			Value: proto.String(fv),
		}}))
	}
	return mf
}

// Snapshot returns the current value of every metric, sorted by name.
func (r *Registry) Snapshot() []*dto.MetricFamily {
	r.mu.RLock()
	ms := make([]customUint64Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		ms = append(ms, m)
	}
	r.mu.RUnlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	fams := make([]*dto.MetricFamily, 0, len(ms))
	for _, m := range ms {
		fams = append(fams, m.family())
	}
	return fams
}

// Write writes every metric to w in the Prometheus text format.
func (r *Registry) Write(w io.Writer) error {
	for _, mf := range r.Snapshot() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}

// ServeHTTP implements http.Handler, serving the metrics in the Prometheus
// text format.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", string(expfmt.FmtText))
	if err := r.Write(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
