// Package metric describes the performance metrics a search can be ranked by:
// their best and worst values, how raw scores normalize into [0, 1], and
// which sort direction puts the best pipeline first.
package metric

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Iron-Ham/pipesearch/internal/errors"
)

// Metric is a named performance metric.
type Metric struct {
	Name  string
	Best  float64
	Worst float64
}

// Spec is a metric requested for a search, with optional parameters such as
// pos_label or k.
type Spec struct {
	Metric string         `json:"metric" yaml:"metric" mapstructure:"metric" validate:"required"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty" mapstructure:"params"`
}

var inf = math.Inf(1)

var table = []Metric{
	{"ACCURACY", 1, 0},
	{"PRECISION", 1, 0},
	{"RECALL", 1, 0},
	{"F1", 1, 0},
	{"F1_MICRO", 1, 0},
	{"F1_MACRO", 1, 0},
	{"ROC_AUC", 1, 0},
	{"ROC_AUC_MICRO", 1, 0},
	{"ROC_AUC_MACRO", 1, 0},
	{"MEAN_SQUARED_ERROR", 0, inf},
	{"ROOT_MEAN_SQUARED_ERROR", 0, inf},
	{"MEAN_ABSOLUTE_ERROR", 0, inf},
	{"R_SQUARED", 1, -inf},
	{"NORMALIZED_MUTUAL_INFORMATION", 1, 0},
	{"JACCARD_SIMILARITY_SCORE", 1, 0},
	{"PRECISION_AT_TOP_K", 1, 0},
	{"OBJECT_DETECTION_AVERAGE_PRECISION", 1, 0},
	{"HAMMING_LOSS", 0, 1},
	{"MEAN_RECIPROCAL_RANK", 1, 0},
	{"HITS_AT_K", 1, 0},
}

var byKey = func() map[string]Metric {
	m := make(map[string]Metric, len(table))
	for _, metric := range table {
		m[key(metric.Name)] = metric
	}
	return m
}()

// key folds ACCURACY, accuracy, meanSquaredError and MEAN_SQUARED_ERROR
// onto one lookup key.
func key(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(name, "_", ""), "-", ""))
}

// Lookup returns the metric with the given name.
func Lookup(name string) (Metric, error) {
	m, ok := byKey[key(name)]
	if !ok {
		return Metric{}, errors.NewConfigurationError(fmt.Sprintf("unknown metric %q", name)).WithField("metrics")
	}
	return m, nil
}

// Names lists every known metric name, sorted.
func Names() []string {
	names := make([]string, 0, len(table))
	for _, m := range table {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}

// Primary returns the first metric of specs, which drives ranking.
func Primary(specs []Spec) (Metric, error) {
	if len(specs) == 0 {
		return Metric{}, errors.NewConfigurationError("at least one metric is required").WithField("metrics")
	}
	return Lookup(specs[0].Metric)
}

// Validate checks that specs is non-empty and every metric is known.
func Validate(specs []Spec) error {
	_, err := Canonical(specs)
	return err
}

// Canonical returns a copy of specs with every metric renamed to its table
// name, so accuracy and f1Macro become ACCURACY and F1_MACRO. Workers record
// scores under the name they are given and rankings filter on the table name.
func Canonical(specs []Spec) ([]Spec, error) {
	if len(specs) == 0 {
		return nil, errors.NewConfigurationError("at least one metric is required").WithField("metrics")
	}
	out := make([]Spec, len(specs))
	for i, s := range specs {
		m, err := Lookup(s.Metric)
		if err != nil {
			return nil, err
		}
		out[i] = Spec{Metric: m.Name, Params: s.Params}
	}
	return out, nil
}

// CanonicalName returns the table name of a metric, or name unchanged when
// the metric is unknown.
func CanonicalName(name string) string {
	if m, err := Lookup(name); err == nil {
		return m.Name
	}
	return name
}

// Descending reports whether higher values rank first. Score-type metrics
// have a best value of 1.
func (m Metric) Descending() bool {
	return m.Best == 1
}

// Better reports whether a ranks strictly ahead of b.
func (m Metric) Better(a, b float64) bool {
	if m.Descending() {
		return a > b
	}
	return a < b
}

// Normalize maps a raw value into [0, 1] where 1 is the best value.
// Unbounded metrics are squashed with arctan.
func (m Metric) Normalize(v float64) float64 {
	switch {
	case math.IsInf(m.Worst, 0) && !math.IsInf(m.Best, 0):
		return 1 - 2/math.Pi*math.Atan(math.Abs(v-m.Best))
	case math.IsInf(m.Best, 0) && !math.IsInf(m.Worst, 0):
		return 2 / math.Pi * math.Atan(math.Abs(v-m.Worst))
	case m.Best == m.Worst:
		return 1
	}
	n := (v - m.Worst) / (m.Best - m.Worst)
	return math.Max(0, math.Min(1, n))
}
