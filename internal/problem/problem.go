// Package problem loads problem descriptions: the task keywords, target
// columns and performance metrics a search is asked to optimize.
//
// Documents are YAML; since YAML is a superset of JSON, JSON problem files
// load through the same path.
package problem

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/metric"
)

// Task keywords the core reacts to.
const (
	KeywordClassification  = "classification"
	KeywordRegression      = "regression"
	KeywordObjectDetection = "object_detection"
	KeywordForecasting     = "forecasting"
)

// Problem is a problem description.
type Problem struct {
	ID           string        `yaml:"id" json:"id"`
	Description  string        `yaml:"description,omitempty" json:"description,omitempty"`
	TaskKeywords []string      `yaml:"task_keywords" json:"task_keywords"`
	Metrics      []metric.Spec `yaml:"performance_metrics" json:"performance_metrics"`
	Inputs       []Input       `yaml:"inputs" json:"inputs"`
}

// Input binds a dataset to its target columns.
type Input struct {
	DatasetID string   `yaml:"dataset_id" json:"dataset_id"`
	Targets   []Column `yaml:"targets" json:"targets"`
}

// Column identifies one column of a dataset resource.
type Column struct {
	ResourceID  string `yaml:"resource_id" json:"resource_id" validate:"required"`
	ColumnIndex int    `yaml:"column_index,omitempty" json:"column_index,omitempty"`
	ColumnName  string `yaml:"column_name" json:"column_name" validate:"required"`
}

// String renders the column as resource/name.
func (c Column) String() string {
	return c.ResourceID + "/" + c.ColumnName
}

// Load reads a problem document from path.
func Load(path string) (*Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read problem %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a problem document.
func Parse(data []byte) (*Problem, error) {
	var p Problem
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.NewConfigurationError(fmt.Sprintf("malformed problem document: %v", err)).WithField("problem")
	}
	for i, kw := range p.TaskKeywords {
		p.TaskKeywords[i] = strings.ToLower(kw)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that the problem has an id and known metrics, and
// rewrites the metrics to their canonical names.
func (p *Problem) Validate() error {
	if p.ID == "" {
		return errors.NewConfigurationError("problem id is required").WithField("problem")
	}
	if len(p.Metrics) > 0 {
		metrics, err := metric.Canonical(p.Metrics)
		if err != nil {
			return err
		}
		p.Metrics = metrics
	}
	return nil
}

// Targets returns the target columns declared by the first input.
func (p *Problem) Targets() []Column {
	if p == nil || len(p.Inputs) == 0 {
		return nil
	}
	return slices.Clone(p.Inputs[0].Targets)
}

// HasKeyword reports whether the task carries the keyword.
func (p *Problem) HasKeyword(kw string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.TaskKeywords, strings.ToLower(kw))
}

// IsClassification reports whether cross-validation should stratify.
func (p *Problem) IsClassification() bool {
	return p.HasKeyword(KeywordClassification)
}
