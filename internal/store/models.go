package store

import (
	"time"

	"gorm.io/datatypes"
)

// Pipeline is a persisted pipeline description. The core treats Description
// as opaque JSON.
type Pipeline struct {
	ID          string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Origin      string         `gorm:"type:varchar(255)" json:"origin"`
	Dataset     string         `gorm:"type:text" json:"dataset"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created"`
	Description datatypes.JSON `json:"description,omitempty"`
}

func (Pipeline) TableName() string {
	return "pipelines"
}

// CrossValidation is one recorded cross-validation run of a pipeline.
type CrossValidation struct {
	ID         uint                   `gorm:"primaryKey"`
	PipelineID string                 `gorm:"type:varchar(36);not null;index"`
	Date       time.Time              `gorm:"not null;index"`
	Scores     []CrossValidationScore `gorm:"foreignKey:CrossValidationID"`
}

func (CrossValidation) TableName() string {
	return "cross_validations"
}

// CrossValidationScore is a metric value for one fold of a cross-validation.
type CrossValidationScore struct {
	ID                uint    `gorm:"primaryKey"`
	CrossValidationID uint    `gorm:"not null;index"`
	Metric            string  `gorm:"type:varchar(64);not null;index"`
	Fold              int     `gorm:"not null;default:0"`
	Value             float64 `gorm:"not null"`
}

func (CrossValidationScore) TableName() string {
	return "cross_validation_scores"
}

// Score is a fold result reported by a scoring worker.
type Score struct {
	Metric string  `json:"metric"`
	Fold   int     `json:"fold"`
	Value  float64 `json:"value"`
}

// Ranked pairs a pipeline with its cross-validated average for a metric.
type Ranked struct {
	Pipeline Pipeline
	Score    float64
}

// Models lists the tables managed by AutoMigrate.
func Models() []any {
	return []any{&Pipeline{}, &CrossValidation{}, &CrossValidationScore{}}
}
