package orchestrator

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/problem"
	"github.com/Iron-Ham/pipesearch/internal/store"
)

// OriginFixedTemplate marks pipelines built from a template rather than
// proposed by the generator.
const OriginFixedTemplate = "fixed pipeline template"

// Template is a structural pipeline description with the data selections
// it should be bound to.
type Template struct {
	Description json.RawMessage
	Dataset     string
	Targets     []problem.Column
	Features    []problem.Column
}

// Constructor turns a template into a persisted pipeline and returns its id.
type Constructor interface {
	Construct(ctx context.Context, t Template) (string, error)
}

// TemplateConstructor records the template itself as the pipeline
// description.
type TemplateConstructor struct {
	Store store.Store
}

type templateDescription struct {
	Template json.RawMessage  `json:"template"`
	Targets  []problem.Column `json:"targets,omitempty"`
	Features []problem.Column `json:"features,omitempty"`
}

// Construct implements Constructor.
func (c TemplateConstructor) Construct(ctx context.Context, t Template) (string, error) {
	if len(t.Description) == 0 || !json.Valid(t.Description) {
		return "", errors.NewConfigurationError("template must be a JSON document").WithField("template")
	}
	desc, err := json.Marshal(templateDescription{Template: t.Description, Targets: t.Targets, Features: t.Features})
	if err != nil {
		return "", err
	}
	p := &store.Pipeline{
		Origin:      OriginFixedTemplate,
		Dataset:     t.Dataset,
		Description: datatypes.JSON(desc),
	}
	if err := c.Store.Insert(ctx, p); err != nil {
		return "", err
	}
	return p.ID, nil
}
