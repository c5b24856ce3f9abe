package metric

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/pipesearch/internal/errors"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"ACCURACY", "accuracy", "Accuracy"} {
		m, err := Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, "ACCURACY", m.Name)
	}

	m, err := Lookup("meanSquaredError")
	require.NoError(t, err)
	assert.Equal(t, "MEAN_SQUARED_ERROR", m.Name)

	_, err = Lookup("bogus")
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestDescending(t *testing.T) {
	acc, _ := Lookup("ACCURACY")
	mse, _ := Lookup("MEAN_SQUARED_ERROR")
	r2, _ := Lookup("R_SQUARED")
	hamming, _ := Lookup("HAMMING_LOSS")

	assert.True(t, acc.Descending())
	assert.True(t, r2.Descending())
	assert.False(t, mse.Descending())
	assert.False(t, hamming.Descending())

	assert.True(t, acc.Better(0.9, 0.8))
	assert.True(t, mse.Better(0.1, 0.3))
	assert.False(t, mse.Better(0.3, 0.3))
}

func TestNormalize(t *testing.T) {
	acc, _ := Lookup("ACCURACY")
	mse, _ := Lookup("MEAN_SQUARED_ERROR")
	r2, _ := Lookup("R_SQUARED")
	hamming, _ := Lookup("HAMMING_LOSS")

	tests := []struct {
		name   string
		metric Metric
		value  float64
		want   float64
	}{
		{"accuracy passthrough", acc, 0.8, 0.8},
		{"accuracy clamps above", acc, 1.2, 1},
		{"accuracy clamps below", acc, -0.5, 0},
		{"hamming inverted", hamming, 0.25, 0.75},
		{"mse perfect", mse, 0, 1},
		{"mse one", mse, 1, 0.5},
		{"r2 perfect", r2, 1, 1},
		{"r2 zero", r2, 0, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.metric.Normalize(tt.value), 1e-9)
		})
	}
}

func TestNormalize_BestInfinite(t *testing.T) {
	m := Metric{Name: "LOG_LIKELIHOOD", Best: math.Inf(1), Worst: 0}
	assert.InDelta(t, 0, m.Normalize(0), 1e-9)
	assert.InDelta(t, 0.5, m.Normalize(1), 1e-9)
}

func TestPrimaryAndValidate(t *testing.T) {
	_, err := Primary(nil)
	assert.ErrorIs(t, err, errors.ErrConfiguration)
	assert.ErrorIs(t, Validate(nil), errors.ErrConfiguration)

	specs := []Spec{{Metric: "f1Macro"}, {Metric: "ACCURACY"}}
	m, err := Primary(specs)
	require.NoError(t, err)
	assert.Equal(t, "F1_MACRO", m.Name)
	assert.NoError(t, Validate(specs))

	assert.Error(t, Validate([]Spec{{Metric: "ACCURACY"}, {Metric: "nope"}}))
}

func TestCanonical(t *testing.T) {
	specs := []Spec{
		{Metric: "accuracy"},
		{Metric: "f1Macro", Params: map[string]any{"pos_label": "1"}},
		{Metric: "meanSquaredError"},
	}
	got, err := Canonical(specs)
	require.NoError(t, err)
	assert.Equal(t, []Spec{
		{Metric: "ACCURACY"},
		{Metric: "F1_MACRO", Params: map[string]any{"pos_label": "1"}},
		{Metric: "MEAN_SQUARED_ERROR"},
	}, got)
	assert.Equal(t, "accuracy", specs[0].Metric, "input is not modified")

	_, err = Canonical([]Spec{{Metric: "nope"}})
	assert.ErrorIs(t, err, errors.ErrConfiguration)
	_, err = Canonical(nil)
	assert.ErrorIs(t, err, errors.ErrConfiguration)

	assert.Equal(t, "ROC_AUC", CanonicalName("rocAuc"))
	assert.Equal(t, "LOG_LOSS", CanonicalName("LOG_LOSS"))
}

func TestNames(t *testing.T) {
	names := Names()
	assert.Len(t, names, len(table))
	assert.Contains(t, names, "ROC_AUC")
	assert.IsIncreasing(t, names)
}
