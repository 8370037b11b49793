package grading

import (
	iface "GradCamServer/interface"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMapping(t *testing.T) {
	m := Default()
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, []int{0, 3, 4}, m.Grades())
	grade, ok := m.Grade(2)
	assert.True(t, ok)
	assert.Equal(t, 4, grade)
	assert.Equal(t, "Severe OA", m.Name(grade))
	_, ok = m.Grade(3)
	assert.False(t, ok)
}

func TestNewMappingRejects(t *testing.T) {
	cases := map[string][]Label{
		"empty":           nil,
		"sparse index":    {{Index: 0, Grade: 0, Name: "a"}, {Index: 2, Grade: 1, Name: "b"}},
		"duplicate index": {{Index: 0, Grade: 0, Name: "a"}, {Index: 0, Grade: 1, Name: "b"}},
		"duplicate grade": {{Index: 0, Grade: 1, Name: "a"}, {Index: 1, Grade: 1, Name: "b"}},
		"unnamed grade":   {{Index: 0, Grade: 0, Name: ""}},
	}
	for name, labels := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewMapping(labels)
			assert.Error(t, err)
		})
	}
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 12.35, Percent(0.123456))
	assert.Equal(t, 100.0, Percent(1))
	assert.Equal(t, 0.0, Percent(0))
	assert.Equal(t, 100.0, Percent(1.2))
	assert.Equal(t, 0.0, Percent(-0.1))
	assert.Equal(t, 0.0, Percent(float32(math.NaN())))
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, 2, Argmax(iface.Scores{0.1, 0.2, 0.7}))
	assert.Equal(t, 0, Argmax(iface.Scores{0.5, 0.5, 0.0}))
	assert.Equal(t, 0, Argmax(iface.Scores{1}))
}

func TestAssemble(t *testing.T) {
	p, err := Assemble(iface.Scores{0.05, 0.15, 0.8}, Default(), "aGVhdG1hcA==")
	require.NoError(t, err)

	assert.Equal(t, 4, p.Prediction.Grade)
	assert.Equal(t, "Severe OA", p.Prediction.Label)
	assert.Equal(t, 80.0, p.Prediction.Confidence)
	assert.Equal(t, "aGVhdG1hcA==", p.Prediction.Heatmap)
	require.Len(t, p.Prediction.ClassProbabilities, 3)
	for i, grade := range []int{0, 3, 4} {
		assert.Equal(t, grade, p.Prediction.ClassProbabilities[i].Grade)
		assert.GreaterOrEqual(t, p.Prediction.ClassProbabilities[i].Confidence, 0.0)
		assert.LessOrEqual(t, p.Prediction.ClassProbabilities[i].Confidence, 100.0)
	}
	assert.Equal(t, 5.0, p.Prediction.ClassProbabilities[0].Confidence)

	body, err := json.Marshal(p)
	require.NoError(t, err)
	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	for _, key := range []string{"grade", "label", "confidence", "class_probabilities", "heatmap"} {
		assert.Contains(t, decoded["prediction"], key)
	}
}

func TestAssembleErrors(t *testing.T) {
	_, err := Assemble(nil, Default(), "")
	assert.Error(t, err)
	_, err = Assemble(iface.Scores{0.5, 0.5}, Default(), "")
	assert.Error(t, err)
}
