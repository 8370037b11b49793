package grading

import (
	iface "GradCamServer/interface"
	"fmt"
	"math"
)

type ClassProbability struct {
	Grade      int     `json:"grade"`
	Confidence float64 `json:"confidence"`
}

type Prediction struct {
	Grade              int                `json:"grade"`
	Label              string             `json:"label"`
	Confidence         float64            `json:"confidence"`
	ClassProbabilities []ClassProbability `json:"class_probabilities"`
	Heatmap            string             `json:"heatmap"`
}

// Payload is the success body returned to clients.
type Payload struct {
	Prediction Prediction `json:"prediction"`
}

// Percent converts a score in [0,1] to a percentage with two decimals,
// clamped to [0,100].
func Percent(score float32) float64 {
	p := float64(score) * 100
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return math.Round(p*100) / 100
}

// Argmax returns the index of the largest score, the first one on ties.
func Argmax(scores iface.Scores) int {
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return best
}

func Assemble(scores iface.Scores, mapping Mapping, heatmap string) (Payload, error) {
	if len(scores) == 0 {
		return Payload{}, fmt.Errorf("empty prediction vector")
	}
	if len(scores) != mapping.Len() {
		return Payload{}, fmt.Errorf("prediction has %d classes, label mapping has %d", len(scores), mapping.Len())
	}
	probs := make([]ClassProbability, len(scores))
	for i, s := range scores {
		grade, _ := mapping.Grade(i)
		probs[i] = ClassProbability{Grade: grade, Confidence: Percent(s)}
	}
	best := Argmax(scores)
	grade, _ := mapping.Grade(best)
	return Payload{Prediction: Prediction{
		Grade:              grade,
		Label:              mapping.Name(grade),
		Confidence:         Percent(scores[best]),
		ClassProbabilities: probs,
		Heatmap:            heatmap,
	}}, nil
}
