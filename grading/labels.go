package grading

import (
	"fmt"
)

// Label ties one model output index to a severity grade.
type Label struct {
	Index int    `yaml:"index" json:"index"`
	Grade int    `yaml:"grade" json:"grade"`
	Name  string `yaml:"name" json:"name"`
}

// Mapping translates model output indices to grades and grades to names.
// It is built once at startup and never mutated.
type Mapping struct {
	grades []int
	names  map[int]string
}

// DefaultLabels is the knee osteoarthritis grading of the shipped model.
var DefaultLabels = []Label{
	{Index: 0, Grade: 0, Name: "Normal"},
	{Index: 1, Grade: 3, Name: "Moderate OA"},
	{Index: 2, Grade: 4, Name: "Severe OA"},
}

func Default() Mapping {
	m, err := NewMapping(DefaultLabels)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMapping validates that indices are dense from 0, grades are unique and
// every grade is named.
func NewMapping(labels []Label) (Mapping, error) {
	if len(labels) == 0 {
		return Mapping{}, fmt.Errorf("label mapping is empty")
	}
	grades := make([]int, len(labels))
	seenIndex := make([]bool, len(labels))
	names := make(map[int]string, len(labels))
	for _, l := range labels {
		if l.Index < 0 || l.Index >= len(labels) {
			return Mapping{}, fmt.Errorf("label index %d outside [0,%d)", l.Index, len(labels))
		}
		if seenIndex[l.Index] {
			return Mapping{}, fmt.Errorf("label index %d declared twice", l.Index)
		}
		if _, dup := names[l.Grade]; dup {
			return Mapping{}, fmt.Errorf("grade %d mapped from more than one index", l.Grade)
		}
		if l.Name == "" {
			return Mapping{}, fmt.Errorf("grade %d has no name", l.Grade)
		}
		seenIndex[l.Index] = true
		grades[l.Index] = l.Grade
		names[l.Grade] = l.Name
	}
	return Mapping{grades: grades, names: names}, nil
}

func (m Mapping) Len() int {
	return len(m.grades)
}

// Grade returns the grade for a model output index.
func (m Mapping) Grade(index int) (int, bool) {
	if index < 0 || index >= len(m.grades) {
		return 0, false
	}
	return m.grades[index], true
}

func (m Mapping) Name(grade int) string {
	return m.names[grade]
}

// Grades lists the grades in index order.
func (m Mapping) Grades() []int {
	return append([]int(nil), m.grades...)
}
