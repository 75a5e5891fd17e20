package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DimensionCount is the number of energy dimensions every summary carries.
const DimensionCount = 5

var DefaultDimensionLabels = []string{"wealth", "career", "health", "relationships", "study"}

// LayoutResult is the structured answer of the layout stage.
type LayoutResult struct {
	OK                  bool            `json:"ok"`
	ErrorMessageForUser string          `json:"error_message_for_user,omitempty"`
	Houses              json.RawMessage `json:"houses"`
}

// EnergySummary is the structured answer of the energy stage.
type EnergySummary struct {
	ScoresBefore    []float64 `json:"scores_before"`
	ScoresAfter     []float64 `json:"scores_after"`
	DimensionLabels []string  `json:"dimension_labels"`
	SummaryText     string    `json:"summary_text"`
}

// ExtractJSON returns the first JSON object in answer, tolerating markdown
// code fences and prose around it.
func ExtractJSON(answer string) (string, error) {
	s := strings.TrimSpace(answer)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in answer")
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", fmt.Errorf("answer JSON is malformed")
	}
	return candidate, nil
}

// ParseLayout decodes the layout stage answer. A missing ok flag counts as
// success only when houses were returned.
func ParseLayout(answer string) (*LayoutResult, error) {
	raw, err := ExtractJSON(answer)
	if err != nil {
		return nil, &UpstreamError{Stage: StageLayout, Message: "layout answer: " + err.Error()}
	}
	var wire struct {
		OK                  *bool           `json:"ok"`
		ErrorMessageForUser string          `json:"error_message_for_user"`
		Houses              json.RawMessage `json:"houses"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, &UpstreamError{Stage: StageLayout, Message: "layout answer: " + err.Error()}
	}

	res := &LayoutResult{
		ErrorMessageForUser: wire.ErrorMessageForUser,
		Houses:              wire.Houses,
	}
	hasHouses := len(wire.Houses) > 0 && string(wire.Houses) != "null" && string(wire.Houses) != "[]"
	if wire.OK != nil {
		res.OK = *wire.OK
	} else {
		res.OK = hasHouses
	}
	if len(res.Houses) == 0 || string(res.Houses) == "null" {
		res.Houses = json.RawMessage("[]")
	}
	if !res.OK && res.ErrorMessageForUser == "" {
		res.ErrorMessageForUser = "The floor plan could not be analysed. Please upload a clearer image."
	}
	return res, nil
}

// ParseEnergy decodes the energy stage answer and pads it so all five
// dimensions are present.
func ParseEnergy(answer string) (*EnergySummary, error) {
	raw, err := ExtractJSON(answer)
	if err != nil {
		return nil, &UpstreamError{Stage: StageEnergy, Message: "energy answer: " + err.Error()}
	}
	var es EnergySummary
	if err := json.Unmarshal([]byte(raw), &es); err != nil {
		return nil, &UpstreamError{Stage: StageEnergy, Message: "energy answer: " + err.Error()}
	}
	es.normalize()
	return &es, nil
}

func (e *EnergySummary) normalize() {
	e.ScoresBefore = fitScores(e.ScoresBefore)
	e.ScoresAfter = fitScores(e.ScoresAfter)

	labels := make([]string, DimensionCount)
	for i := range labels {
		if i < len(e.DimensionLabels) && strings.TrimSpace(e.DimensionLabels[i]) != "" {
			labels[i] = e.DimensionLabels[i]
		} else {
			labels[i] = DefaultDimensionLabels[i]
		}
	}
	e.DimensionLabels = labels
}

func fitScores(in []float64) []float64 {
	out := make([]float64, DimensionCount)
	copy(out, in)
	return out
}
