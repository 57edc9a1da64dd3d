package jsonrepair

import (
	"encoding/json"
	"fmt"
)

// RequireFields checks that a decoded JSON object contains every required
// top-level field. Returns (valid, reason); reason names the first
// missing field.
func RequireFields(data []byte, fields ...string) (bool, string) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return false, fmt.Sprintf("not a JSON object: %v", err)
	}
	for _, f := range fields {
		if _, ok := obj[f]; !ok {
			return false, fmt.Sprintf("missing required field %q", f)
		}
	}
	return true, ""
}

// analysisPayload mirrors the shape the analysis prompt demands of the
// model. Validation happens here, at the trust boundary, before the
// payload is converted to domain types.
type analysisPayload struct {
	Personas []struct {
		Name            string             `json:"name"`
		Description     string             `json:"description"`
		Characteristics map[string]float64 `json:"characteristics"`
	} `json:"personas"`
	Assignments []struct {
		SampleID    string `json:"sample_id"`
		PersonaName string `json:"persona_name"`
	} `json:"assignments"`
}

// ValidateAnalysis checks an extracted analysis document against the
// response schema. Returns (valid, reason).
func ValidateAnalysis(data []byte) (bool, string) {
	if ok, reason := RequireFields(data, "personas", "assignments"); !ok {
		return false, reason
	}

	var payload analysisPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return false, fmt.Sprintf("schema mismatch: %v", err)
	}

	if len(payload.Personas) == 0 {
		return false, "personas array is empty"
	}
	names := make(map[string]bool, len(payload.Personas))
	for i, p := range payload.Personas {
		if p.Name == "" {
			return false, fmt.Sprintf("persona %d has no name", i)
		}
		if p.Description == "" {
			return false, fmt.Sprintf("persona %q has no description", p.Name)
		}
		names[p.Name] = true
	}
	for i, a := range payload.Assignments {
		if a.SampleID == "" {
			return false, fmt.Sprintf("assignment %d has no sample_id", i)
		}
		if !names[a.PersonaName] {
			return false, fmt.Sprintf("assignment %d references unknown persona %q", i, a.PersonaName)
		}
	}
	return true, ""
}
