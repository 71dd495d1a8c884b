// Package report turns free-form vision model output into a models.Report.
package report

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

// PreferredMinItems is the list length requested from the model. It is a
// prompt hint only; a report is usable with a single item in any list.
const PreferredMinItems = 3

// SchemaName names the structured-output schema sent to providers that support it.
const SchemaName = "technique_report"

var fields = []string{"strengths", "issues", "drills"}

var fenceRe = regexp.MustCompile("```[A-Za-z0-9_-]*")

// ParseError describes why model output could not be taken as-is. Parse
// still returns a valid (possibly empty) report alongside it.
type ParseError struct {
	// Stage is "locate" (no JSON object found), "decode" (invalid JSON) or
	// "coerce" (fields had to be repaired).
	Stage    string
	Problems []string
	Err      error
}

func (e *ParseError) Error() string {
	msg := "report " + e.Stage
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse extracts a report from raw model text. Markdown fences and any prose
// around the outermost {...} span are ignored. Each list is coerced: a
// missing or non-array field becomes empty, non-string and blank items are
// dropped and the rest are trimmed.
//
// The returned report is always non-nil-sliced. A non-nil error is a
// *ParseError meant for logging; callers judge the report with Usable.
func Parse(raw string) (models.Report, error) {
	empty := models.Report{}.Normalized()

	text := fenceRe.ReplaceAllString(raw, "")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return empty, &ParseError{Stage: "locate", Problems: []string{"no JSON object in model output"}}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return empty, &ParseError{Stage: "decode", Err: err}
	}

	var problems []string
	lists := make(map[string][]string, len(fields))
	for _, f := range fields {
		items, problem := coerceList(obj[f])
		lists[f] = items
		if problem != "" {
			problems = append(problems, f+": "+problem)
		}
	}

	r := models.Report{
		Strengths: lists["strengths"],
		Issues:    lists["issues"],
		Drills:    lists["drills"],
	}.Normalized()

	if len(problems) > 0 {
		return r, &ParseError{Stage: "coerce", Problems: problems}
	}
	return r, nil
}

func coerceList(raw json.RawMessage) ([]string, string) {
	if len(raw) == 0 || string(raw) == "null" {
		return []string{}, "missing"
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return []string{}, "not an array"
	}

	out := make([]string, 0, len(elems))
	var nonString, blank int
	for _, e := range elems {
		var s string
		if err := json.Unmarshal(e, &s); err != nil {
			nonString++
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			blank++
			continue
		}
		out = append(out, s)
	}

	var notes []string
	if nonString > 0 {
		notes = append(notes, fmt.Sprintf("dropped %d non-string items", nonString))
	}
	if blank > 0 {
		notes = append(notes, fmt.Sprintf("dropped %d blank items", blank))
	}
	return out, strings.Join(notes, ", ")
}

// Schema returns the JSON schema for a report: three required string arrays.
func Schema() map[string]any {
	list := map[string]any{
		"type":     "array",
		"items":    map[string]any{"type": "string"},
		"minItems": PreferredMinItems,
	}
	props := make(map[string]any, len(fields))
	for _, f := range fields {
		props[f] = list
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             []string{"strengths", "issues", "drills"},
		"additionalProperties": false,
	}
}
