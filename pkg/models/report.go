package models

// Report is the structured coaching critique produced for a video.
type Report struct {
	Strengths []string `json:"strengths"`
	Issues    []string `json:"issues"`
	Drills    []string `json:"drills"`
}

// Usable reports have at least one non-empty category.
func (r *Report) Usable() bool {
	if r == nil {
		return false
	}
	return len(r.Strengths) > 0 || len(r.Issues) > 0 || len(r.Drills) > 0
}

// Normalized returns a copy with nil lists replaced by empty ones so the
// report always serialises as three arrays.
func (r Report) Normalized() Report {
	if r.Strengths == nil {
		r.Strengths = []string{}
	}
	if r.Issues == nil {
		r.Issues = []string{}
	}
	if r.Drills == nil {
		r.Drills = []string{}
	}
	return r
}
