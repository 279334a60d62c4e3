package model

import "time"

// Severity is the toxicity bucket derived from the classifier's score and
// category labels. Ordering matters: higher constants are stricter.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseSeverity maps a severity name back to its constant. Unknown names
// return SeverityNone.
func ParseSeverity(name string) Severity {
	for sev, n := range severityNames {
		if n == name {
			return sev
		}
	}
	return SeverityNone
}

// AnalysisResult is the classifier verdict for a single comment. Written
// once by the analysis worker, never mutated.
type AnalysisResult struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	CommentID  string    `json:"comment_id"`
	Score      float64   `json:"score"` // 0..1
	Categories []string  `json:"categories"`
	Severity   Severity  `json:"severity"`
	CreatedAt  time.Time `json:"created_at"`
}

// HasCategory reports whether the result carries the given category label.
func (r *AnalysisResult) HasCategory(cat string) bool {
	for _, c := range r.Categories {
		if c == cat {
			return true
		}
	}
	return false
}
