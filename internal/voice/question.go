package voice

import "strings"

// DefaultQuestionMarkers are the particles and punctuation that make a
// transcript look like a question.
var DefaultQuestionMarkers = []string{"吗", "嘛", "么", "呢", "吧", "？", "?"}

// QuestionDetector decides whether a transcript is question-like, which lets
// a session answer without waiting for the full reply silence.
type QuestionDetector struct {
	Markers []string
}

// NewQuestionDetector returns a detector for markers, or the defaults when
// markers is empty.
func NewQuestionDetector(markers []string) *QuestionDetector {
	var m []string
	for _, s := range markers {
		if s = strings.TrimSpace(s); s != "" {
			m = append(m, s)
		}
	}
	if len(m) == 0 {
		m = DefaultQuestionMarkers
	}
	return &QuestionDetector{Markers: m}
}

// Detect returns whether text contains a marker and the first one found.
func (q *QuestionDetector) Detect(text string) (bool, string) {
	if text == "" {
		return false, ""
	}
	for _, m := range q.Markers {
		if strings.Contains(text, m) {
			return true, m
		}
	}
	return false, ""
}
