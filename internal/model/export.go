package model

import "time"

// ExamExport is the top-level JSON structure for exam result export.
type ExamExport struct {
	Exam       Exam            `json:"exam"`
	ExportedAt time.Time       `json:"exported_at"`
	Questions  []Question      `json:"questions"`
	Results    []StudentResult `json:"results"`
}

// StudentResult holds every evaluation recorded under one session identity.
type StudentResult struct {
	UserID       string       `json:"user_id"`
	SubmittedAt  time.Time    `json:"submitted_at"`
	Evaluations  []Evaluation `json:"evaluations"`
	AverageScore float64      `json:"average_score"`
}
