package models

import (
	"time"
)

// Entity is a named entity surfaced by the analysis backend.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ActionItem is one follow-up extracted from the email body.
type ActionItem struct {
	Description string `json:"description"`
	Owner       string `json:"owner,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
}

// AttachmentAnalysis is the per-attachment slice of a stored result.
// Failed attachments keep their slot with Error set so the result stays
// 1:1 with the submitted attachment list.
type AttachmentAnalysis struct {
	Filename       string   `json:"filename"`
	ContentType    string   `json:"content_type"`
	Size           int      `json:"size"`
	ContentSummary string   `json:"content_summary,omitempty"`
	Sentiment      string   `json:"sentiment,omitempty"`
	Topics         []string `json:"topics,omitempty"`
	Entities       []Entity `json:"entities,omitempty"`
	Error          *Error   `json:"error,omitempty"`
}

// AnalysisResult is the immutable aggregate written once per completed job.
type AnalysisResult struct {
	JobID              string               `json:"job_id"`
	MessageID          string               `json:"message_id"`
	Subject            string               `json:"subject"`
	Date               time.Time            `json:"date"`
	Summary            string               `json:"summary"`
	Sentiment          string               `json:"sentiment"`
	Topics             []string             `json:"topics"`
	ActionItems        []ActionItem         `json:"action_items"`
	Entities           []Entity             `json:"entities"`
	Intent             string               `json:"intent"`
	ImportanceScore    float64              `json:"importance_score"`
	Departments        []string             `json:"departments"`
	SensitivityLevel   string               `json:"sensitivity_level"`
	ResponseRequired   bool                 `json:"response_required"`
	AttachmentAnalyses []AttachmentAnalysis `json:"attachment_analyses"`
	ProcessingTime     float64              `json:"processing_time"`
	Model              string               `json:"model,omitempty"`
	TokensUsed         int                  `json:"tokens_used,omitempty"`
	CompletedAt        time.Time            `json:"completed_at"`
}

// StructuredAnalysis is the parsed JSON returned by one LLM call before
// aggregation. Fields absent from the model response stay zero-valued.
type StructuredAnalysis struct {
	Summary          string       `json:"summary"`
	Sentiment        string       `json:"sentiment"`
	Topics           []string     `json:"topics"`
	ActionItems      []ActionItem `json:"action_items"`
	Entities         []Entity     `json:"entities"`
	Intent           string       `json:"intent"`
	ImportanceScore  float64      `json:"importance_score"`
	SensitivityLevel string       `json:"sensitivity_level"`
	ResponseRequired bool         `json:"response_required"`
	Model            string       `json:"-"`
	TokensUsed       int          `json:"-"`
}
