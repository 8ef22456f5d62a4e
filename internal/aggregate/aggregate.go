// Package aggregate folds the body analysis and per-attachment task
// outcomes into the single immutable result stored for a job.
package aggregate

import (
	"sort"
	"strings"
	"time"

	"mail-analysis-service/internal/models"
)

// Department routing keywords. A topic or summary hit on any keyword
// routes the result to that department; no hits route to General.
var departmentKeywords = map[string][]string{
	"Finance":     {"invoice", "payment", "budget", "expense", "billing", "refund"},
	"Legal":       {"contract", "agreement", "compliance", "lawsuit", "nda", "liability"},
	"HR":          {"hiring", "recruitment", "interview", "onboarding", "payroll", "benefits"},
	"Engineering": {"bug", "outage", "deployment", "incident", "api", "latency"},
	"Sales":       {"quote", "proposal", "pricing", "renewal", "demo", "purchase"},
	"Support":     {"complaint", "issue", "ticket", "broken", "help", "urgent"},
}

// Build combines the email-level analysis with the attachment tasks into
// the stored result. Attachment analyses appear in submission order;
// failed tasks keep their slot with the error attached.
func Build(job models.Job, payload models.EmailPayload, body models.StructuredAnalysis, tasks []models.AttachmentTask, started time.Time) models.AnalysisResult {
	attachments := make([]models.AttachmentAnalysis, len(tasks))
	tokens := body.TokensUsed
	for i, task := range tasks {
		attachments[i] = attachmentSlice(task)
		tokens += task.TokensUsed
	}

	sensitivity := body.SensitivityLevel
	if sensitivity == "" {
		sensitivity = "Normal"
	}

	return models.AnalysisResult{
		JobID:              job.ID,
		MessageID:          payload.MessageID,
		Subject:            payload.Subject,
		Date:               payload.Date,
		Summary:            body.Summary,
		Sentiment:          body.Sentiment,
		Topics:             body.Topics,
		ActionItems:        body.ActionItems,
		Entities:           body.Entities,
		Intent:             body.Intent,
		ImportanceScore:    body.ImportanceScore,
		Departments:        Departments(body, attachments),
		SensitivityLevel:   sensitivity,
		ResponseRequired:   body.ResponseRequired,
		AttachmentAnalyses: attachments,
		ProcessingTime:     time.Since(started).Seconds(),
		Model:              body.Model,
		TokensUsed:         tokens,
		CompletedAt:        time.Now().UTC(),
	}
}

func attachmentSlice(task models.AttachmentTask) models.AttachmentAnalysis {
	out := models.AttachmentAnalysis{
		Filename:    task.Filename,
		ContentType: contentTypeFor(task),
		Size:        task.Size,
	}
	if task.Err != nil {
		out.Error = task.Err
		return out
	}
	if task.Analysis != nil {
		out.ContentSummary = task.Analysis.ContentSummary
		out.Sentiment = task.Analysis.Sentiment
		out.Topics = task.Analysis.Topics
		out.Entities = task.Analysis.Entities
	}
	return out
}

func contentTypeFor(task models.AttachmentTask) string {
	if task.DetectedMIME != "" {
		return task.DetectedMIME
	}
	return task.DeclaredMIME
}

// Departments derives the routing list from topics and summaries across
// the body and attachment analyses. The output is sorted for stable
// results; an empty match set routes to General.
func Departments(body models.StructuredAnalysis, attachments []models.AttachmentAnalysis) []string {
	var corpus strings.Builder
	corpus.WriteString(strings.ToLower(body.Summary))
	for _, topic := range body.Topics {
		corpus.WriteByte(' ')
		corpus.WriteString(strings.ToLower(topic))
	}
	for _, att := range attachments {
		corpus.WriteByte(' ')
		corpus.WriteString(strings.ToLower(att.ContentSummary))
		for _, topic := range att.Topics {
			corpus.WriteByte(' ')
			corpus.WriteString(strings.ToLower(topic))
		}
	}
	text := corpus.String()

	var matched []string
	for dept, keywords := range departmentKeywords {
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				matched = append(matched, dept)
				break
			}
		}
	}
	if len(matched) == 0 {
		return []string{"General"}
	}
	sort.Strings(matched)
	return matched
}
