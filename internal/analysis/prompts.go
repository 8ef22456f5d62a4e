package analysis

import "regexp"

const emailSystemPrompt = `You are an email analysis assistant. Analyze the email below and respond with a single JSON object containing exactly these fields:
"summary" (string, 2-3 sentences), "sentiment" (one of "positive", "neutral", "negative"),
"topics" (array of strings), "action_items" (array of objects with "description", optional "owner" and "due_date"),
"entities" (array of objects with "type" and "value"), "intent" (one of "request", "information_sharing", "complaint", "inquiry", "other"),
"importance_score" (number between 0 and 1), "sensitivity_level" (one of "Normal", "Confidential", "Restricted"),
"response_required" (boolean).
Respond with the JSON object only.`

const attachmentSystemPrompt = `You are a document analysis assistant. Analyze the extracted document text below and respond with a single JSON object containing exactly these fields:
"summary" (string, 1-2 sentences), "sentiment" (one of "positive", "neutral", "negative"),
"topics" (array of strings), "entities" (array of objects with "type" and "value").
Respond with the JSON object only.`

var (
	roleOverride = regexp.MustCompile(`(?m)(^|\n)(system|user|assistant):`)
	codeFence    = regexp.MustCompile("(?s)```.*?```")
)

// SanitizePrompt strips role-override markers and fenced blocks from
// user-supplied text before it is embedded in a prompt.
func SanitizePrompt(text string) string {
	out := roleOverride.ReplaceAllString(text, "$1")
	out = codeFence.ReplaceAllString(out, "")
	return out
}
