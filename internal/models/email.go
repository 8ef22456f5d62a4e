package models

import (
	"encoding/base64"
	"time"
)

// EmailAddress is one sender or recipient on a submitted email.
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Attachment is one raw attachment on a submitted email. Content is
// base64-encoded; oversized content may be offloaded to blob storage at
// admission, in which case ContentRef points at the stored object and
// Content is cleared.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     string `json:"content,omitempty"`
	ContentRef  string `json:"content_ref,omitempty"`
	Size        int    `json:"size"`
}

// Decode returns the raw attachment bytes.
func (a Attachment) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.Content)
}

// EmailPayload is the job payload accepted by the admission API.
type EmailPayload struct {
	MessageID   string            `json:"message_id"`
	Subject     string            `json:"subject"`
	From        EmailAddress      `json:"from"`
	To          []EmailAddress    `json:"to"`
	CC          []EmailAddress    `json:"cc,omitempty"`
	Date        time.Time         `json:"date"`
	BodyText    string            `json:"body_text,omitempty"`
	BodyHTML    string            `json:"body_html,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Validate rejects unknown-shaped input deterministically at admission.
// Declared/sniffed MIME mismatches are tolerated here; the dispatcher
// trusts the sniffed type later.
func (p EmailPayload) Validate(maxAttachmentSize int) *Error {
	if p.MessageID == "" {
		return NewError(KindValidation, "message_id is required")
	}
	if p.From.Email == "" {
		return NewError(KindValidation, "from.email is required")
	}
	if len(p.To) == 0 {
		return NewError(KindValidation, "at least one recipient is required")
	}
	if p.BodyText == "" && p.BodyHTML == "" && len(p.Attachments) == 0 {
		return NewError(KindValidation, "email has no body and no attachments")
	}
	for i, att := range p.Attachments {
		if att.Filename == "" {
			return NewError(KindValidation, "attachment %d has no filename", i).WithContext("index", i)
		}
		if maxAttachmentSize > 0 && att.Size > maxAttachmentSize {
			return NewError(KindValidation, "attachment %q exceeds maximum size of %d bytes", att.Filename, maxAttachmentSize).
				WithContext("filename", att.Filename).
				WithContext("max_bytes", maxAttachmentSize)
		}
		if att.ContentRef == "" {
			if _, err := base64.StdEncoding.DecodeString(att.Content); err != nil {
				return NewError(KindValidation, "attachment %q content is not valid base64", att.Filename).
					WithContext("filename", att.Filename)
			}
		}
	}
	return nil
}

// BodyContent returns the analyzable body text, preferring plain text.
func (p EmailPayload) BodyContent() string {
	if p.BodyText != "" {
		return p.BodyText
	}
	return p.BodyHTML
}
