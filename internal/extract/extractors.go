package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"
)

// maxExtractedChars caps extracted text so one pathological attachment
// cannot blow up downstream prompt sizes.
const maxExtractedChars = 100_000

// PDFExtractor pulls the plain-text layer out of PDF documents.
type PDFExtractor struct{}

func (PDFExtractor) Supports(contentType string) bool {
	return contentType == "application/pdf"
}

func (PDFExtractor) Extract(_ context.Context, data []byte) (text string, err error) {
	// The pdf package panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return truncate(buf.String()), nil
}

// TextExtractor handles plain text, CSV, and other text/* content.
type TextExtractor struct{}

func (TextExtractor) Supports(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") ||
		contentType == "application/csv" ||
		contentType == "application/json"
}

func (TextExtractor) Extract(_ context.Context, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("content is not valid utf-8 text")
	}
	return truncate(string(data)), nil
}

// HTMLExtractor strips markup from HTML attachments, keeping the text
// content with tags replaced by whitespace.
type HTMLExtractor struct{}

func (HTMLExtractor) Supports(contentType string) bool {
	return contentType == "text/html" || contentType == "application/xhtml+xml"
}

func (HTMLExtractor) Extract(_ context.Context, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("content is not valid utf-8 text")
	}
	return truncate(StripTags(string(data))), nil
}

// StripTags removes HTML tags, scripts, and styles from markup,
// collapsing runs of whitespace to single spaces.
func StripTags(markup string) string {
	var (
		b         strings.Builder
		inTag     bool
		skipUntil string
	)
	lower := strings.ToLower(markup)
	for i := 0; i < len(markup); i++ {
		if skipUntil != "" {
			if strings.HasPrefix(lower[i:], skipUntil) {
				i += len(skipUntil) - 1
				skipUntil = ""
			}
			continue
		}
		c := markup[i]
		switch {
		case c == '<':
			if strings.HasPrefix(lower[i:], "<script") {
				skipUntil = "</script>"
				continue
			}
			if strings.HasPrefix(lower[i:], "<style") {
				skipUntil = "</style>"
				continue
			}
			inTag = true
			b.WriteByte(' ')
		case c == '>':
			inTag = false
		case !inTag:
			b.WriteByte(c)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ImageExtractor describes image attachments rather than OCRing them:
// dimensions and format are enough signal for the analysis prompt.
type ImageExtractor struct{}

func (ImageExtractor) Supports(contentType string) bool {
	switch contentType {
	case "image/png", "image/jpeg", "image/gif", "image/bmp", "image/tiff":
		return true
	}
	return false
}

func (ImageExtractor) Extract(_ context.Context, data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	return fmt.Sprintf("[image attachment: %dx%d pixels, %d bytes]",
		bounds.Dx(), bounds.Dy(), len(data)), nil
}

func truncate(s string) string {
	if len(s) <= maxExtractedChars {
		return s
	}
	cut := maxExtractedChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
