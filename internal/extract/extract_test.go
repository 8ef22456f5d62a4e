package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mail-analysis-service/internal/blobstore"
	"mail-analysis-service/internal/config"
	"mail-analysis-service/internal/models"
)

func testDispatcher(t *testing.T, blobs blobstore.Store) *Dispatcher {
	t.Helper()
	cfg := config.Load()
	cfg.AttachmentConcurrency = 4
	cfg.ExtractionTimeout = 5 * time.Second
	return NewDispatcher(cfg, blobs, zap.NewNop())
}

func inlineAttachment(filename, contentType string, data []byte) models.Attachment {
	return models.Attachment{
		Filename:    filename,
		ContentType: contentType,
		Content:     base64.StdEncoding.EncodeToString(data),
		Size:        len(data),
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestDispatchMixedAttachments(t *testing.T) {
	d := testDispatcher(t, nil)

	payload := models.EmailPayload{
		Attachments: []models.Attachment{
			inlineAttachment("notes.txt", "text/plain", []byte("meeting notes")),
			inlineAttachment("chart.png", "image/png", pngBytes(t, 32, 16)),
			inlineAttachment("page.html", "text/html", []byte("<html><body><h1>Hi</h1><p>there</p></body></html>")),
			inlineAttachment("broken.pdf", "application/pdf", []byte("%PDF-not really")),
		},
	}
	tasks := Tasks("job-1", payload)
	d.Dispatch(context.Background(), payload, tasks)

	assert.Equal(t, models.TaskExtracted, tasks[0].Status)
	assert.Equal(t, "meeting notes", tasks[0].ExtractedText)

	assert.Equal(t, models.TaskExtracted, tasks[1].Status)
	assert.Contains(t, tasks[1].ExtractedText, "32x16")

	assert.Equal(t, models.TaskExtracted, tasks[2].Status)
	assert.Equal(t, "Hi there", tasks[2].ExtractedText)

	assert.Equal(t, models.TaskFailed, tasks[3].Status)
	require.NotNil(t, tasks[3].Err)
	assert.Equal(t, models.KindExtraction, tasks[3].Err.Kind)
}

func TestDispatchFailureIsIsolated(t *testing.T) {
	d := testDispatcher(t, nil)

	payload := models.EmailPayload{
		Attachments: []models.Attachment{
			{Filename: "bad.bin", ContentType: "application/octet-stream", Content: "!!!not base64!!!"},
			inlineAttachment("ok.txt", "text/plain", []byte("still fine")),
		},
	}
	tasks := Tasks("job-2", payload)
	d.Dispatch(context.Background(), payload, tasks)

	assert.Equal(t, models.TaskFailed, tasks[0].Status)
	assert.Equal(t, models.TaskExtracted, tasks[1].Status)
}

func TestDispatchFetchesBlobContent(t *testing.T) {
	blobs := blobstore.NewMemory()
	require.NoError(t, blobs.Put(context.Background(), "raw/job-3/0", []byte("offloaded body"), "text/plain"))
	d := testDispatcher(t, blobs)

	payload := models.EmailPayload{
		Attachments: []models.Attachment{
			{Filename: "big.txt", ContentType: "text/plain", ContentRef: "raw/job-3/0", Size: 14},
		},
	}
	tasks := Tasks("job-3", payload)
	d.Dispatch(context.Background(), payload, tasks)

	assert.Equal(t, models.TaskExtracted, tasks[0].Status)
	assert.Equal(t, "offloaded body", tasks[0].ExtractedText)
}

func TestSniffPrefersContentOverDeclaration(t *testing.T) {
	data := pngBytes(t, 4, 4)
	got := SniffContentType("report.pdf", "application/pdf", data)
	assert.Equal(t, "image/png", got)
}

func TestSniffUsesExtensionForStructuredText(t *testing.T) {
	got := SniffContentType("rows.csv", "", []byte("a,b,c\n1,2,3\n"))
	assert.Equal(t, "text/csv", got)
}

func TestStripTagsDropsScriptAndStyle(t *testing.T) {
	in := `<html><head><style>p{color:red}</style></head>` +
		`<body><script>alert("x")</script><p>kept  text</p></body></html>`
	assert.Equal(t, "kept text", StripTags(in))
}

func TestTextExtractorRejectsBinary(t *testing.T) {
	_, err := TextExtractor{}.Extract(context.Background(), []byte{0xff, 0xfe, 0x00, 0x81})
	assert.Error(t, err)
}

func TestUnsupportedTypeFailsTask(t *testing.T) {
	d := testDispatcher(t, nil)
	payload := models.EmailPayload{
		Attachments: []models.Attachment{
			inlineAttachment("app.exe", "application/x-msdownload", []byte{0x4d, 0x5a, 0x90, 0x00}),
		},
	}
	tasks := Tasks("job-4", payload)
	d.Dispatch(context.Background(), payload, tasks)

	assert.Equal(t, models.TaskFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].Err.Message, "unsupported content type")
}
