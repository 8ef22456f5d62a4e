// Package extract turns raw attachment bytes into analyzable text. Each
// attachment is handled by the extractor matching its sniffed content
// type; a failed extraction marks only that attachment's task, never the
// whole job.
package extract

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mail-analysis-service/internal/blobstore"
	"mail-analysis-service/internal/config"
	"mail-analysis-service/internal/models"
)

// Extractor converts one attachment's raw bytes to text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
	Supports(contentType string) bool
}

// Dispatcher fans attachment extraction out across a bounded worker set.
type Dispatcher struct {
	extractors  []Extractor
	blobs       blobstore.Store
	concurrency int
	timeout     time.Duration
	logger      *zap.Logger
}

// NewDispatcher builds a Dispatcher with the standard extractor chain.
// blobs may be nil when all content is inline.
func NewDispatcher(cfg config.Config, blobs blobstore.Store, logger *zap.Logger) *Dispatcher {
	concurrency := cfg.AttachmentConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{
		extractors: []Extractor{
			&PDFExtractor{},
			&ImageExtractor{},
			&HTMLExtractor{},
			&TextExtractor{},
		},
		blobs:       blobs,
		concurrency: concurrency,
		timeout:     cfg.ExtractionTimeout,
		logger:      logger,
	}
}

// Tasks builds the task list for a payload's attachments, all pending.
func Tasks(jobID string, payload models.EmailPayload) []models.AttachmentTask {
	tasks := make([]models.AttachmentTask, len(payload.Attachments))
	for i, att := range payload.Attachments {
		tasks[i] = models.AttachmentTask{
			JobID:        jobID,
			Index:        i,
			Filename:     att.Filename,
			DeclaredMIME: att.ContentType,
			Size:         att.Size,
			Status:       models.TaskPending,
		}
	}
	return tasks
}

// Dispatch extracts every attachment concurrently, bounded by the
// configured fan-out. Tasks are updated in place: success moves a task
// to extracted, failure to failed with the cause attached.
func (d *Dispatcher) Dispatch(ctx context.Context, payload models.EmailPayload, tasks []models.AttachmentTask) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for i := range tasks {
		i := i
		g.Go(func() error {
			d.runOne(gCtx, payload.Attachments[i], &tasks[i])
			return nil
		})
	}
	// Goroutines never return errors; failures live on the tasks.
	_ = g.Wait()
}

func (d *Dispatcher) runOne(ctx context.Context, att models.Attachment, task *models.AttachmentTask) {
	extractCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		extractCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	data, err := d.content(extractCtx, att)
	if err != nil {
		task.Status = models.TaskFailed
		task.Err = models.NewError(models.KindExtraction, "load attachment %q: %v", att.Filename, err)
		return
	}

	task.DetectedMIME = SniffContentType(att.Filename, att.ContentType, data)
	if task.DeclaredMIME != "" && !sameType(task.DeclaredMIME, task.DetectedMIME) {
		d.logger.Warn("attachment content type mismatch",
			zap.String("job_id", task.JobID),
			zap.String("filename", att.Filename),
			zap.String("declared", task.DeclaredMIME),
			zap.String("detected", task.DetectedMIME))
	}

	ext := d.extractorFor(task.DetectedMIME)
	if ext == nil {
		task.Status = models.TaskFailed
		task.Err = models.NewError(models.KindExtraction, "unsupported content type %q for %q", task.DetectedMIME, att.Filename)
		return
	}

	text, err := ext.Extract(extractCtx, data)
	if err != nil {
		task.Status = models.TaskFailed
		task.Err = models.NewError(models.KindExtraction, "extract %q: %v", att.Filename, err)
		return
	}
	task.ExtractedText = text
	task.Status = models.TaskExtracted
}

func (d *Dispatcher) content(ctx context.Context, att models.Attachment) ([]byte, error) {
	if att.ContentRef != "" {
		if d.blobs == nil {
			return nil, fmt.Errorf("attachment references blob %s but no blob store is configured", att.ContentRef)
		}
		return d.blobs.Get(ctx, att.ContentRef)
	}
	return att.Decode()
}

func (d *Dispatcher) extractorFor(contentType string) Extractor {
	for _, ext := range d.extractors {
		if ext.Supports(contentType) {
			return ext
		}
	}
	return nil
}

// Extensions the OS mime database cannot be relied on to know.
var extTypes = map[string]string{
	".csv":  "text/csv",
	".log":  "text/plain",
	".md":   "text/plain",
	".tsv":  "text/tab-separated-values",
	".json": "application/json",
}

// SniffContentType determines an attachment's content type from its
// bytes, falling back to the filename extension and finally the declared
// type. The sniffed type wins over the declaration when they disagree.
func SniffContentType(filename, declared string, data []byte) string {
	sniffed := http.DetectContentType(data)
	if base, _, err := mime.ParseMediaType(sniffed); err == nil {
		sniffed = base
	}
	// DetectContentType cannot tell structured text formats apart, so an
	// extension lookup refines the generic sniffs.
	if sniffed == "application/octet-stream" || sniffed == "text/plain" {
		ext := strings.ToLower(filepath.Ext(filename))
		if t, ok := extTypes[ext]; ok {
			return t
		}
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			if base, _, err := mime.ParseMediaType(byExt); err == nil {
				return base
			}
			return byExt
		}
	}
	if sniffed == "application/octet-stream" && declared != "" {
		if base, _, err := mime.ParseMediaType(declared); err == nil {
			return base
		}
		return declared
	}
	return sniffed
}

func sameType(a, b string) bool {
	na, _, errA := mime.ParseMediaType(a)
	nb, _, errB := mime.ParseMediaType(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return na == nb
}
