// Package retention sweeps terminal jobs past their retention window:
// archive first when archival is on, then purge the Redis records and
// any offloaded attachment blobs.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mail-analysis-service/internal/blobstore"
	"mail-analysis-service/internal/models"
	"mail-analysis-service/internal/registry"
)

const sweepBatch = 100

// Archiver is the subset of the archive store the sweeper needs.
type Archiver interface {
	ArchiveJob(ctx context.Context, job models.Job, result *models.AnalysisResult) error
}

// Sweeper runs the periodic retention pass.
type Sweeper struct {
	registry *registry.Registry
	archiver Archiver
	blobs    blobstore.Store
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
}

// New builds a Sweeper. archiver and blobs may be nil.
func New(reg *registry.Registry, archiver Archiver, blobs blobstore.Store, interval, maxAge time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		registry: reg,
		archiver: archiver,
		blobs:    blobs,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// Run sweeps on the configured interval until the context ends. A failed
// pass is logged and retried at the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("retention sweep failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				s.logger.Info("retention sweep finished", zap.Int("purged", purged))
			}
		}
	}
}

// SweepOnce processes one batch of expired terminal jobs and reports how
// many were purged. A job that fails to archive is left for the next
// pass rather than purged unarchived.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.maxAge)
	jobs, err := s.registry.TerminalJobsBefore(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, job := range jobs {
		if err := s.sweepJob(ctx, job); err != nil {
			s.logger.Warn("retention sweep skipped job",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		purged++
	}
	return purged, nil
}

func (s *Sweeper) sweepJob(ctx context.Context, job models.Job) error {
	var result *models.AnalysisResult
	if job.Status == models.StatusCompleted {
		if r, err := s.registry.Result(ctx, job.ID); err == nil {
			result = &r
		}
	}

	if s.archiver != nil {
		if err := s.archiver.ArchiveJob(ctx, job, result); err != nil {
			return err
		}
	}

	s.deleteBlobs(ctx, job.ID)
	return s.registry.Purge(ctx, job.ID)
}

// deleteBlobs removes offloaded attachment content. The payload record
// normally expires before retention does; a missing payload just means
// there is nothing left to reference.
func (s *Sweeper) deleteBlobs(ctx context.Context, jobID string) {
	if s.blobs == nil {
		return
	}
	payload, err := s.registry.Payload(ctx, jobID)
	if err != nil {
		return
	}
	for _, att := range payload.Attachments {
		if att.ContentRef == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, att.ContentRef); err != nil {
			s.logger.Warn("delete attachment blob failed",
				zap.String("job_id", jobID),
				zap.String("ref", att.ContentRef),
				zap.Error(err))
		}
	}
}
