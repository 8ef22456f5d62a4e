// Package worker drives the analysis pipeline: claim a job, extract its
// attachments, analyze body and attachments, aggregate, and finish the
// job with a result or a structured failure.
package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mail-analysis-service/internal/aggregate"
	"mail-analysis-service/internal/analysis"
	"mail-analysis-service/internal/config"
	"mail-analysis-service/internal/extract"
	"mail-analysis-service/internal/keystore"
	"mail-analysis-service/internal/models"
	"mail-analysis-service/internal/registry"
	"mail-analysis-service/internal/telemetry"
	"mail-analysis-service/internal/webhook"
)

const (
	sweepBatch  = 100
	backoffBase = 2 * time.Second
)

// Processor is the worker execution loop.
type Processor struct {
	cfg        config.Config
	registry   *registry.Registry
	dispatcher *extract.Dispatcher
	analyzer   *analysis.Analyzer
	notifier   *webhook.Notifier
	keys       *keystore.Store
	workerID   string
	logger     *zap.Logger
}

// New builds a Processor. workerID identifies this worker on leases.
func New(cfg config.Config, reg *registry.Registry, dispatcher *extract.Dispatcher, analyzer *analysis.Analyzer, notifier *webhook.Notifier, keys *keystore.Store, workerID string, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		registry:   reg,
		dispatcher: dispatcher,
		analyzer:   analyzer,
		notifier:   notifier,
		keys:       keys,
		workerID:   workerID,
		logger:     logger,
	}
}

// Run claims and processes jobs until context cancellation. Queue
// maintenance (promoting scheduled retries, reclaiming expired leases)
// happens inline on every pass.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		_, _ = p.registry.PromoteScheduled(ctx, now, sweepBatch)
		if reclaimed, err := p.registry.ReclaimExpiredLeases(ctx, now, sweepBatch); err == nil && len(reclaimed) > 0 {
			telemetry.LeaseExpiries.Add(float64(len(reclaimed)))
			p.logger.Warn("reclaimed expired leases", zap.Strings("job_ids", reclaimed))
		}
		if depth, err := p.registry.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		job, err := p.registry.ClaimNext(ctx, p.workerID)
		if err != nil {
			p.logger.Error("claim failed", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.process(ctx, *job)
		telemetry.InFlightGauge.Dec()
	}
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.WorkerPollInterval):
	}
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	started := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobSoftTimeout)
	defer cancel()

	result, err := p.runPipeline(jobCtx, job, started)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-job: leave the lease to expire and requeue.
			return
		}
		p.finishWithError(ctx, job, err)
		return
	}

	if err := p.registry.Complete(ctx, job.ID, result); err != nil {
		p.logger.Error("complete failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	telemetry.JobsCompleted.Inc()
	p.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("client_id", job.ClientID),
		zap.Duration("took", time.Since(started)))

	job.Status = models.StatusCompleted
	p.notify(ctx, job, &result)
}

// runPipeline produces a job's result: body analysis and attachment
// extraction run in parallel, then extracted attachments are analyzed.
func (p *Processor) runPipeline(ctx context.Context, job models.Job, started time.Time) (models.AnalysisResult, error) {
	payload, err := p.registry.Payload(ctx, job.ID)
	if err != nil {
		if models.KindOf(err) == models.KindNotFound {
			return models.AnalysisResult{}, models.NewError(models.KindInternal, "raw payload for job %s expired before processing", job.ID)
		}
		return models.AnalysisResult{}, err
	}

	tasks := extract.Tasks(job.ID, payload)

	var body models.StructuredAnalysis
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var analyzeErr error
		body, analyzeErr = p.analyzer.AnalyzeEmail(gCtx, payload)
		return analyzeErr
	})
	g.Go(func() error {
		p.dispatcher.Dispatch(gCtx, payload, tasks)
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.AnalysisResult{}, p.classify(err)
	}

	// Attachment analyses can stack up behind a slow backend; buy more
	// lease before starting them.
	if len(tasks) > 0 {
		if err := p.registry.ExtendLease(ctx, job, p.cfg.LeaseTimeout); err != nil {
			p.logger.Warn("extend lease failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	p.analyzeAttachments(ctx, tasks)

	// A deadline that fired mid-fan-out fails the job outright rather
	// than storing a completed result full of timed-out slots.
	if err := ctx.Err(); err != nil {
		return models.AnalysisResult{}, p.classify(err)
	}

	return aggregate.Build(job, payload, body, tasks, started), nil
}

// analyzeAttachments runs the LLM over each extracted task. A failure
// here fails only that task; the job still completes with the slot
// carrying the error.
func (p *Processor) analyzeAttachments(ctx context.Context, tasks []models.AttachmentTask) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.AttachmentConcurrency)

	for i := range tasks {
		task := &tasks[i]
		if task.Status != models.TaskExtracted {
			continue
		}
		g.Go(func() error {
			got, err := p.analyzer.AnalyzeAttachment(gCtx, task.Filename, task.ExtractedText)
			if err != nil {
				task.Status = models.TaskFailed
				task.Err = models.AsError(err)
				return nil
			}
			task.Status = models.TaskAnalyzed
			task.TokensUsed = got.TokensUsed
			task.Analysis = &models.AttachmentAnalysis{
				ContentSummary: got.Summary,
				Sentiment:      got.Sentiment,
				Topics:         got.Topics,
				Entities:       got.Entities,
			}
			return nil
		})
	}
	_ = g.Wait()
}

// classify folds soft-timeout deadline errors into the timeout kind.
// Shutdown cancellation surfaces as context.Canceled and passes through.
func (p *Processor) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.KindTimeout, "job exceeded the %s processing window", p.cfg.JobSoftTimeout)
	}
	return err
}

// finishWithError either schedules a retry or records a terminal
// failure, depending on the error kind and remaining attempts.
func (p *Processor) finishWithError(ctx context.Context, job models.Job, err error) {
	cause := models.AsError(err)
	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.cfg.MaxRetries
	}

	if cause.Retryable() && job.RetryCount < maxRetries {
		attempt := job.RetryCount + 1
		wait := backoffWithJitter(backoffBase, p.cfg.BackoffCap, attempt)
		if _, requeueErr := p.registry.RequeueForRetry(ctx, job.ID, time.Now().Add(wait), cause); requeueErr != nil {
			p.logger.Error("requeue failed", zap.String("job_id", job.ID), zap.Error(requeueErr))
			return
		}
		telemetry.JobsRetried.Inc()
		p.logger.Warn("job scheduled for retry",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.String("kind", string(cause.Kind)))
		return
	}

	if failErr := p.registry.Fail(ctx, job.ID, cause); failErr != nil {
		p.logger.Error("fail transition failed", zap.String("job_id", job.ID), zap.Error(failErr))
		return
	}
	telemetry.JobsFailed.Inc()
	p.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("client_id", job.ClientID),
		zap.String("kind", string(cause.Kind)),
		zap.String("error", cause.Message))

	job.Status = models.StatusFailed
	job.Error = cause
	p.notify(ctx, job, nil)
}

// notify fires the terminal-state webhook. Delivery problems are logged;
// the job outcome stands regardless.
func (p *Processor) notify(ctx context.Context, job models.Job, result *models.AnalysisResult) {
	rec, err := p.keys.WebhookFor(ctx, job.ClientID)
	if err != nil {
		p.logger.Warn("webhook lookup failed", zap.String("client_id", job.ClientID), zap.Error(err))
		return
	}
	if rec.WebhookURL == "" {
		return
	}
	if err := p.notifier.NotifyTerminal(ctx, job, rec, result); err != nil {
		p.logger.Warn("webhook notification failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
