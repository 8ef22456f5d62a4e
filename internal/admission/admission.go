// Package admission gates job submission: API-key auth, permission
// checks, payload validation, rate limiting, and per-client
// concurrency ceilings, in that order. A request increments the rate
// window only after it has authenticated and validated.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mail-analysis-service/internal/blobstore"
	"mail-analysis-service/internal/config"
	"mail-analysis-service/internal/keystore"
	"mail-analysis-service/internal/models"
	"mail-analysis-service/internal/ratelimit"
	"mail-analysis-service/internal/registry"
	"mail-analysis-service/internal/telemetry"
)

// Controller admits analyze requests into the job registry.
type Controller struct {
	cfg      config.Config
	keys     *keystore.Store
	window   *ratelimit.SlidingWindow
	registry *registry.Registry
	blobs    blobstore.Store
	logger   *zap.Logger
}

// New wires a Controller. blobs may be nil, in which case oversized
// attachment content stays inline in the payload record.
func New(cfg config.Config, keys *keystore.Store, window *ratelimit.SlidingWindow, reg *registry.Registry, blobs blobstore.Store, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		keys:     keys,
		window:   window,
		registry: reg,
		blobs:    blobs,
		logger:   logger,
	}
}

// Admission is the accepted-request outcome returned to the API layer.
type Admission struct {
	Job      models.Job
	Record   keystore.Record
	Decision ratelimit.Decision
}

func rateKey(clientID string) string {
	return "rate_limit:" + clientID
}

// Authenticate resolves an API key to its record, tracking failures by
// source IP so repeated guessing gets the address banned.
func (c *Controller) Authenticate(ctx context.Context, apiKey, clientIP string) (keystore.Record, error) {
	if c.keys.IPBanned(ctx, clientIP) {
		telemetry.AuthFailures.Inc()
		return keystore.Record{}, models.NewError(models.KindAuth, "too many failed authentication attempts")
	}
	rec, err := c.keys.Get(ctx, apiKey)
	if err != nil {
		telemetry.AuthFailures.Inc()
		if banned, banErr := c.keys.RecordAuthFailure(ctx, clientIP); banErr == nil && banned {
			c.logger.Warn("client ip banned after repeated auth failures", zap.String("ip", clientIP))
		}
		return keystore.Record{}, err
	}
	return rec, nil
}

// Admit runs the full gate for a submission and, on success, enqueues
// a pending job. The returned Decision carries the rate-limit state
// for response headers even on rejection.
func (c *Controller) Admit(ctx context.Context, apiKey, clientIP string, payload models.EmailPayload) (Admission, error) {
	rec, err := c.Authenticate(ctx, apiKey, clientIP)
	if err != nil {
		return Admission{}, err
	}
	if !rec.Allows("analyze") {
		return Admission{Record: rec}, models.NewError(models.KindAuth, "tier %s does not permit analyze", rec.Tier)
	}
	if verr := payload.Validate(c.cfg.MaxAttachmentSize); verr != nil {
		return Admission{Record: rec}, verr
	}

	limit := c.limitFor(rec)
	decision, err := c.window.Allow(ctx, rateKey(rec.ClientID), limit, uuid.New().String())
	if err != nil {
		return Admission{Record: rec}, models.NewError(models.KindInternal, "rate limit check: %v", err)
	}
	if !decision.Allowed {
		telemetry.RateLimitRejects.Inc()
		return Admission{Record: rec, Decision: decision}, models.NewRateLimitError(limit, decision.ResetAt)
	}

	tier := c.cfg.TierFor(rec.Tier)
	active, err := c.registry.ActiveCount(ctx, rec.ClientID)
	if err != nil {
		return Admission{Record: rec, Decision: decision}, models.NewError(models.KindInternal, "active count: %v", err)
	}
	if active >= int64(tier.MaxConcurrent) {
		return Admission{Record: rec, Decision: decision}, models.NewError(models.KindConcurrency,
			"client %s has %d jobs in flight (limit %d)", rec.ClientID, active, tier.MaxConcurrent).
			WithContext("max_concurrent", tier.MaxConcurrent)
	}

	job := models.Job{
		ID:          uuid.New().String(),
		ClientID:    rec.ClientID,
		Status:      models.StatusPending,
		SubmittedAt: time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
		MaxRetries:  c.cfg.MaxRetries,
	}
	if err := c.offloadAttachments(ctx, job.ID, &payload); err != nil {
		return Admission{Record: rec, Decision: decision}, err
	}
	if err := c.registry.Enqueue(ctx, job, payload); err != nil {
		return Admission{Record: rec, Decision: decision}, models.NewError(models.KindInternal, "enqueue: %v", err)
	}

	telemetry.JobsAdmitted.Inc()
	c.logger.Info("job admitted",
		zap.String("job_id", job.ID),
		zap.String("client_id", rec.ClientID),
		zap.String("tier", rec.Tier),
		zap.Int("attachments", len(payload.Attachments)))
	return Admission{Job: job, Record: rec, Decision: decision}, nil
}

// offloadAttachments moves attachment bodies above the inline limit
// into the blob store, leaving a reference on the payload.
func (c *Controller) offloadAttachments(ctx context.Context, jobID string, payload *models.EmailPayload) error {
	if c.blobs == nil {
		return nil
	}
	for i := range payload.Attachments {
		att := &payload.Attachments[i]
		data, err := att.Decode()
		if err != nil {
			return models.NewError(models.KindValidation, "attachment %d: %v", i, err)
		}
		if len(data) <= c.cfg.InlineBlobLimit {
			continue
		}
		key := fmt.Sprintf("raw/%s/%d", jobID, i)
		if err := c.blobs.Put(ctx, key, data, att.ContentType); err != nil {
			return models.NewError(models.KindInternal, "offload attachment %d: %v", i, err)
		}
		att.ContentRef = key
		att.Content = ""
	}
	return nil
}

// Usage reports the current rate-window state for a client without
// consuming a slot.
func (c *Controller) Usage(ctx context.Context, rec keystore.Record) (ratelimit.Decision, error) {
	return c.window.Usage(ctx, rateKey(rec.ClientID), c.limitFor(rec))
}

func (c *Controller) limitFor(rec keystore.Record) int {
	if rec.RateLimitOverride != nil {
		return *rec.RateLimitOverride
	}
	return c.cfg.TierFor(rec.Tier).RequestsPerMinute
}
