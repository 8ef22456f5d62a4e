// Package webhook delivers terminal-state notifications to client
// endpoints. Deliveries are signed with the client's webhook secret and
// retried a bounded number of times; delivery failure never changes the
// job's own status.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mail-analysis-service/internal/keystore"
	"mail-analysis-service/internal/models"
	"mail-analysis-service/internal/telemetry"
)

const (
	deliveryPrefix = "webhook:"
	deliveryTTL    = 7 * 24 * time.Hour

	signatureHeader = "X-Webhook-Signature"

	backoffBase = time.Second
)

// Notifier posts signed job events to per-client webhook URLs.
type Notifier struct {
	client      *redis.Client
	httpClient  *http.Client
	maxAttempts int
	backoffCap  time.Duration
	logger      *zap.Logger
}

// New builds a Notifier. maxAttempts bounds tries per delivery; timeout
// applies per attempt.
func New(client *redis.Client, maxAttempts int, timeout, backoffCap time.Duration, logger *zap.Logger) *Notifier {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Notifier{
		client:      client,
		httpClient:  &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		backoffCap:  backoffCap,
		logger:      logger,
	}
}

// Sign computes the hex HMAC-SHA256 of the payload under the client's
// webhook secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// NotifyTerminal delivers a job.completed or job.failed event for a job
// that just reached a terminal state. Clients without a webhook URL are
// skipped. Delivery runs synchronously through the bounded retry loop;
// callers treat any error as advisory.
func (n *Notifier) NotifyTerminal(ctx context.Context, job models.Job, rec keystore.Record, result *models.AnalysisResult) error {
	if rec.WebhookURL == "" {
		return nil
	}

	event, err := buildEvent(job, result)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	delivery := models.WebhookDelivery{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		ClientID:  job.ClientID,
		URL:       rec.WebhookURL,
		Payload:   payload,
		Signature: Sign(rec.WebhookSecret, payload),
		Status:    models.DeliveryPending,
		CreatedAt: time.Now().UTC(),
	}

	return n.deliver(ctx, &delivery)
}

func buildEvent(job models.Job, result *models.AnalysisResult) (models.WebhookEvent, error) {
	event := models.WebhookEvent{Timestamp: time.Now().UTC()}
	if job.Status == models.StatusCompleted && result != nil {
		event.Event = "job.completed"
		data, err := json.Marshal(result)
		if err != nil {
			return event, fmt.Errorf("marshal result for webhook: %w", err)
		}
		event.Data = data
		return event, nil
	}

	event.Event = "job.failed"
	data, err := json.Marshal(struct {
		JobID string        `json:"job_id"`
		Error *models.Error `json:"error"`
	}{JobID: job.ID, Error: job.Error})
	if err != nil {
		return event, fmt.Errorf("marshal failure for webhook: %w", err)
	}
	event.Data = data
	return event, nil
}

func (n *Notifier) deliver(ctx context.Context, delivery *models.WebhookDelivery) error {
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		delivery.Attempt = attempt
		lastErr = n.post(ctx, delivery)
		if lastErr == nil {
			delivery.Status = models.DeliveryDelivered
			n.saveDelivery(ctx, delivery)
			telemetry.WebhooksSent.Inc()
			n.logger.Info("webhook delivered",
				zap.String("job_id", delivery.JobID),
				zap.String("client_id", delivery.ClientID),
				zap.Int("attempt", attempt))
			return nil
		}

		n.logger.Warn("webhook delivery attempt failed",
			zap.String("job_id", delivery.JobID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt < n.maxAttempts {
			wait := backoffWithJitter(backoffBase, n.backoffCap, attempt)
			delivery.NextAttemptAt = time.Now().Add(wait)
			n.saveDelivery(ctx, delivery)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				delivery.Status = models.DeliveryAbandoned
				n.saveDelivery(ctx, delivery)
				telemetry.WebhooksDropped.Inc()
				return ctx.Err()
			}
		}
	}

	delivery.Status = models.DeliveryAbandoned
	n.saveDelivery(ctx, delivery)
	telemetry.WebhooksDropped.Inc()
	return models.NewError(models.KindWebhook, "webhook to %s abandoned after %d attempts: %v",
		delivery.URL, n.maxAttempts, lastErr)
}

func (n *Notifier) post(ctx context.Context, delivery *models.WebhookDelivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, delivery.Signature)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// saveDelivery records delivery state for the ops-side audit trail.
// Failures here are logged, never escalated.
func (n *Notifier) saveDelivery(ctx context.Context, delivery *models.WebhookDelivery) {
	data, err := json.Marshal(delivery)
	if err != nil {
		return
	}
	if err := n.client.Set(ctx, deliveryPrefix+delivery.ID, data, deliveryTTL).Err(); err != nil {
		n.logger.Warn("persist webhook delivery failed", zap.Error(err))
	}
}

// Delivery loads one recorded delivery by id.
func (n *Notifier) Delivery(ctx context.Context, id string) (models.WebhookDelivery, error) {
	data, err := n.client.Get(ctx, deliveryPrefix+id).Bytes()
	if err != nil {
		return models.WebhookDelivery{}, fmt.Errorf("load webhook delivery: %w", err)
	}
	var delivery models.WebhookDelivery
	if err := json.Unmarshal(data, &delivery); err != nil {
		return models.WebhookDelivery{}, fmt.Errorf("decode webhook delivery: %w", err)
	}
	return delivery, nil
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
