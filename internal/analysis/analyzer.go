// Package analysis runs email and attachment content through an
// OpenAI-compatible backend behind a circuit breaker, with API-key
// failover and a shared monthly cost ceiling.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mail-analysis-service/internal/config"
	"mail-analysis-service/internal/models"
	"mail-analysis-service/internal/telemetry"
)

// Analyzer is the entry point workers use for LLM calls.
type Analyzer struct {
	client   *Client
	pool     *KeyPool
	costs    *CostTracker
	breaker  *CircuitBreaker
	models   []string
	fallback string
	logger   *zap.Logger
}

// New wires an Analyzer from config.
func New(cfg config.Config, rdb *redis.Client, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		client:   NewClient(cfg.LLMBaseURL, cfg.LLMMaxTokens, cfg.LLMTimeout),
		pool:     NewKeyPool(rdb, cfg.LLMAPIKey, cfg.LLMBackupKeys, cfg.LLMKeyCooldown),
		costs:    NewCostTracker(rdb, cfg.MonthlyCostLimit),
		breaker:  NewCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout),
		models:   cfg.LLMModels,
		fallback: cfg.LLMFallbackModel,
		logger:   logger,
	}
}

// Breaker exposes the circuit state for health reporting.
func (a *Analyzer) Breaker() *CircuitBreaker { return a.breaker }

// Costs exposes the tracker for the usage endpoint.
func (a *Analyzer) Costs() *CostTracker { return a.costs }

// AnalyzeEmail analyzes the email body and headers as one unit.
func (a *Analyzer) AnalyzeEmail(ctx context.Context, payload models.EmailPayload) (models.StructuredAnalysis, error) {
	return a.analyze(ctx, emailSystemPrompt, emailUserText(payload))
}

// AnalyzeAttachment analyzes the extracted text of one attachment.
func (a *Analyzer) AnalyzeAttachment(ctx context.Context, filename, text string) (models.StructuredAnalysis, error) {
	user := fmt.Sprintf("Document: %s\n\n%s", filename, SanitizePrompt(text))
	return a.analyze(ctx, attachmentSystemPrompt, user)
}

func (a *Analyzer) analyze(ctx context.Context, systemPrompt, userText string) (models.StructuredAnalysis, error) {
	if err := a.breaker.Allow(); err != nil {
		return models.StructuredAnalysis{}, err
	}

	// Calls that never reach the backend give the breaker no verdict;
	// hand the admitted slot back so a half-open probe is not stranded.
	settled := false
	defer func() {
		if !settled {
			a.breaker.Release()
		}
	}()

	if err := a.costs.CheckBudget(ctx); err != nil {
		return models.StructuredAnalysis{}, err
	}

	model := a.model(ctx)

	// One attempt per configured key: a rate-limited key is put in
	// cooldown and the next key is tried immediately.
	attempts := 1 + len(a.pool.backups)
	for i := 0; i < attempts; i++ {
		key, err := a.pool.Acquire(ctx)
		if err != nil {
			return models.StructuredAnalysis{}, err
		}

		telemetry.LLMCalls.Inc()
		result, err := a.client.Complete(ctx, key, model, systemPrompt, userText)
		if err == nil {
			settled = true
			a.breaker.RecordSuccess()
			telemetry.TokensUsed.Add(float64(result.TokensUsed))
			if trackErr := a.costs.Track(ctx, model, result.TokensUsed); trackErr != nil {
				a.logger.Warn("cost tracking failed", zap.Error(trackErr))
			}
			return result, nil
		}

		var limited *rateLimitedError
		if errors.As(err, &limited) {
			telemetry.LLMFailures.Inc()
			a.logger.Warn("analysis backend key rate limited, rotating", zap.Error(err))
			if markErr := a.pool.MarkLimited(ctx, key); markErr != nil {
				a.logger.Warn("marking key limited failed", zap.Error(markErr))
			}
			continue
		}

		telemetry.LLMFailures.Inc()
		settled = true
		a.breaker.RecordFailure()
		return models.StructuredAnalysis{}, err
	}

	return models.StructuredAnalysis{}, models.NewError(models.KindKeysExhausted, "all analysis backend API keys are rate limited")
}

// model picks the preferred model, downgrading to the fallback once
// spend nears the monthly ceiling.
func (a *Analyzer) model(ctx context.Context) string {
	preferred := a.fallback
	if len(a.models) > 0 {
		preferred = a.models[0]
	}
	if preferred != a.fallback && a.fallback != "" && a.costs.NearBudget(ctx) {
		a.logger.Info("near monthly budget, downgrading model",
			zap.String("from", preferred), zap.String("to", a.fallback))
		return a.fallback
	}
	return preferred
}

func emailUserText(payload models.EmailPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", payload.Subject)
	fmt.Fprintf(&b, "From: %s\n", formatAddress(payload.From))
	if len(payload.To) > 0 {
		recipients := make([]string, len(payload.To))
		for i, addr := range payload.To {
			recipients[i] = formatAddress(addr)
		}
		fmt.Fprintf(&b, "To: %s\n", strings.Join(recipients, ", "))
	}
	if !payload.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", payload.Date.Format("2006-01-02 15:04:05"))
	}
	b.WriteString("\n")
	b.WriteString(SanitizePrompt(payload.BodyContent()))
	return b.String()
}

func formatAddress(addr models.EmailAddress) string {
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, addr.Email)
	}
	return addr.Email
}
