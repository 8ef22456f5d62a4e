package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mail-analysis-service/internal/models"
)

const (
	costKey   = "llm:monthly_cost"
	tokensKey = "llm:monthly_tokens"
	usageTTL  = 31 * 24 * time.Hour
)

// Per-1K-token prices in USD. Unknown models bill at the default rate.
var modelCosts = map[string]float64{
	"gpt-4":       0.03,
	"gpt-4o":      0.01,
	"gpt-4o-mini": 0.00015,
}

const defaultCostPer1K = 0.01

// CostTracker accumulates token spend in Redis so the monthly ceiling
// holds across all workers. Counters roll over by TTL, not by calendar.
type CostTracker struct {
	client *redis.Client
	limit  float64
}

// NewCostTracker builds a tracker with the given monthly USD ceiling.
func NewCostTracker(client *redis.Client, limit float64) *CostTracker {
	return &CostTracker{client: client, limit: limit}
}

// CostFor prices a call.
func CostFor(model string, tokens int) float64 {
	per1k, ok := modelCosts[model]
	if !ok {
		per1k = defaultCostPer1K
	}
	return float64(tokens) / 1000 * per1k
}

// Track records a call's token usage. Tracking failures are returned but
// callers log and continue; losing a sample is better than losing a job.
func (t *CostTracker) Track(ctx context.Context, model string, tokens int) error {
	cost := CostFor(model, tokens)
	pipe := t.client.TxPipeline()
	pipe.IncrBy(ctx, tokensKey, int64(tokens))
	pipe.IncrByFloat(ctx, costKey, cost)
	pipe.ExpireNX(ctx, tokensKey, usageTTL)
	pipe.ExpireNX(ctx, costKey, usageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("track llm usage: %w", err)
	}
	return nil
}

// CheckBudget fails with a budget error once the month's spend has hit
// the ceiling. A Redis read error allows the call.
func (t *CostTracker) CheckBudget(ctx context.Context) error {
	if t.limit <= 0 {
		return nil
	}
	spent, err := t.client.Get(ctx, costKey).Float64()
	if err != nil {
		return nil
	}
	if spent >= t.limit {
		return models.NewError(models.KindBudgetExceeded, "monthly analysis budget of $%.2f exhausted ($%.2f spent)", t.limit, spent).
			WithContext("monthly_limit", t.limit).
			WithContext("monthly_cost", spent)
	}
	return nil
}

// NearBudget reports whether spend has crossed the downgrade threshold,
// at which point calls switch to the cheaper fallback model.
func (t *CostTracker) NearBudget(ctx context.Context) bool {
	if t.limit <= 0 {
		return false
	}
	spent, err := t.client.Get(ctx, costKey).Float64()
	if err != nil {
		return false
	}
	return spent >= t.limit*0.8
}

// UsageStats is the spend summary exposed on the usage endpoint.
type UsageStats struct {
	MonthlyCost   float64 `json:"monthly_cost"`
	MonthlyTokens int64   `json:"monthly_tokens"`
	MonthlyLimit  float64 `json:"monthly_limit"`
	Percentage    float64 `json:"percentage"`
	Remaining     float64 `json:"remaining"`
}

// Stats reads the current month's accumulated usage.
func (t *CostTracker) Stats(ctx context.Context) (UsageStats, error) {
	stats := UsageStats{MonthlyLimit: t.limit, Remaining: t.limit}
	cost, err := t.client.Get(ctx, costKey).Float64()
	if err == nil {
		stats.MonthlyCost = cost
	}
	tokens, err := t.client.Get(ctx, tokensKey).Int64()
	if err == nil {
		stats.MonthlyTokens = tokens
	}
	if t.limit > 0 {
		stats.Percentage = stats.MonthlyCost / t.limit * 100
		stats.Remaining = t.limit - stats.MonthlyCost
	}
	return stats, nil
}
