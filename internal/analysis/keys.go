package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mail-analysis-service/internal/models"
)

const limitedPrefix = "llm_limited:"

// KeyPool hands out analysis backend API keys, preferring the primary
// and falling back through backups as keys get marked rate limited.
// Limited markers live in Redis so all workers share failover state.
type KeyPool struct {
	client   *redis.Client
	primary  string
	backups  []string
	cooldown time.Duration
}

// NewKeyPool builds a pool from the primary key and ordered backups.
func NewKeyPool(client *redis.Client, primary string, backups []string, cooldown time.Duration) *KeyPool {
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &KeyPool{client: client, primary: primary, backups: backups, cooldown: cooldown}
}

func (p *KeyPool) labelFor(key string) string {
	if key == p.primary {
		return "primary"
	}
	for i, b := range p.backups {
		if key == b {
			return fmt.Sprintf("backup_%d", i)
		}
	}
	return ""
}

func (p *KeyPool) limited(ctx context.Context, label string) bool {
	err := p.client.Get(ctx, limitedPrefix+label).Err()
	if errors.Is(err, redis.Nil) {
		return false
	}
	// On a Redis error assume the key is usable rather than stalling
	// the whole pipeline.
	return err == nil
}

// Acquire returns the first key not currently in cooldown. When every
// key is limited the caller gets an all-keys-exhausted error and should
// back off rather than retry immediately.
func (p *KeyPool) Acquire(ctx context.Context) (string, error) {
	if p.primary != "" && !p.limited(ctx, "primary") {
		return p.primary, nil
	}
	for i, key := range p.backups {
		if key != "" && !p.limited(ctx, fmt.Sprintf("backup_%d", i)) {
			return key, nil
		}
	}
	return "", models.NewError(models.KindKeysExhausted, "all analysis backend API keys are rate limited")
}

// MarkLimited puts a key into cooldown after the backend rejected it.
func (p *KeyPool) MarkLimited(ctx context.Context, key string) error {
	label := p.labelFor(key)
	if label == "" {
		return nil
	}
	if err := p.client.Set(ctx, limitedPrefix+label, "1", p.cooldown).Err(); err != nil {
		return fmt.Errorf("mark key %s limited: %w", label, err)
	}
	return nil
}
