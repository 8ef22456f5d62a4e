// Package keystore owns API-key records: issuance, lookup, revocation,
// and failed-auth tracking. Records are immutable once issued except for
// revocation.
package keystore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mail-analysis-service/internal/models"
)

const (
	keyPrefix     = "api_keys:"
	webhookPrefix = "client_webhook:"
	failedPrefix  = "failed_auth:"
	banPrefix     = "ip_banned:"
	keyLifetime   = 365 * 24 * time.Hour
	banThreshold  = 10
	banWindow     = time.Hour
)

// Record is the metadata stored per API key.
type Record struct {
	ClientID          string    `json:"client_id"`
	Tier              string    `json:"tier"`
	Permissions       []string  `json:"permissions"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	RateLimitOverride *int      `json:"rate_limit_override,omitempty"`
	WebhookURL        string    `json:"webhook_url,omitempty"`
	WebhookSecret     string    `json:"webhook_secret,omitempty"`
	Revoked           bool      `json:"revoked,omitempty"`
}

// Allows reports whether the record grants the named permission.
func (r Record) Allows(permission string) bool {
	for _, p := range r.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Store reads and writes key records in Redis.
type Store struct {
	client *redis.Client
}

// New constructs a Store backed by the given Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// TierPermissions returns the permission set granted to a tier.
func TierPermissions(tier string) []string {
	base := []string{"analyze", "status", "results"}
	switch tier {
	case "free":
		return base
	case "pro":
		return append(base, "webhook", "priority")
	case "enterprise":
		return append(base, "webhook", "priority", "custom_models", "batch")
	default:
		return nil
	}
}

// Generate issues a new key of the form ma_<tier>_<hex> with a one-year
// expiry and stores its record.
func (s *Store) Generate(ctx context.Context, clientID, tier string) (string, Record, error) {
	perms := TierPermissions(tier)
	if perms == nil {
		return "", Record{}, fmt.Errorf("unknown tier %q", tier)
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", Record{}, fmt.Errorf("generate key material: %w", err)
	}
	apiKey := fmt.Sprintf("ma_%s_%s", tier, hex.EncodeToString(raw))

	now := time.Now().UTC()
	rec := Record{
		ClientID:    clientID,
		Tier:        tier,
		Permissions: perms,
		CreatedAt:   now,
		ExpiresAt:   now.Add(keyLifetime),
	}
	if err := s.Put(ctx, apiKey, rec); err != nil {
		return "", Record{}, err
	}
	return apiKey, rec, nil
}

// Put stores a record under the key with TTL matching its expiry.
func (s *Store) Put(ctx context.Context, apiKey string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal key record: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, keyPrefix+apiKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("store key record: %w", err)
	}
	// Workers look webhook targets up by client id, not by key.
	if rec.WebhookURL != "" {
		wh, err := json.Marshal(Record{ClientID: rec.ClientID, WebhookURL: rec.WebhookURL, WebhookSecret: rec.WebhookSecret})
		if err != nil {
			return fmt.Errorf("marshal webhook record: %w", err)
		}
		if err := s.client.Set(ctx, webhookPrefix+rec.ClientID, wh, ttl).Err(); err != nil {
			return fmt.Errorf("store webhook record: %w", err)
		}
	}
	return nil
}

// WebhookFor returns the webhook target for a client. Clients with no
// webhook configured get a zero Record and no error.
func (s *Store) WebhookFor(ctx context.Context, clientID string) (Record, error) {
	data, err := s.client.Get(ctx, webhookPrefix+clientID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("read webhook record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode webhook record: %w", err)
	}
	return rec, nil
}

// Get validates an API key and returns its record. Missing, malformed,
// expired, and revoked keys all surface as an auth error.
func (s *Store) Get(ctx context.Context, apiKey string) (Record, error) {
	if apiKey == "" {
		return Record{}, models.NewError(models.KindAuth, "API key is required")
	}

	data, err := s.client.Get(ctx, keyPrefix+apiKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, models.NewError(models.KindAuth, "invalid API key")
	}
	if err != nil {
		return Record{}, fmt.Errorf("read key record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, models.NewError(models.KindAuth, "invalid API key data")
	}
	if rec.Revoked {
		return Record{}, models.NewError(models.KindAuth, "API key has been revoked")
	}
	if time.Now().After(rec.ExpiresAt) {
		return Record{}, models.NewError(models.KindAuth, "API key has expired")
	}
	return rec, nil
}

// Revoke marks a key revoked while keeping its record until natural expiry.
func (s *Store) Revoke(ctx context.Context, apiKey string) error {
	rec, err := s.Get(ctx, apiKey)
	if err != nil {
		return err
	}
	rec.Revoked = true
	return s.Put(ctx, apiKey, rec)
}

// RecordAuthFailure counts a failed attempt per source IP and applies a
// temporary ban once the attempt count crosses the threshold.
func (s *Store) RecordAuthFailure(ctx context.Context, clientIP string) (bool, error) {
	key := failedPrefix + clientIP
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("count auth failure: %w", err)
	}
	_ = s.client.Expire(ctx, key, banWindow).Err()

	if count >= banThreshold {
		if err := s.client.Set(ctx, banPrefix+clientIP, "1", banWindow).Err(); err != nil {
			return false, fmt.Errorf("set ip ban: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// IPBanned reports whether the source IP is currently banned.
func (s *Store) IPBanned(ctx context.Context, clientIP string) bool {
	n, err := s.client.Exists(ctx, banPrefix+clientIP).Result()
	return err == nil && n > 0
}

// Mask shortens an API key for log output.
func Mask(apiKey string) string {
	if apiKey == "" {
		return "none"
	}
	parts := strings.Split(apiKey, "_")
	if len(parts) >= 3 && len(parts[2]) > 4 {
		return fmt.Sprintf("%s_%s_%s%s", parts[0], parts[1], parts[2][:4], strings.Repeat("*", len(parts[2])-4))
	}
	if len(apiKey) <= 4 {
		return apiKey
	}
	return apiKey[:4] + strings.Repeat("*", len(apiKey)-4)
}
