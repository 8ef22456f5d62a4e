package keystore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mail-analysis-service/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestGenerateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	apiKey, rec, err := store.Generate(ctx, "client-1", "pro")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(apiKey, "ma_pro_") {
		t.Fatalf("unexpected key format: %s", apiKey)
	}
	if !rec.Allows("webhook") {
		t.Fatalf("pro tier should allow webhook")
	}

	got, err := store.Get(ctx, apiKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ClientID != "client-1" || got.Tier != "pro" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestGetRejectsMissingAndExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Get(ctx, ""); models.KindOf(err) != models.KindAuth {
		t.Fatalf("expected auth error for empty key, got %v", err)
	}
	if _, err := store.Get(ctx, "ma_free_doesnotexist"); models.KindOf(err) != models.KindAuth {
		t.Fatalf("expected auth error for unknown key, got %v", err)
	}

	expired := Record{
		ClientID:    "client-2",
		Tier:        "free",
		Permissions: TierPermissions("free"),
		CreatedAt:   time.Now().Add(-48 * time.Hour),
		ExpiresAt:   time.Now().Add(time.Second),
	}
	if err := store.Put(ctx, "ma_free_short", expired); err != nil {
		t.Fatalf("put: %v", err)
	}
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	if err := store.Put(ctx, "ma_free_short", expired); err != nil {
		t.Fatalf("put expired: %v", err)
	}
	_, err := store.Get(ctx, "ma_free_short")
	var appErr *models.Error
	if !errors.As(err, &appErr) || appErr.Kind != models.KindAuth {
		t.Fatalf("expected auth error for expired key, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	apiKey, _, err := store.Generate(ctx, "client-3", "free")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := store.Revoke(ctx, apiKey); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := store.Get(ctx, apiKey); models.KindOf(err) != models.KindAuth {
		t.Fatalf("expected auth error after revocation, got %v", err)
	}
}

func TestFailedAuthBansAfterThreshold(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < banThreshold-1; i++ {
		banned, err := store.RecordAuthFailure(ctx, "10.0.0.9")
		if err != nil {
			t.Fatalf("record failure: %v", err)
		}
		if banned {
			t.Fatalf("banned too early at attempt %d", i+1)
		}
	}
	banned, err := store.RecordAuthFailure(ctx, "10.0.0.9")
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if !banned {
		t.Fatalf("expected ban at attempt %d", banThreshold)
	}
	if !store.IPBanned(ctx, "10.0.0.9") {
		t.Fatalf("expected IPBanned to report true")
	}
}

func TestMask(t *testing.T) {
	masked := Mask("ma_pro_abcdef0123456789")
	if masked == "ma_pro_abcdef0123456789" {
		t.Fatalf("key not masked")
	}
	if !strings.HasPrefix(masked, "ma_pro_abcd") {
		t.Fatalf("unexpected mask: %s", masked)
	}
	if Mask("") != "none" {
		t.Fatalf("empty key should mask to none")
	}
}
