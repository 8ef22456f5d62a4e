package registry

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mail-analysis-service/internal/config"
	"mail-analysis-service/internal/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Load()
	cfg.LeaseTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 2
	return New(client, cfg)
}

func testJob(id, clientID string) models.Job {
	now := time.Now().UTC()
	return models.Job{
		ID:          id,
		ClientID:    clientID,
		Status:      models.StatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
		MaxRetries:  2,
	}
}

func testPayload() models.EmailPayload {
	return models.EmailPayload{
		MessageID: "msg-1",
		Subject:   "Quarterly invoice",
		From:      models.EmailAddress{Email: "sender@example.com"},
		To:        []models.EmailAddress{{Email: "ops@example.com"}},
		Date:      time.Now().UTC(),
		BodyText:  "Please find the invoice attached.",
	}
}

func TestClaimNextIsExclusive(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	if err := reg.Enqueue(ctx, testJob("job-a", "client-1"), testPayload()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := reg.Enqueue(ctx, testJob("job-b", "client-1"), testPayload()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := reg.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	second, err := reg.ClaimNext(ctx, "w2")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first == nil || second == nil {
		t.Fatalf("expected two claims, got %v and %v", first, second)
	}
	if first.ID == second.ID {
		t.Fatalf("two claims returned the same job %s", first.ID)
	}
	if first.Status != models.StatusProcessing {
		t.Fatalf("claimed job should be processing, got %s", first.Status)
	}
	if first.WorkerID != "w1" {
		t.Fatalf("expected worker id recorded, got %q", first.WorkerID)
	}

	third, err := reg.ClaimNext(ctx, "w3")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if third != nil {
		t.Fatalf("expected empty queue, claimed %s", third.ID)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	if err := reg.Enqueue(ctx, testJob("job-c", "client-1"), testPayload()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := reg.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	result := models.AnalysisResult{JobID: "job-c", Summary: "an invoice", CompletedAt: time.Now().UTC().Truncate(time.Second)}
	if err := reg.Complete(ctx, "job-c", result); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := reg.Complete(ctx, "job-c", result); err != nil {
		t.Fatalf("repeat complete with identical result should be a no-op: %v", err)
	}

	conflicting := result
	conflicting.Summary = "something else"
	if err := reg.Complete(ctx, "job-c", conflicting); models.KindOf(err) != models.KindTerminal {
		t.Fatalf("expected terminal conflict, got %v", err)
	}
	if err := reg.Fail(ctx, "job-c", models.NewError(models.KindLLM, "late failure")); models.KindOf(err) != models.KindTerminal {
		t.Fatalf("expected terminal conflict on fail-after-complete, got %v", err)
	}

	job, err := reg.Get(ctx, "job-c", "client-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.StatusCompleted || job.ResultRef == nil {
		t.Fatalf("unexpected job after completion: %+v", job)
	}
	stored, err := reg.Result(ctx, "job-c")
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if stored.Summary != "an invoice" {
		t.Fatalf("stored result mutated: %+v", stored)
	}
}

func TestFailClearsResultRef(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	if err := reg.Enqueue(ctx, testJob("job-d", "client-1"), testPayload()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := reg.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	cause := models.NewError(models.KindLLM, "model unavailable")
	if err := reg.Fail(ctx, "job-d", cause); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := reg.Fail(ctx, "job-d", cause); err != nil {
		t.Fatalf("repeat fail with identical error should be a no-op: %v", err)
	}

	job, err := reg.Get(ctx, "job-d", "client-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.ResultRef != nil {
		t.Fatalf("failed job must not carry a result ref")
	}
	if job.Error == nil || job.Error.Kind != models.KindLLM {
		t.Fatalf("expected recorded error, got %+v", job.Error)
	}
}

func TestLeaseExpiryRequeuesThenFails(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	if err := reg.Enqueue(ctx, testJob("job-e", "client-1"), testPayload()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	future := time.Now().Add(time.Hour)
	for attempt := 1; attempt <= 2; attempt++ {
		job, err := reg.ClaimNext(ctx, "w1")
		if err != nil || job == nil {
			t.Fatalf("claim attempt %d: job=%v err=%v", attempt, job, err)
		}
		touched, err := reg.ReclaimExpiredLeases(ctx, future, 10)
		if err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		if len(touched) != 1 {
			t.Fatalf("expected one reclaimed lease, got %d", len(touched))
		}
		if _, err := reg.PromoteScheduled(ctx, future, 10); err != nil {
			t.Fatalf("promote: %v", err)
		}

		got, err := reg.Get(ctx, "job-e", "client-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != models.StatusPending {
			t.Fatalf("attempt %d: expected pending after reclaim, got %s", attempt, got.Status)
		}
		if got.RetryCount != attempt {
			t.Fatalf("attempt %d: expected retry_count %d, got %d", attempt, attempt, got.RetryCount)
		}
	}

	// Third expiry exceeds MaxRetries=2 and goes terminal.
	job, err := reg.ClaimNext(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("final claim: job=%v err=%v", job, err)
	}
	if _, err := reg.ReclaimExpiredLeases(ctx, future, 10); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	got, err := reg.Get(ctx, "job-e", "client-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("expected terminal failed, got %s", got.Status)
	}
	if got.Error == nil || got.Error.Kind != models.KindLeaseExpired {
		t.Fatalf("expected lease_expired error, got %+v", got.Error)
	}
}

func TestGetScopedToOwner(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	if err := reg.Enqueue(ctx, testJob("job-f", "client-1"), testPayload()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := reg.Get(ctx, "job-f", "client-2"); models.KindOf(err) != models.KindNotFound {
		t.Fatalf("expected not found for foreign client")
	}
	if _, err := reg.Get(ctx, "missing", "client-1"); models.KindOf(err) != models.KindNotFound {
		t.Fatalf("expected not found for missing job")
	}
}

func TestActiveCountTracksLeases(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	if err := reg.Enqueue(ctx, testJob("job-g", "client-9"), testPayload()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := reg.ActiveCount(ctx, "client-9")
	if err != nil || n != 0 {
		t.Fatalf("expected zero active before claim, got %d err=%v", n, err)
	}

	if _, err := reg.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	n, err = reg.ActiveCount(ctx, "client-9")
	if err != nil || n != 1 {
		t.Fatalf("expected one active during processing, got %d err=%v", n, err)
	}

	if err := reg.Complete(ctx, "job-g", models.AnalysisResult{JobID: "job-g"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	n, err = reg.ActiveCount(ctx, "client-9")
	if err != nil || n != 0 {
		t.Fatalf("expected zero active after completion, got %d err=%v", n, err)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	payload := testPayload()
	if err := reg.Enqueue(ctx, testJob("job-h", "client-1"), payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := reg.Payload(ctx, "job-h")
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.MessageID != payload.MessageID || got.Subject != payload.Subject {
		t.Fatalf("payload mismatch: %+v", got)
	}
}

func TestPurgeRemovesEverything(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	if err := reg.Enqueue(ctx, testJob("job-i", "client-1"), testPayload()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := reg.Purge(ctx, "job-i"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := reg.Get(ctx, "job-i", "client-1"); models.KindOf(err) != models.KindNotFound {
		t.Fatalf("expected job gone after purge")
	}
	if _, err := reg.Payload(ctx, "job-i"); models.KindOf(err) != models.KindNotFound {
		t.Fatalf("expected payload gone after purge")
	}
}
