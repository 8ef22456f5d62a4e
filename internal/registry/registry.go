// Package registry owns the job state machine and its persistence in
// Redis: the ready queue, processing leases, scheduled retries, payloads,
// and stored results.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mail-analysis-service/internal/config"
	"mail-analysis-service/internal/models"
)

const (
	jobPrefix     = "job:"
	payloadPrefix = "payload:"
	resultPrefix  = "result:"
	activePrefix  = "active:"
	readyKey      = "queue:ready"
	processingKey = "queue:processing"
	scheduledKey  = "queue:scheduled"
	indexKey      = "jobs:index"
)

// Registry coordinates job records and queue membership in Redis.
type Registry struct {
	client     *redis.Client
	leaseTTL   time.Duration
	maxRetries int
	rawTTL     time.Duration
	resultTTL  time.Duration
}

// New builds a Registry from config.
func New(client *redis.Client, cfg config.Config) *Registry {
	return &Registry{
		client:     client,
		leaseTTL:   cfg.LeaseTimeout,
		maxRetries: cfg.MaxRetries,
		rawTTL:     cfg.RawPayloadTTL,
		resultTTL:  cfg.ResultTTL,
	}
}

// Enqueue persists the job and its raw payload and pushes the job onto the
// ready queue. The payload expires on its own after the raw retention window.
func (r *Registry) Enqueue(ctx context.Context, job models.Job, payload models.EmailPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, jobPrefix+job.ID, jobFields(job))
	// Job record outlives the result TTL slightly so the sweeper, not key
	// expiry, decides when to archive.
	pipe.Expire(ctx, jobPrefix+job.ID, r.resultTTL*2)
	pipe.Set(ctx, payloadPrefix+job.ID, payloadJSON, r.rawTTL)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(job.SubmittedAt.UnixMilli()), Member: job.ID})
	pipe.RPush(ctx, readyKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// claimScript atomically pops one ready job, records the processing lease,
// marks the job processing, and tracks it in the owner client's active set.
var claimScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then return false end
local jobkey = 'job:' .. id
local client = redis.call('HGET', jobkey, 'client_id')
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HSET', jobkey, 'status', 'processing', 'worker_id', ARGV[2], 'updated_at', ARGV[3])
if client then
  redis.call('ZADD', 'active:' .. client, ARGV[1], id)
end
return id
`)

// ClaimNext pops a pending job and marks it processing under a lease held
// by workerID. The pop and lease are a single atomic script, so no two
// workers can claim the same job. Returns nil when the queue is empty.
func (r *Registry) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	now := time.Now().UTC()
	leaseExpiry := now.Add(r.leaseTTL).UnixMilli()

	res, err := claimScript.Run(ctx, r.client,
		[]string{readyKey, processingKey},
		leaseExpiry, workerID, now.Format(time.RFC3339Nano),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}

	job, err := r.get(ctx, id)
	if models.KindOf(err) == models.KindNotFound {
		// Record purged while the id sat in the ready queue; drop the lease.
		_ = r.client.ZRem(ctx, processingKey, id).Err()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ExtendLease pushes the lease deadline forward for an in-flight job.
func (r *Registry) ExtendLease(ctx context.Context, job models.Job, extension time.Duration) error {
	expiry := float64(time.Now().Add(extension).UnixMilli())
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, processingKey, redis.Z{Score: expiry, Member: job.ID})
	pipe.ZAdd(ctx, activePrefix+job.ClientID, redis.Z{Score: expiry, Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// completeScript performs the terminal transition to completed. Repeating
// the call with an identical result is a no-op; any other write after a
// terminal state is rejected.
var completeScript = redis.NewScript(`
local jobkey = 'job:' .. ARGV[1]
local resultkey = 'result:' .. ARGV[1]
local status = redis.call('HGET', jobkey, 'status')
if status == 'completed' then
  local existing = redis.call('GET', resultkey)
  if existing == ARGV[2] then return 'ok' end
  return 'conflict'
end
if status == 'failed' then return 'conflict' end
local client = redis.call('HGET', jobkey, 'client_id')
redis.call('SET', resultkey, ARGV[2], 'PX', ARGV[3])
redis.call('HSET', jobkey, 'status', 'completed', 'updated_at', ARGV[4], 'result_ref', resultkey, 'error', '')
redis.call('ZREM', KEYS[1], ARGV[1])
if client then redis.call('ZREM', 'active:' .. client, ARGV[1]) end
return 'ok'
`)

// Complete stores the result and transitions the job to completed.
func (r *Registry) Complete(ctx context.Context, jobID string, result models.AnalysisResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := completeScript.Run(ctx, r.client,
		[]string{processingKey},
		jobID, resultJSON, r.resultTTL.Milliseconds(), time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if res != "ok" {
		return models.NewError(models.KindTerminal, "job %s is already terminal", jobID)
	}
	return nil
}

// failScript performs the terminal transition to failed with the same
// idempotence rules as completion.
var failScript = redis.NewScript(`
local jobkey = 'job:' .. ARGV[1]
local status = redis.call('HGET', jobkey, 'status')
if status == 'failed' then
  local existing = redis.call('HGET', jobkey, 'error')
  if existing == ARGV[2] then return 'ok' end
  return 'conflict'
end
if status == 'completed' then return 'conflict' end
local client = redis.call('HGET', jobkey, 'client_id')
redis.call('HSET', jobkey, 'status', 'failed', 'updated_at', ARGV[3], 'error', ARGV[2], 'result_ref', '')
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if client then redis.call('ZREM', 'active:' .. client, ARGV[1]) end
return 'ok'
`)

// Fail transitions the job to terminal failed. A failed job never carries
// a result reference.
func (r *Registry) Fail(ctx context.Context, jobID string, jobErr *models.Error) error {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	res, err := failScript.Run(ctx, r.client,
		[]string{processingKey, scheduledKey},
		jobID, errJSON, time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if res != "ok" {
		return models.NewError(models.KindTerminal, "job %s is already terminal", jobID)
	}
	return nil
}

// retryScript requeues a non-terminal job into the scheduled set with an
// incremented retry count.
var retryScript = redis.NewScript(`
local jobkey = 'job:' .. ARGV[1]
local status = redis.call('HGET', jobkey, 'status')
if status == 'completed' or status == 'failed' then return 'conflict' end
local client = redis.call('HGET', jobkey, 'client_id')
local retries = redis.call('HINCRBY', jobkey, 'retry_count', 1)
redis.call('HSET', jobkey, 'status', 'pending', 'next_attempt_at', ARGV[3], 'updated_at', ARGV[4], 'error', ARGV[5], 'worker_id', '')
redis.call('ZREM', KEYS[1], ARGV[1])
if client then redis.call('ZREM', 'active:' .. client, ARGV[1]) end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return retries
`)

// RequeueForRetry schedules another attempt at nextAttempt, recording the
// triggering error on the job. Returns the new retry count.
func (r *Registry) RequeueForRetry(ctx context.Context, jobID string, nextAttempt time.Time, cause *models.Error) (int, error) {
	errJSON, err := json.Marshal(cause)
	if err != nil {
		return 0, fmt.Errorf("marshal error: %w", err)
	}
	res, err := retryScript.Run(ctx, r.client,
		[]string{processingKey, scheduledKey},
		jobID, nextAttempt.UnixMilli(), nextAttempt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano), errJSON,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("requeue job: %w", err)
	}
	if s, ok := res.(string); ok && s == "conflict" {
		return 0, models.NewError(models.KindTerminal, "job %s is already terminal", jobID)
	}
	retries, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected type from retry script: %T", res)
	}
	return int(retries), nil
}

// PromoteScheduled moves due scheduled jobs onto the ready queue. Returns
// how many were promoted.
func (r *Registry) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := r.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ReclaimExpiredLeases requeues jobs whose processing lease lapsed,
// bounded by max retries; beyond the bound the job goes terminal failed
// with a lease-expired error. Returns the ids it touched.
func (r *Registry) ReclaimExpiredLeases(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}

	leaseErr := models.NewError(models.KindLeaseExpired, "worker lease expired before the job finished")
	for _, id := range ids {
		job, err := r.get(ctx, id)
		if err != nil {
			_ = r.client.ZRem(ctx, processingKey, id).Err()
			continue
		}
		if job.RetryCount+1 > maxRetriesFor(job, r.maxRetries) {
			_ = r.Fail(ctx, id, leaseErr)
			continue
		}
		if _, err := r.RequeueForRetry(ctx, id, now, leaseErr); err != nil {
			continue
		}
	}
	return ids, nil
}

func maxRetriesFor(job models.Job, def int) int {
	if job.MaxRetries > 0 {
		return job.MaxRetries
	}
	return def
}

// Get fetches a job scoped to its owning client. Jobs owned by a
// different client surface as not found rather than forbidden.
func (r *Registry) Get(ctx context.Context, jobID, clientID string) (models.Job, error) {
	job, err := r.get(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.ClientID != clientID {
		return models.Job{}, models.NewError(models.KindNotFound, "job %s not found", jobID)
	}
	return job, nil
}

func (r *Registry) get(ctx context.Context, jobID string) (models.Job, error) {
	fields, err := r.client.HGetAll(ctx, jobPrefix+jobID).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("read job: %w", err)
	}
	if len(fields) == 0 {
		return models.Job{}, models.NewError(models.KindNotFound, "job %s not found", jobID)
	}
	return jobFromFields(jobID, fields)
}

// Payload returns the stored raw email payload for a job. Payloads expire
// after the raw retention window, at which point retries can no longer
// read their input.
func (r *Registry) Payload(ctx context.Context, jobID string) (models.EmailPayload, error) {
	data, err := r.client.Get(ctx, payloadPrefix+jobID).Bytes()
	if err == redis.Nil {
		return models.EmailPayload{}, models.NewError(models.KindNotFound, "payload for job %s has expired", jobID)
	}
	if err != nil {
		return models.EmailPayload{}, fmt.Errorf("read payload: %w", err)
	}
	var payload models.EmailPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return models.EmailPayload{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

// Result returns the stored analysis result for a completed job.
func (r *Registry) Result(ctx context.Context, jobID string) (models.AnalysisResult, error) {
	data, err := r.client.Get(ctx, resultPrefix+jobID).Bytes()
	if err == redis.Nil {
		return models.AnalysisResult{}, models.NewError(models.KindNotFound, "result for job %s not found", jobID)
	}
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("read result: %w", err)
	}
	var result models.AnalysisResult
	if err := json.Unmarshal(data, &result); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("unmarshal result: %w", err)
	}
	return result, nil
}

// ActiveCount returns the number of live processing jobs for a client,
// pruning entries whose lease has lapsed.
func (r *Registry) ActiveCount(ctx context.Context, clientID string) (int64, error) {
	key := activePrefix + clientID
	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(time.Now().UnixMilli(), 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// ReadyDepth returns the number of jobs awaiting a worker.
func (r *Registry) ReadyDepth(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, readyKey).Result()
}

// TerminalJobsBefore lists terminal jobs submitted before the cutoff, for
// the retention sweeper.
func (r *Registry) TerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int64) ([]models.Job, error) {
	ids, err := r.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(cutoff.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.get(ctx, id)
		if models.KindOf(err) == models.KindNotFound {
			// Record already expired; drop the index entry.
			_ = r.client.ZRem(ctx, indexKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Purge removes every Redis key belonging to a job.
func (r *Registry) Purge(ctx context.Context, jobID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, jobPrefix+jobID, payloadPrefix+jobID, resultPrefix+jobID)
	pipe.ZRem(ctx, indexKey, jobID)
	pipe.ZRem(ctx, scheduledKey, jobID)
	pipe.ZRem(ctx, processingKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

func jobFields(job models.Job) map[string]any {
	fields := map[string]any{
		"client_id":    job.ClientID,
		"status":       job.Status,
		"submitted_at": job.SubmittedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   job.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"retry_count":  job.RetryCount,
		"max_retries":  job.MaxRetries,
		"worker_id":    job.WorkerID,
	}
	if job.NextAttemptAt != nil {
		fields["next_attempt_at"] = job.NextAttemptAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func jobFromFields(id string, fields map[string]string) (models.Job, error) {
	job := models.Job{
		ID:       id,
		ClientID: fields["client_id"],
		Status:   fields["status"],
		WorkerID: fields["worker_id"],
	}
	var err error
	if v := fields["submitted_at"]; v != "" {
		if job.SubmittedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return models.Job{}, fmt.Errorf("parse submitted_at: %w", err)
		}
	}
	if v := fields["updated_at"]; v != "" {
		if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return models.Job{}, fmt.Errorf("parse updated_at: %w", err)
		}
	}
	if v := fields["next_attempt_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return models.Job{}, fmt.Errorf("parse next_attempt_at: %w", err)
		}
		job.NextAttemptAt = &t
	}
	if v := fields["retry_count"]; v != "" {
		if job.RetryCount, err = strconv.Atoi(v); err != nil {
			return models.Job{}, fmt.Errorf("parse retry_count: %w", err)
		}
	}
	if v := fields["max_retries"]; v != "" {
		if job.MaxRetries, err = strconv.Atoi(v); err != nil {
			return models.Job{}, fmt.Errorf("parse max_retries: %w", err)
		}
	}
	if v := fields["error"]; v != "" {
		var jobErr models.Error
		if err := json.Unmarshal([]byte(v), &jobErr); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal job error: %w", err)
		}
		job.Error = &jobErr
	}
	if v := fields["result_ref"]; v != "" {
		job.ResultRef = &v
	}
	return job, nil
}
