// Package mongostore is a MongoDB-backed implementation of db.DatabaseService:
// direct *mongo.Collection fields, bson.M filters, fmt.Errorf-wrapped
// errors, and an Options-validated constructor with a per-operation
// context timeout.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/cronicorn/engine/internal/db"
	"github.com/cronicorn/engine/internal/domain"
)

const (
	defaultOpTimeout = 10 * time.Second

	jobsCollection          = "jobs"
	endpointsCollection     = "endpoints"
	messagesCollection      = "messages"
	endpointUsageCollection = "endpoint_usage"
)

// LeaseCache is the fast advisory-lock path LockJob/UnlockJob consult before
// falling through to Mongo's own compare-and-set. A miss or nil LeaseCache
// never blocks locking; Mongo's CAS remains the sole source of truth.
type LeaseCache interface {
	TryAcquire(ctx context.Context, jobID, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID, token string) error
}

// Options configures the Store.
type Options struct {
	Client   *mongo.Client
	Database string
	Timeout  time.Duration

	// LeaseCache optionally short-circuits LockJob with a Redis advisory
	// lock before the Mongo CAS runs, so a contended job fails fast
	// without round-tripping to Mongo. May be nil.
	LeaseCache LeaseCache
}

// Store is a MongoDB-backed db.DatabaseService.
type Store struct {
	client        *mongo.Client
	jobs          *mongo.Collection
	endpoints     *mongo.Collection
	messages      *mongo.Collection
	endpointUsage *mongo.Collection
	timeout       time.Duration
	leaseCache    LeaseCache
}

var _ db.DatabaseService = (*Store)(nil)

// New constructs a Store and ensures its indexes exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	database := opts.Client.Database(opts.Database)
	s := &Store{
		client:        opts.Client,
		jobs:          database.Collection(jobsCollection),
		endpoints:     database.Collection(endpointsCollection),
		messages:      database.Collection(messagesCollection),
		endpointUsage: database.Collection(endpointUsageCollection),
		timeout:       timeout,
		leaseCache:    opts.LeaseCache,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongostore: ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.endpoints.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "jobId", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "jobId", Value: 1}, {Key: "createdAt", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.endpointUsage.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "jobId", Value: 1}, {Key: "timestamp", Value: 1}},
	}); err != nil {
		return err
	}
	_, err := s.jobs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextRunAt", Value: 1}},
	})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Ping reports whether the underlying connection is reachable, so the
// Store can be wired into a health-check endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// GetJobsToProcess returns due ACTIVE jobs that are unlocked or whose lease
// has expired.
func (s *Store) GetJobsToProcess(ctx context.Context, maxBatchSize int) ([]domain.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	filter := bson.M{
		"status":    domain.JobStatusActive,
		"nextRunAt": bson.M{"$lte": now},
		"$or": []bson.M{
			{"locked": bson.M{"$ne": true}},
			{"lockExpiresAt": bson.M{"$lte": now}},
		},
	}
	opts := options.Find().SetLimit(int64(maxBatchSize)).SetSort(bson.D{{Key: "nextRunAt", Value: 1}})
	cursor, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: find jobs to process: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var jobs []domain.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("mongostore: decode jobs to process: %w", err)
	}
	return jobs, nil
}

// LockJob performs an atomic compare-and-set: only succeeds when the job is
// currently unlocked or its prior lease has expired.
func (s *Store) LockJob(ctx context.Context, jobID string, leaseDuration time.Duration) (string, error) {
	token := newLockToken()
	cacheAcquired := false

	if s.leaseCache != nil {
		acquired, err := s.leaseCache.TryAcquire(ctx, jobID, token, leaseDuration)
		if err == nil && !acquired {
			return "", db.ErrLockConflict
		}
		// A cache error is treated as an optimization miss: proceed to the
		// authoritative Mongo CAS rather than blocking the lock attempt.
		cacheAcquired = err == nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	expiresAt := now.Add(leaseDuration)

	filter := bson.M{
		"_id": jobID,
		"$or": []bson.M{
			{"locked": bson.M{"$ne": true}},
			{"lockExpiresAt": bson.M{"$lte": now}},
		},
	}
	update := bson.M{"$set": bson.M{
		"locked":        true,
		"lockToken":     token,
		"lockExpiresAt": expiresAt,
	}}
	res, err := s.jobs.UpdateOne(ctx, filter, update)
	if err != nil {
		if cacheAcquired {
			s.leaseCache.Release(ctx, jobID, token)
		}
		return "", fmt.Errorf("mongostore: lock job %q: %w", jobID, err)
	}
	if res.MatchedCount == 0 {
		if cacheAcquired {
			s.leaseCache.Release(ctx, jobID, token)
		}
		return "", db.ErrLockConflict
	}
	return token, nil
}

// UnlockJob releases the lease if token matches; a mismatch is treated as
// an already-released lease rather than an error.
func (s *Store) UnlockJob(ctx context.Context, jobID, token string) error {
	if s.leaseCache != nil {
		// Best-effort: the cache entry expires on its own TTL even if this
		// release fails, so a cache error must not block the Mongo release.
		_ = s.leaseCache.Release(ctx, jobID, token)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": jobID, "lockToken": token}
	update := bson.M{"$set": bson.M{
		"locked":        false,
		"lockToken":     "",
		"lockExpiresAt": nil,
	}}
	_, err := s.jobs.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongostore: unlock job %q: %w", jobID, err)
	}
	return nil
}

// GetJobContext loads the full context for jobID.
func (s *Store) GetJobContext(ctx context.Context, jobID string) (domain.JobContext, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var job domain.Job
	if err := s.jobs.FindOne(ctx, bson.M{"_id": jobID}).Decode(&job); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.JobContext{}, db.ErrNotFound
		}
		return domain.JobContext{}, fmt.Errorf("mongostore: get job %q: %w", jobID, err)
	}

	endpoints, err := s.findEndpoints(ctx, jobID)
	if err != nil {
		return domain.JobContext{}, err
	}
	messages, err := s.findMessages(ctx, jobID)
	if err != nil {
		return domain.JobContext{}, err
	}
	usage, err := s.findEndpointUsage(ctx, jobID)
	if err != nil {
		return domain.JobContext{}, err
	}

	return domain.JobContext{
		Job:           job,
		Endpoints:     endpoints,
		Messages:      messages,
		EndpointUsage: usage,
		ExecutionContext: domain.ExecutionContext{
			CurrentTime: time.Now(),
			Environment: domain.EnvironmentProduction,
		},
	}, nil
}

func (s *Store) findEndpoints(ctx context.Context, jobID string) ([]domain.Endpoint, error) {
	cursor, err := s.endpoints.Find(ctx, bson.M{"jobId": jobID})
	if err != nil {
		return nil, fmt.Errorf("mongostore: find endpoints for job %q: %w", jobID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []domain.Endpoint
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongostore: decode endpoints for job %q: %w", jobID, err)
	}
	return out, nil
}

func (s *Store) findMessages(ctx context.Context, jobID string) ([]domain.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cursor, err := s.messages.Find(ctx, bson.M{"jobId": jobID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: find messages for job %q: %w", jobID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []domain.Message
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongostore: decode messages for job %q: %w", jobID, err)
	}
	return out, nil
}

func (s *Store) findEndpointUsage(ctx context.Context, jobID string) ([]domain.EndpointUsage, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := s.endpointUsage.Find(ctx, bson.M{"jobId": jobID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: find endpoint usage for job %q: %w", jobID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []domain.EndpointUsage
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongostore: decode endpoint usage for job %q: %w", jobID, err)
	}
	return out, nil
}

// RecordExecutionPlan appends the plan's reasoning as an assistant message
// so it becomes part of the job's conversational history for future cycles.
func (s *Store) RecordExecutionPlan(ctx context.Context, jobID string, plan domain.ExecutionPlan) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	msg := domain.Message{
		ID:        newID(),
		JobID:     jobID,
		Role:      domain.MessageRoleAssistant,
		Content:   plan.Reasoning,
		CreatedAt: time.Now(),
	}
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("mongostore: record execution plan for job %q: %w", jobID, err)
	}
	return nil
}

// RecordEndpointResults persists each result as an EndpointUsage row.
func (s *Store) RecordEndpointResults(ctx context.Context, jobID string, results []domain.EndpointExecutionResult) error {
	if len(results) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	docs := make([]any, len(results))
	for i, r := range results {
		docs[i] = domain.EndpointUsage{
			ID:              newID(),
			JobID:           jobID,
			EndpointID:      r.EndpointID,
			Timestamp:       r.Timestamp,
			RequestSize:     r.RequestSize,
			ResponseSize:    r.ResponseSize,
			ExecutionTimeMs: r.ExecutionTimeMs,
			StatusCode:      r.StatusCode,
			Success:         r.Success,
			Truncated:       r.Truncated,
			ErrorMessage:    r.Error,
		}
	}
	if _, err := s.endpointUsage.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("mongostore: record endpoint results for job %q: %w", jobID, err)
	}
	return nil
}

// RecordExecutionSummary persists the cycle's aggregate summary as a system
// message, keeping the full audit trail in one append-only collection.
func (s *Store) RecordExecutionSummary(ctx context.Context, jobID string, summary domain.ExecutionSummary) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	content := fmt.Sprintf("cycle summary: %d succeeded, %d failed, %d aborted, escalation=%s, recovery=%s",
		summary.SuccessCount, summary.FailureCount, summary.AbortedCount, summary.EscalationLevel, summary.RecoveryAction)
	msg := domain.Message{
		ID:        newID(),
		JobID:     jobID,
		Role:      domain.MessageRoleSystem,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("mongostore: record execution summary for job %q: %w", jobID, err)
	}
	return nil
}

// UpdateJobSchedule applies a ScheduleDecision to the job record.
func (s *Store) UpdateJobSchedule(ctx context.Context, jobID string, decision domain.ScheduleDecision) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{"updatedAt": time.Now()}
	if decision.PausesJob() {
		set["status"] = domain.JobStatusPaused
	} else {
		set["nextRunAt"] = decision.NextRunAt
	}
	update := bson.M{"$set": set}
	if _, err := s.jobs.UpdateOne(ctx, bson.M{"_id": jobID}, update); err != nil {
		return fmt.Errorf("mongostore: update job schedule for %q: %w", jobID, err)
	}
	return nil
}

// RecordJobError appends a system message recording a terminal pipeline
// error for operator visibility.
func (s *Store) RecordJobError(ctx context.Context, jobID string, cause error) error {
	if cause == nil {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	msg := domain.Message{
		ID:        newID(),
		JobID:     jobID,
		Role:      domain.MessageRoleSystem,
		Content:   "pipeline error: " + cause.Error(),
		CreatedAt: time.Now(),
	}
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("mongostore: record job error for %q: %w", jobID, err)
	}
	return nil
}

// UpdateJobTokenUsage accumulates usage into the job's running total.
func (s *Store) UpdateJobTokenUsage(ctx context.Context, jobID string, usage domain.TokenUsage) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.addTokenUsage(ctx, jobID, usage)
}

func (s *Store) addTokenUsage(ctx context.Context, jobID string, usage domain.TokenUsage) error {
	if usage == (domain.TokenUsage{}) {
		return nil
	}
	update := bson.M{"$inc": bson.M{
		"tokenUsage.inputTokens":       usage.InputTokens,
		"tokenUsage.outputTokens":      usage.OutputTokens,
		"tokenUsage.totalTokens":       usage.TotalTokens,
		"tokenUsage.reasoningTokens":   usage.ReasoningTokens,
		"tokenUsage.cachedInputTokens": usage.CachedInputTokens,
	}}
	if _, err := s.jobs.UpdateOne(ctx, bson.M{"_id": jobID}, update); err != nil {
		return fmt.Errorf("mongostore: accumulate token usage for job %q: %w", jobID, err)
	}
	return nil
}

// UpdateDisabledEndpoints replaces the job's disabled-endpoint set.
func (s *Store) UpdateDisabledEndpoints(ctx context.Context, jobID string, disabled []string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"disabledEndpoints": disabled, "updatedAt": time.Now()}}
	if _, err := s.jobs.UpdateOne(ctx, bson.M{"_id": jobID}, update); err != nil {
		return fmt.Errorf("mongostore: update disabled endpoints for job %q: %w", jobID, err)
	}
	return nil
}

// ForceUnlockStaleJobs clears the lock on every job whose lease has expired.
func (s *Store) ForceUnlockStaleJobs(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"locked":        true,
		"lockExpiresAt": bson.M{"$lte": time.Now()},
	}
	update := bson.M{"$set": bson.M{
		"locked":        false,
		"lockToken":     "",
		"lockExpiresAt": nil,
	}}
	res, err := s.jobs.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("mongostore: force unlock stale jobs: %w", err)
	}
	return int(res.ModifiedCount), nil
}
