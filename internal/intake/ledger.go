package intake

import (
	"context"
	"strconv"
	"sync"
	"time"

	"execbox/internal/common/cache"
	appErr "execbox/pkg/errors"
)

// JobState is a job's lifecycle position. Outputs are never stored.
type JobState string

const (
	StateQueued   JobState = "queued"
	StateAccepted JobState = "accepted"
	StateRunning  JobState = "running"
	StateFinished JobState = "finished"
	StateRejected JobState = "rejected"
)

// JobRecord is what the ledger knows about a job.
type JobRecord struct {
	ID        string           `json:"id"`
	State     JobState         `json:"state"`
	Language  string           `json:"language,omitempty"`
	Status    string           `json:"status,omitempty"`
	Code      appErr.ErrorCode `json:"code,omitempty"`
	UpdatedAt int64            `json:"updated_at"`
}

// JobLedger deduplicates job ids and tracks lifecycle state.
type JobLedger interface {
	// Reserve takes id at intake, before any copy of the job is consumed.
	// It returns false when the id is already in use.
	Reserve(ctx context.Context, id string) (bool, error)
	// Unreserve frees the id of a job that was rejected before it ran.
	Unreserve(ctx context.Context, id string) error
	// Accept claims id. It returns false when the id was already claimed.
	Accept(ctx context.Context, rec JobRecord) (bool, error)
	// Forget drops a claim so a requeued copy can be accepted again.
	Forget(ctx context.Context, id string) error
	// Update overwrites the record's state fields.
	Update(ctx context.Context, rec JobRecord) error
	// Get returns the record or JobNotFound.
	Get(ctx context.Context, id string) (JobRecord, error)
}

const (
	jobKeyPrefix     = "execbox:job:"
	claimKeySuffix   = ":claim"
	reserveKeySuffix = ":reserved"
	defaultLedgerTTL = 24 * time.Hour
)

// RedisLedger keeps the ledger in Redis through the cache abstraction.
type RedisLedger struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewRedisLedger creates a ledger whose entries expire after ttl.
func NewRedisLedger(c cache.Cache, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = defaultLedgerTTL
	}
	return &RedisLedger{cache: c, ttl: ttl}
}

func recordKey(id string) string { return jobKeyPrefix + id }
func claimKey(id string) string  { return jobKeyPrefix + id + claimKeySuffix }
func reserveKey(id string) string {
	return jobKeyPrefix + id + reserveKeySuffix
}

func (l *RedisLedger) Reserve(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, appErr.ValidationError("id", "required")
	}
	ok, err := l.cache.SetNX(ctx, reserveKey(id), time.Now().Unix(), l.ttl)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "reserve job id failed")
	}
	return ok, nil
}

func (l *RedisLedger) Unreserve(ctx context.Context, id string) error {
	if err := l.cache.Del(ctx, reserveKey(id)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "release job id failed")
	}
	return nil
}

func (l *RedisLedger) Accept(ctx context.Context, rec JobRecord) (bool, error) {
	if rec.ID == "" {
		return false, appErr.ValidationError("id", "required")
	}
	ok, err := l.cache.SetNX(ctx, claimKey(rec.ID), time.Now().Unix(), l.ttl)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "claim job failed")
	}
	if !ok {
		return false, nil
	}
	rec.State = StateAccepted
	if err := l.Update(ctx, rec); err != nil {
		_ = l.cache.Del(ctx, claimKey(rec.ID))
		return false, err
	}
	return true, nil
}

func (l *RedisLedger) Forget(ctx context.Context, id string) error {
	if err := l.cache.Del(ctx, claimKey(id)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "release job claim failed")
	}
	return nil
}

func (l *RedisLedger) Update(ctx context.Context, rec JobRecord) error {
	if rec.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = time.Now().Unix()
	}
	fields := map[string]interface{}{
		"state":      string(rec.State),
		"updated_at": rec.UpdatedAt,
	}
	if rec.Language != "" {
		fields["language"] = rec.Language
	}
	if rec.Status != "" {
		fields["status"] = rec.Status
	}
	if rec.Code != 0 {
		fields["code"] = int(rec.Code)
	}
	key := recordKey(rec.ID)
	err := l.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.HMSet(key, fields); err != nil {
			return err
		}
		return pipe.Expire(key, l.ttl)
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheSetFailed, "store job state failed")
	}
	return nil
}

func (l *RedisLedger) Get(ctx context.Context, id string) (JobRecord, error) {
	if id == "" {
		return JobRecord{}, appErr.ValidationError("id", "required")
	}
	fields, err := l.cache.HGetAll(ctx, recordKey(id))
	if err != nil {
		return JobRecord{}, appErr.Wrapf(err, appErr.CacheError, "load job state failed")
	}
	if len(fields) == 0 {
		return JobRecord{}, appErr.New(appErr.JobNotFound)
	}
	rec := JobRecord{
		ID:       id,
		State:    JobState(fields["state"]),
		Language: fields["language"],
		Status:   fields["status"],
	}
	if v, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = v
	}
	if v, err := strconv.Atoi(fields["code"]); err == nil {
		rec.Code = appErr.ErrorCode(v)
	}
	return rec, nil
}

// MemoryLedger is an in-process ledger for single-node deployments without Redis.
type MemoryLedger struct {
	mu       sync.Mutex
	ttl      time.Duration
	reserved map[string]time.Time
	claims   map[string]time.Time
	records  map[string]memoryRecord
	now      func() time.Time
}

type memoryRecord struct {
	rec     JobRecord
	expires time.Time
}

// NewMemoryLedger creates an in-memory ledger.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = defaultLedgerTTL
	}
	return &MemoryLedger{
		ttl:      ttl,
		reserved: make(map[string]time.Time),
		claims:   make(map[string]time.Time),
		records:  make(map[string]memoryRecord),
		now:      time.Now,
	}
}

func (l *MemoryLedger) Reserve(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, appErr.ValidationError("id", "required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)
	if _, ok := l.reserved[id]; ok {
		return false, nil
	}
	l.reserved[id] = now.Add(l.ttl)
	return true, nil
}

func (l *MemoryLedger) Unreserve(_ context.Context, id string) error {
	l.mu.Lock()
	delete(l.reserved, id)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Accept(_ context.Context, rec JobRecord) (bool, error) {
	if rec.ID == "" {
		return false, appErr.ValidationError("id", "required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)
	if _, ok := l.claims[rec.ID]; ok {
		return false, nil
	}
	l.claims[rec.ID] = now.Add(l.ttl)
	rec.State = StateAccepted
	l.put(rec, now)
	return true, nil
}

func (l *MemoryLedger) Forget(_ context.Context, id string) error {
	l.mu.Lock()
	delete(l.claims, id)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Update(_ context.Context, rec JobRecord) error {
	if rec.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.put(rec, l.now())
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, id string) (JobRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.records[id]
	if !ok || !l.now().Before(entry.expires) {
		return JobRecord{}, appErr.New(appErr.JobNotFound)
	}
	return entry.rec, nil
}

// put merges rec into the stored record the way HMSet merges hash fields.
func (l *MemoryLedger) put(rec JobRecord, now time.Time) {
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = now.Unix()
	}
	if prev, ok := l.records[rec.ID]; ok {
		if rec.Language == "" {
			rec.Language = prev.rec.Language
		}
		if rec.Status == "" {
			rec.Status = prev.rec.Status
		}
		if rec.Code == 0 {
			rec.Code = prev.rec.Code
		}
	}
	l.records[rec.ID] = memoryRecord{rec: rec, expires: now.Add(l.ttl)}
}

func (l *MemoryLedger) sweep(now time.Time) {
	for _, m := range []map[string]time.Time{l.reserved, l.claims} {
		for id, exp := range m {
			if !now.Before(exp) {
				delete(m, id)
			}
		}
	}
	for id, entry := range l.records {
		if !now.Before(entry.expires) {
			delete(l.records, id)
		}
	}
}

var (
	_ JobLedger = (*RedisLedger)(nil)
	_ JobLedger = (*MemoryLedger)(nil)
)
