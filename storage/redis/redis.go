// Package redis provides a Redis implementation of the quotaflow.Storage
// interface. The check-and-increment on the ledger runs as a Lua script, so
// the period rollover, the limit check, and the commit are a single atomic
// step on the server. Override transitions use optimistic WATCH transactions
// with a bounded retry budget.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
)

// Storage implements quotaflow.Storage using Redis.
type Storage struct {
	client  redis.UniversalClient
	config  Config
	tryIncr *redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "quotaflow:").
	KeyPrefix string

	// UsageTTL is the TTL applied to ledger keys (0 = no expiration).
	// Daily and monthly counters become garbage once their period passes;
	// a TTL of a few periods keeps the keyspace bounded.
	UsageTTL time.Duration

	// MaxRetries bounds the optimistic retry loop for override transitions
	// (default: 5). Exhausting it surfaces quotaflow.ErrRetryExhausted.
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "quotaflow:",
		UsageTTL:   0,
		MaxRetries: 5,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "quotaflow:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}

	return &Storage{
		client: client,
		config: config,
		// Lazy rollover and check-and-commit in one server-side step: if the
		// stored period key differs from the requested one the counter is
		// zeroed before the check, so no interleaving observes a partial
		// reset or a stale-period increment.
		tryIncr: redis.NewScript(`
			local key = KEYS[1]
			local periodKey = ARGV[1]
			local amount = tonumber(ARGV[2])
			local limit = tonumber(ARGV[3])
			local now = ARGV[4]
			local ttl = tonumber(ARGV[5])

			local storedPeriod = redis.call('HGET', key, 'periodKey')
			local used = 0
			if storedPeriod == periodKey then
				used = tonumber(redis.call('HGET', key, 'used')) or 0
			end

			local newUsed = used + amount
			if newUsed > limit then
				return {used, 0}
			end

			redis.call('HSET', key, 'periodKey', periodKey, 'used', newUsed, 'updatedAt', now)
			if ttl > 0 then
				redis.call('EXPIRE', key, ttl)
			end
			return {newUsed, 1}
		`),
	}, nil
}

func (s *Storage) businessKey(id string) string {
	return s.config.KeyPrefix + "business:" + id
}

func (s *Storage) businessIndexKey() string {
	return s.config.KeyPrefix + "businesses"
}

func (s *Storage) usageKey(businessID string, dim quotaflow.Dimension) string {
	return fmt.Sprintf("%susage:%s:%s", s.config.KeyPrefix, businessID, dim)
}

func (s *Storage) overrideKey(id string) string {
	return s.config.KeyPrefix + "override:" + id
}

func (s *Storage) activeOverrideKey(businessID string, dim quotaflow.Dimension) string {
	return fmt.Sprintf("%soverride_active:%s:%s", s.config.KeyPrefix, businessID, dim)
}

func (s *Storage) overrideIndexKey(businessID string) string {
	return s.config.KeyPrefix + "overrides:" + businessID
}

func (s *Storage) violationKey(id string) string {
	return s.config.KeyPrefix + "violation:" + id
}

func (s *Storage) violationIndexKey(businessID string) string {
	return s.config.KeyPrefix + "violations:" + businessID
}

// GetBusiness implements quotaflow.Storage.
func (s *Storage) GetBusiness(ctx context.Context, businessID string) (*quotaflow.Business, error) {
	data, err := s.client.Get(ctx, s.businessKey(businessID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, quotaflow.ErrBusinessNotFound
		}
		return nil, fmt.Errorf("failed to get business: %w", err)
	}

	var b quotaflow.Business
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal business: %w", err)
	}
	return &b, nil
}

// PutBusiness implements quotaflow.Storage.
func (s *Storage) PutBusiness(ctx context.Context, b *quotaflow.Business) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("invalid business")
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal business: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.businessKey(b.ID), data, 0)
	pipe.SAdd(ctx, s.businessIndexKey(), b.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store business: %w", err)
	}
	return nil
}

// ListBusinesses implements quotaflow.Storage.
func (s *Storage) ListBusinesses(ctx context.Context) ([]*quotaflow.Business, error) {
	ids, err := s.client.SMembers(ctx, s.businessIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list businesses: %w", err)
	}

	out := make([]*quotaflow.Business, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBusiness(ctx, id)
		if err != nil {
			if errors.Is(err, quotaflow.ErrBusinessNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// SetSuspended implements quotaflow.Storage.
func (s *Storage) SetSuspended(ctx context.Context, businessID string, suspended bool) error {
	return s.updateBusiness(ctx, businessID, func(b *quotaflow.Business) {
		b.Suspended = suspended
	})
}

// TouchActivity implements quotaflow.Storage.
func (s *Storage) TouchActivity(ctx context.Context, businessID string, at time.Time) error {
	return s.updateBusiness(ctx, businessID, func(b *quotaflow.Business) {
		if at.After(b.LastActivity) {
			b.LastActivity = at
		}
	})
}

// updateBusiness applies a mutation to a business record under a WATCH
// transaction, retrying on contention up to the configured budget.
func (s *Storage) updateBusiness(ctx context.Context, businessID string, mutate func(*quotaflow.Business)) error {
	key := s.businessKey(businessID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return quotaflow.ErrBusinessNotFound
			}
			return err
		}

		var b quotaflow.Business
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("failed to unmarshal business: %w", err)
		}
		mutate(&b)

		updated, err := json.Marshal(&b)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return quotaflow.ErrRetryExhausted
}

// GetUsage implements quotaflow.Storage.
func (s *Storage) GetUsage(ctx context.Context, businessID string, dim quotaflow.Dimension, period quotaflow.Period) (*quotaflow.Usage, error) {
	fields, err := s.client.HGetAll(ctx, s.usageKey(businessID, dim)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	if len(fields) == 0 || fields["periodKey"] != period.Key() {
		return nil, nil
	}

	used, err := strconv.ParseInt(fields["used"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt usage counter: %w", err)
	}

	usage := &quotaflow.Usage{
		BusinessID: businessID,
		Dimension:  dim,
		Used:       used,
		Period:     period,
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updatedAt"]); err == nil {
		usage.UpdatedAt = ts
	}
	return usage, nil
}

// TryIncrement implements quotaflow.Storage via the server-side script.
func (s *Storage) TryIncrement(ctx context.Context, req *quotaflow.IncrementRequest) (*quotaflow.IncrementResult, error) {
	if req.Amount < 0 {
		return nil, quotaflow.ErrInvalidAmount
	}

	res, err := s.tryIncr.Run(ctx, s.client,
		[]string{s.usageKey(req.BusinessID, req.Dimension)},
		req.Period.Key(),
		req.Amount,
		req.Limit,
		req.Now.UTC().Format(time.RFC3339Nano),
		int64(s.config.UsageTTL.Seconds()),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to run increment script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("unexpected script result: %v", res)
	}
	newUsed, _ := vals[0].(int64)
	allowed, _ := vals[1].(int64)

	return &quotaflow.IncrementResult{NewUsed: newUsed, Allowed: allowed == 1}, nil
}

// GetOverride implements quotaflow.Storage.
func (s *Storage) GetOverride(ctx context.Context, overrideID string) (*quotaflow.Override, error) {
	data, err := s.client.Get(ctx, s.overrideKey(overrideID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, quotaflow.ErrOverrideNotFound
		}
		return nil, fmt.Errorf("failed to get override: %w", err)
	}

	var o quotaflow.Override
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal override: %w", err)
	}
	return &o, nil
}

// ActiveOverride implements quotaflow.Storage.
func (s *Storage) ActiveOverride(ctx context.Context, businessID string, dim quotaflow.Dimension) (*quotaflow.Override, error) {
	id, err := s.client.Get(ctx, s.activeOverrideKey(businessID, dim)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active override pointer: %w", err)
	}

	o, err := s.GetOverride(ctx, id)
	if err != nil {
		if errors.Is(err, quotaflow.ErrOverrideNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// CreateOverride implements quotaflow.Storage. The active pointer is WATCHed,
// so the revoke-of-the-previous and the insert-of-the-new commit together or
// the whole transaction retries.
func (s *Storage) CreateOverride(ctx context.Context, o *quotaflow.Override) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("invalid override")
	}

	activeKey := s.activeOverrideKey(o.BusinessID, o.Dimension)

	txn := func(tx *redis.Tx) error {
		var prev *quotaflow.Override
		prevID, err := tx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			data, gerr := tx.Get(ctx, s.overrideKey(prevID)).Bytes()
			if gerr != nil && !errors.Is(gerr, redis.Nil) {
				return gerr
			}
			if gerr == nil {
				var p quotaflow.Override
				if uerr := json.Unmarshal(data, &p); uerr != nil {
					return fmt.Errorf("failed to unmarshal previous override: %w", uerr)
				}
				prev = &p
			}
		}

		if prev != nil && prev.Status == quotaflow.OverrideActive {
			prev.Status = quotaflow.OverrideRevoked
			prev.RevokedBy = o.ApprovedBy
			at := o.CreatedAt
			prev.RevokedAt = &at
		}

		data, err := json.Marshal(o)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != nil {
				prevData, merr := json.Marshal(prev)
				if merr != nil {
					return merr
				}
				pipe.Set(ctx, s.overrideKey(prev.ID), prevData, 0)
			}
			pipe.Set(ctx, s.overrideKey(o.ID), data, 0)
			pipe.Set(ctx, activeKey, o.ID, 0)
			pipe.LPush(ctx, s.overrideIndexKey(o.BusinessID), o.ID)
			return nil
		})
		return err
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txn, activeKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return quotaflow.ErrRetryExhausted
}

// RevokeOverride implements quotaflow.Storage.
func (s *Storage) RevokeOverride(ctx context.Context, overrideID, revokedBy string, at time.Time) error {
	return s.transitionOverride(ctx, overrideID, func(o *quotaflow.Override) error {
		if o.Status != quotaflow.OverrideActive {
			return quotaflow.ErrOverrideNotActive
		}
		o.Status = quotaflow.OverrideRevoked
		o.RevokedBy = revokedBy
		atCopy := at
		o.RevokedAt = &atCopy
		return nil
	})
}

// MarkOverrideExpired implements quotaflow.Storage.
func (s *Storage) MarkOverrideExpired(ctx context.Context, overrideID string, at time.Time) error {
	return s.transitionOverride(ctx, overrideID, func(o *quotaflow.Override) error {
		if o.Status != quotaflow.OverrideActive {
			// Lost the race with a revoke or another expiry; nothing to do.
			return errSkipWrite
		}
		o.Status = quotaflow.OverrideExpired
		return nil
	})
}

// errSkipWrite signals a transition callback observed a state that needs no
// write; the transaction commits nothing and reports success.
var errSkipWrite = errors.New("skip write")

func (s *Storage) transitionOverride(ctx context.Context, overrideID string, mutate func(*quotaflow.Override) error) error {
	recordKey := s.overrideKey(overrideID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, recordKey).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return quotaflow.ErrOverrideNotFound
			}
			return err
		}

		var o quotaflow.Override
		if err := json.Unmarshal(data, &o); err != nil {
			return fmt.Errorf("failed to unmarshal override: %w", err)
		}
		if err := mutate(&o); err != nil {
			return err
		}

		updated, err := json.Marshal(&o)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, updated, 0)
			activeKey := s.activeOverrideKey(o.BusinessID, o.Dimension)
			pipe.Del(ctx, activeKey)
			return nil
		})
		return err
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txn, recordKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, errSkipWrite) {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return quotaflow.ErrRetryExhausted
}

// ListOverrides implements quotaflow.Storage.
func (s *Storage) ListOverrides(ctx context.Context, businessID string) ([]*quotaflow.Override, error) {
	ids, err := s.client.LRange(ctx, s.overrideIndexKey(businessID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}

	out := make([]*quotaflow.Override, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOverride(ctx, id)
		if err != nil {
			if errors.Is(err, quotaflow.ErrOverrideNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// InsertViolation implements quotaflow.Storage.
func (s *Storage) InsertViolation(ctx context.Context, v *quotaflow.Violation) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("invalid violation")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal violation: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.violationKey(v.ID), data, 0)
	pipe.LPush(ctx, s.violationIndexKey(v.BusinessID), v.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store violation: %w", err)
	}
	return nil
}

// GetViolation implements quotaflow.Storage.
func (s *Storage) GetViolation(ctx context.Context, violationID string) (*quotaflow.Violation, error) {
	data, err := s.client.Get(ctx, s.violationKey(violationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, quotaflow.ErrViolationNotFound
		}
		return nil, fmt.Errorf("failed to get violation: %w", err)
	}

	var v quotaflow.Violation
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal violation: %w", err)
	}
	return &v, nil
}

// ResolveViolation implements quotaflow.Storage.
func (s *Storage) ResolveViolation(ctx context.Context, violationID, note string, at time.Time) error {
	recordKey := s.violationKey(violationID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, recordKey).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return quotaflow.ErrViolationNotFound
			}
			return err
		}

		var v quotaflow.Violation
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to unmarshal violation: %w", err)
		}
		v.ResolutionNote = note
		atCopy := at
		v.ResolvedAt = &atCopy

		updated, err := json.Marshal(&v)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, updated, 0)
			return nil
		})
		return err
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txn, recordKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return quotaflow.ErrRetryExhausted
}

// ListViolations implements quotaflow.Storage.
func (s *Storage) ListViolations(ctx context.Context, businessID string) ([]*quotaflow.Violation, error) {
	ids, err := s.client.LRange(ctx, s.violationIndexKey(businessID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}

	out := make([]*quotaflow.Violation, 0, len(ids))
	for _, id := range ids {
		v, err := s.GetViolation(ctx, id)
		if err != nil {
			if errors.Is(err, quotaflow.ErrViolationNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Ping checks whether Redis is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *Storage) Close() error {
	return s.client.Close()
}
