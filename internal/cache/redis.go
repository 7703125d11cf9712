package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourorg/payment-reconciler/internal/domain"
)

// OutcomeExpiry bounds how long a delivered outcome stays readable.
const OutcomeExpiry = 24 * time.Hour

// ErrDuplicateOutcome is returned when a cycle's outcome was already stored.
var ErrDuplicateOutcome = errors.New("outcome already recorded for cycle")

// OutcomeStore records delivered outcomes in Redis, once per cycle.
type OutcomeStore struct {
	client *redis.Client
}

// NewRedisClient creates a Redis client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewOutcomeStore wraps client.
func NewOutcomeStore(client *redis.Client) *OutcomeStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &OutcomeStore{client: client}
}

func outcomeKey(transactionID, cycleID string) string {
	return fmt.Sprintf("outcome:%s:%s", transactionID, cycleID)
}

func latestKey(transactionID string) string {
	return fmt.Sprintf("outcome:%s:latest", transactionID)
}

// Deliver stores o with SET NX, so a second write for the same cycle fails with
// ErrDuplicateOutcome and leaves the first record untouched.
func (s *OutcomeStore) Deliver(ctx context.Context, o domain.Outcome) error {
	if o.CycleID == "" {
		return errors.New("outcome has no cycle id")
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	set, err := s.client.SetNX(ctx, outcomeKey(o.TransactionID, o.CycleID), payload, OutcomeExpiry).Result()
	if err != nil {
		return fmt.Errorf("redis SETNX error: %w", err)
	}
	if !set {
		return ErrDuplicateOutcome
	}
	if err := s.client.Set(ctx, latestKey(o.TransactionID), o.CycleID, OutcomeExpiry).Err(); err != nil {
		return fmt.Errorf("redis SET error: %w", err)
	}
	return nil
}

// Get returns the outcome stored for a cycle. found is false when none exists.
func (s *OutcomeStore) Get(ctx context.Context, transactionID, cycleID string) (o domain.Outcome, found bool, err error) {
	raw, err := s.client.Get(ctx, outcomeKey(transactionID, cycleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Outcome{}, false, nil
	}
	if err != nil {
		return domain.Outcome{}, false, fmt.Errorf("redis GET error: %w", err)
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return domain.Outcome{}, false, fmt.Errorf("decode outcome: %w", err)
	}
	return o, true, nil
}

// Latest returns the most recent outcome stored for a transaction.
func (s *OutcomeStore) Latest(ctx context.Context, transactionID string) (domain.Outcome, bool, error) {
	cycleID, err := s.client.Get(ctx, latestKey(transactionID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Outcome{}, false, nil
	}
	if err != nil {
		return domain.Outcome{}, false, fmt.Errorf("redis GET error: %w", err)
	}
	return s.Get(ctx, transactionID, cycleID)
}

// Ping checks the connection.
func (s *OutcomeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
