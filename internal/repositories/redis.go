package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/lckrugel/payment-dispatch/internal/config"
	"github.com/lckrugel/payment-dispatch/internal/dtos"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	ProcessingKey = "payment:processing"
	ProcessedKey  = "payment:processed"
)

const (
	fieldIsHealthy           = "IsHealthy"
	fieldLastCheck           = "LastCheck"
	fieldConsecutiveFailures = "ConsecutiveFailures"
	fieldMinResponseTime     = "MinResponseTime"
)

// Deletes the lock only while it still holds the caller's token.
var releaseLockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

func HealthKey(p dtos.Processor) string {
	return "health:" + p.String()
}

func HealthLockKey(p dtos.Processor) string {
	return HealthKey(p) + ":lock"
}

type RedisRepository struct {
	client *redis.Client
}

func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{
		client: client,
	}
}

// Connect opens the shared store and blocks until it answers PING or the
// configured attempts run out.
func Connect(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*RedisRepository, error) {
	client := NewClient(cfg)

	err := retry.Do(
		func() error {
			return client.Ping(ctx).Err()
		},
		retry.Context(ctx),
		retry.Attempts(cfg.ConnectRetries),
		retry.Delay(cfg.ConnectRetryDelay),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).Uint("attempt", n+1).Str("addr", cfg.Addr()).Msg("Redis not reachable yet")
		}),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", cfg.ConnectRetries, err)
	}

	return NewRedisRepository(client), nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) AcquireHealthLock(ctx context.Context, p dtos.Processor, token string, ttl time.Duration) (bool, error) {
	acquired, err := r.client.SetNX(ctx, HealthLockKey(p), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire health lock for %s: %w", p, err)
	}
	return acquired, nil
}

// ReleaseHealthLock reports false when the lock expired or is now owned by
// another token.
func (r *RedisRepository) ReleaseHealthLock(ctx context.Context, p dtos.Processor, token string) (bool, error) {
	released, err := releaseLockScript.Run(ctx, r.client, []string{HealthLockKey(p)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release health lock for %s: %w", p, err)
	}
	return released == 1, nil
}

// GetHealthStatus returns nil without error when no status is cached.
func (r *RedisRepository) GetHealthStatus(ctx context.Context, p dtos.Processor) (*dtos.HealthStatus, error) {
	fields, err := r.client.HGetAll(ctx, HealthKey(p)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read health status for %s: %w", p, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	status := &dtos.HealthStatus{Processor: p}

	status.IsHealthy, err = strconv.ParseBool(fields[fieldIsHealthy])
	if err != nil {
		return nil, fmt.Errorf("invalid %s for %s: %w", fieldIsHealthy, p, err)
	}
	status.LastCheck, err = time.Parse(time.RFC3339Nano, fields[fieldLastCheck])
	if err != nil {
		return nil, fmt.Errorf("invalid %s for %s: %w", fieldLastCheck, p, err)
	}
	status.ConsecutiveFailures, err = strconv.Atoi(fields[fieldConsecutiveFailures])
	if err != nil {
		return nil, fmt.Errorf("invalid %s for %s: %w", fieldConsecutiveFailures, p, err)
	}
	if raw, ok := fields[fieldMinResponseTime]; ok {
		status.MinResponseTime, err = strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s for %s: %w", fieldMinResponseTime, p, err)
		}
	}

	return status, nil
}

func (r *RedisRepository) GetConsecutiveFailures(ctx context.Context, p dtos.Processor) (int, error) {
	raw, err := r.client.HGet(ctx, HealthKey(p), fieldConsecutiveFailures).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read failure count for %s: %w", p, err)
	}

	failures, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil
	}
	return failures, nil
}

func (r *RedisRepository) SetHealthStatus(ctx context.Context, status dtos.HealthStatus, ttl time.Duration) error {
	key := HealthKey(status.Processor)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldIsHealthy, strconv.FormatBool(status.IsHealthy),
			fieldLastCheck, status.LastCheck.UTC().Format(time.RFC3339Nano),
			fieldConsecutiveFailures, strconv.Itoa(status.ConsecutiveFailures),
			fieldMinResponseTime, strconv.Itoa(status.MinResponseTime),
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store health status for %s: %w", status.Processor, err)
	}
	return nil
}

func (r *RedisRepository) PushProcessing(ctx context.Context, attempts ...dtos.ProcessingAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	values := make([]any, 0, len(attempts))
	for _, attempt := range attempts {
		data, err := json.Marshal(attempt)
		if err != nil {
			return fmt.Errorf("failed to serialize processing attempt: %w", err)
		}
		values = append(values, data)
	}

	if err := r.client.RPush(ctx, ProcessingKey, values...).Err(); err != nil {
		return fmt.Errorf("failed to push processing attempts: %w", err)
	}
	return nil
}

func (r *RedisRepository) RemoveProcessing(ctx context.Context, attempt dtos.ProcessingAttempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("failed to serialize processing attempt: %w", err)
	}

	if err := r.client.LRem(ctx, ProcessingKey, 1, data).Err(); err != nil {
		return fmt.Errorf("failed to remove processing attempt %s: %w", attempt.CorrelationId, err)
	}
	return nil
}

// PromoteProcessed removes the shadow entry and appends the ledger entry in a
// single MULTI/EXEC, so no reader sees the payment in both lists. A shadow
// entry that is already gone does not prevent the append.
func (r *RedisRepository) PromoteProcessed(ctx context.Context, attempt dtos.ProcessingAttempt, payment dtos.ProcessedPayment) error {
	attemptData, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("failed to serialize processing attempt: %w", err)
	}
	paymentData, err := json.Marshal(payment)
	if err != nil {
		return fmt.Errorf("failed to serialize processed payment: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, ProcessingKey, 1, attemptData)
		pipe.LPush(ctx, ProcessedKey, paymentData)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store processed payment %s: %w", payment.CorrelationId, err)
	}
	return nil
}

func (r *RedisRepository) ListProcessing(ctx context.Context) ([]dtos.ProcessingAttempt, error) {
	items, err := r.client.LRange(ctx, ProcessingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read processing attempts: %w", err)
	}

	attempts := make([]dtos.ProcessingAttempt, 0, len(items))
	for _, item := range items {
		attempt, ok := decodeAttempt(item)
		if !ok {
			continue
		}
		attempts = append(attempts, attempt)
	}
	return attempts, nil
}

func (r *RedisRepository) ListProcessed(ctx context.Context) ([]dtos.ProcessedPayment, error) {
	items, err := r.client.LRange(ctx, ProcessedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read processed payments: %w", err)
	}

	payments := make([]dtos.ProcessedPayment, 0, len(items))
	for _, item := range items {
		payment, ok := decodeProcessed(item)
		if !ok {
			continue
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

// Reset clears every key the engine owns in the shared store.
func (r *RedisRepository) Reset(ctx context.Context) error {
	keys := []string{ProcessingKey, ProcessedKey}
	for _, p := range dtos.Processors {
		keys = append(keys, HealthKey(p), HealthLockKey(p))
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset shared state: %w", err)
	}
	return nil
}

type attemptRecord struct {
	CorrelationId *uuid.UUID       `json:"correlationId"`
	RequestedAt   *time.Time       `json:"requestedAt"`
	Amount        *decimal.Decimal `json:"amount"`
}

type processedRecord struct {
	CorrelationId *uuid.UUID       `json:"correlationId"`
	ProcessedAt   *time.Time       `json:"processedAt"`
	Amount        *decimal.Decimal `json:"amount"`
	Processor     *dtos.Processor  `json:"processor"`
}

func decodeAttempt(raw string) (dtos.ProcessingAttempt, bool) {
	var rec attemptRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return dtos.ProcessingAttempt{}, false
	}
	if rec.CorrelationId == nil || rec.RequestedAt == nil || rec.Amount == nil {
		return dtos.ProcessingAttempt{}, false
	}
	return dtos.ProcessingAttempt{
		CorrelationId: *rec.CorrelationId,
		RequestedAt:   *rec.RequestedAt,
		Amount:        *rec.Amount,
	}, true
}

func decodeProcessed(raw string) (dtos.ProcessedPayment, bool) {
	var rec processedRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return dtos.ProcessedPayment{}, false
	}
	if rec.CorrelationId == nil || rec.ProcessedAt == nil || rec.Amount == nil || rec.Processor == nil {
		return dtos.ProcessedPayment{}, false
	}
	return dtos.ProcessedPayment{
		CorrelationId: *rec.CorrelationId,
		ProcessedAt:   *rec.ProcessedAt,
		Amount:        *rec.Amount,
		Processor:     *rec.Processor,
	}, true
}
