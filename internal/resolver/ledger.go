package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

// Step names a chain action of a pipeline.
type Step string

const (
	StepDeploySrc     Step = "deploy_src"
	StepAnnounceOrder Step = "announce_order"
	StepFundDst       Step = "fund_dst"
	StepDeployDst     Step = "deploy_dst"
	StepWithdraw      Step = "withdraw"
	StepClaim         Step = "claim"
	StepCancelEVM     Step = "cancel_evm"
	StepCancelMove    Step = "cancel_move"
)

// Ledger remembers which chain actions have been done for an order and
// what they returned. A pipeline that finds a step recorded reuses the
// result instead of sending the transaction again, so a re-dispatched
// order resumes where the previous attempt stopped.
type Ledger interface {
	// StoreAction records the JSON result of step for orderHash.
	StoreAction(ctx context.Context, orderHash string, step Step, result []byte) error
	// CheckAction returns the recorded result of step, if any.
	CheckAction(ctx context.Context, orderHash string, step Step) ([]byte, bool, error)
}

// MemoryLedger is a process-local ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	actions map[string][]byte
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{actions: make(map[string][]byte)}
}

func (l *MemoryLedger) StoreAction(_ context.Context, orderHash string, step Step, result []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions[actionKey(orderHash, step)] = append([]byte(nil), result...)
	return nil
}

func (l *MemoryLedger) CheckAction(_ context.Context, orderHash string, step Step) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.actions[actionKey(orderHash, step)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// RedisLedger keeps the ledger in redis so resolver processes sharing an
// account never repeat each other's actions.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLedger connects to redisURL (redis://[:password@]host:port[/db]).
// Records expire after ttl; zero keeps them forever.
func NewRedisLedger(redisURL string, ttl time.Duration) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisLedger{client: redis.NewClient(opts), ttl: ttl}, nil
}

// Ping checks the connection.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the connection pool.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func (l *RedisLedger) StoreAction(ctx context.Context, orderHash string, step Step, result []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return l.client.Set(ctx, redisKey(orderHash, step), result, l.ttl).Err()
}

func (l *RedisLedger) CheckAction(ctx context.Context, orderHash string, step Step) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	v, err := l.client.Get(ctx, redisKey(orderHash, step)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func actionKey(orderHash string, step Step) string {
	return fmt.Sprintf("%s-%s", strings.ToLower(orderHash), step)
}

func redisKey(orderHash string, step Step) string {
	return "resolver:action:" + actionKey(orderHash, step)
}

// runStep runs fn once per order and step. A recorded result is decoded and
// returned without calling fn. Failing to record a result that fn produced
// is logged, not returned: the action already happened on chain.
func runStep[T any](ctx context.Context, l Ledger, log *logging.Logger, orderHash string, step Step, fn func() (T, error)) (T, bool, error) {
	var out T
	if l != nil {
		raw, ok, err := l.CheckAction(ctx, orderHash, step)
		if err != nil {
			return out, false, fmt.Errorf("ledger lookup %s: %w", step, err)
		}
		if ok {
			if err := json.Unmarshal(raw, &out); err != nil {
				return out, false, fmt.Errorf("ledger record %s: %w", step, err)
			}
			return out, true, nil
		}
	}

	out, err := fn()
	if err != nil {
		return out, false, err
	}
	if l != nil {
		raw, err := json.Marshal(out)
		if err == nil {
			err = l.StoreAction(ctx, orderHash, step, raw)
		}
		if err != nil {
			log.Error("Failed to record action", "order", orderHash, "step", step, "error", err)
		}
	}
	return out, false, nil
}
