package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Keys: [state, last_failure, successes]
// Args: [timeout_seconds]
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local timeout = tonumber(ARGV[1])

if state == 'open' then
    local lastFailure = tonumber(redis.call('GET', KEYS[2]) or '0')
    local now = tonumber(redis.call('TIME')[1])
    
    if (now - lastFailure) >= timeout then
        redis.call('SET', KEYS[1], 'half-open')
        redis.call('SET', KEYS[3], '0')
        return 'half-open'
    end
    return 'open'
end

return state
`)

// Keys: [state, failures, successes]
// Args: [success_threshold]
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
    return 'closed'
end

if state == 'half-open' then
    local successes = redis.call('INCR', KEYS[3])
    local threshold = tonumber(ARGV[1])
    
    if successes >= threshold then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        return 'closed'
    end
    return 'half-open'
end

return state
`)

// Keys: [state, failures, last_failure, successes]
// Args: [failure_threshold]
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local now = redis.call('TIME')[1]

redis.call('SET', KEYS[3], now)

if state == 'closed' then
    local failures = redis.call('INCR', KEYS[2])
    local threshold = tonumber(ARGV[1])
    
    if failures >= threshold then
        redis.call('SET', KEYS[1], 'open')
        return 'open'
    end
    return 'closed'
end

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[4], '0')
    return 'open'
end

return state
`)

// RedisCircuitBreaker keeps breaker state in Redis so that every gateway
// instance sees the same provider health. Redis errors fail open.
type RedisCircuitBreaker struct {
	client    *redis.Client
	provider  string
	config    Config
	keyPrefix string
}

func NewRedis(client *redis.Client, provider string, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client:    client,
		provider:  provider,
		config:    cfg,
		keyPrefix: fmt.Sprintf("chatgw:cb:%s:", provider),
	}
}

// RedisFactory builds breakers sharing one connection pool, for use with
// WithFactory.
func RedisFactory(client *redis.Client) func(provider string, cfg Config) CircuitBreaker {
	return func(provider string, cfg Config) CircuitBreaker {
		return NewRedis(client, provider, cfg)
	}
}

func (cb *RedisCircuitBreaker) key(name string) string {
	return cb.keyPrefix + name
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	keys := []string{cb.key("state"), cb.key("last_failure"), cb.key("successes")}

	result, err := allowScript.Run(ctx, cb.client, keys, int(cb.config.Timeout.Seconds())).Text()
	if err != nil {
		return nil
	}
	if result == "open" {
		return domain.ErrProviderUnavailable
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	keys := []string{cb.key("state"), cb.key("failures"), cb.key("successes")}
	recordSuccessScript.Run(ctx, cb.client, keys, cb.config.SuccessThreshold)
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	keys := []string{cb.key("state"), cb.key("failures"), cb.key("last_failure"), cb.key("successes")}
	recordFailureScript.Run(ctx, cb.client, keys, cb.config.FailureThreshold)
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	result, err := cb.client.Get(ctx, cb.key("state")).Result()
	if err != nil {
		return StateClosed
	}
	return parseState(result)
}

func (cb *RedisCircuitBreaker) Failures(ctx context.Context) int {
	result, err := cb.client.Get(ctx, cb.key("failures")).Result()
	if err != nil {
		return 0
	}
	failures, _ := strconv.Atoi(result)
	return failures
}

// Reset closes the circuit.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	pipe := cb.client.Pipeline()
	pipe.Set(ctx, cb.key("state"), "closed", 0)
	pipe.Set(ctx, cb.key("failures"), "0", 0)
	pipe.Set(ctx, cb.key("successes"), "0", 0)
	pipe.Del(ctx, cb.key("last_failure"))
	_, err := pipe.Exec(ctx)
	return err
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
