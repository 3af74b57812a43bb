package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// chargeScript adds ARGV[i+1] to each KEYS[i] and starts the window on the
// first charge. Returns pairs of (count, pttl).
const chargeScript = `
local results = {}
local window_ms = tonumber(ARGV[1])
for i = 1, #KEYS do
    local amount = tonumber(ARGV[i + 1])
    local current = redis.call('INCRBY', KEYS[i], amount)
    local ttl = redis.call('PTTL', KEYS[i])
    if ttl < 0 then
        redis.call('PEXPIRE', KEYS[i], window_ms)
        ttl = window_ms
    end
    table.insert(results, current)
    table.insert(results, ttl)
end
return results
`

// RedisBackend keeps fixed-window counters in Redis.
type RedisBackend struct {
	client redis.UniversalClient
	script *redis.Script
	prefix string
}

// NewRedisBackend creates a backend. Keys are "<prefix>{tenant}:<type>".
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "apilens:quota:"
	}
	return &RedisBackend{
		client: client,
		script: redis.NewScript(chargeScript),
		prefix: prefix,
	}
}

// CheckAllow implements Backend. All descriptors must share one window.
func (b *RedisBackend) CheckAllow(ctx context.Context, descriptors []Descriptor) ([]Result, error) {
	if len(descriptors) == 0 {
		return nil, nil
	}

	window := descriptors[0].Window
	if window <= 0 {
		window = time.Minute
	}

	keys := make([]string, len(descriptors))
	args := make([]any, 0, len(descriptors)+1)
	args = append(args, window.Milliseconds())
	for i, d := range descriptors {
		// The hash tag keeps a tenant's counters on one cluster slot.
		keys[i] = fmt.Sprintf("%s{%s}:%s", b.prefix, d.Key, d.Type)
		args = append(args, d.Amount)
	}

	val, err := b.script.Run(ctx, b.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("run quota script: %w", err)
	}
	if len(val) != len(descriptors)*2 {
		return nil, fmt.Errorf("unexpected quota script result length: got %d, want %d", len(val), len(descriptors)*2)
	}

	out := make([]Result, len(descriptors))
	for i, d := range descriptors {
		out[i] = result(d.Limit, val[i*2], time.Duration(val[i*2+1])*time.Millisecond)
	}
	return out, nil
}
