package counter

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// Counter names recorded by the engine.
const (
	GatewayLookups      = "gateway_lookups"
	GatewayErrors       = "gateway_errors"
	GatewayUnknown      = "gateway_unknown"
	FixesApplied        = "fixes_applied"
	FixesSkipped        = "fixes_skipped"
	FixesFailed         = "fixes_failed"
	AlertsRaised        = "alerts_raised"
	AlertsResolved      = "alerts_resolved"
	RunsFailed          = "runs_failed"
	WebhooksReceived    = "webhooks_received"
	WebhooksDuplicate   = "webhooks_duplicate"
	WebhooksBadSig      = "webhooks_bad_signature"
	runCounterPrefix    = "runs_"
	countersKey         = "payrecon:counters"
	dailyCountersPrefix = "payrecon:counters:"
	dailyCountersTTL    = 8 * 24 * time.Hour
)

// Recorder increments engine counters in Redis hashes. A nil Recorder or a
// Recorder without client is a no-op, so engine code never has to check.
type Recorder struct {
	client *redis.Client
	now    func() time.Time
}

// New creates a Recorder on top of client.
func New(client *redis.Client) *Recorder {
	return &Recorder{client: client, now: time.Now}
}

// Run returns the counter name for a finished run of the given type.
func Run(runType string) string {
	return runCounterPrefix + runType
}

// Add increments name by delta in the all-time hash and in today's hash.
// Failures are logged and dropped; counters never fail a run.
func (r *Recorder) Add(ctx context.Context, name string, delta int64) {
	if r == nil || r.client == nil || delta == 0 {
		return
	}
	dayKey := dailyCountersPrefix + r.now().UTC().Format("2006-01-02")

	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, countersKey, name, delta)
	pipe.HIncrBy(ctx, dayKey, name, delta)
	pipe.Expire(ctx, dayKey, dailyCountersTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnf("[Metrics] Failed to increment %s: %v", name, err)
	}
}

// Inc increments name by one.
func (r *Recorder) Inc(ctx context.Context, name string) {
	r.Add(ctx, name, 1)
}

// Snapshot returns the all-time counters.
func (r *Recorder) Snapshot(ctx context.Context) (map[string]int64, error) {
	return r.read(ctx, countersKey)
}

// Day returns the counters recorded on the given UTC day.
func (r *Recorder) Day(ctx context.Context, day time.Time) (map[string]int64, error) {
	return r.read(ctx, dailyCountersPrefix+day.UTC().Format("2006-01-02"))
}

func (r *Recorder) read(ctx context.Context, key string) (map[string]int64, error) {
	out := make(map[string]int64)
	if r == nil || r.client == nil {
		return out, nil
	}
	data, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	for k, v := range data {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}
