package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

const (
	cacheVersionKey = "targets:report:version"
	// BumpChannel carries the new cache version after weights change.
	BumpChannel = "targets.weights.bump"
)

// Cache stores built reports in Redis under versioned keys. Bumping the
// version orphans every cached report at once. Only weight writes bump it, so
// a cached report may miss ledger or target changes for up to ttl.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache returns a cache. A nil client or a ttl of zero disables caching;
// Bump still announces weight changes whenever a client is set.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Enabled reports whether built reports are stored.
func (c *Cache) Enabled() bool {
	return c.enabled()
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

// Version returns the current cache version, initialising it when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) || (err == nil && ver <= 0) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey appends the current version to the key.
func (c *Cache) BuildKey(ctx context.Context, key string) (string, error) {
	if !c.enabled() {
		return key, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:v%d", key, ver), nil
}

// FetchJSON loads a cached value into dest or fills it from loader. The bool
// reports a cache hit.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest interface{}, loader func(context.Context) (interface{}, error)) (bool, error) {
	if loader == nil {
		return false, errors.New("report cache: loader required")
	}
	if c.enabled() {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return true, json.Unmarshal(payload, dest)
		}
		if !errors.Is(err, redis.Nil) {
			return false, err
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	if c.enabled() {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return false, err
		}
	}
	return false, json.Unmarshal(raw, dest)
}

// Bump invalidates every cached report and announces the new version.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, BumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation follows version bumps announced by other instances
// until ctx ends. Instances sharing one Redis see bumps directly; the channel
// keeps replicas that cache against a separate Redis in step.
func (c *Cache) ListenForInvalidation(ctx context.Context, channel string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if channel == "" {
		channel = BumpChannel
	}
	pubsub := c.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ver, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					_ = c.client.Incr(ctx, cacheVersionKey).Err()
					continue
				}
				current, err := c.client.Get(ctx, cacheVersionKey).Int64()
				if err == nil && current >= ver {
					continue
				}
				_ = c.client.Set(ctx, cacheVersionKey, ver, 0).Err()
			}
		}
	}()
	return nil
}

// requestKey renders every input of a build into a stable key.
func requestKey(req Request) string {
	p := req.Period()
	cc := "-"
	if req.CostCenterID != nil {
		cc = strconv.FormatInt(*req.CostCenterID, 10)
	}
	natures := make([]string, 0, len(req.Override))
	for _, n := range ledger.Natures {
		if v, ok := req.Override[n]; ok {
			natures = append(natures, string(n)+"="+v.String())
		}
	}
	nodes := make([]string, len(req.TrendNodes))
	for i, id := range req.TrendNodes {
		nodes[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join([]string{
		"targets", "report",
		string(req.EntityKind),
		strconv.FormatInt(req.RootID, 10),
		p.Start.Format(shared.DateLayout),
		p.End.Format(shared.DateLayout),
		"cc" + cc,
		"acct" + req.AccountCode,
		string(req.Mode),
		string(req.WeightStatus),
		strings.Join(natures, ","),
		strings.Join(nodes, ","),
	}, ":")
}
