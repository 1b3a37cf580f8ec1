package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb redis.Cmdable, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Dedup remembers processed event ids for TTLDedup. It is a fast path only;
// the database claim stays authoritative.
type Dedup struct {
	Client  redis.Cmdable
	Service string
	TTL     time.Duration
}

func (d *Dedup) key(eventID string) string { return fmt.Sprintf(KeyDedup, d.Service, eventID) }

func (d *Dedup) Seen(ctx context.Context, eventID string) (bool, error) {
	return Exists(ctx, d.Client, d.key(eventID))
}

func (d *Dedup) Mark(ctx context.Context, eventID string) error {
	ttl := d.TTL
	if ttl <= 0 {
		ttl = TTLDedup
	}
	return d.Client.Set(ctx, d.key(eventID), "1", ttl).Err()
}

// CheckoutResults remembers which payment a checkout of a given cart content
// created. The payments table stays authoritative.
type CheckoutResults struct {
	Client redis.Cmdable
	TTL    time.Duration
}

func (c *CheckoutResults) Lookup(ctx context.Context, cartHash string) (string, bool, error) {
	id, err := c.Client.Get(ctx, fmt.Sprintf(KeyIdemCheckout, cartHash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (c *CheckoutResults) Remember(ctx context.Context, cartHash, paymentID string) error {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = TTLIdempotency
	}
	return c.Client.Set(ctx, fmt.Sprintf(KeyIdemCheckout, cartHash), paymentID, ttl).Err()
}
