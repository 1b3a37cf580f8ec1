package redisx

import "time"

const (
	// Checkout idempotency: idem:checkout:{cart_hash} -> payment_id
	KeyIdemCheckout = "idem:checkout:%s"

	// Dedup of processed events: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLDedup       = 48 * time.Hour
)
