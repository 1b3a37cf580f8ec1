package txn

import "context"

// Runner executes fn inside a single store transaction. Nested calls join the
// transaction already carried by ctx instead of opening a new one, so a
// service can call another service's transactional method from inside its own.
type Runner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
