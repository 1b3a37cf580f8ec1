package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-process gateway for local runs and tests. It honours
// idempotency keys the way a real provider does.
type Fake struct {
	mu    sync.Mutex
	byKey map[string]Intent
	Calls int
	// Err, when set, is returned by every CreateIntent call.
	Err error
}

func NewFake() *Fake { return &Fake{byKey: map[string]Intent{}} }

func (f *Fake) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Err != nil {
		return Intent{}, f.Err
	}
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	if in, ok := f.byKey[req.IdempotencyKey]; ok {
		return in, nil
	}
	id := "pi_" + uuid.NewString()
	in := Intent{ID: id, ClientSecret: id + "_secret_" + uuid.NewString()[:8], Status: "requires_payment_method"}
	f.byKey[req.IdempotencyKey] = in
	return in, nil
}

// Intents returns how many distinct intents were created.
func (f *Fake) Intents() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byKey)
}
