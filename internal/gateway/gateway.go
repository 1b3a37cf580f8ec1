// Package gateway talks to the payment provider. The core only ever creates
// intents; captures happen on the provider side and come back as webhooks.
package gateway

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("gateway unavailable")

type IntentRequest struct {
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

type Intent struct {
	ID           string
	ClientSecret string
	Status       string
}

type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
}
