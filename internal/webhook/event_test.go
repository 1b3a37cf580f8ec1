package webhook_test

import (
	"testing"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"intent_id":"pi_1"}}`)

	ev, err := webhook.Parse(secret, body, webhook.Sign(secret, body))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "pi_1", ev.Data.IntentID)

	_, err = webhook.Parse(secret, body, webhook.Sign([]byte("other"), body))
	assert.ErrorIs(t, err, webhook.ErrInvalidSignature)
	_, err = webhook.Parse(secret, body, "zz")
	assert.ErrorIs(t, err, webhook.ErrInvalidSignature)

	_, err = webhook.Parse(nil, []byte(`{"id":"evt_1"}`), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = webhook.Parse(nil, []byte(`{`), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
