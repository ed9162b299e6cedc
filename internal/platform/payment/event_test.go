package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantKind   EventKind
		wantSess   string
		wantIntent string
		wantErr    bool
	}{
		{
			name:       "session completed",
			body:       `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_intent":"pi_1","payment_status":"paid"}}}`,
			wantKind:   EventSessionCompleted,
			wantSess:   "cs_1",
			wantIntent: "pi_1",
		},
		{
			name:     "session expired",
			body:     `{"id":"evt_2","type":"checkout.session.expired","data":{"object":{"id":"cs_2"}}}`,
			wantKind: EventSessionExpired,
			wantSess: "cs_2",
		},
		{
			name:       "charge refunded",
			body:       `{"id":"evt_3","type":"charge.refunded","data":{"object":{"id":"ch_1","payment_intent":"pi_9"}}}`,
			wantKind:   EventChargeRefunded,
			wantIntent: "pi_9",
		},
		{
			name:       "completed but unpaid",
			body:       `{"id":"evt_7","type":"checkout.session.completed","data":{"object":{"id":"cs_3","payment_intent":"pi_3","payment_status":"unpaid"}}}`,
			wantKind:   EventSessionAwaitingPayment,
			wantSess:   "cs_3",
			wantIntent: "pi_3",
		},
		{
			name:       "async payment succeeded",
			body:       `{"id":"evt_8","type":"checkout.session.async_payment_succeeded","data":{"object":{"id":"cs_3","payment_intent":"pi_3","payment_status":"paid"}}}`,
			wantKind:   EventSessionCompleted,
			wantSess:   "cs_3",
			wantIntent: "pi_3",
		},
		{
			name:     "async payment failed",
			body:     `{"id":"evt_9","type":"checkout.session.async_payment_failed","data":{"object":{"id":"cs_4","payment_status":"unpaid"}}}`,
			wantKind: EventSessionExpired,
			wantSess: "cs_4",
		},
		{
			name:     "unknown type",
			body:     `{"id":"evt_4","type":"customer.created","data":{"object":{"id":"cus_1"}}}`,
			wantKind: EventUnknown,
		},
		{name: "not json", body: `nope`, wantErr: true},
		{name: "missing id", body: `{"type":"charge.refunded"}`, wantErr: true},
		{name: "completed without session", body: `{"id":"evt_5","type":"checkout.session.completed","data":{"object":{}}}`, wantErr: true},
		{name: "refund without intent", body: `{"id":"evt_6","type":"charge.refunded","data":{"object":{"id":"ch_2"}}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, ev.Kind)
			assert.Equal(t, tt.wantSess, ev.SessionID)
			assert.Equal(t, tt.wantIntent, ev.PaymentIntentID)
		})
	}
}
