package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/hearthly/hearth/internal/circuitbreaker"
	"github.com/hearthly/hearth/internal/retry"
)

const testWebhookSecret = "whsec_test_123"

func newStripeTestProcessor(t *testing.T, handler http.HandlerFunc) *StripeProcessor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeProcessor("sk_test_123", testWebhookSecret, slog.Default(),
		WithBackends(&stripe.Backends{API: backend, Connect: backend, Uploads: backend}),
		WithBreaker(circuitbreaker.New(100, time.Minute)),
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func subscriptionJSON(id, price string, periodEnd time.Time) map[string]any {
	return map[string]any{
		"id":                   id,
		"object":               "subscription",
		"customer":             "cus_1",
		"status":               "active",
		"current_period_end":   periodEnd.Unix(),
		"cancel_at_period_end": false,
		"items": map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "si_1", "price": map[string]any{"id": price}},
			},
		},
	}
}

func TestStripe_GetSubscription(t *testing.T) {
	end := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	p := newStripeTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		writeJSON(w, http.StatusOK, subscriptionJSON("sub_1", "price_family_monthly", end))
	})

	sub, err := p.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, "price_family_monthly", sub.PriceRef)
	assert.Equal(t, "si_1", sub.ItemID)
	assert.True(t, sub.Active())
	assert.True(t, end.Equal(sub.CurrentPeriodEnd))
}

func TestStripe_NotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	p := newStripeTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{
			"type": "invalid_request_error", "code": "resource_missing", "message": "No such subscription",
		}})
	})

	_, err := p.GetSubscription(context.Background(), "sub_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), hits.Load())
}

func TestStripe_ServerErrorsRetriedThenUnavailable(t *testing.T) {
	var hits atomic.Int32
	p := newStripeTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]any{
			"type": "api_error", "message": "boom",
		}})
	})

	_, err := p.GetSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), hits.Load())
}

func TestStripe_WritesAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	p := newStripeTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"type": "api_error", "message": "down"}})
	})

	_, err := p.SetCancelAtPeriodEnd(context.Background(), "sub_1", true)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), hits.Load())
}

func TestStripe_ChangePriceSendsItemSwap(t *testing.T) {
	end := time.Now().Add(24 * time.Hour)
	p := newStripeTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "si_1", r.PostForm.Get("items[0][id]"))
		assert.Equal(t, "price_extended_monthly", r.PostForm.Get("items[0][price]"))
		assert.Equal(t, "always_invoice", r.PostForm.Get("proration_behavior"))
		assert.Equal(t, "error_if_incomplete", r.PostForm.Get("payment_behavior"))
		assert.Equal(t, "false", r.PostForm.Get("cancel_at_period_end"))
		writeJSON(w, http.StatusOK, subscriptionJSON("sub_1", "price_extended_monthly", end))
	})

	sub, err := p.ChangePrice(context.Background(), PriceChange{
		SubscriptionID: "sub_1", ItemID: "si_1", NewPriceRef: "price_extended_monthly", Proration: ProrationAlwaysInvoice,
	})
	require.NoError(t, err)
	assert.Equal(t, "price_extended_monthly", sub.PriceRef)
}

func TestStripe_CardDeclineIsPaymentFailed(t *testing.T) {
	p := newStripeTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{"error": map[string]any{
			"type": "card_error", "code": "card_declined", "message": "Your card was declined.",
		}})
	})

	_, err := p.ChangePrice(context.Background(), PriceChange{
		SubscriptionID: "sub_1", ItemID: "si_1", NewPriceRef: "price_extended_monthly", Proration: ProrationAlwaysInvoice,
	})
	assert.ErrorIs(t, err, ErrPaymentFailed)
}

func TestStripe_PreviewPriceChange(t *testing.T) {
	end := time.Now().Add(15 * 24 * time.Hour).Truncate(time.Second)
	p := newStripeTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/subscriptions/sub_1":
			writeJSON(w, http.StatusOK, subscriptionJSON("sub_1", "price_family_monthly", end))
		case "/v1/invoices/create_preview":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "price_extended_monthly", r.PostForm.Get("subscription_details[items][0][price]"))
			assert.Equal(t, "always_invoice", r.PostForm.Get("subscription_details[proration_behavior]"))
			writeJSON(w, http.StatusOK, map[string]any{
				"object":   "invoice",
				"currency": "usd",
				"lines": map[string]any{"object": "list", "data": []map[string]any{
					{"amount": 750, "proration": true},
					{"amount": -250, "proration": true},
					{"amount": 999, "proration": false},
				}},
			})
		case "/v1/prices/price_extended_monthly":
			writeJSON(w, http.StatusOK, priceJSON("price_extended_monthly", 1499))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	preview, err := p.PreviewPriceChange(context.Background(), PriceChange{SubscriptionID: "sub_1", NewPriceRef: "price_extended_monthly"})
	require.NoError(t, err)
	assert.Equal(t, "5", preview.AmountDueNow.String())
	assert.Equal(t, "14.99", preview.NewRecurringAmount.String())
	assert.Equal(t, "usd", preview.Currency)
	assert.True(t, end.Equal(preview.NextBillingDate))
}

func TestStripe_PreviewPriceChange_RecurringFromPriceWhenPreviewHasOnlyProrations(t *testing.T) {
	end := time.Now().Add(10 * 24 * time.Hour).Truncate(time.Second)
	p := newStripeTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/subscriptions/sub_1":
			writeJSON(w, http.StatusOK, subscriptionJSON("sub_1", "price_family_monthly", end))
		case "/v1/invoices/create_preview":
			writeJSON(w, http.StatusOK, map[string]any{
				"object":   "invoice",
				"currency": "usd",
				"lines": map[string]any{"object": "list", "data": []map[string]any{
					{"amount": 499, "proration": true},
					{"amount": -166, "proration": true},
				}},
			})
		case "/v1/prices/price_extended_monthly":
			writeJSON(w, http.StatusOK, priceJSON("price_extended_monthly", 1499))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	preview, err := p.PreviewPriceChange(context.Background(), PriceChange{SubscriptionID: "sub_1", NewPriceRef: "price_extended_monthly"})
	require.NoError(t, err)
	assert.Equal(t, "3.33", preview.AmountDueNow.String())
	assert.Equal(t, "14.99", preview.NewRecurringAmount.String())
}

func priceJSON(id string, unitAmount int64) map[string]any {
	return map[string]any{
		"id":          id,
		"object":      "price",
		"currency":    "usd",
		"unit_amount": unitAmount,
		"type":        "recurring",
	}
}

func TestStripe_CircuitOpensAndFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": map[string]any{"type": "api_error", "message": "bad gateway"}})
	}))
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL: stripe.String(srv.URL), MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger: &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	p := NewStripeProcessor("sk_test_123", testWebhookSecret, nil,
		WithBackends(&stripe.Backends{API: backend, Connect: backend, Uploads: backend}),
		WithBreaker(circuitbreaker.New(2, time.Hour)),
		WithRetryPolicy(retry.Policy{MaxAttempts: 1}),
	)

	for i := 0; i < 2; i++ {
		_, err := p.SetCancelAtPeriodEnd(context.Background(), "sub_1", true)
		require.ErrorIs(t, err, ErrUnavailable)
	}
	_, err := p.SetCancelAtPeriodEnd(context.Background(), "sub_1", true)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func signedEvent(t *testing.T, secret string, payload string) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Header, signed.Payload
}

func TestParseWebhook_CheckoutCompleted(t *testing.T) {
	p := NewStripeProcessor("sk_test_123", testWebhookSecret, nil)
	payload := `{"id":"evt_1","object":"event","type":"checkout.session.completed","created":1700000000,
"data":{"object":{"id":"cs_1","object":"checkout.session","mode":"payment","status":"complete",
"payment_status":"paid","customer":"cus_1","metadata":{"user_id":"u_1","circle_id":"c_1","kind":"extra_members"},
"line_items":{"object":"list","data":[{"id":"li_1","price":{"id":"price_extra_members"}}]}}}}`

	header, body := signedEvent(t, testWebhookSecret, payload)
	ev, err := p.ParseWebhook(body, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, EventCheckoutCompleted, ev.Type)
	require.NotNil(t, ev.Checkout)
	assert.Equal(t, ModePayment, ev.Checkout.Mode)
	assert.True(t, ev.Checkout.Settled())
	assert.Equal(t, "cus_1", ev.Checkout.CustomerID)
	assert.Equal(t, "c_1", ev.Checkout.Metadata[MetaCircleID])
	assert.True(t, ev.Checkout.HasPrice("price_extra_members"))
}

func TestParseWebhook_SubscriptionUpdated(t *testing.T) {
	p := NewStripeProcessor("sk_test_123", testWebhookSecret, nil)
	payload := fmt.Sprintf(`{"id":"evt_2","object":"event","type":"customer.subscription.updated","created":1700000000,
"data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active","current_period_end":%d,
"items":{"object":"list","data":[{"id":"si_1","price":{"id":"price_extended_monthly"}}]}}}}`, time.Now().Add(time.Hour).Unix())

	header, body := signedEvent(t, testWebhookSecret, payload)
	ev, err := p.ParseWebhook(body, header)
	require.NoError(t, err)
	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "price_extended_monthly", ev.Subscription.PriceRef)
	assert.Nil(t, ev.Checkout)
}

func TestParseWebhook_BadSignature(t *testing.T) {
	p := NewStripeProcessor("sk_test_123", testWebhookSecret, nil)
	header, body := signedEvent(t, "whsec_wrong", `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)

	_, err := p.ParseWebhook(body, header)
	assert.ErrorIs(t, err, ErrSignature)

	_, err = p.ParseWebhook(body, "")
	assert.ErrorIs(t, err, ErrSignature)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"transport", errors.New("dial tcp: connection refused"), ErrUnavailable},
		{"circuit", circuitbreaker.ErrOpen, ErrUnavailable},
		{"rate limited", &stripe.Error{HTTPStatusCode: 429}, ErrUnavailable},
		{"missing", &stripe.Error{HTTPStatusCode: 404}, ErrNotFound},
		{"bad price", &stripe.Error{HTTPStatusCode: 400, Type: stripe.ErrorTypeInvalidRequest}, ErrInvalidRequest},
		{"declined", &stripe.Error{HTTPStatusCode: 402, Type: stripe.ErrorTypeCard}, ErrPaymentFailed},
		{"already classified", fmt.Errorf("wrap: %w", ErrNotFound), ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}
	assert.NoError(t, classify(nil))
}
