package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/paymeter/paymeter/internal/events"
	"github.com/paymeter/paymeter/internal/metrics"
	"github.com/paymeter/paymeter/internal/retry"
)

// maxConsecutiveFailures is the point at which a subscription stops
// receiving deliveries until its merchant re-registers it.
const maxConsecutiveFailures = 10

// Delivery headers. The signature is HMAC-SHA256 over the raw body with
// the subscription secret.
const (
	HeaderEvent     = "X-Paymeter-Event"
	HeaderTimestamp = "X-Paymeter-Timestamp"
	HeaderSignature = "X-Paymeter-Signature"
)

// Dispatcher delivers bus events to merchant webhook endpoints.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// AttachBus subscribes the dispatcher to every bus event and returns the
// unsubscribe func.
func (d *Dispatcher) AttachBus(bus *events.Bus) func() {
	return bus.Subscribe(events.TopicAll, func(ctx context.Context, ev events.Event) {
		d.Dispatch(ctx, ev)
	})
}

// Dispatch fans one event out to the merchant's active subscriptions.
// Deliveries run asynchronously; Dispatch never blocks on the network.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) {
	if ev.MerchantID == "" {
		return
	}

	subs, err := d.store.ListByMerchant(ctx, ev.MerchantID)
	if err != nil {
		d.logger.Error("failed to list webhook subscriptions",
			"merchantId", ev.MerchantID,
			"eventId", ev.ID,
			"error", err,
		)
		return
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wants(ev.Kind) {
			continue
		}
		d.wg.Add(1)
		go d.deliver(sub, ev)
	}
}

// Wait blocks until all in-flight deliveries finish. Shutdown and tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver posts one event to one endpoint, retrying transient failures.
func (d *Dispatcher) deliver(sub *Subscription, ev events.Event) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		d.recordFailure(ctx, sub, ev, fmt.Sprintf("failed to marshal event: %v", err))
		return
	}

	err = retry.Do(ctx, 3, time.Second, func() error {
		return d.post(ctx, sub, ev, payload)
	})
	if err != nil {
		d.recordFailure(ctx, sub, ev, err.Error())
		return
	}
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, ev events.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Kind))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.At.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		// The endpoint actively refused the delivery; retrying won't help.
		return retry.Permanent(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	}
}

// Sign computes the delivery signature for a payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()

	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "webhookId", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, ev events.Event, msg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()

	sub.LastError = msg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("webhook disabled after repeated failures",
			"webhookId", sub.ID,
			"merchantId", sub.MerchantID,
			"url", sub.URL,
			"failures", sub.ConsecutiveFailures,
		)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook failure", "webhookId", sub.ID, "error", err)
	}

	d.logger.Warn("webhook delivery failed",
		"webhookId", sub.ID,
		"merchantId", sub.MerchantID,
		"eventId", ev.ID,
		"kind", ev.Kind,
		"error", msg,
	)
}
