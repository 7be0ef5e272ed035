package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paymeter/paymeter/internal/events"
	"github.com/paymeter/paymeter/internal/idgen"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSubscription(url string, kinds ...events.Kind) *Subscription {
	return &Subscription{
		ID:         idgen.WithPrefix(idgen.PrefixWebhook),
		MerchantID: "gym1",
		URL:        url,
		Secret:     "test-secret",
		Kinds:      kinds,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
}

func stopEvent() events.Event {
	return events.New(events.KindSessionStop, "ses_1", "user1", "gym1", map[string]any{
		"finalAmountCents": int64(300),
	})
}

func TestSubscriptionWants(t *testing.T) {
	all := testSubscription("https://example.com/hook")
	stops := testSubscription("https://example.com/hook", events.KindSessionStop)

	if !all.wants(events.KindSessionUpdate) {
		t.Error("empty kinds list should accept everything")
	}
	if !stops.wants(events.KindSessionStop) {
		t.Error("listed kind should be accepted")
	}
	if stops.wants(events.KindSessionUpdate) {
		t.Error("unlisted kind should be rejected")
	}
}

func TestDispatch_DeliversSignedEvent(t *testing.T) {
	var (
		gotBody      atomic.Value
		gotSignature atomic.Value
		gotKind      atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSignature.Store(r.Header.Get(HeaderSignature))
		gotKind.Store(r.Header.Get(HeaderEvent))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSubscription(srv.URL)
	if err := store.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d := NewDispatcher(store, testLogger())
	ev := stopEvent()
	d.Dispatch(context.Background(), ev)
	d.Wait()

	body, _ := gotBody.Load().([]byte)
	if len(body) == 0 {
		t.Fatal("no delivery received")
	}

	var delivered events.Event
	if err := json.Unmarshal(body, &delivered); err != nil {
		t.Fatalf("delivered payload is not an event: %v", err)
	}
	if delivered.ID != ev.ID || delivered.Kind != events.KindSessionStop {
		t.Errorf("unexpected event delivered: %+v", delivered)
	}

	want := Sign(body, sub.Secret)
	got, _ := gotSignature.Load().(string)
	if !hmac.Equal([]byte(got), []byte(want)) {
		t.Errorf("signature mismatch: got %q want %q", got, want)
	}
	if kind, _ := gotKind.Load().(string); kind != string(events.KindSessionStop) {
		t.Errorf("expected kind header %q, got %q", events.KindSessionStop, kind)
	}

	// Success recorded on the subscription.
	updated, err := store.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if updated.LastSuccess == nil || updated.ConsecutiveFailures != 0 {
		t.Errorf("expected success recorded, got %+v", updated)
	}
}

func TestDispatch_SkipsOtherMerchantsAndKinds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	other := testSubscription(srv.URL)
	other.MerchantID = "gym2"
	updatesOnly := testSubscription(srv.URL, events.KindSessionUpdate)
	_ = store.Create(context.Background(), other)
	_ = store.Create(context.Background(), updatesOnly)

	d := NewDispatcher(store, testLogger())
	d.Dispatch(context.Background(), stopEvent())
	d.Wait()

	if calls.Load() != 0 {
		t.Errorf("expected no deliveries, got %d", calls.Load())
	}
}

func TestDispatch_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSubscription(srv.URL)
	_ = store.Create(context.Background(), sub)

	d := NewDispatcher(store, testLogger())
	d.Dispatch(context.Background(), stopEvent())
	d.Wait()

	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
	updated, _ := store.Get(context.Background(), sub.ID)
	if updated.ConsecutiveFailures != 0 {
		t.Errorf("recovered delivery must reset the failure count, got %d", updated.ConsecutiveFailures)
	}
}

func TestDispatch_RejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSubscription(srv.URL)
	_ = store.Create(context.Background(), sub)

	d := NewDispatcher(store, testLogger())
	d.Dispatch(context.Background(), stopEvent())
	d.Wait()

	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", calls.Load())
	}
	updated, _ := store.Get(context.Background(), sub.ID)
	if updated.ConsecutiveFailures != 1 || updated.LastError == "" {
		t.Errorf("expected failure recorded, got %+v", updated)
	}
}

func TestDispatch_DisablesAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSubscription(srv.URL)
	sub.ConsecutiveFailures = maxConsecutiveFailures - 1
	_ = store.Create(context.Background(), sub)

	d := NewDispatcher(store, testLogger())
	d.Dispatch(context.Background(), stopEvent())
	d.Wait()

	updated, _ := store.Get(context.Background(), sub.ID)
	if updated.Active {
		t.Error("subscription should be disabled after repeated failures")
	}

	// Disabled subscriptions receive nothing.
	before := calls.Load()
	d.Dispatch(context.Background(), stopEvent())
	d.Wait()
	if calls.Load() != before {
		t.Error("disabled subscription still receiving deliveries")
	}
}

func TestDispatch_ViaBus(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), testSubscription(srv.URL))

	d := NewDispatcher(store, testLogger())
	bus := events.NewBus(testLogger())
	unsubscribe := d.AttachBus(bus)
	defer unsubscribe()

	bus.PublishSync(context.Background(), stopEvent())
	d.Wait()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Error("bus event never reached the webhook endpoint")
	}
}

func TestCreateWebhook_RejectsInternalURLs(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := NewHandler(NewMemoryStore())
	router := gin.New()
	h.RegisterRoutes(router.Group("/api/v1"))

	for _, url := range []string{
		"http://localhost/hook",
		"http://127.0.0.1/hook",
		"http://10.0.0.5/hook",
		"http://169.254.169.254/latest/meta-data",
		"ftp://example.com/hook",
	} {
		body, _ := json.Marshal(CreateWebhookRequest{MerchantID: "gym1", URL: url})
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("url %q: expected 400, got %d", url, w.Code)
		}
	}
}

func TestCreateWebhook_ReturnsSecretOnce(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	h := NewHandler(store)
	router := gin.New()
	h.RegisterRoutes(router.Group("/api/v1"))

	// Public IP literal: passes the SSRF check without DNS resolution.
	body, _ := json.Marshal(CreateWebhookRequest{
		MerchantID: "gym1",
		URL:        "https://203.0.113.10/hook",
		Kinds:      []events.Kind{events.KindSessionStop},
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Secret == "" {
		t.Error("expected the secret in the creation response")
	}

	// Listing never exposes the secret.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/gym1", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte(resp.Secret)) {
		t.Error("secret leaked in the list response")
	}
}

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sub := testSubscription("https://example.com/hook")
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, sub.ID)
	if err != nil || got.URL != sub.URL {
		t.Fatalf("Get: %v %+v", err, got)
	}

	got.Active = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	updated, _ := store.Get(ctx, sub.ID)
	if updated.Active {
		t.Error("update did not persist")
	}

	if err := store.Delete(ctx, sub.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, sub.ID); err != ErrWebhookNotFound {
		t.Errorf("expected ErrWebhookNotFound, got %v", err)
	}
	if err := store.Delete(ctx, sub.ID); err != ErrWebhookNotFound {
		t.Errorf("expected ErrWebhookNotFound on double delete, got %v", err)
	}
}
