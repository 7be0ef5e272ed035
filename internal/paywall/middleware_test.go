package paywall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paymeter/paymeter/internal/settle"
	"github.com/paymeter/paymeter/internal/tariff"
	"github.com/paymeter/paymeter/pkg/x402"
)

const (
	testPayTo  = "0x1111111111111111111111111111111111111111"
	testPayer  = "0x2222222222222222222222222222222222222222"
	testTxHash = "0x3333333333333333333333333333333333333333333333333333333333333333"
)

type fakeFacilitator struct {
	verifyErr error
	calls     int
}

func (f *fakeFacilitator) Verify(_ context.Context, _ *x402.PaymentRequirement, _ *x402.PaymentProof) error {
	f.calls++
	return f.verifyErr
}

func (f *fakeFacilitator) Settle(_ context.Context, _ *x402.PaymentRequirement, _ *x402.PaymentProof) (string, error) {
	return testTxHash, nil
}

type probeFixture struct {
	issuer  *settle.RequirementIssuer
	fac     *fakeFacilitator
	tariffs *tariff.Service
	router  *gin.Engine
	reached bool
}

func newProbeFixture(t *testing.T) *probeFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &probeFixture{
		issuer:  settle.NewRequirementIssuer(testPayTo, "exact", "USD", time.Minute),
		fac:     &fakeFacilitator{},
		tariffs: tariff.NewService(tariff.NewMemoryStore()),
	}
	prober := NewProber(f.issuer, f.fac, f.tariffs, 0)

	f.router = gin.New()
	f.router.POST("/sessions", prober.Middleware(), func(c *gin.Context) {
		f.reached = true
		c.JSON(http.StatusCreated, gin.H{"ok": true})
	})
	return f
}

func (f *probeFixture) post(t *testing.T, body map[string]any, proof *x402.PaymentProof) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if proof != nil {
		if err := x402.AddProofToRequest(req, proof); err != nil {
			t.Fatalf("attach proof failed: %v", err)
		}
	}
	f.router.ServeHTTP(w, req)
	return w
}

func TestProbe_ChallengesWithoutProof(t *testing.T) {
	f := newProbeFixture(t)

	w := f.post(t, map[string]any{"userId": "user1", "merchantId": "gym1"}, nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
	if f.reached {
		t.Error("handler must not run on a challenge")
	}

	var requirement x402.PaymentRequirement
	if err := json.Unmarshal(w.Body.Bytes(), &requirement); err != nil {
		t.Fatalf("bad challenge body: %v", err)
	}
	if requirement.AmountCents != DefaultProbeCents || requirement.Nonce == "" {
		t.Errorf("unexpected requirement: %+v", requirement)
	}
	if got := w.Header().Get(x402.HeaderNonce); got != requirement.Nonce {
		t.Errorf("nonce header %q does not match body %q", got, requirement.Nonce)
	}
}

func TestProbe_UsesTariffProbeAmount(t *testing.T) {
	f := newProbeFixture(t)

	if err := f.tariffs.Put(context.Background(), &tariff.Tariff{
		MerchantID:             "gym1",
		DefaultRateCentsPerMin: 60,
		ProbeAmountCents:       25,
	}); err != nil {
		t.Fatalf("Put tariff failed: %v", err)
	}

	w := f.post(t, map[string]any{"userId": "user1", "merchantId": "gym1"}, nil)
	var requirement x402.PaymentRequirement
	_ = json.Unmarshal(w.Body.Bytes(), &requirement)
	if requirement.AmountCents != 25 {
		t.Errorf("expected the tariff's probe amount 25, got %d", requirement.AmountCents)
	}
}

func TestProbe_AcceptsValidProof(t *testing.T) {
	f := newProbeFixture(t)

	w := f.post(t, map[string]any{"userId": "user1", "merchantId": "gym1"}, nil)
	var requirement x402.PaymentRequirement
	_ = json.Unmarshal(w.Body.Bytes(), &requirement)

	proof := x402.NewProof(testTxHash, testPayer, requirement.Nonce)
	w = f.post(t, map[string]any{"userId": "user1", "merchantId": "gym1"}, proof)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 after a paid probe, got %d: %s", w.Code, w.Body.String())
	}
	if !f.reached {
		t.Error("handler should run after a verified probe")
	}
	if f.fac.calls != 1 {
		t.Errorf("expected 1 facilitator verify, got %d", f.fac.calls)
	}
}

func TestProbe_NonceIsSingleUse(t *testing.T) {
	f := newProbeFixture(t)

	w := f.post(t, map[string]any{"userId": "user1", "merchantId": "gym1"}, nil)
	var requirement x402.PaymentRequirement
	_ = json.Unmarshal(w.Body.Bytes(), &requirement)

	proof := x402.NewProof(testTxHash, testPayer, requirement.Nonce)
	if w := f.post(t, map[string]any{"userId": "user1", "merchantId": "gym1"}, proof); w.Code != http.StatusCreated {
		t.Fatalf("first use: expected 201, got %d", w.Code)
	}
	if w := f.post(t, map[string]any{"userId": "user2", "merchantId": "gym1"}, proof); w.Code != http.StatusBadRequest {
		t.Errorf("replay: expected 400, got %d", w.Code)
	}
}

func TestProbe_NonceBoundToMerchant(t *testing.T) {
	f := newProbeFixture(t)

	w := f.post(t, map[string]any{"userId": "user1", "merchantId": "gym1"}, nil)
	var requirement x402.PaymentRequirement
	_ = json.Unmarshal(w.Body.Bytes(), &requirement)

	proof := x402.NewProof(testTxHash, testPayer, requirement.Nonce)
	if w := f.post(t, map[string]any{"userId": "user1", "merchantId": "gym2"}, proof); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a cross-merchant nonce, got %d", w.Code)
	}
}

func TestProbe_RejectedPayment(t *testing.T) {
	f := newProbeFixture(t)
	f.fac.verifyErr = errors.New("no matching transfer")

	w := f.post(t, map[string]any{"userId": "user1", "merchantId": "gym1"}, nil)
	var requirement x402.PaymentRequirement
	_ = json.Unmarshal(w.Body.Bytes(), &requirement)

	proof := x402.NewProof(testTxHash, testPayer, requirement.Nonce)
	w = f.post(t, map[string]any{"userId": "user1", "merchantId": "gym1"}, proof)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402 for a rejected probe, got %d", w.Code)
	}
	if f.reached {
		t.Error("handler must not run on a rejected probe")
	}
}

func TestProbe_MalformedBodyFallsThrough(t *testing.T) {
	f := newProbeFixture(t)

	// No merchant id: the probe steps aside and the handler decides.
	w := f.post(t, map[string]any{"userId": "user1"}, nil)
	if w.Code != http.StatusCreated {
		t.Errorf("expected fall-through to the handler, got %d", w.Code)
	}
}
