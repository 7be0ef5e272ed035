package x402

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	testPayTo  = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	testPayer  = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	testTxHash = "0x5e2c8a4c1a3e1b6d9f0a7c5b8e2d4f6a1c3e5b7d9f1a3c5e7b9d1f3a5c7e9b1d"
)

func validRequirement() *PaymentRequirement {
	return &PaymentRequirement{
		ID:          "req_abc",
		SessionID:   "ses_abc",
		AmountCents: 300,
		Currency:    "USD",
		PayTo:       testPayTo,
		Scheme:      "exact",
		ValidFor:    60,
		Nonce:       "nonce-1",
	}
}

func TestRequirementValidate(t *testing.T) {
	if err := validRequirement().Validate(); err != nil {
		t.Fatalf("valid requirement rejected: %v", err)
	}

	bad := validRequirement()
	bad.AmountCents = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected rejection of zero amount")
	}

	bad = validRequirement()
	bad.PayTo = "not-an-address"
	if err := bad.Validate(); err == nil {
		t.Error("expected rejection of malformed pay-to address")
	}

	bad = validRequirement()
	bad.Nonce = ""
	if err := bad.Validate(); err == nil {
		t.Error("expected rejection of missing nonce")
	}
}

func TestProofValidate(t *testing.T) {
	proof := NewProof(testTxHash, testPayer, "nonce-1")
	if err := proof.Validate(); err != nil {
		t.Fatalf("valid proof rejected: %v", err)
	}

	bad := NewProof("0xdeadbeef", testPayer, "nonce-1")
	if err := bad.Validate(); err == nil {
		t.Error("expected rejection of short tx hash")
	}

	bad = NewProof(testTxHash, "nobody", "nonce-1")
	if err := bad.Validate(); err == nil {
		t.Error("expected rejection of malformed payer address")
	}

	bad = NewProof(testTxHash, testPayer, "")
	if err := bad.Validate(); err == nil {
		t.Error("expected rejection of missing nonce")
	}
}

func TestProofHeaderRoundTrip(t *testing.T) {
	proof := NewProof(testTxHash, testPayer, "nonce-7")

	header, err := proof.ToHeader()
	if err != nil {
		t.Fatalf("ToHeader failed: %v", err)
	}

	parsed, err := ParseProofHeader(header)
	if err != nil {
		t.Fatalf("ParseProofHeader failed: %v", err)
	}
	if parsed.TxHash != proof.TxHash || parsed.From != proof.From || parsed.Nonce != proof.Nonce {
		t.Errorf("round trip changed the proof: %+v vs %+v", parsed, proof)
	}

	if _, err := ParseProofHeader(""); err == nil {
		t.Error("expected error for empty header")
	}
	if _, err := ParseProofHeader("{not json"); err == nil {
		t.Error("expected error for malformed header")
	}
}

func TestProofFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/settle", nil)

	proof, err := ProofFromRequest(req)
	if err != nil || proof != nil {
		t.Fatalf("expected (nil, nil) without header, got (%v, %v)", proof, err)
	}

	if err := AddProofToRequest(req, NewProof(testTxHash, testPayer, "n")); err != nil {
		t.Fatalf("AddProofToRequest failed: %v", err)
	}
	proof, err = ProofFromRequest(req)
	if err != nil {
		t.Fatalf("ProofFromRequest failed: %v", err)
	}
	if proof == nil || proof.TxHash != testTxHash {
		t.Errorf("expected attached proof back, got %+v", proof)
	}
}

func TestClientPays402AndRetries(t *testing.T) {
	requirement := validRequirement()

	var paidNonce string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(HeaderProof)
		if header == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(requirement)
			return
		}
		proof, err := ParseProofHeader(header)
		if err != nil || proof.Nonce != requirement.Nonce {
			http.Error(w, "bad proof", http.StatusBadRequest)
			return
		}
		paidNonce = proof.Nonce
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(func(_ context.Context, req *PaymentRequirement) (*PaymentProof, error) {
		return NewProof(testTxHash, testPayer, req.Nonce), nil
	})

	resp, err := client.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after auto-pay, got %d", resp.StatusCode)
	}
	if paidNonce != requirement.Nonce {
		t.Errorf("expected server to see nonce %q, got %q", requirement.Nonce, paidNonce)
	}
}

func TestClientRespectsLimitAndAutoPayOff(t *testing.T) {
	requirement := validRequirement()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(requirement)
	}))
	defer srv.Close()

	payer := func(_ context.Context, req *PaymentRequirement) (*PaymentProof, error) {
		t.Fatal("payer must not run")
		return nil, nil
	}

	client := NewClient(payer)
	client.MaxAmountCents = 100 // requirement wants 300
	if _, err := client.Get(context.Background(), srv.URL); err == nil {
		t.Error("expected refusal above the payment limit")
	}

	client = NewClient(payer)
	client.AutoPay = false
	resp, err := client.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer resp.Body.Close()
	if !Is402Response(resp) {
		t.Errorf("expected the raw 402 back, got %d", resp.StatusCode)
	}
}
