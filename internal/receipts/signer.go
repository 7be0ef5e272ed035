package receipts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Receipts are proof documents; signatures stay verifiable for 30 days.
const signatureValidity = 30 * 24 * time.Hour

// Signer signs receipt payloads with HMAC-SHA256.
type Signer struct {
	secret []byte
}

// NewSigner creates an HMAC signer. An empty secret disables signing: the
// returned nil Signer makes the whole receipt path a no-op.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// Sign computes HMAC-SHA256 over the canonical JSON of payload.
func (s *Signer) Sign(payload interface{}) (signature string, issuedAt, expiresAt time.Time, err error) {
	if s == nil {
		return "", time.Time{}, time.Time{}, ErrSigningDisabled
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	now := time.Now().UTC()
	return hex.EncodeToString(mac.Sum(nil)), now, now.Add(signatureValidity), nil
}

// Verify checks an HMAC-SHA256 signature over the canonical JSON of payload.
func (s *Signer) Verify(payload interface{}, signature string) bool {
	if s == nil {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
