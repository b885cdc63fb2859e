package journal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/warp/credit-engine/credit"
)

// DomainEvent separates event chain digests from any other SHA-256 use.
// The version suffix leaves room for a future algorithm.
const DomainEvent = "credit/event/v1"

// MinKeyLength is the shortest accepted signing key, in bytes.
const MinKeyLength = 16

// Signer produces and checks the chained signature of an event.
type Signer interface {
	Sign(prevSignature string, content []byte) string
	Verify(prevSignature string, content []byte, signature string) bool
}

// HMACSigner signs chain digests with HMAC-SHA256 under an injected key.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner copies the key; callers may wipe theirs afterwards.
func NewHMACSigner(key []byte) (*HMACSigner, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", MinKeyLength, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACSigner{key: k}, nil
}

func (s *HMACSigner) Sign(prevSignature string, content []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(ChainDigest(prevSignature, content))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *HMACSigner) Verify(prevSignature string, content []byte, signature string) bool {
	expected := s.Sign(prevSignature, content)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ChainDigest is SHA256(domain ‖ 0x00 ‖ prev ‖ 0x00 ‖ content). The null
// separators keep field boundaries unambiguous.
func ChainDigest(prevSignature string, content []byte) []byte {
	h := sha256.New()
	h.Write([]byte(DomainEvent))
	h.Write([]byte{0x00})
	h.Write([]byte(prevSignature))
	h.Write([]byte{0x00})
	h.Write(content)
	return h.Sum(nil)
}

// CanonicalContent is the RFC 8785 encoding of every event field except the
// signature.
func CanonicalContent(evt credit.Event) ([]byte, error) {
	evt.Signature = ""
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event %d: %w", evt.Sequence, err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event %d: %w", evt.Sequence, err)
	}
	return out, nil
}
