package dvm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/openagents/core/internal/nostrtype"
)

// Signer computes an event's id and signature in place before it is
// published. Concrete cryptographic signing is out of scope (Non-goal) —
// this is an injected capability so DvmService never depends on a specific
// key-management scheme.
type Signer interface {
	PublicKey() string
	Sign(ev *nostrtype.Event) error
}

// MockSigner derives a deterministic, non-cryptographic id from the event's
// content for tests and local development. It never validates; it exists
// only so DvmService has something to call through the Signer seam.
type MockSigner struct {
	Pubkey string
}

func NewMockSigner(pubkey string) *MockSigner {
	if pubkey == "" {
		pubkey = "mock-dvm-pubkey"
	}
	return &MockSigner{Pubkey: pubkey}
}

func (s *MockSigner) PublicKey() string { return s.Pubkey }

func (s *MockSigner) Sign(ev *nostrtype.Event) error {
	ev.PubKey = s.Pubkey
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%v|%s", ev.PubKey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content)))
	ev.ID = hex.EncodeToString(sum[:])
	ev.Sig = hex.EncodeToString(sum[:]) // placeholder signature, mock only
	return nil
}
