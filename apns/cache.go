package apns

import (
	"log"
	"sync"
	"time"
)

// SignatureCache holds the most recent provider token so that concurrent
// sends share one signature until the key material changes or the
// timestamp window elapses. Refreshing too often gets a provider
// TooManyProviderTokenUpdates from APNs.
type SignatureCache struct {
	mu sync.Mutex

	key    string
	keyID  string
	teamID string

	signature string
	gate      *TimestampGate
	sign      func(key, keyID, teamID string, issuedAt time.Time) (string, error)
	onRefresh func()
}

// NewSignatureCache returns an empty cache backed by Sign.
func NewSignatureCache() *SignatureCache {
	return &SignatureCache{
		gate: NewTimestampGate(),
		sign: Sign,
	}
}

// Update adopts new key material. The cached signature is dropped only when
// one of the inputs differs from what the cache already holds.
func (c *SignatureCache) Update(key, keyID, teamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key == c.key && keyID == c.keyID && teamID == c.teamID {
		return
	}
	c.key = key
	c.keyID = keyID
	c.teamID = teamID
	c.signature = ""
}

// Signature returns the cached token, signing a new one when the cache is
// empty or the timestamp window has elapsed.
func (c *SignatureCache) Signature() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.signature != "" && !c.gate.Expired() {
		return c.signature, nil
	}

	signature, err := c.sign(c.key, c.keyID, c.teamID, c.gate.Current())
	if err != nil {
		c.signature = ""
		return "", err
	}
	log.Printf("[APNs] Signed new provider token for key %s", c.keyID)
	c.signature = signature
	if c.onRefresh != nil {
		c.onRefresh()
	}
	return signature, nil
}

// OnRefresh registers fn to run after every new signature.
func (c *SignatureCache) OnRefresh(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRefresh = fn
}
