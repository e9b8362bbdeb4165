// Package idempotency de-duplicates user-triggered requests by body hash.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrInFlight indicates an identical request is still being processed.
var ErrInFlight = errors.New("identical request in flight")

// DefaultTTL is how long a request fingerprint is remembered.
const DefaultTTL = 10 * time.Minute

const pendingMarker = "__pending__"

// Claim is the outcome of Begin. When Fresh is false the caller must not
// repeat the side effects; Result carries what the first request stored.
type Claim struct {
	Key    string
	Fresh  bool
	Result string
}

// Guard remembers request fingerprints for a TTL.
type Guard interface {
	// Begin claims key. A repeated claim reports Fresh=false, or ErrInFlight
	// while the first request has not completed.
	Begin(ctx context.Context, key string, ttl time.Duration) (Claim, error)
	// Complete stores the result for later duplicates.
	Complete(ctx context.Context, key, result string, ttl time.Duration) error
	// Abandon forgets key so the request can be retried.
	Abandon(ctx context.Context, key string) error
}

// Key scopes a fingerprint to an entry point and user.
func Key(scope, userID, fingerprint string) string {
	return "jobmatch:idem:" + scope + ":" + userID + ":" + fingerprint
}

// HashBody returns the hex sha256 of a request body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func claimFrom(key, stored string) (Claim, error) {
	if stored == pendingMarker {
		return Claim{Key: key}, ErrInFlight
	}
	return Claim{Key: key, Result: stored}, nil
}
