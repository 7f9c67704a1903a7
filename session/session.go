// Package session defines the authenticated client binding and the quota
// primitives the gatekeeper admits against: session records with single-use
// refresh tokens, per-(tenant, route) token buckets, and the in-flight job
// registry. The Redis implementations live under features/session/redis; this
// package holds the types and narrow interfaces consumers depend on.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type (
	// Session is one authenticated client binding.
	Session struct {
		// ID identifies the session.
		ID string
		// Tenant is the owning isolation boundary.
		Tenant string
		// RefreshTokenHash is the hash of the currently valid refresh token.
		// The token itself is never stored.
		RefreshTokenHash string
		// UserLevel is the learner level carried into lesson synthesis.
		// Empty means intermediate.
		UserLevel string
		// IssuedAt is when the current token pair was emitted.
		IssuedAt time.Time
		// ExpiresAt is when the session lapses absent a rotation.
		ExpiresAt time.Time
	}

	// TokenPair is the credential pair returned on create and rotate.
	TokenPair struct {
		AccessToken  string
		RefreshToken string
		ExpiresIn    time.Duration
	}

	// Store persists sessions and enforces the single-use refresh-token
	// rotation. Rotate consumes the presented token atomically: the old
	// entry is invalidated before the new pair is emitted, and a replay of
	// a consumed token fails and invalidates the whole session.
	Store interface {
		// Create opens a session for the tenant and returns the first pair.
		Create(ctx context.Context, tenant, userLevel string, ttl time.Duration) (Session, TokenPair, error)
		// Rotate exchanges a refresh token for a new pair. Fails with an
		// authz fault on unknown or replayed tokens.
		Rotate(ctx context.Context, refreshToken string) (Session, TokenPair, error)
		// Get loads a session by id.
		Get(ctx context.Context, id string) (Session, bool, error)
		// Invalidate destroys the session and its tokens.
		Invalidate(ctx context.Context, id string) error
	}

	// Bucket parameterizes one rate-limit quota.
	Bucket struct {
		// Capacity is the maximum token count.
		Capacity int
		// RefillRate is tokens added per second.
		RefillRate float64
	}

	// Decision is the outcome of one bucket take.
	Decision struct {
		// Allowed reports whether a token was consumed.
		Allowed bool
		// Remaining is the token count after the take, in [0, capacity].
		Remaining float64
		// RetryAfter hints when a denied caller may succeed.
		RetryAfter time.Duration
	}

	// Buckets performs atomic token-bucket operations. The store is the only
	// quota authority; callers never mirror token counts in process.
	Buckets interface {
		// Take refills the (tenant, route) bucket to now and consumes one
		// token in a single atomic round trip.
		Take(ctx context.Context, tenant, route string, b Bucket) (Decision, error)
	}

	// Acquisition is the outcome of an in-flight registry acquire.
	Acquisition int

	// Registry is the in-flight job index keyed by fingerprint. Acquire is
	// atomic: it either observes an existing entry, creates one, or denies
	// because the tenant is at its in-flight bound.
	Registry interface {
		// Acquire registers the fingerprint unless it is already in flight
		// or the tenant holds maxPerTenant entries.
		Acquire(ctx context.Context, fingerprint, tenant, jobID string, maxPerTenant int, ttl time.Duration) (Acquisition, string, error)
		// Release removes the fingerprint and decrements the tenant count.
		Release(ctx context.Context, fingerprint string) error
	}
)

const (
	// AcquisitionCreated means the fingerprint was registered by this call.
	AcquisitionCreated Acquisition = iota
	// AcquisitionExists means another job holds the fingerprint; the second
	// return value of Acquire carries its job id.
	AcquisitionExists
	// AcquisitionOverLimit means the tenant is at its in-flight bound.
	AcquisitionOverLimit
)

// HashToken returns the hex SHA-256 digest stored in place of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewToken mints an opaque 32-byte random token, hex encoded.
func NewToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
