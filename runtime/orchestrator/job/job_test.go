package job

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("acme", KindAudit, []byte("diff body"), "key-1")
	b := Fingerprint("acme", KindAudit, []byte("diff body"), "key-1")
	require.Equal(t, a, b)
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	// Field content must not bleed across boundaries: ("ab","c") != ("a","bc").
	a := Fingerprint("ab", KindAudit, []byte("c"), "")
	b := Fingerprint("a", KindAudit, []byte("bc"), "")
	require.NotEqual(t, a, b)

	withKey := Fingerprint("acme", KindAudit, []byte("d"), "k")
	without := Fingerprint("acme", KindAudit, []byte("dk"), "")
	require.NotEqual(t, withKey, without)
}

func TestFingerprintVariesByKind(t *testing.T) {
	require.NotEqual(t,
		Fingerprint("acme", KindAudit, []byte("x"), ""),
		Fingerprint("acme", KindStruggle, []byte("x"), ""),
	)
}

func TestTerminalStates(t *testing.T) {
	require.False(t, StatePending.Terminal())
	require.False(t, StateRunning.Terminal())
	require.True(t, StateSucceeded.Terminal())
	require.True(t, StateFailed.Terminal())
	require.True(t, StateCancelled.Terminal())
}

func TestIdempotencyTokenVariesByStep(t *testing.T) {
	fp := Fingerprint("acme", KindAudit, []byte("x"), "")
	require.NotEqual(t, IdempotencyToken(fp, 0), IdempotencyToken(fp, 1))
	require.Equal(t, IdempotencyToken(fp, 3), IdempotencyToken(fp, 3))
}
