package broker

import "testing"

func TestCredentialDigestDeterministic(t *testing.T) {
	a := CredentialDigest("key.one", "token-abc")
	b := CredentialDigest("key.one", "token-abc")
	if a != b {
		t.Fatalf("digest not deterministic: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars (256 bits), got %d", len(a))
	}
}

func TestCredentialDigestDistinguishesTokens(t *testing.T) {
	a := CredentialDigest("key.one", "token-abc")
	b := CredentialDigest("key.one", "token-xyz")
	if a == b {
		t.Fatalf("expected different digests for different tokens")
	}
}

func TestCredentialDigestNoConcatenationCollision(t *testing.T) {
	// Without a separator, ("ab", "c") and ("a", "bc") would collide.
	a := CredentialDigest("ab", "c")
	b := CredentialDigest("a", "bc")
	if a == b {
		t.Fatalf("digest collided across a boundary shift: %s", a)
	}
}

func TestCredentialDigestEmptyInputs(t *testing.T) {
	d := CredentialDigest("", "")
	if d == "" {
		t.Fatalf("expected a stable digest for empty inputs")
	}
	if d != CredentialDigest("", "") {
		t.Fatalf("empty-input digest not stable across calls")
	}
}
