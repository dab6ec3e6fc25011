package broker

import (
	"crypto/sha256"
	"encoding/hex"
)

// digestSeparator keeps the concatenation of apiKey and accessToken
// unambiguous: without it, ("ab", "c") and ("a", "bc") would collide.
const digestSeparator = "\x00"

// CredentialDigest returns a deterministic, 256-bit hex fingerprint of an
// (apiKey, accessToken) pair. It is used for session affinity on resume, not
// for secrecy: the digest is safe to hold as a registry index and to log,
// since it cannot be reversed into the original credentials any more easily
// than a generic SHA-256 preimage search.
//
// Empty inputs are tolerated and still produce a stable digest. No salt is
// mixed in, so the same pair always yields the same digest.
func CredentialDigest(apiKey, accessToken string) string {
	h := sha256.New()
	h.Write([]byte(apiKey))
	h.Write([]byte(digestSeparator))
	h.Write([]byte(accessToken))
	return hex.EncodeToString(h.Sum(nil))
}
