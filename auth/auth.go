// Package auth implements the two authentication modes the client speaks:
// HTTP Basic for the REST transport, and the legacy MD5 challenge-response
// handshake for the binary socket transport.
package auth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// HashChallenge computes the legacy login response for password and a
// hex-encoded challenge received in a "/login" reply's ret= field.
//
// The digest covers the byte sequence 0x00 || password || hex_decode(challenge),
// and the wire response is "00" followed by the lowercase hex MD5 of that
// buffer. The challenge must be non-empty and valid hexadecimal; this is
// validated before hashing so a malformed challenge is reported as an
// AuthError-class failure rather than silently hashing garbage.
func HashChallenge(password, challengeHex string) (response string, err error) {
	if challengeHex == "" {
		return "", fmt.Errorf("auth: empty challenge")
	}
	challenge, err := hex.DecodeString(challengeHex)
	if err != nil {
		return "", fmt.Errorf("auth: challenge is not valid hex: %w", err)
	}

	buf := make([]byte, 0, 1+len(password)+len(challenge))
	buf = append(buf, 0x00)
	buf = append(buf, password...)
	buf = append(buf, challenge...)
	defer zero(buf)

	sum := md5.Sum(buf)
	return "00" + hex.EncodeToString(sum[:]), nil
}

// zero overwrites buf with zero bytes. Password buffers must never be
// reused after hashing, so the working copy is wiped once the digest has
// been taken.
func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// BasicAuth holds credentials for the modern HTTP Basic auth mode used by
// the REST transport.
type BasicAuth struct {
	User     string
	Password string
}
