package rpc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// The authenticate handshake proves both peers hold the shared cluster
// secret without putting it on the wire: the challenger sends a random
// message, the responder replies with HMAC(secret, message + salt) and the
// salt it picked.

// NewChallenge returns a random challenge message.
func NewChallenge() ([]byte, error) {
	message := make([]byte, 16)
	if _, err := rand.Read(message); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	return message, nil
}

// NewSalt returns a random digest salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// ComputeDigest derives the handshake digest for a challenge.
func ComputeDigest(secret, message, salt []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	mac.Write(salt)
	return mac.Sum(nil)
}

// VerifyDigest checks a peer's response to a challenge in constant time.
func VerifyDigest(secret, message, salt, digest []byte) bool {
	return hmac.Equal(ComputeDigest(secret, message, salt), digest)
}
