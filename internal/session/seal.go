package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var errUnsealable = errors.New("provider token does not open with the current key")

// sealer encrypts provider tokens before they reach Redis. The box key is
// derived from the configured secret, so rotating the secret invalidates
// every stored session.
type sealer struct {
	key [32]byte
}

func newSealer(secret string) (*sealer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session token key is required")
	}
	s := &sealer{}
	derive := hkdf.New(sha256.New, []byte(secret), nil, []byte("threadsync session provider token"))
	if _, err := io.ReadFull(derive, s.key[:]); err != nil {
		return nil, fmt.Errorf("derive session token key: %w", err)
	}
	return s, nil
}

func (s *sealer) seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("session token nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.RawStdEncoding.EncodeToString(box), nil
}

func (s *sealer) open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	box, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil || len(box) < nonceSize+secretbox.Overhead {
		return "", errUnsealable
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plaintext, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", errUnsealable
	}
	return string(plaintext), nil
}
