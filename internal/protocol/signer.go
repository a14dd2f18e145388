package protocol

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"github.com/zeebo/blake3"
)

var schemes = map[string]func() hash.Hash{
	"hmac-sha256": sha256.New,
	"hmac-sha512": sha512.New,
	"hmac-sha1":   sha1.New,
	"hmac-md5":    md5.New,
	"hmac-blake3": func() hash.Hash { return blake3.New() },
}

// Schemes returns the supported signature scheme names, sorted.
func Schemes() []string {
	names := make([]string, 0, len(schemes))
	for name := range schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupportsScheme reports whether scheme names a known keyed hash.
func SupportsScheme(scheme string) bool {
	_, ok := schemes[scheme]
	return ok
}

// Signer computes keyed-hash signatures over the four signed blocks.
// A nil *Signer is the unsigned mode: Sign returns "" and Verify accepts
// anything.
type Signer struct {
	scheme string
	key    []byte
	newMAC func() hash.Hash
}

// NewSigner returns a Signer for scheme and key. An empty key yields a nil
// Signer (unsigned mode). The key is used literally, not hex-decoded.
func NewSigner(scheme, key string) (*Signer, error) {
	if key == "" {
		return nil, nil
	}
	newHash, ok := schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported signature scheme %q", scheme)
	}
	k := []byte(key)
	return &Signer{
		scheme: scheme,
		key:    k,
		newMAC: func() hash.Hash { return hmac.New(newHash, k) },
	}, nil
}

// Scheme returns the configured scheme name, or "" when unsigned.
func (s *Signer) Scheme() string {
	if s == nil {
		return ""
	}
	return s.scheme
}

// Sign returns the hex digest over parts concatenated in order.
func (s *Signer) Sign(parts ...[]byte) []byte {
	if s == nil {
		return []byte{}
	}
	mac := s.newMAC()
	for _, p := range parts {
		mac.Write(p)
	}
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

// Verify checks signature against parts in constant time.
func (s *Signer) Verify(signature []byte, parts ...[]byte) error {
	if s == nil {
		return nil
	}
	expected := s.Sign(parts...)
	if subtle.ConstantTimeCompare(expected, signature) != 1 {
		return ErrSignature
	}
	return nil
}
