package service

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprinter derives the non-reversible device identifier a grant binds to.
type Fingerprinter struct {
	key    [32]byte
	policy OriginPolicy
}

func NewFingerprinter(secret string, policy OriginPolicy) *Fingerprinter {
	return &Fingerprinter{
		key:    sha256.Sum256([]byte(secret)),
		policy: policy,
	}
}

// Derive returns the fingerprint and the origin key it was computed over.
func (f *Fingerprinter) Derive(id ClientIdentity) (string, string, error) {
	origin, err := f.policy.Key(id.IP)
	if err != nil {
		return "", "", err
	}

	h, err := blake2b.New256(f.key[:])
	if err != nil {
		return "", "", fmt.Errorf("init blake2b: %w", err)
	}
	for _, part := range []string{
		strings.TrimSpace(id.UserAgent),
		strings.ToLower(strings.TrimSpace(id.AcceptLanguage)),
		strings.TrimSpace(id.DeviceID),
		origin,
	} {
		// length-prefixed fields
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}

	return hex.EncodeToString(h.Sum(nil)), origin, nil
}

func (f *Fingerprinter) Policy() OriginPolicy {
	return f.policy
}

func fingerprintsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
