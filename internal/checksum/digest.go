package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DomainRefState separates repository digests from any other hash input.
// The version suffix leaves room for a future algorithm.
const DomainRefState = "geosync/refs/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Reader returns the hex SHA-256 of everything read from r.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File returns the hex SHA-256 of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	defer f.Close()
	return Reader(f)
}

// RefState returns the digest of a repository's refs, given as a map from
// full ref name to object id.
func RefState(refs map[string]string) (string, error) {
	canonical, err := MarshalCanonical(refs)
	if err != nil {
		return "", fmt.Errorf("RefState: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRefState, canonical), nil
}
