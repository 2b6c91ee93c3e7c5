package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix leaves room for
// an algorithm change without colliding with stored fingerprints.
const (
	DomainFingerprint = "tillsync/fingerprint/v1"
	DomainPayload     = "tillsync/payload/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash hashes the canonical form of a raw JSON payload.
func PayloadHash(raw []byte) (string, error) {
	canon, err := Normalize(raw)
	if err != nil {
		return "", fmt.Errorf("PayloadHash: %w", err)
	}
	return hashWithDomain(DomainPayload, canon), nil
}

// Fingerprint computes the semantic identity of a sync operation: its sync
// type, operation, target entity and payload. Tenant and idempotency key
// are deliberately excluded; they form the namespace the fingerprint is
// compared within.
func Fingerprint(syncType, operation, entityID string, payload []byte) (string, error) {
	payloadHash, err := PayloadHash(payload)
	if err != nil {
		return "", fmt.Errorf("Fingerprint: %w", err)
	}

	obj := map[string]any{
		"sync_type":    syncType,
		"operation":    operation,
		"entity_id":    entityID,
		"payload_hash": payloadHash,
	}
	canon, err := Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("Fingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainFingerprint, canon), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFingerprint(syncType, operation, entityID string, payload []byte) string {
	fp, err := Fingerprint(syncType, operation, entityID, payload)
	if err != nil {
		panic(err)
	}
	return fp
}
