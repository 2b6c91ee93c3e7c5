// Package canonical provides RFC 8785 canonical JSON and content hashing
// for sync operation fingerprints.
//
// Two submissions carrying the same idempotency key are the same request
// only if their fingerprints match. The fingerprint must therefore be
// independent of key order, whitespace and Unicode normalization form in
// the client's payload.
//
// Key design constraints:
//   - Numbers must be integers (monetary amounts are minor units)
//   - Strings are NFC normalized before hashing
//   - Object keys are ordered by UTF-16 code units, not UTF-8 bytes
package canonical
