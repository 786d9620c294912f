// Package checksum computes the digests a secondary compares with the
// primary during verification.
//
// Blobs are verified with the plain SHA-256 of their bytes, the value the
// primary publishes for them. Repositories are verified with a
// domain-separated SHA-256 over the canonical JSON (RFC 8785) of their
// ref → object id map, so two mirrors with the same refs agree regardless of
// how the refs were listed.
package checksum
