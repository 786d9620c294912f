package geo

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxFailureLength is the width of the stored diagnostic columns.
const MaxFailureLength = 255

// Diagnostic message prefixes. Alerting distinguishes failure classes by them.
const (
	MessageSyncFailed       = "Sync failed"
	MessageSyncTimedOut     = "Sync timed out after"
	MessageChecksumMismatch = "Checksum does not match the primary checksum"
	MessageChecksumError    = "Error calculating the checksum"
	MessageVerifyTimedOut   = "Verification timed out after"
)

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// FailureMessage joins message and cause as "message: cause" and truncates
// the result to MaxFailureLength.
func FailureMessage(message string, cause error) string {
	if cause != nil {
		message = message + ": " + cause.Error()
	}
	return Truncate(message, MaxFailureLength)
}

// ResourceKey formats the "type/id" identity of a resource.
func ResourceKey(t ResourceType, id int64) string {
	return string(t) + "/" + strconv.FormatInt(id, 10)
}

// ParseResourceKey parses a "type/id" key as formatted by ResourceKey.
func ParseResourceKey(key string) (ResourceType, int64, error) {
	t, idText, ok := strings.Cut(key, "/")
	if !ok || t == "" {
		return "", 0, fmt.Errorf("resource %q: want type/id", key)
	}
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("resource %q: invalid id", key)
	}
	return ResourceType(t), id, nil
}
