// Package redact strips personally identifiable information from inbound
// message text before it is persisted or sent to the extractor.
//
// The transforms are deliberately blunt: anything shaped like an SSN, a
// 16-digit card number, or an email address is replaced with a fixed marker.
// False positives are acceptable; leaking PII to the language model is not.
// Redaction is idempotent, so applying it twice (ingress and ingest both
// call it) changes nothing.
package redact

import "regexp"

// Markers substituted for matched PII.
const (
	SSNMarker   = "[SSN_REDACTED]"
	CardMarker  = "[CC_REDACTED]"
	EmailMarker = "[EMAIL_REDACTED]"
)

// RetentionMarker replaces inbound text older than the retention cutoff.
// Unlike the PII markers it erases the whole text, not a substring.
const RetentionMarker = "[REDACTED_PER_RETENTION_POLICY]"

var (
	// Card first: a 16-digit run must not be nibbled into SSN-shaped pieces.
	cardRe  = regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`)
	ssnRe   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// Text applies all PII transforms to s and returns the safe result.
func Text(s string) string {
	if s == "" {
		return s
	}
	s = cardRe.ReplaceAllString(s, CardMarker)
	s = ssnRe.ReplaceAllString(s, SSNMarker)
	s = emailRe.ReplaceAllString(s, EmailMarker)
	return s
}
