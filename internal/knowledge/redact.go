package knowledge

import "regexp"

// redactors is applied in order to every chunk before it is ever
// persisted (§3 "Knowledge chunk content is redacted of PII before
// persistence"). DESIGN.md's Open Question decision is one-way:
// matches are replaced with a fixed token, the original text is never
// retained anywhere, so recovery is impossible by construction.
//
// No PII-detection library appears anywhere in the retrieval pack
// (grepped every go.mod for "pii", "redact", "presidio" with no hits),
// so this is stdlib regexp rather than an adopted third-party
// dependency — the justification DESIGN.md requires for standard-
// library-only code.
var redactors = []struct {
	pattern *regexp.Regexp
	token   string
}{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED:EMAIL]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED:SSN]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`), "[REDACTED:CARD]"},
	{regexp.MustCompile(`\b(?:\+?\d{1,2}[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`), "[REDACTED:PHONE]"},
}

// redactPII replaces every recognized PII pattern in text with a fixed
// token, mirroring original_source's redact_pii (imported by
// core/indexer.py's _store_chunks but not itself present in the
// retrieval pack — the pattern set here is authored directly against
// common PII shapes rather than ported from a source file).
func redactPII(text string) string {
	for _, r := range redactors {
		text = r.pattern.ReplaceAllString(text, r.token)
	}
	return text
}
