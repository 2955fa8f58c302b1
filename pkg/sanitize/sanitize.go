// Package sanitize scrubs secret values out of outbound text and fences
// untrusted content behind per-call random delimiters.
package sanitize

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// Redacted replaces every secret occurrence in sanitized text.
const Redacted = "[REDACTED]"

// minSecretLen guards against degenerate replacements: very short values
// would shred unrelated text.
const minSecretLen = 4

// Sanitize replaces each secret value, its base64 encodings, and its
// URL-encoded form with the redaction marker. Values shorter than four
// characters are skipped.
func Sanitize(text string, values []string) string {
	if text == "" || len(values) == 0 {
		return text
	}
	for _, v := range values {
		if len(v) < minSecretLen {
			continue
		}
		for _, variant := range variants(v) {
			text = strings.ReplaceAll(text, variant, Redacted)
		}
	}
	return text
}

// variants returns the encodings under which a secret value may surface in
// output: plaintext, standard and URL-safe base64 (padded and raw), and the
// URL-escaped form.
func variants(v string) []string {
	out := []string{v}
	raw := []byte(v)
	for _, enc := range []string{
		base64.StdEncoding.EncodeToString(raw),
		base64.RawStdEncoding.EncodeToString(raw),
		base64.URLEncoding.EncodeToString(raw),
		base64.RawURLEncoding.EncodeToString(raw),
		url.QueryEscape(v),
	} {
		if enc != v && len(enc) >= minSecretLen {
			out = append(out, enc)
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
