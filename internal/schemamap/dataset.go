package schemamap

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DatasetName derives the warehouse dataset name from an entity's module tag.
// Module tags carry a short code in parentheses, e.g.
// "Employment Information (EC)" -> "ds_sfsf_ec". When no parenthesised code
// is present the whole tag is normalized instead.
//
// The derivation is deterministic and lossy: lower-cased, diacritics
// stripped, non-alphanumerics collapsed to underscores.
func DatasetName(module string) (string, error) {
	code := module
	if open := strings.Index(module, "("); open >= 0 {
		if close := strings.Index(module[open:], ")"); close > 0 {
			code = module[open+1 : open+close]
		}
	}

	code = normalizeIdent(code)
	if code == "" {
		return "", fmt.Errorf("schemamap: module tag %q yields an empty dataset name", module)
	}
	return "ds_sfsf_" + code, nil
}

// normalizeIdent lowercases s, strips diacritics, and replaces every run of
// non-alphanumeric characters with a single underscore.
func normalizeIdent(s string) string {
	// NFD + combining-mark removal + NFC strips diacritics (é -> e).
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	lastUnderscore := true // suppress a leading underscore
	for _, r := range strings.ToLower(stripped) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}
